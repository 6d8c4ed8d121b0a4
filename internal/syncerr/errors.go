package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a sync or check is requested while definitively offline.
	ErrNotConnected = errors.New("not connected")
	// ErrNotFound is wrapped by a PermanentError when the remote resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrDrainInProgress is returned when a drain cycle is already running.
	ErrDrainInProgress = errors.New("sync already running")
	// ErrRecordNotFound is returned when a local record does not exist.
	ErrRecordNotFound = errors.New("record not found")
)

// Error codes shared by the control plane and CLI.
const (
	CodeNotConnected   = "ERR_NOT_CONNECTED"
	CodeSyncInProgress = "ERR_SYNC_IN_PROGRESS"
	CodeTransient      = "ERR_TRANSIENT"
	CodePermanent      = "ERR_PERMANENT"
	CodeFormat         = "ERR_FORMAT"
	CodeStorage        = "ERR_STORAGE"
	CodeNotFound       = "ERR_NOT_FOUND"
	CodeUnknown        = "ERR_UNKNOWN_ERROR"
)

// TransientError is a network or timeout failure that may succeed on retry.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a client-side rejection by the server that will not succeed on retry.
type PermanentError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *PermanentError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: rejected (status %d, %s): %s", e.Op, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: rejected (status %d): %s", e.Op, e.StatusCode, msg)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// FormatError is returned when a snapshot document cannot be imported.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid snapshot: %s: %v", e.Reason, e.Err)
	}
	return "invalid snapshot: " + e.Reason
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failed local storage transaction. The transaction has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err in a StorageError unless it is nil or already typed.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var fe *FormatError
	if errors.As(err, &se) || errors.As(err, &fe) || errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrDrainInProgress):
		return CodeSyncInProgress
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRecordNotFound):
		return CodeNotFound
	case IsFormat(err):
		return CodeFormat
	case IsStorage(err):
		return CodeStorage
	case IsPermanent(err):
		return CodePermanent
	case IsTransient(err):
		return CodeTransient
	}
	return CodeUnknown
}
