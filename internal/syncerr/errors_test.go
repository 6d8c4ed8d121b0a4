package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not connected", fmt.Errorf("force sync: %w", ErrNotConnected), CodeNotConnected},
		{"in progress", ErrDrainInProgress, CodeSyncInProgress},
		{"format", &FormatError{Reason: "missing version"}, CodeFormat},
		{"storage", &StorageError{Op: "clear", Err: errors.New("disk full")}, CodeStorage},
		{"not found", &PermanentError{Op: "delete", StatusCode: 404, Err: ErrNotFound}, CodeNotFound},
		{"permanent", &PermanentError{Op: "create", StatusCode: 422, Message: "bad"}, CodePermanent},
		{"transient", &TransientError{Op: "update", Err: context.DeadlineExceeded}, CodeTransient},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := fmt.Errorf("sync item 4: %w", &TransientError{Op: "update", Err: context.DeadlineExceeded})
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsPermanent(err))

	err = &PermanentError{Op: "delete", StatusCode: 404, Err: ErrNotFound}
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "status 404")
}

func TestStorage(t *testing.T) {
	assert.NoError(t, Storage("put", nil))

	err := Storage("put", errors.New("locked"))
	assert.True(t, IsStorage(err))
	assert.Equal(t, "storage put: locked", err.Error())

	fe := &FormatError{Reason: "unsupported version 9"}
	assert.Same(t, fe, Storage("import", fe).(*FormatError))
	assert.Equal(t, ErrRecordNotFound, Storage("get", ErrRecordNotFound))
}
