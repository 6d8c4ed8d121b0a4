package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/syncerr"
)

// APIError is the error body returned by the farm API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	// some endpoints use "message" instead of "error"
	Alt string `json:"message"`
}

func (e *APIError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Alt
}

// handleAPIError classifies a request outcome.
//
// Transport failures, timeouts, 408, 429 and 5xx are transient. 404 is permanent
// and wraps syncerr.ErrNotFound. Any other 4xx is permanent.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return &syncerr.TransientError{Op: operation, Err: requestErr}
	}
	if resp == nil || resp.Response == nil {
		return &syncerr.TransientError{Op: operation, Err: errors.New("no response")}
	}
	if !resp.IsErrorState() {
		return nil
	}

	status := resp.StatusCode
	var body APIError
	_ = codec.Unmarshal(resp.Bytes(), &body)
	msg := body.text()
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return &syncerr.PermanentError{Op: operation, StatusCode: status, Code: body.Code, Message: msg, Err: syncerr.ErrNotFound}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &syncerr.TransientError{Op: operation, StatusCode: status, Err: errors.New(msg)}
	default:
		return &syncerr.PermanentError{Op: operation, StatusCode: status, Code: body.Code, Message: msg}
	}
}

func malformed(op string, status int, err error) error {
	return &syncerr.PermanentError{Op: op, StatusCode: status, Message: fmt.Sprintf("malformed response: %v", err)}
}
