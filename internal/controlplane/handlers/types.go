package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/syncerr"
)

const (
	CodeOk              string = "OK"
	ErrCodeBadRequest   string = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized string = "ERR_UNAUTHORIZED"
	ErrCodeRateLimited  string = "ERR_RATE_LIMITED"
	ErrCodeTooLarge     string = "ERR_TOO_LARGE"
	ErrCodeNotFound     string = syncerr.CodeNotFound
	ErrCodeNotConnected string = syncerr.CodeNotConnected
	ErrCodeSyncRunning  string = syncerr.CodeSyncInProgress
	ErrCodeFormat       string = syncerr.CodeFormat
	ErrCodeStorage      string = syncerr.CodeStorage
	ErrCodeBackupOff    string = "ERR_BACKUP_DISABLED"
	ErrCodeUnknownError string = syncerr.CodeUnknown
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// AbortWithServiceError maps a service error to its status and code.
func AbortWithServiceError(c *gin.Context, err error) {
	httpStatus, code := classify(err)
	AbortWithError(c, httpStatus, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, syncerr.ErrNotConnected):
		return http.StatusConflict, ErrCodeNotConnected
	case errors.Is(err, syncerr.ErrDrainInProgress):
		return http.StatusConflict, ErrCodeSyncRunning
	case errors.Is(err, status.ErrImportTooLarge):
		return http.StatusRequestEntityTooLarge, ErrCodeTooLarge
	case errors.Is(err, syncerr.ErrRecordNotFound), errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case syncerr.IsFormat(err):
		return http.StatusBadRequest, ErrCodeFormat
	case syncerr.IsStorage(err):
		return http.StatusInternalServerError, ErrCodeStorage
	}
	return http.StatusInternalServerError, ErrCodeUnknownError
}
