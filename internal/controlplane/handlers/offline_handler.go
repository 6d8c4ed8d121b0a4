package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/backup"
	"github.com/openmined/farmsync/internal/status"
)

// OfflineHandler serves export, import, clear and the optional bucket backup.
type OfflineHandler struct {
	svc    *status.Service
	backup *backup.Service
}

// NewOfflineHandler creates the handler. bk may be nil when no bucket is configured.
func NewOfflineHandler(svc *status.Service, bk *backup.Service) *OfflineHandler {
	return &OfflineHandler{svc: svc, backup: bk}
}

func (h *OfflineHandler) Export(c *gin.Context) {
	name := fmt.Sprintf("farmsync-%s.json", time.Now().UTC().Format("20060102T150405Z"))
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Status(http.StatusOK)

	if _, err := h.svc.ExportOfflineData(c.Request.Context(), c.Writer); err != nil {
		// headers are out already when the failure happens mid-stream
		if !c.Writer.Written() {
			AbortWithServiceError(c, err)
			return
		}
		c.Error(err)
	}
}

// Import replaces all local data with the request body. 400 when the document
// is not a valid snapshot; local data stays untouched.
func (h *OfflineHandler) Import(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, status.MaxImportSize+1)
	stats, err := h.svc.ImportOfflineData(c.Request.Context(), body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = status.ErrImportTooLarge
		}
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, ImportResponse{Code: CodeOk, ImportStats: stats})
}

func (h *OfflineHandler) Clear(c *gin.Context) {
	if err := h.svc.ClearOfflineData(c.Request.Context()); err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, ClearResponse{Code: CodeOk, ClearedAt: time.Now().UTC()})
}

func (h *OfflineHandler) enabled(c *gin.Context) bool {
	if h.backup == nil {
		AbortWithError(c, http.StatusNotImplemented, ErrCodeBackupOff, backup.ErrDisabled)
		return false
	}
	return true
}

func (h *OfflineHandler) Backup(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	obj, err := h.backup.Backup(c.Request.Context())
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, BackupResponse{Code: CodeOk, Object: obj})
}

func (h *OfflineHandler) Restore(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	stats, err := h.backup.Restore(c.Request.Context(), req.Key)
	if err != nil {
		if errors.Is(err, backup.ErrNoSnapshot) {
			AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
			return
		}
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, ImportResponse{Code: CodeOk, ImportStats: stats})
}

func (h *OfflineHandler) Backups(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	objs, err := h.backup.List(c.Request.Context())
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	if objs == nil {
		objs = []backup.Object{}
	}
	c.PureJSON(http.StatusOK, BackupListResponse{Objects: objs})
}
