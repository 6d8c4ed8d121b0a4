package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/store"
)

type QueueHandler struct {
	svc *status.Service
}

func NewQueueHandler(svc *status.Service) *QueueHandler {
	return &QueueHandler{svc: svc}
}

func (h *QueueHandler) List(c *gin.Context) {
	var req QueueListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	filter := store.QueueFilter{Limit: req.Limit}
	if req.Status != "" {
		filter.Status, _ = entity.ParseQueueStatus(req.Status)
	}
	if req.Kind != "" {
		filter.Kind, _ = entity.ParseKind(req.Kind)
	}

	items, err := h.svc.QueueItems(c.Request.Context(), filter)
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	if items == nil {
		items = []status.QueueEntry{}
	}
	c.PureJSON(http.StatusOK, QueueListResponse{Items: items, Total: len(items)})
}

// Retry moves failed items back to pending. An empty body retries all of them.
func (h *QueueHandler) Retry(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	n, err := h.svc.RetryFailed(c.Request.Context(), req.IDs...)
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, RetryResponse{Code: CodeOk, Retried: n})
}
