package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/status"
)

type SyncHandler struct {
	svc *status.Service
}

func NewSyncHandler(svc *status.Service) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Sync drains the queue now and waits for the cycle to finish. It answers 409
// when offline or when a cycle is already running.
func (h *SyncHandler) Sync(c *gin.Context) {
	result, err := h.svc.ForceSync(c.Request.Context())
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, SyncResponse{Code: CodeOk, Result: result})
}

// CheckConnection probes the remote API. Being offline is a valid answer, not an error.
func (h *SyncHandler) CheckConnection(c *gin.Context) {
	st, err := h.svc.CheckConnection(c.Request.Context())
	resp := ConnectionResponse{State: st}
	if err != nil {
		resp.Error = err.Error()
	}
	c.PureJSON(http.StatusOK, resp)
}
