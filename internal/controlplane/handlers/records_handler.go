package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/store"
)

// RecordsHandler reads and writes local records. Writes land in the store and
// the queue; they never wait for the remote API.
type RecordsHandler struct {
	store *store.Store
}

func NewRecordsHandler(st *store.Store) *RecordsHandler {
	return &RecordsHandler{store: st}
}

func (h *RecordsHandler) kind(c *gin.Context) (entity.Kind, bool) {
	kind, err := entity.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return "", false
	}
	return kind, true
}

func (h *RecordsHandler) List(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	var req RecordListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	records, err := h.store.List(c.Request.Context(), kind, store.ListOptions{
		IncludeTombstoned: req.IncludeTombstoned,
		PendingOnly:       req.PendingOnly,
		Limit:             req.Limit,
	})
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	if records == nil {
		records = []entity.Record{}
	}
	c.PureJSON(http.StatusOK, RecordListResponse{Kind: kind, Records: records})
}

func (h *RecordsHandler) Get(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	rec, err := h.store.Get(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, rec)
}

// Put creates or updates a record. Without localId a new record is created.
func (h *RecordsHandler) Put(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	var req PutRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	data, err := codec.Marshal(req.Data)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	rec, err := h.store.Put(c.Request.Context(), kind, req.LocalID, data)
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, rec)
}

func (h *RecordsHandler) Delete(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	if err := h.store.Remove(c.Request.Context(), kind, c.Param("id")); err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, ControlPlaneResponse{Code: CodeOk})
}
