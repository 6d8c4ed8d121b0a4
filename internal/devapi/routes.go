package devapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/version"
	slogGin "github.com/samber/slog-gin"
)

const maxBodySize = 4 << 20

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	ctx.Error(err)
	ctx.PureJSON(status, APIError{
		Code:    code,
		Message: err.Error(),
	})
}

// Handler serves the farm API over st.
func Handler(st *Store) http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.BestSpeed, gzip.WithExcludedPaths([]string{"/api/health"})))

	h := &handlers{store: st}

	r.GET("/", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, version.DetailedWithApp()+" devapi")
	})

	api := r.Group("/api")
	api.Use(h.latency)
	{
		api.GET("/health", h.health)
		api.GET("/:collection", h.list)
		api.GET("/:collection/:id", h.get)
		api.POST("/:collection", h.create)
		api.PUT("/:collection/:id", h.update)
		api.DELETE("/:collection/:id", h.delete)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIError{Code: "not_found", Message: "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, APIError{Code: "method_not_allowed", Message: "method not allowed"})
	})

	return r.Handler()
}

type handlers struct {
	store *Store
}

type idResponse struct {
	ID string `json:"id"`
}

func (h *handlers) latency(ctx *gin.Context) {
	if err := h.store.wait(ctx.Request.Context()); err != nil {
		ctx.Abort()
		return
	}
	ctx.Next()
}

func (h *handlers) health(ctx *gin.Context) {
	if h.store.isDown() {
		ctx.PureJSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

// kind resolves the :collection param, aborting with 404 when unknown.
func (h *handlers) kind(ctx *gin.Context) (entity.Kind, bool) {
	kind, err := entity.ParseKind(ctx.Param("collection"))
	if err != nil {
		AbortWithError(ctx, http.StatusNotFound, "unknown_collection", err)
		return "", false
	}
	return kind, true
}

// injected applies any configured fault to a write and records the call.
func (h *handlers) injected(ctx *gin.Context, kind entity.Kind) bool {
	f, ok := h.store.fault(kind)
	if !ok {
		return false
	}
	h.store.record(Call{Method: ctx.Request.Method, Collection: kind.Endpoint(), ID: ctx.Param("id"), Status: f.Status})
	AbortWithError(ctx, f.Status, f.Code, errors.New(f.Message))
	return true
}

func (h *handlers) body(ctx *gin.Context) (map[string]json.RawMessage, bool) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBodySize)
	var fields map[string]json.RawMessage
	if err := ctx.ShouldBindJSON(&fields); err != nil {
		AbortWithError(ctx, http.StatusBadRequest, "invalid_body", err)
		return nil, false
	}
	if fields == nil {
		AbortWithError(ctx, http.StatusBadRequest, "invalid_body", errors.New("body must be a JSON object"))
		return nil, false
	}
	return fields, true
}

func (h *handlers) list(ctx *gin.Context) {
	kind, ok := h.kind(ctx)
	if !ok {
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"data": h.store.List(kind)})
}

func (h *handlers) get(ctx *gin.Context) {
	kind, ok := h.kind(ctx)
	if !ok {
		return
	}
	doc, found := h.store.Get(kind, ctx.Param("id"))
	if !found {
		AbortWithError(ctx, http.StatusNotFound, "not_found", errors.New("document not found"))
		return
	}
	ctx.PureJSON(http.StatusOK, doc)
}

func (h *handlers) create(ctx *gin.Context) {
	kind, ok := h.kind(ctx)
	if !ok || h.injected(ctx, kind) {
		return
	}
	fields, ok := h.body(ctx)
	if !ok {
		return
	}

	var localID string
	if raw, has := fields["localId"]; has {
		_ = codec.Unmarshal(raw, &localID)
		delete(fields, "localId")
	}
	data, _ := codec.Marshal(fields)

	doc, created, err := h.store.Create(kind, localID, data)
	if err != nil {
		AbortWithError(ctx, http.StatusInternalServerError, "internal", err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.store.record(Call{Method: http.MethodPost, Collection: kind.Endpoint(), ID: doc.ID, Status: status})
	ctx.PureJSON(status, idResponse{ID: doc.ID})
}

func (h *handlers) update(ctx *gin.Context) {
	kind, ok := h.kind(ctx)
	if !ok || h.injected(ctx, kind) {
		return
	}
	fields, ok := h.body(ctx)
	if !ok {
		return
	}
	delete(fields, "localId")
	data, _ := codec.Marshal(fields)

	id := ctx.Param("id")
	if _, found := h.store.Update(kind, id, data); !found {
		h.store.record(Call{Method: http.MethodPut, Collection: kind.Endpoint(), ID: id, Status: http.StatusNotFound})
		AbortWithError(ctx, http.StatusNotFound, "not_found", errors.New("document not found"))
		return
	}
	h.store.record(Call{Method: http.MethodPut, Collection: kind.Endpoint(), ID: id, Status: http.StatusOK})
	ctx.PureJSON(http.StatusOK, idResponse{ID: id})
}

func (h *handlers) delete(ctx *gin.Context) {
	kind, ok := h.kind(ctx)
	if !ok || h.injected(ctx, kind) {
		return
	}
	id := ctx.Param("id")
	if !h.store.Delete(kind, id) {
		h.store.record(Call{Method: http.MethodDelete, Collection: kind.Endpoint(), ID: id, Status: http.StatusNotFound})
		AbortWithError(ctx, http.StatusNotFound, "not_found", errors.New("document not found"))
		return
	}
	h.store.record(Call{Method: http.MethodDelete, Collection: kind.Endpoint(), ID: id, Status: http.StatusNoContent})
	ctx.Status(http.StatusNoContent)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
