package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/status"
)

const (
	wsWriteTimeout = 5 * time.Second
	// keeps idle proxies and browsers from dropping the stream
	streamKeepAlive = 25 * time.Second
)

// StatusHandler serves the status snapshot and its live streams.
type StatusHandler struct {
	svc *status.Service

	mu       sync.Mutex
	watchers int
	onWatch  func(watchers int)
}

// NewStatusHandler creates a status handler. onWatch, if set, is called
// whenever the number of attached stream clients changes.
func NewStatusHandler(svc *status.Service, onWatch func(watchers int)) *StatusHandler {
	return &StatusHandler{svc: svc, onWatch: onWatch}
}

func (h *StatusHandler) attach(delta int) {
	h.mu.Lock()
	h.watchers += delta
	n := h.watchers
	h.mu.Unlock()
	if h.onWatch != nil {
		h.onWatch(n)
	}
}

// Watchers is the number of stream clients attached.
func (h *StatusHandler) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchers
}

func (h *StatusHandler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		AbortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, StatusResponse{Status: st, NeedsAttention: st.NeedsAttention()})
}

// Events streams the status as server-sent events named "status".
func (h *StatusHandler) Events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub := h.svc.Subscribe()
	defer sub.Unsubscribe()
	h.attach(1)
	defer h.attach(-1)

	ctx := c.Request.Context()
	h.sendInitial(ctx, func(st status.Status) {
		c.SSEvent("status", StatusResponse{Status: st, NeedsAttention: st.NeedsAttention()})
		c.Writer.Flush()
	})
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case st, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("status", StatusResponse{Status: st, NeedsAttention: st.NeedsAttention()})
			return true
		}
	})
}

// Websocket streams the status as JSON messages. Anything the client sends is ignored.
func (h *StatusHandler) Websocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// the control plane only listens on loopback, the token guards it
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("status websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := h.svc.Subscribe()
	defer sub.Unsubscribe()
	h.attach(1)
	defer h.attach(-1)

	// CloseRead discards client frames and cancels ctx when the peer goes away
	ctx := conn.CloseRead(c.Request.Context())
	h.sendInitial(ctx, func(st status.Status) {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		_ = wsjson.Write(writeCtx, conn, StatusResponse{Status: st, NeedsAttention: st.NeedsAttention()})
	})
	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case st, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, StatusResponse{Status: st, NeedsAttention: st.NeedsAttention()})
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					slog.Debug("status websocket write", "error", err)
				}
				return
			}
		}
	}
}

// sendInitial writes a fresh status when the stream has nothing to replay yet.
func (h *StatusHandler) sendInitial(ctx context.Context, send func(status.Status)) {
	if _, ok := h.svc.Statuses().Last(); ok {
		return
	}
	st, err := h.svc.Status(ctx)
	if err != nil {
		return
	}
	send(st)
}
