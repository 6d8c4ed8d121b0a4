package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
)

type storedResponse struct {
	status      int
	contentType string
	body        []byte
}

// bodyRecorder copies what the handler writes.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency answers a repeated write carrying the same Idempotency-Key with
// the stored response instead of running the handler again. Only successful
// answers are stored; two requests racing with the same key both run.
func Idempotency(size int, ttl time.Duration) gin.HandlerFunc {
	cache := expirable.NewLRU[string, storedResponse](size, nil, ttl)

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		id := c.Request.Method + " " + c.Request.URL.Path + " " + key
		if res, ok := cache.Get(id); ok {
			c.Header(ReplayedHeader, "true")
			if len(res.body) == 0 {
				c.Status(res.status)
			} else {
				c.Data(res.status, res.contentType, res.body)
			}
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if status := rec.Status(); status >= 200 && status < 300 {
			cache.Add(id, storedResponse{
				status:      status,
				contentType: rec.Header().Get("Content-Type"),
				body:        bytes.Clone(rec.body.Bytes()),
			})
		}
	}
}
