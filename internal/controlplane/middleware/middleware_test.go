package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenAuth_Disabled_AllowsRequests(t *testing.T) {
	r := gin.New()
	r.Use(TokenAuth(TokenAuthConfig{Token: ""}))
	r.GET("/ok", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestTokenAuth_Enabled(t *testing.T) {
	r := gin.New()
	r.Use(TokenAuth(TokenAuthConfig{Token: "secret"}))
	r.GET("/ok", func(c *gin.Context) {
		authenticated, _ := c.Get("authenticated")
		c.JSON(200, gin.H{"auth": authenticated})
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"ERR_UNAUTHORIZED"`)

	bad := httptest.NewRequest(http.MethodGet, "/ok", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, serve(r, bad).Code)

	good := httptest.NewRequest(http.MethodGet, "/ok", nil)
	good.Header.Set("Authorization", "Bearer secret")
	w = serve(r, good)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"auth":true`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/ok?token=secret", nil))
	assert.Equal(t, 200, w.Code)
}

func TestGzip_SkipsStreams(t *testing.T) {
	r := gin.New()
	r.Use(Gzip())
	big := strings.Repeat("x", 2048)
	r.GET("/v1/status", func(c *gin.Context) { c.String(200, big) })
	r.GET("/v1/status/events", func(c *gin.Context) { c.String(200, big) })

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	assert.Equal(t, "gzip", serve(r, req).Header().Get("Content-Encoding"))

	req = httptest.NewRequest(http.MethodGet, "/v1/status/events", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	assert.Empty(t, serve(r, req).Header().Get("Content-Encoding"))
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:5173"}))
	r.GET("/ok", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := serve(r, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)
}

func TestRateLimiter(t *testing.T) {
	_, err := RateLimiter("fast")
	assert.Error(t, err)

	limit, err := RateLimiter("1-H")
	assert.NoError(t, err)
	r := gin.New()
	r.Use(limit)
	r.GET("/ok", func(c *gin.Context) { c.String(200, "ok") })

	assert.Equal(t, 200, serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil)).Code)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_RATE_LIMITED")
}

func TestIdempotency_ReplaysWrites(t *testing.T) {
	r := gin.New()
	r.Use(Idempotency(16, time.Minute))
	calls := 0
	r.PUT("/records", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"call": calls})
	})
	r.DELETE("/records", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusBadRequest, gin.H{"call": calls})
	})

	put := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/records", strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		return serve(r, req)
	}

	first := put("k1")
	assert.Equal(t, `{"call":1}`, first.Body.String())
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	again := put("k1")
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, `{"call":1}`, again.Body.String())
	assert.Equal(t, "true", again.Header().Get(ReplayedHeader))
	assert.Equal(t, 1, calls)

	assert.Equal(t, `{"call":2}`, put("k2").Body.String())
	assert.Equal(t, `{"call":3}`, put("").Body.String())

	// failures are not stored
	del := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/records", nil)
		req.Header.Set(IdempotencyHeader, "k1")
		return serve(r, req)
	}
	assert.Equal(t, `{"call":4}`, del().Body.String())
	assert.Equal(t, `{"call":5}`, del().Body.String())
}
