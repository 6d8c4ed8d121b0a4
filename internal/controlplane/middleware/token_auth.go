package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
)

type TokenAuthConfig struct {
	Token string
}

// TokenAuth checks the bearer token in the Authorization header or the token
// query parameter. Browsers cannot set headers on EventSource and WebSocket,
// hence the query fallback.
func TokenAuth(config TokenAuthConfig) gin.HandlerFunc {
	if config.Token == "" {
		slog.Info("control plane auth disabled")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	want := []byte(config.Token)
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			slog.Debug("invalid control plane token", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ControlPlaneError{
				ErrorCode: handlers.ErrCodeUnauthorized,
				Error:     "unauthorized",
			})
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}
