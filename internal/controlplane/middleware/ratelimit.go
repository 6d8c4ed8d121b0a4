package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
)

// RateLimiter limits requests per client ip. formattedRate uses the limiter
// notation, e.g. "50-S" or "1000-M".
func RateLimiter(formattedRate string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", formattedRate, err)
	}
	l := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(
		l,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.PureJSON(http.StatusTooManyRequests, handlers.ControlPlaneError{
				ErrorCode: handlers.ErrCodeRateLimited,
				Error:     "rate limit exceeded",
			})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			c.PureJSON(http.StatusInternalServerError, handlers.ControlPlaneError{
				ErrorCode: handlers.ErrCodeUnknownError,
				Error:     err.Error(),
			})
		}),
	), nil
}
