package controlplane

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmined/farmsync/internal/backup"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/openmined/farmsync/internal/controlplane/middleware"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/version"
)

// Services are what the routes serve. Backup is optional.
type Services struct {
	Status *status.Service
	Store  *store.Store
	Backup *backup.Service
}

type RouteConfig struct {
	Auth        middleware.TokenAuthConfig
	RateLimit   string
	CORSOrigins []string
	// OnWatch is told how many status stream clients are attached.
	OnWatch func(watchers int)
}

const (
	idempotencyCacheSize = 1024
	idempotencyTTL       = 10 * time.Minute
)

func SetupRoutes(svc *Services, routeConfig *RouteConfig) (http.Handler, error) {
	if svc == nil || svc.Status == nil || svc.Store == nil {
		return nil, fmt.Errorf("control plane: status service and store are required")
	}

	r := gin.New()

	statusH := handlers.NewStatusHandler(svc.Status, routeConfig.OnWatch)
	syncH := handlers.NewSyncHandler(svc.Status)
	queueH := handlers.NewQueueHandler(svc.Status)
	recordsH := handlers.NewRecordsHandler(svc.Store)
	offlineH := handlers.NewOfflineHandler(svc.Status, svc.Backup)

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.SecureHeaders())
	r.Use(middleware.CORS(routeConfig.CORSOrigins))
	r.Use(middleware.Gzip())
	if routeConfig.RateLimit != "" {
		limit, err := middleware.RateLimiter(routeConfig.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(limit)
	}

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1Status := v1.Group("/status")
		{
			v1Status.GET("", statusH.Status)
			v1Status.GET("/events", statusH.Events)
			v1Status.GET("/ws", statusH.Websocket)
		}

		v1.POST("/sync", syncH.Sync)
		v1.POST("/connection/check", syncH.CheckConnection)

		v1Queue := v1.Group("/queue")
		{
			v1Queue.GET("", queueH.List)
			v1Queue.POST("/retry", queueH.Retry)
		}

		v1Records := v1.Group("/records/:kind")
		v1Records.Use(middleware.Idempotency(idempotencyCacheSize, idempotencyTTL))
		{
			v1Records.GET("", recordsH.List)
			v1Records.PUT("", recordsH.Put)
			v1Records.GET("/:id", recordsH.Get)
			v1Records.DELETE("/:id", recordsH.Delete)
		}

		v1Offline := v1.Group("/offline")
		{
			v1Offline.GET("/export", offlineH.Export)
			v1Offline.POST("/import", offlineH.Import)
			v1Offline.DELETE("", offlineH.Clear)
			v1Offline.POST("/backup", offlineH.Backup)
			v1Offline.POST("/restore", offlineH.Restore)
			v1Offline.GET("/backups", offlineH.Backups)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ControlPlaneError{
			ErrorCode: handlers.ErrCodeNotFound,
			Error:     "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, handlers.ControlPlaneError{
			ErrorCode: handlers.ErrCodeBadRequest,
			Error:     "method not allowed",
		})
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.String(http.StatusOK, version.DetailedWithApp())
}

func HealthHandler(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
