package routers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agrisense-io/agrisense/internal/handlers"
)

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx context.Context) bool

type APIRouterOptions struct {
	Logger *zap.SugaredLogger
	Api    *handlers.API
	// Origins are the trusted frontend origins; credentials (the refresh
	// cookie) are only shared with these.
	Origins []string
	// BusReady gates the readiness probe on the broadcast bus; an
	// apiserver that cannot receive bus events serves stale dashboards.
	BusReady ReadinessCheck
}

func NewAPIRouter(o APIRouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	loggerMiddleware := ginzap.GinzapWithConfig(o.Logger.Desugar(), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
	})
	r.Use(ginzap.RecoveryWithZap(o.Logger.Desugar(), true))

	if len(o.Origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     o.Origins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", handlers.DeviceTokenHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	api := o.Api

	auth := r.Group("/api/auth", loggerMiddleware)
	{
		auth.POST("/login", api.Login)
		auth.POST("/refresh", api.Refresh)
		auth.POST("/logout", api.Logout)
	}

	// device ingest authenticates with the X-Device-Token header, not a JWT
	r.POST("/api/v1/telemetry", loggerMiddleware, api.IngestTelemetry)

	private := r.Group("/api/v1", loggerMiddleware)
	{
		private.Use(ValidateAccessToken(api.Tokens()))
		private.GET("/devices/:id/latest", api.GetLatestReading)
		private.GET("/devices/:id/summary", api.GetSummary)
		private.GET("/devices/:id/readings", api.GetReadings)
	}

	// the access token rides a query parameter on the websocket handshake
	r.GET("/ws/live", api.Live)

	// Don't log the health/readiness checks.
	r.GET("/ready", func(c *gin.Context) {
		if o.BusReady != nil && !o.BusReady(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "DOWN",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
		})
	})
	r.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
		})
	})

	return r
}
