package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/delivery/http/middleware"
)

// RouterConfig carries the transport-level knobs.
type RouterConfig struct {
	RateLimitPerMin int
	MaxBodyBytes    int64
}

// NewRouter creates and configures the Gin router with all routes and
// middleware.
func NewRouter(
	webhookHandler *WebhookHandler,
	eventHandler *EventHandler,
	logger *zap.Logger,
	cfg RouterConfig,
) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	// Metrics endpoint (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		healthHandler := NewHealthHandler(logger)
		v1.GET("/health", healthHandler.Health)

		// Webhook intake (rate limited, size limited)
		intake := v1.Group("/webhooks")
		intake.Use(middleware.RateLimiter(cfg.RateLimitPerMin))
		intake.Use(middleware.BodySizeLimit(cfg.MaxBodyBytes))
		intake.POST("/:source", webhookHandler.Receive)

		// Record inspection
		v1.GET("/events/:id", eventHandler.GetByID)
	}

	return router
}
