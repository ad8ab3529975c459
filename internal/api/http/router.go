package http

import (
	"github.com/gin-gonic/gin"

	"github.com/mossmaurice/iceoryx/internal/api/middleware"
	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
)

// RouterConfig selects the middleware of the introspection router.
type RouterConfig struct {
	Metrics   *monitoring.Metrics
	CORS      *middleware.CORSConfig
	RateLimit *middleware.RateLimitConfig
	Release   bool
}

// NewRouter wires the introspection routes.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	if cfg.Metrics != nil {
		router.Use(monitoring.Middleware(cfg.Metrics))
	}
	if cfg.CORS != nil {
		router.Use(middleware.CORS(*cfg.CORS))
	}
	if cfg.RateLimit != nil {
		router.Use(middleware.GlobalRateLimit(*cfg.RateLimit))
	}

	router.GET("/health", h.Health)
	router.GET("/introspection", h.Introspection)
	router.GET("/introspection/stream", h.StreamIntrospection)
	router.GET("/processes", h.ListProcesses)
	router.GET("/processes/:name", h.GetProcess)
	router.GET("/memory", h.Memory)

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	router.GET("/metrics/json", h.MetricsJSON)

	return router
}
