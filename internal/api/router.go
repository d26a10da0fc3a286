package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainboard/marketcache/internal/app"
	iauth "github.com/chainboard/marketcache/internal/auth"
	"github.com/chainboard/marketcache/internal/handlers"
	"github.com/chainboard/marketcache/internal/market"
	"github.com/chainboard/marketcache/internal/middleware"
	"github.com/chainboard/marketcache/internal/realtime"
)

// Deps bundles the wired components the router exposes over HTTP.
type Deps struct {
	Manager   *market.Manager
	Refresher *market.Refresher
	Hub       *realtime.Hub
	Tokens    *iauth.ServiceTokenService
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(cfg *app.Config, deps Deps) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("market manager must be provided")
	}
	if deps.Refresher == nil {
		return nil, fmt.Errorf("refresher must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("service token service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	// Health endpoint (public)
	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health())
	}

	marketHandler, err := handlers.NewMarketHandler(deps.Manager, cfg.Cache.DefaultTTL)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api/market")
	{
		api.POST("/query", marketHandler.Query)
		if deps.Hub != nil {
			api.GET("/stream", handlers.Stream(deps.Hub))
		}
	}

	// Internal surface: restricted to service callers.
	refreshHandler, err := handlers.NewRefreshHandler(deps.Refresher)
	if err != nil {
		return nil, err
	}

	internal := r.Group("/internal")
	internal.Use(middleware.ServiceAuth(deps.Tokens))
	{
		internal.POST("/refresh", refreshHandler.Run)
	}

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		r.GET(cfg.Monitoring.Prometheus.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
