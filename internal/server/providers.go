package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-strudel-bridge/internal/metrics"
	"github.com/sirosfoundation/go-strudel-bridge/internal/websocket"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/middleware"
)

// AssetProvider serves the compiled browser client: the HTML shell at the
// root and its bundle under /assets.
type AssetProvider struct {
	index     []byte
	staticDir string
}

// NewAssetProvider creates an asset provider from a preloaded HTML shell
func NewAssetProvider(index []byte, staticDir string) *AssetProvider {
	return &AssetProvider{index: index, staticDir: staticDir}
}

func (p *AssetProvider) Name() string { return "assets" }

func (p *AssetProvider) RegisterRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", p.index)
	})
	router.Static("/assets", p.staticDir)
}

// SessionProvider mounts the websocket endpoint
type SessionProvider struct {
	manager *websocket.Manager
	limiter *middleware.RateLimiter
}

// NewSessionProvider creates a session provider. limiter may be nil.
func NewSessionProvider(manager *websocket.Manager, limiter *middleware.RateLimiter) *SessionProvider {
	return &SessionProvider{manager: manager, limiter: limiter}
}

func (p *SessionProvider) Name() string { return "sessions" }

func (p *SessionProvider) RegisterRoutes(router *gin.Engine) {
	handlers := []gin.HandlerFunc{}
	if p.limiter != nil {
		handlers = append(handlers, middleware.RateLimitMiddleware(p.limiter))
	}
	handlers = append(handlers, gin.WrapF(p.manager.HandleConnection))
	router.GET("/ws", handlers...)
}

// MetricsProvider exposes the Prometheus registry
type MetricsProvider struct {
	metrics *metrics.Metrics
	path    string
}

// NewMetricsProvider creates a metrics provider serving at path
func NewMetricsProvider(m *metrics.Metrics, path string) *MetricsProvider {
	return &MetricsProvider{metrics: m, path: path}
}

func (p *MetricsProvider) Name() string { return "metrics" }

func (p *MetricsProvider) RegisterRoutes(router *gin.Engine) {
	router.GET(p.path, gin.WrapH(p.metrics.Handler()))
}
