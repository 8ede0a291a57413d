package server

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/middleware"
)

// RouteProvider contributes routes to the shared router
type RouteProvider interface {
	// RegisterRoutes adds the provider's routes to the router
	RegisterRoutes(router *gin.Engine)

	// Name returns the provider name for logging
	Name() string
}

// StatusResponse is served by /status and /health
type StatusResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	State       string `json:"state"`
	Port        uint16 `json:"port"`
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
}

var ginModeOnce sync.Once

func setGinMode(level string) {
	ginModeOnce.Do(func() {
		if level == "debug" {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
	})
}

// buildRouter creates a new router with common middleware
func buildRouter(cfg *config.Config, logger *zap.Logger) *gin.Engine {
	setGinMode(cfg.Logging.Level)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:    cfg.Server.CORS.AllowedOrigins,
		AllowOriginFunc: loopbackOrigin,
		AllowMethods:    cfg.Server.CORS.AllowedMethods,
		AllowHeaders:    cfg.Server.CORS.AllowedHeaders,
		MaxAge:          time.Duration(cfg.Server.CORS.MaxAge) * time.Second,
	}))
	return router
}

// loopbackOrigin admits any port on the loopback interface, which the
// static origin list cannot express.
func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return config.IsLoopback(u.Hostname())
}

// addStatusEndpoints adds /health and /status routes
func (a *App) addStatusEndpoints(router *gin.Engine) {
	handler := func(c *gin.Context) {
		port, _ := a.Port()
		c.JSON(http.StatusOK, StatusResponse{
			Status:      "ok",
			Service:     "strudel-bridge",
			State:       a.State().String(),
			Port:        port,
			Sessions:    a.sessions.ActiveSessions(),
			Subscribers: a.events.SubscriberCount(),
		})
	}
	router.GET("/health", handler)
	router.GET("/status", handler)
}
