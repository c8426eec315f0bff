// Package api exposes the gateway's HTTP surface: the OpenAI-compatible chat
// and model endpoints, the config editor endpoints, and usage reporting.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	cache "github.com/patrickmn/go-cache"

	"github.com/fabiojbg/LLMApiGateway/internal/chatlog"
	"github.com/fabiojbg/LLMApiGateway/internal/config"
	"github.com/fabiojbg/LLMApiGateway/internal/logging"
	"github.com/fabiojbg/LLMApiGateway/internal/router"
	"github.com/fabiojbg/LLMApiGateway/internal/store"
	"github.com/fabiojbg/LLMApiGateway/internal/upstream"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

const shutdownDrainTimeout = 5 * time.Second

// Dependencies collects everything the HTTP layer needs.
type Dependencies struct {
	Settings *config.Settings
	Config   *config.Store
	Router   *router.Router
	Usage    *store.UsageStore
	Manager  *usage.Manager
	Client   *upstream.Client
	ChatLog  *chatlog.Writer
}

// Server is the gateway HTTP server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the gin engine, middleware chain, and routes.
func NewServer(deps Dependencies) *Server {
	if deps.Settings.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		logging.GinLogrusRecovery(),
		logging.GinLogrusLogger(),
		corsMiddleware(deps.Settings.CORSAllowOrigins),
		authMiddleware(deps.Settings.GatewayAPIKey),
	)

	h := &handlers{
		settings:    deps.Settings,
		cfg:         deps.Config,
		router:      deps.Router,
		usage:       deps.Usage,
		manager:     deps.Manager,
		client:      deps.Client,
		chatLog:     deps.ChatLog,
		modelsCache: cache.New(modelsCacheTTL, 2*modelsCacheTTL),
	}
	registerRoutes(engine, h)

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", deps.Settings.Host, deps.Settings.Port),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the underlying http handler, used by tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests for up to 5 seconds.
func (s *Server) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	defer cancel()
	return s.srv.Shutdown(drainCtx)
}

type handlers struct {
	settings    *config.Settings
	cfg         *config.Store
	router      *router.Router
	usage       *store.UsageStore
	manager     *usage.Manager
	client      *upstream.Client
	chatLog     *chatlog.Writer
	modelsCache *cache.Cache
}

func registerRoutes(engine *gin.Engine, h *handlers) {
	engine.GET("/health", h.health)

	v1 := engine.Group("/v1")
	v1.POST("/chat/completions", h.chatCompletions)
	v1.GET("/models", h.listModels)

	cfg := v1.Group("/config")
	cfg.GET("/models-rules", h.getRules)
	cfg.POST("/models-rules", h.saveRules)
	cfg.GET("/providers", h.getProviders)
	cfg.POST("/providers", h.saveProviders)

	use := v1.Group("/usage")
	use.GET("/latest", h.latestUsage)
	use.GET("/stats/:period", h.usageStats)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
