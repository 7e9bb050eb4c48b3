package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/engine"
	"github.com/caleberi/chunkfs/master_server"
	"github.com/caleberi/chunkfs/metrics"
	"github.com/caleberi/chunkfs/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// MasterView is the read-only slice of the master the gateway reports on.
type MasterView interface {
	List(dir string) ([]string, []string, error)
	FleetStatus(ctx context.Context) []master_server.ServerStatus
	Locks() []common.LockInfo
}

// AdminGateway serves the master's state over HTTP. It never mutates the
// namespace; writes go through the framed protocol.
type AdminGateway struct {
	master   MasterView
	registry *prometheus.Registry
	router   *gin.Engine
	server   *engine.Server
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped chan struct{}
}

// GatewayConfig defines configuration options for the HTTP gateway.
type GatewayConfig struct {
	ServerName     string        // Server name for logging
	Address        string        // host:port to listen on
	Logger         io.Writer     // Logger writer
	TlsDir         string        // TLS certificate directory; empty serves plain HTTP
	MaxHeaderBytes int           // Maximum header size
	ReadTimeout    time.Duration // HTTP read header timeout
	WriteTimeout   time.Duration // HTTP write timeout
	IdleTimeout    time.Duration // HTTP idle timeout

	// Registry is exposed on /metrics. Nil answers 503 there.
	Registry *prometheus.Registry
}

// DefaultGatewayConfig returns sensible default configuration values.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ServerName:     "chunkfs-gateway",
		Address:        "127.0.0.1:8089",
		Logger:         io.Discard,
		MaxHeaderBytes: 1 << 20, // 1 MB
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
	}
}

// NewAdminGateway builds the router and the HTTP server without binding.
func NewAdminGateway(master MasterView, config GatewayConfig) (*AdminGateway, error) {
	loggerWriter := config.Logger
	if loggerWriter == nil {
		loggerWriter = io.Discard
	}

	server, err := engine.NewServer(
		config.ServerName,
		config.Address,
		loggerWriter,
		config.TlsDir,
		engine.ServerOpts{
			EnableTls:         config.TlsDir != "",
			MaxHeaderBytes:    config.MaxHeaderBytes,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	)
	if err != nil {
		return nil, err
	}

	g := &AdminGateway{
		master:   master,
		registry: config.Registry,
		server:   server,
		logger:   zerolog.New(loggerWriter).With().Timestamp().Logger(),
		stopped:  make(chan struct{}),
	}

	router := gin.New(func(e *gin.Engine) {
		e.Use(gin.LoggerWithWriter(loggerWriter))
		e.Use(gin.Recovery())
		e.Use(cors.New(cors.Config{
			AllowOrigins:  []string{"*"},
			AllowMethods:  []string{"GET", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "accept", "origin", "Cache-Control"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
		e.RemoveExtraSlash = true
		e.RedirectTrailingSlash = false
	})
	g.registerRoutes(router)
	g.router = router
	server.Mux = router

	return g, nil
}

func (g *AdminGateway) registerRoutes(router *gin.Engine) {
	router.GET("/health", g.handleHealth)
	router.GET("/api/v1/list", g.handleList)
	router.GET("/api/v1/fleet", g.handleFleet)
	router.GET("/api/v1/locks", g.handleLocks)
	router.GET("/metrics", gin.WrapH(metrics.Handler(g.registry)))
}

// Handler exposes the router, mainly for httptest.
func (g *AdminGateway) Handler() http.Handler {
	return g.router
}

// Start binds the listener and serves in the background.
func (g *AdminGateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return nil
	}
	if err := g.server.Listen(); err != nil {
		return err
	}
	g.started = true

	g.logger.Info().
		Str("address", g.server.Addr()).
		Str("server_name", g.server.ServerName).
		Msg("Starting admin gateway")

	go func() {
		defer close(g.stopped)
		if err := g.server.Serve(); err != nil {
			g.logger.Error().Err(err).Msg("admin gateway stopped")
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (g *AdminGateway) Addr() string {
	return g.server.Addr()
}

// Shutdown stops the HTTP server and waits for Serve to return.
func (g *AdminGateway) Shutdown() error {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	g.server.Shutdown()
	if started {
		<-g.stopped
	}
	return nil
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (g *AdminGateway) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := common.CodeOf(err)
	switch code {
	case common.NotFound:
		status = http.StatusNotFound
	case common.InvalidArgument:
		status = http.StatusBadRequest
	}
	g.logger.Error().Err(err).Int("status", status).Msg("Request error")

	resp := ErrorResponse{Error: err.Error()}
	if code != common.UnknownCode {
		resp.Code = code.String()
	}
	c.JSON(status, resp)
}

func (g *AdminGateway) handleList(c *gin.Context) {
	dir := c.DefaultQuery("dir", "/")

	files, dirs, err := g.master.List(dir)
	if err != nil {
		g.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: map[string]any{
			"dir":         dir,
			"files":       files,
			"directories": dirs,
		},
	})
}

func (g *AdminGateway) handleFleet(c *gin.Context) {
	servers := g.master.FleetStatus(c.Request.Context())
	dead := utils.FilterSlice(servers, func(s master_server.ServerStatus) bool { return !s.Alive })
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: map[string]any{
			"servers": servers,
			"dead":    len(dead),
		},
	})
}

func (g *AdminGateway) handleLocks(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    g.master.Locks(),
	})
}

func (g *AdminGateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "chunkfs-admin-gateway",
		"time":    time.Now().Unix(),
	})
}
