package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"nodekeeper/internal/ipc"
	"nodekeeper/internal/logging"
)

// Options configure the gateway.
type Options struct {
	Bind  string
	Token string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP/WebSocket control surface.
type Server struct {
	backend ipc.Backend
	router  *gin.Engine
	server  *http.Server
	logger  *slog.Logger
	token   string
	bind    string

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	// socketMu orders trackSocket against Shutdown so sockets.Add never
	// races sockets.Wait.
	socketMu sync.Mutex
	closing  bool
	sockets  sync.WaitGroup
}

// NewServer builds the router. Call Start to begin listening.
func NewServer(backend ipc.Backend, opts Options) (*Server, error) {
	if backend.Supervisor == nil || backend.Hub == nil {
		return nil, errors.New("gateway requires supervisor and notification hub")
	}
	if backend.Registry == nil {
		backend.Registry = ipc.NewRegistry(nil)
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		router:  router,
		logger:  logging.NewComponentLogger(opts.Logger, "gateway"),
		token:   opts.Token,
		bind:    opts.Bind,
		ctx:     ctx,
		cancel:  cancel,
	}
	router.Use(requestLogger(s.logger))
	s.setupRoutes(opts.Metrics)
	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.handleHealth)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	api := s.router.Group("/api", bearerAuth(s.token))
	{
		api.GET("/status", s.handleStatus)
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.POST("/command", s.handleCommand)
		api.POST("/configure", s.handleConfigure)
		api.POST("/setup", s.handleSetup)
		api.GET("/version", s.handleVersion)
		api.GET("/history", s.handleHistory)
		api.GET("/clients", s.handleClients)
		api.GET("/notifications", s.handleNotifications)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.bind, err)
	}
	s.listener = listener
	s.logger.Info("HTTP gateway listening", logging.String("addr", listener.Addr().String()))
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "HTTP gateway stopped", "gateway_serve_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "HTTP and WebSocket clients cannot reach the daemon"),
			)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and closes every WebSocket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.socketMu.Lock()
	s.closing = true
	s.socketMu.Unlock()
	s.cancel()
	err := s.server.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if err != nil {
		return fmt.Errorf("shutdown HTTP gateway: %w", err)
	}
	return nil
}

// trackSocket registers a WebSocket with the shutdown wait group. It reports
// false once Shutdown has begun.
func (s *Server) trackSocket() bool {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	if s.closing {
		return false
	}
	s.sockets.Add(1)
	return true
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("HTTP request",
			logging.String("method", c.Request.Method),
			logging.String("path", path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("duration", time.Since(start)),
			logging.String("client_ip", c.ClientIP()),
		)
	}
}
