// Package api is the HTTP transport of the render service.
//
// Routes:
//
//	GET  /health              liveness plus database ping
//	GET  /metrics             Prometheus exposition
//	POST /api/render          multipart render request
//	GET  /api/usage           caller's usage snapshot
//	POST /api/usage/consume   take credit outside the render flow
//	GET  /admin/renders       recent render attempts (ADMIN)
//	GET  /admin/stats         in-process render summary (ADMIN)
//
// Caller identity comes from an upstream auth proxy via X-User-ID and
// X-User-Role. The server does not authenticate.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/ledger"
	"rugcomposer/logging"
	"rugcomposer/metrics"
	"rugcomposer/render"
)

// Identity headers set by the auth proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "ADMIN"
)

// Renderer runs one render end to end.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

// Usage reads and consumes credit.
type Usage interface {
	UsageSnapshot(ctx context.Context, userID string, dailyLimitHint int) (ledger.UsageSnapshot, error)
	Consume(ctx context.Context, userID string, amount int, reason string) (ledger.ConsumeResult, error)
}

// AttemptLister lists recent render attempts.
type AttemptLister interface {
	ListRecentRenderAttempts(ctx context.Context, limit int) ([]db.RenderAttempt, error)
}

// Pinger checks database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Tracker runs a request as an in-flight operation that shutdown waits for.
type Tracker interface {
	Track(name string, fn func() error) error
}

// Deps are the collaborators behind the routes. Tracker, Metrics and
// History may be nil.
type Deps struct {
	Renderer Renderer
	Usage    Usage
	Attempts AttemptLister
	DB       Pinger
	Tracker  Tracker
	Metrics  http.Handler
	History  *metrics.RenderStore
}

// Options configures the transport.
type Options struct {
	Port               int
	MaxUploadBytes     int64
	RateLimitPerMinute int
	DailyLimitHint     int
	DevMode            bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// LogSkipPaths are served without request logging.
	LogSkipPaths []string
}

// DefaultOptions returns transport defaults. WriteTimeout leaves room for
// a normal-mode render with a mask fallback and a shadow pass.
func DefaultOptions() Options {
	return Options{
		Port:               8787,
		MaxUploadBytes:     20 << 20,
		RateLimitPerMinute: 60,
		DailyLimitHint:     20,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       8 * time.Minute,
		IdleTimeout:        120 * time.Second,
		LogSkipPaths:       []string{"/health", "/metrics"},
	}
}

// OptionsFromConfig overlays cfg onto DefaultOptions.
func OptionsFromConfig(cfg *core.Config) Options {
	opts := DefaultOptions()
	opts.Port = cfg.Port
	opts.MaxUploadBytes = cfg.MaxUploadBytes
	opts.RateLimitPerMinute = cfg.RateLimitPerMinute
	opts.DailyLimitHint = cfg.DailyLimitHint
	opts.DevMode = cfg.DevMode
	return opts
}

// Server owns the gin engine and the listening http.Server.
type Server struct {
	deps       Deps
	opts       Options
	engine     *gin.Engine
	limiter    *RateLimiter
	httpServer *http.Server
	logger     *logging.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, opts Options, logger *logging.Logger) *Server {
	if !opts.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		engine:  gin.New(),
		limiter: NewRateLimiter(opts.RateLimitPerMinute, core.DefaultRateLimitWindow),
		logger:  logger.Named("api"),
	}
	s.engine.Use(gin.Recovery(), requestLogger(s.logger, opts.LogSkipPaths...))
	s.routes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	apiGroup := s.engine.Group("/api", s.limiter.Middleware(), requireUser())
	apiGroup.POST("/render", bodyLimit(s.opts.MaxUploadBytes), s.handleRender)
	apiGroup.GET("/usage", s.handleUsage)
	apiGroup.POST("/usage/consume", bodyLimit(64<<10), s.handleConsume)

	admin := s.engine.Group("/admin", s.limiter.Middleware(), requireUser(), requireAdmin())
	admin.GET("/renders", s.handleListRenders)
	admin.GET("/stats", s.handleStats)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Limiter returns the per-IP rate limiter so callers can start its cleanup.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until Shutdown is called. The limiter cleanup runs until ctx
// is done.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.StartCleanupTicker(ctx, core.DefaultRateLimitWindow)

	s.logger.Info("HTTP server starting",
		zap.String("addr", s.httpServer.Addr),
		zap.Int64("max_upload_bytes", s.opts.MaxUploadBytes),
		zap.Int("rate_limit_per_minute", s.opts.RateLimitPerMinute),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
