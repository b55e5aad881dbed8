// Package server exposes the DesignMate HTTP API: auth, sketch upload,
// generation, the design assistant, history and the bundled frontend.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/auth"
	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/inference"
	"github.com/Ramkumar137/DesignMate/metrics"
)

// Generator runs one sketch-to-design request.
type Generator interface {
	GenerateFromSketch(ctx context.Context, req inference.Request) (*inference.Result, error)
}

// Assistant answers design questions.
type Assistant interface {
	Available() bool
	GeminiAvailable() bool
	Ask(ctx context.Context, prompt, background string) (string, error)
	Describe(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// Accounts is the part of auth.Service the routes use.
type Accounts interface {
	auth.Authenticator
	Signup(ctx context.Context, req auth.SignupRequest) (auth.TokenResponse, error)
	Signin(ctx context.Context, ip string, req auth.SigninRequest) (auth.TokenResponse, error)
}

// History lists past generations.
type History interface {
	RecentGenerations(ctx context.Context, userID *int64, limit int) ([]db.Generation, error)
}

// Uploads stores raw sketch uploads.
type Uploads interface {
	SaveUpload(name string, r io.Reader) (string, error)
}

// MetricsSource feeds /metrics.
type MetricsSource interface {
	Snapshot(recentLimit int) metrics.Snapshot
}

// OperationTracker lets shutdown wait for in-flight generations.
type OperationTracker interface {
	WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error
}

// Deps are the services behind the routes. Generator, Accounts and Uploads
// are required; the rest may be nil.
type Deps struct {
	Generator Generator
	Assistant Assistant
	Accounts  Accounts
	History   History
	Uploads   Uploads
	Metrics   MetricsSource
	Tracker   OperationTracker
}

// Config configures the Server.
type Config struct {
	Addr string

	ReadTimeout time.Duration
	// WriteTimeout covers a whole generation; CPU runs take minutes.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StaticDir    string
	FrontendDist string
	// LatestURL is the web path of the latest output, served with no-store.
	LatestURL string

	CORSOrigins    []string
	CORSAllowAll   bool
	// TrustedProxies may set X-Forwarded-For; everyone else is keyed by the
	// peer address.
	TrustedProxies []string

	DefaultGuidance float64
	DefaultSteps    int

	MaxUploadBytes  int64
	HistoryLimit    int
	HistoryMaxLimit int
	MetricsRecent   int
	LogSkipPaths    []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:8000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    15 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		StaticDir:       "./static",
		FrontendDist:    "../frontend/dist",
		LatestURL:       "/static/outputs/latest.png",
		DefaultGuidance: inference.DefaultGuidance,
		DefaultSteps:    inference.DefaultSteps,
		MaxUploadBytes:  32 << 20,
		HistoryLimit:    50,
		HistoryMaxLimit: 200,
		MetricsRecent:   20,
		LogSkipPaths:    []string{"/health"},
	}
}

// ConfigFromCore maps application config onto server settings. latestURL
// comes from the storage layer so it always matches the saved file.
func ConfigFromCore(cfg *core.Config, latestURL string) Config {
	c := DefaultConfig()
	c.Addr = cfg.Addr()
	c.StaticDir = cfg.StaticDir
	c.FrontendDist = cfg.FrontendDist
	if latestURL != "" {
		c.LatestURL = latestURL
	}
	c.CORSOrigins = cfg.CORSOrigins
	c.CORSAllowAll = cfg.CORSAllowAll
	c.TrustedProxies = cfg.TrustedProxies
	if cfg.DefaultGuidance > 0 {
		c.DefaultGuidance = cfg.DefaultGuidance
	}
	if cfg.DefaultSteps > 0 {
		c.DefaultSteps = cfg.DefaultSteps
	}
	return c
}

// Server owns the router and the http.Server.
type Server struct {
	cfg        Config
	deps       Deps
	logger     *zap.Logger
	proxies    *auth.Proxies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
}

// New wires routes and middleware. It does not start listening.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Generator == nil || deps.Accounts == nil || deps.Uploads == nil {
		return nil, errors.New("server: generator, accounts and uploads are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HistoryMaxLimit < cfg.HistoryLimit {
		cfg.HistoryMaxLimit = cfg.HistoryLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DefaultGuidance <= 0 {
		cfg.DefaultGuidance = def.DefaultGuidance
	}
	if cfg.DefaultSteps <= 0 {
		cfg.DefaultSteps = def.DefaultSteps
	}

	proxies, err := auth.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		proxies: proxies,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.handler = s.rootHandler()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	logger.Info("HTTP server created",
		zap.String("addr", cfg.Addr),
		zap.Bool("assistant", deps.Assistant != nil && deps.Assistant.Available()),
		zap.Bool("cors_allow_all", cfg.CORSAllowAll),
	)
	return s, nil
}

// rootHandler wraps the router with middleware, outermost first. The chain
// sits outside mux so it also covers the not-found and 405 handlers.
func (s *Server) rootHandler() http.Handler {
	var h http.Handler = s.router
	h = noStoreLatest(s.cfg.LatestURL)(h)
	h = newCORS(s.cfg.CORSOrigins, s.cfg.CORSAllowAll).Handler(h)
	h = accessLog(s.logger, s.proxies, s.cfg.LogSkipPaths)(h)
	h = requestID(h)
	h = recovery(s.logger)(h)
	return h
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Addr() string { return s.httpServer.Addr }

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
