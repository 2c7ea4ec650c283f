// Package server exposes run management over HTTP: submit a run, watch its
// signal stream live over SSE, fetch its records, and search prior
// extractions for grounding.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/conduit"
	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/telemetry"
)

// Config holds server configuration. Base supplies per-run defaults that
// submissions may override; when nil, each run gets the stock defaults.
type Config struct {
	Addr   string // listen address, e.g. ":8080"
	Base   *config.Config
	Logger *zap.Logger
}

// Server is the HTTP front end for run orchestration.
type Server struct {
	config   Config
	registry *RunRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *zap.Logger

	// newRun builds the engine for one submission; tests swap in fakes.
	newRun func(cfg *config.Config) (*conduit.Conduit, error)
}

// New creates a Server with its routes registered.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		l, err := telemetry.NewLogger("info")
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	}
	s := &Server{
		config:   cfg,
		registry: NewRunRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}
	s.newRun = func(runCfg *config.Config) (*conduit.Conduit, error) {
		return conduit.New(runCfg, logger)
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/signals", s.handleRunSignals)
	mux.HandleFunc("GET /runs/{id}/records", s.handleRunRecords)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleRunStream)
	mux.HandleFunc("POST /runs/{id}/abort", s.handleAbortRun)
	mux.HandleFunc("GET /grounding/search", s.handleGroundingSearch)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.logger.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI callers, which omit Origin.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown cancels all unfinished runs and drains HTTP connections.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// dataDir returns the directory holding persisted run artifacts.
func (s *Server) dataDir() string {
	if s.config.Base != nil {
		return s.config.Base.Pipeline.DataDir
	}
	return config.Default("").Pipeline.DataDir
}

// baseConfig returns a copy of the server's per-run defaults.
func (s *Server) baseConfig(targetURL string) *config.Config {
	if s.config.Base == nil {
		return config.Default(targetURL)
	}
	cfg := *s.config.Base
	cfg.TargetURL = targetURL
	return &cfg
}
