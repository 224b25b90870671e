// Package server implements the World P.A.M. HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldpam/worldpam/internal/alert"
	"github.com/worldpam/worldpam/internal/audit"
	"github.com/worldpam/worldpam/internal/config"
	"github.com/worldpam/worldpam/internal/eval"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/ratelimit"
	"github.com/worldpam/worldpam/internal/signal"
	"github.com/worldpam/worldpam/internal/storage"
	"github.com/worldpam/worldpam/internal/stream"
)

// Config holds all dependencies for creating a Server. Limiter and Audit are
// nil-safe; everything else is required.
type Config struct {
	Graph     *config.Graph
	Signals   *signal.Computer
	Evaluator *eval.Evaluator
	Store     *storage.Store
	Metrics   *metrics.Collector
	Health    *metrics.Checker
	Alerts    *alert.Engine
	Stream    *stream.Manager
	Logger    *slog.Logger

	Limiter ratelimit.Limiter
	Audit   *audit.Log

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the engine's HTTP front end.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	graph     *config.Graph
	signals   *signal.Computer
	evaluator *eval.Evaluator
	store     *storage.Store
	metrics   *metrics.Collector
	health    *metrics.Checker
	alerts    *alert.Engine
	stream    *stream.Manager
}

// New creates a Server with all routes configured.
func New(cfg Config) *Server {
	s := &Server{
		logger:    cfg.Logger,
		graph:     cfg.Graph,
		signals:   cfg.Signals,
		evaluator: cfg.Evaluator,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		alerts:    cfg.Alerts,
		stream:    cfg.Stream,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /scenarios", s.HandleScenarios)
	mux.HandleFunc("GET /evaluate/{scenario}", s.HandleEvaluate)
	mux.HandleFunc("GET /history/{scenario}", s.HandleHistory)
	mux.HandleFunc("GET /signals", s.HandleSignals)
	mux.HandleFunc("GET /signals/{name}/history", s.HandleSignalHistory)
	mux.HandleFunc("GET /alerts", s.HandleAlerts)
	mux.HandleFunc("GET /status", s.HandleStatus)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ws", s.stream.HandleWS)

	// Middleware chain (outermost executes first):
	// request ID → logging → audit → rate limit → recovery → handler.
	// Audit wraps the rate limiter so rejected (429) requests are recorded.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = ratelimit.Middleware(cfg.Limiter, limitKeyFunc)(handler)
	handler = auditMiddleware(cfg.Audit, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)
	s.handler = handler

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 60 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.CloseAll()
	return s.httpServer.Shutdown(ctx)
}
