package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/oikake/internal/export"
	"github.com/ashita-ai/oikake/internal/query"
	"github.com/ashita-ai/oikake/internal/store"
)

// Server is the pipeline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store     store.Store
	Engine    *query.Engine
	Scheduler *export.Scheduler
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		Scheduler:           cfg.Scheduler,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Ingestion (consumed by the execution engine).
	mux.HandleFunc("POST /v1/spans/events", h.HandleSpanEvent)

	// Trace queries (consumed by the rendering/API layer).
	mux.HandleFunc("GET /v1/traces", h.HandleListTraces)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)

	// Span CRUD.
	mux.HandleFunc("POST /v1/spans", h.HandleCreateSpan)
	mux.HandleFunc("GET /v1/spans/{id}", h.HandleGetSpan)
	mux.HandleFunc("PATCH /v1/spans/{id}", h.HandleUpdateSpan)
	mux.HandleFunc("DELETE /v1/spans/{id}", h.HandleDeleteSpan)
	mux.HandleFunc("POST /v1/spans/batch", h.HandleBatchCreate)
	mux.HandleFunc("POST /v1/spans/batch/update", h.HandleBatchUpdate)
	mux.HandleFunc("POST /v1/spans/batch/delete", h.HandleBatchDelete)

	var handler http.Handler = mux
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
