package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/xray/internal/ratelimit"
)

// Server is the xray HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): DB, Limiter, MCPServer, OpenAPISpec,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Queue   JobQueue
	Querier Querier
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        Pinger
	Limiter   ratelimit.Limiter // per-client limit on write endpoints
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte

	// Middlewares wrap the whole handler, outermost first, ahead of the
	// built-in chain.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Queue:               cfg.Queue,
		Querier:             cfg.Querier,
		DB:                  cfg.DB,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	ingest := func(fn http.HandlerFunc) http.Handler { return ingestRL(fn) }

	mux := http.NewServeMux()

	// Ingestion: validate, enqueue, 202. Rate limited per client.
	mux.Handle("POST /v1/runs", ingest(h.HandleCreateRun))
	mux.Handle("POST /v1/runs/{run_id}/end", ingest(h.HandleEndRun))
	mux.Handle("POST /v1/steps", ingest(h.HandleCreateStep))
	mux.Handle("POST /v1/steps/{step_id}/summary", ingest(h.HandleStepSummary))
	mux.Handle("POST /v1/steps/{step_id}/candidates", ingest(h.HandleCreateCandidate))
	mux.Handle("POST /v1/steps/{step_id}/candidates/bulk", ingest(h.HandleCreateCandidatesBulk))

	// Reads.
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/steps", h.HandleListSteps)
	mux.HandleFunc("GET /v1/steps/{step_id}", h.HandleGetStep)
	mux.HandleFunc("GET /v1/query/high-rejection", h.HandleHighRejection)

	// Queue operations.
	mux.HandleFunc("GET /v1/jobs/dead", h.HandleListDeadLetters)
	mux.HandleFunc("POST /v1/jobs/{job_id}/retry", h.HandleRetryJob)
	mux.HandleFunc("GET /v1/jobs/stats", h.HandleJobStats)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// custom → request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
