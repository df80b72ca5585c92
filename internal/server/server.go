package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/ltm/internal/model"
	"github.com/ashita-ai/ltm/internal/ratelimit"
	"github.com/ashita-ai/ltm/internal/reservation"
	"github.com/ashita-ai/ltm/internal/service/episodes"
)

// Server is the LTM HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Redis and Limiter are optional.
type ServerConfig struct {
	EpisodeSvc *episodes.Service
	Redis      *reservation.Redis
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		EpisodeSvc:          cfg.EpisodeSvc,
		Redis:               cfg.Redis,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Writes are limited per client IP; reads and maintenance are not.
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger,
		func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
		})

	mux := http.NewServeMux()

	mux.Handle("POST /v1/episodes/register", limited(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /v1/episodes", limited(http.HandlerFunc(h.HandleAddEpisodes)))
	mux.HandleFunc("POST /v1/episodes/{uid}/update-tree", h.HandleUpdateTree)
	mux.HandleFunc("DELETE /v1/episodes", h.HandleDrop)
	mux.HandleFunc("GET /v1/status", h.HandleStatus)

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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
