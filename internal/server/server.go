// Package server exposes the orchestration core over HTTP: market and
// timeline operations, the agent census, the operating mode, metrics and
// the /stream WebSocket edge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/echelonworks/echelond/internal/server/handler"
	"github.com/echelonworks/echelond/internal/server/middleware"
	"github.com/echelonworks/echelond/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit caps requests per client IP per minute; 0 disables.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Timelines *handler.TimelineHandler
	Agents    *handler.AgentHandler
	Mode      *handler.ModeHandler
	VRF       *handler.VRFHandler
	// Metrics is the prometheus scrape handler.
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux
// and the middleware chain (rate limit, auth, logging, CORS) attached.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Market surface. Literal routes must be registered before the
	// {id} wildcards or the mux would shadow them.
	mux.HandleFunc("GET /markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /markets/trending", handlers.Markets.Trending)
	mux.HandleFunc("GET /markets/stats", handlers.Markets.Stats)
	mux.HandleFunc("GET /markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /markets/{id}/quote", handlers.Markets.QuoteMarket)
	mux.HandleFunc("POST /markets/{id}/bet", handlers.Markets.PlaceBet)

	// Timeline surface.
	mux.HandleFunc("POST /timelines/fork", handlers.Timelines.Fork)
	mux.HandleFunc("GET /timelines/{id}", handlers.Timelines.GetTimeline)
	mux.HandleFunc("GET /timelines/{id}/leaderboard", handlers.Timelines.Leaderboard)

	// Agent census.
	mux.HandleFunc("GET /agents", handlers.Agents.ListAgents)
	mux.HandleFunc("GET /agents/{id}", handlers.Agents.GetAgent)

	// Operating mode.
	mux.HandleFunc("GET /mode", handlers.Mode.GetMode)

	// Randomness beacon intake.
	if handlers.VRF != nil {
		mux.HandleFunc("POST /internal/vrf", handlers.VRF.Submit)
	}

	// Event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /stream", wsHub.HandleWS)
	}

	// Liveness and metrics sit outside the auth gate so probes and
	// scrapers need no credentials.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /healthz", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		outer.Handle("GET /metrics", handlers.Metrics)
	}
	outer.Handle("/", middleware.Auth(cfg.APIKey)(mux))

	var h http.Handler = outer
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	if cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimit, time.Minute)(h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
