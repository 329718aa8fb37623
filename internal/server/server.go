// Package server exposes the webhook, trading and dashboard HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/broker"
	"github.com/rewired-gh/tradesync/internal/ingest"
	"github.com/rewired-gh/tradesync/internal/insights"
	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

// Ingestor accepts normalized webhook posts.
type Ingestor interface {
	Submit(ctx context.Context, n ingest.Normalized) (string, error)
}

// InsightFeed serves the ranked insight feed.
type InsightFeed interface {
	Query(ctx context.Context, f insights.Filter) ([]models.Insight, error)
}

// TradeLedger executes and lists trades.
type TradeLedger interface {
	Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error)
	List(limit int) []models.Trade
}

// MarketFeed serves the latest simulated prices.
type MarketFeed interface {
	Latest() []models.MarketTick
}

// Config holds listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

// Deps are the services behind the routes. Realtime may be nil.
type Deps struct {
	Ingest   Ingestor
	Insights InsightFeed
	Ledger   TradeLedger
	Market   MarketFeed
	Broker   broker.Broker
	Realtime http.Handler
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	deps   Deps
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New wires routes and middleware.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		log:    logger.With("server"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Get("/health", s.handleHealth)

	r.Post("/webhook/{source}", s.handleWebhook)

	r.Get("/insights", s.handleInsights)
	r.Get("/trades", s.handleListTrades)
	r.Post("/trades", s.handleExecuteTrade)

	r.Get("/market", s.handleMarket)
	r.Get("/account", s.handleAccount)
	r.Get("/positions", s.handlePositions)
	r.Get("/portfolio/history", s.handlePortfolioHistory)
	r.Get("/bars/{symbol}", s.handleBars)

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard-data", s.handleDashboardData)
		r.Post("/trades", s.handleExecuteTrade)
	})

	if s.deps.Realtime != nil {
		r.Get("/ws", s.deps.Realtime.ServeHTTP)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("starting HTTP server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
