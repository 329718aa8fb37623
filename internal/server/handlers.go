package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tradesync/internal/broker"
	"github.com/rewired-gh/tradesync/internal/ingest"
	"github.com/rewired-gh/tradesync/internal/insights"
	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/rewired-gh/tradesync/internal/realtime"
)

const (
	dashboardTrades   = 50
	dashboardInsights = 20
	maxListLimit      = 1000
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var (
		ve  *models.ValidationError
		ee  *models.ExecutionError
		pe  *models.PersistenceError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &mbe):
		status = http.StatusRequestEntityTooLarge
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &ee):
		status = http.StatusBadGateway
	case errors.As(err, &pe):
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleWebhook accepts a post from one of the supported sources. The reply
// does not wait for insight extraction.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := ingest.Normalize(source, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.deps.Ingest.Submit(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "key": key})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := insights.Filter{
		Symbol:   q.Get("symbol"),
		Category: models.Category(strings.ToLower(strings.TrimSpace(q.Get("category")))),
	}
	if f.Category != "" && !models.ValidCategory(f.Category) {
		s.writeError(w, r, models.NewValidationError("category %q is not supported", f.Category))
		return
	}
	if raw := q.Get("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			s.writeError(w, r, models.NewValidationError("min_confidence must be between 0 and 1"))
			return
		}
		f.MinConfidence = v
	}
	limit, err := parseLimit(q.Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	list, err := s.deps.Insights.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "insights": list})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": s.deps.Ledger.List(limit)})
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			err = models.NewValidationError("trade request must be a JSON object: %v", err)
		}
		s.writeError(w, r, err)
		return
	}
	// A client hanging up must not abandon an order already sent to the
	// broker; the ledger's order timeout still bounds the call.
	trade, err := s.deps.Ledger.Execute(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "trade": trade})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "market": s.market()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.accountSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "account": summary})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "positions": positions})
}

func (s *Server) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	history, err := s.deps.Broker.GetPortfolioHistory(r.Context(), q.Get("period"), q.Get("timeframe"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": history})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	limit, err := parseLimit(r.URL.Query().Get("limit"), 30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bars, err := s.deps.Broker.GetBars(r.Context(), symbol, r.URL.Query().Get("timeframe"), limit)
	if errors.Is(err, broker.ErrNoPrice) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "symbol": symbol, "bars": bars})
}

// DashboardData is the one-shot state a dashboard loads on start.
type DashboardData struct {
	Account   broker.AccountSummary `json:"account"`
	Positions []broker.Position     `json:"positions"`
	Market    []models.MarketTick   `json:"market"`
	Trades    []models.Trade        `json:"trades"`
	Insights  []models.Insight      `json:"insights"`
}

func (s *Server) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	var (
		data DashboardData
		acct *broker.Account
		g    errgroup.Group
	)
	g.Go(func() error {
		var err error
		acct, err = s.deps.Broker.GetAccount(r.Context())
		return err
	})
	g.Go(func() error {
		var err error
		data.Positions, err = s.deps.Broker.GetPositions(r.Context())
		return err
	})
	g.Go(func() error {
		var err error
		data.Insights, err = s.deps.Insights.Query(r.Context(), insights.Filter{Limit: dashboardInsights})
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)
		return
	}
	data.Account = broker.Summarize(acct, data.Positions)
	data.Market = s.market()
	data.Trades = s.deps.Ledger.List(dashboardTrades)
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) accountSummary(ctx context.Context) (broker.AccountSummary, error) {
	acct, err := s.deps.Broker.GetAccount(ctx)
	if err != nil {
		return broker.AccountSummary{}, err
	}
	positions, err := s.deps.Broker.GetPositions(ctx)
	if err != nil {
		return broker.AccountSummary{}, err
	}
	return broker.Summarize(acct, positions), nil
}

func (s *Server) market() []models.MarketTick {
	if s.deps.Market == nil {
		return []models.MarketTick{}
	}
	return s.deps.Market.Latest()
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, models.NewValidationError("limit must be a non-negative integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// Snapshots builds the per-topic state a new realtime session receives.
func Snapshots(market MarketFeed, ledger TradeLedger, feed InsightFeed) realtime.SnapshotFunc {
	return func(ctx context.Context) map[models.Topic]any {
		out := make(map[models.Topic]any, len(models.AllTopics))
		if market != nil {
			out[models.TopicMarket] = market.Latest()
		}
		if ledger != nil {
			out[models.TopicTrades] = ledger.List(dashboardTrades)
		}
		if feed != nil {
			list, err := feed.Query(ctx, insights.Filter{Limit: dashboardInsights})
			if err == nil {
				out[models.TopicInsights] = list
			}
		}
		return out
	}
}
