// Package ledger executes trades and keeps the newest-first trade history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradesync/internal/broker"
	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

const defaultSource = "manual"

// Store is the durable, append-only trade log.
type Store interface {
	Append(trade models.Trade) error
	Load() ([]models.Trade, error)
}

// PriceSource supplies live underlying prices.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Broker routes real orders and serves bars when no live price is known.
type Broker interface {
	CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error)
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]broker.Bar, error)
}

// Publisher broadcasts ledger changes.
type Publisher interface {
	Publish(topic models.Topic, eventType string, payload any)
}

// Notifier is told about every recorded trade.
type Notifier interface {
	SendTrade(trade models.Trade) error
}

// Options tunes a Ledger. Zero values select defaults.
type Options struct {
	OrderTimeout time.Duration
	Notifier     Notifier
	Now          func() time.Time
}

// Ledger is the in-memory trade history backed by a Store.
type Ledger struct {
	store        Store
	prices       PriceSource
	broker       Broker
	pub          Publisher
	notifier     Notifier
	orderTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu     sync.RWMutex
	trades []models.Trade // newest first
}

// New creates a ledger. prices, pub and opts.Notifier may be nil.
func New(store Store, prices PriceSource, b Broker, pub Publisher, opts Options) *Ledger {
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		store:        store,
		prices:       prices,
		broker:       b,
		pub:          pub,
		notifier:     opts.Notifier,
		orderTimeout: opts.OrderTimeout,
		now:          opts.Now,
		log:          logger.With("ledger"),
	}
}

// Load replaces the in-memory history with the store's contents.
func (l *Ledger) Load() error {
	trades, err := l.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	reversed := make([]models.Trade, len(trades))
	for i, t := range trades {
		reversed[len(trades)-1-i] = t
	}
	l.mu.Lock()
	l.trades = reversed
	l.mu.Unlock()
	l.log.Info().Int("trades", len(reversed)).Msg("ledger loaded")
	return nil
}

// List returns up to limit trades, newest first. limit <= 0 returns all.
func (l *Ledger) List(limit int) []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Trade, n)
	copy(out, l.trades[:n])
	return out
}

// Execute fills a trade request. Option requests are priced locally; other
// requests become market orders at the broker. A trade is recorded only
// after it has been appended to the store.
func (l *Ledger) Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Trade{}, err
	}

	var (
		trade models.Trade
		err   error
	)
	if req.Synthetic() {
		trade, err = l.simulate(ctx, req)
	} else {
		trade, err = l.submit(ctx, req)
	}
	if err != nil {
		l.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("trade failed")
		return models.Trade{}, err
	}

	if err := l.record(trade); err != nil {
		l.log.Error().Err(err).Str("trade", trade.ID).Msg("trade not recorded")
		return models.Trade{}, err
	}

	l.log.Info().
		Str("trade", trade.ID).
		Str("symbol", trade.Symbol).
		Str("action", string(trade.Action)).
		Float64("quantity", trade.Quantity).
		Float64("price", trade.Price).
		Str("status", string(trade.Status)).
		Bool("synthetic", trade.Synthetic).
		Msg("trade recorded")

	if l.pub != nil {
		l.pub.Publish(models.TopicTrades, models.EventTradeUpdate, trade)
	}
	if l.notifier != nil {
		go func(t models.Trade) {
			if err := l.notifier.SendTrade(t); err != nil {
				l.log.Warn().Err(err).Str("trade", t.ID).Msg("trade notification failed")
			}
		}(trade)
	}
	return trade, nil
}

// record persists then prepends under one lock so file and memory order agree.
func (l *Ledger) record(trade models.Trade) error {
	if err := trade.Validate(); err != nil {
		return &models.PersistenceError{Op: "record trade", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Append(trade); err != nil {
		var pe *models.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return &models.PersistenceError{Op: "append trade", Err: err}
	}
	l.trades = append([]models.Trade{trade}, l.trades...)
	return nil
}

func (l *Ledger) simulate(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	contract, err := ParseContract(req.OptionDetails)
	if err != nil {
		return models.Trade{}, err
	}
	spot, err := l.spot(ctx, req.Symbol)
	if err != nil {
		return models.Trade{}, &models.ExecutionError{Symbol: req.Symbol, Err: err}
	}

	trade := l.newTrade(req)
	trade.ID = "sim-" + uuid.NewString()
	trade.Price = OptionPrice(contract, spot)
	trade.Status = models.TradeExecuted
	trade.OptionDetails = req.OptionDetails
	trade.Synthetic = true
	return trade, nil
}

// spot prefers the simulator and falls back to the broker's latest bar.
func (l *Ledger) spot(ctx context.Context, symbol string) (float64, error) {
	if l.prices != nil {
		if p, ok := l.prices.Price(symbol); ok && p > 0 {
			return p, nil
		}
	}
	if l.broker == nil {
		return 0, fmt.Errorf("no price for underlying %s", symbol)
	}
	ctx, cancel := context.WithTimeout(ctx, l.orderTimeout)
	defer cancel()
	bars, err := l.broker.GetBars(ctx, symbol, "1Min", 1)
	if err != nil {
		return 0, fmt.Errorf("no price for underlying %s: %w", symbol, err)
	}
	if len(bars) == 0 || !bars[len(bars)-1].Close.IsPositive() {
		return 0, fmt.Errorf("no price for underlying %s", symbol)
	}
	return bars[len(bars)-1].Close.InexactFloat64(), nil
}

func (l *Ledger) submit(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	if l.broker == nil {
		return models.Trade{}, &models.ExecutionError{Symbol: req.Symbol, Err: broker.ErrNotConfigured}
	}
	side := broker.SideBuy
	if req.Action == models.ActionSell {
		side = broker.SideSell
	}

	ctx, cancel := context.WithTimeout(ctx, l.orderTimeout)
	defer cancel()
	order, err := l.broker.CreateOrder(ctx, broker.OrderRequest{
		Symbol:      req.Symbol,
		Qty:         decimal.NewFromFloat(req.Quantity),
		Side:        side,
		Type:        broker.OrderTypeMarket,
		TimeInForce: broker.TimeInForceDay,
	})
	if err == nil && order == nil {
		err = errors.New("broker returned no order")
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("order timed out after %s: %w", l.orderTimeout, err)
		}
		return models.Trade{}, &models.ExecutionError{Symbol: req.Symbol, Err: err}
	}

	trade := l.newTrade(req)
	trade.ID = order.ID
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	trade.OrderID = order.ID
	trade.Status = mapOrderStatus(order.Status)
	if !order.CreatedAt.IsZero() {
		trade.Timestamp = order.CreatedAt.UTC()
	}
	switch {
	case order.FilledAvgPrice.Valid && order.FilledAvgPrice.Decimal.IsPositive():
		trade.Price = order.FilledAvgPrice.Decimal.Round(2).InexactFloat64()
	case req.Price != nil:
		trade.Price = *req.Price
	case l.prices != nil:
		trade.Price, _ = l.prices.Price(req.Symbol)
	}
	return trade, nil
}

func (l *Ledger) newTrade(req models.TradeRequest) models.Trade {
	t := models.Trade{
		Symbol:    req.Symbol,
		Action:    req.Action,
		Quantity:  req.Quantity,
		Timestamp: l.now().UTC(),
		Source:    req.Source,
	}
	if t.Source == "" {
		t.Source = defaultSource
	}
	if req.Confidence != nil {
		t.Confidence = *req.Confidence
	}
	return t
}

func mapOrderStatus(status string) models.TradeStatus {
	switch status {
	case "filled":
		return models.TradeExecuted
	case "rejected", "canceled", "expired":
		return models.TradeRejected
	default:
		return models.TradePending
	}
}
