package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradesync/internal/logger"
)

// ErrNotConfigured is returned for orders when no brokerage is configured.
var ErrNotConfigured = errors.New("brokerage is not configured")

// ErrNoPrice means no seed price is known for a symbol.
var ErrNoPrice = errors.New("no price available")

// PriceSource supplies the latest known price for a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Fallback wraps a Broker so that failed reads degrade to demo data instead
// of an error. Orders are never faked.
type Fallback struct {
	next   Broker
	prices PriceSource
	rand   func() float64
	now    func() time.Time
	log    zerolog.Logger
}

// NewFallback wraps next. A nil next serves demo data for every read.
func NewFallback(next Broker, prices PriceSource) *Fallback {
	return &Fallback{
		next:   next,
		prices: prices,
		rand:   rand.Float64,
		now:    time.Now,
		log:    logger.With("broker"),
	}
}

func (f *Fallback) GetAccount(ctx context.Context) (*Account, error) {
	if f.next != nil {
		acct, err := f.next.GetAccount(ctx)
		if err == nil {
			return acct, nil
		}
		f.log.Warn().Err(err).Msg("account unavailable, serving demo account")
	}
	return demoAccount(), nil
}

func (f *Fallback) GetPositions(ctx context.Context) ([]Position, error) {
	if f.next != nil {
		positions, err := f.next.GetPositions(ctx)
		if err == nil {
			return positions, nil
		}
		f.log.Warn().Err(err).Msg("positions unavailable, serving demo positions")
	}
	return demoPositions(), nil
}

// GetBars falls back to a random walk ending at the symbol's current price.
// Symbols without a known price stay an error.
func (f *Fallback) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	var upstreamErr error
	if f.next != nil {
		bars, err := f.next.GetBars(ctx, symbol, timeframe, limit)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		upstreamErr = err
	}
	symbol = strings.ToUpper(symbol)
	var price float64
	ok := false
	if f.prices != nil {
		price, ok = f.prices.Price(symbol)
	}
	if !ok {
		if upstreamErr != nil {
			return nil, fmt.Errorf("%w for %s: %w", ErrNoPrice, symbol, upstreamErr)
		}
		return nil, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	if upstreamErr != nil {
		f.log.Warn().Err(upstreamErr).Str("symbol", symbol).Msg("bars unavailable, serving synthetic bars")
	}
	if limit <= 0 {
		limit = 30
	}
	return f.syntheticBars(price, limit), nil
}

func (f *Fallback) syntheticBars(last float64, limit int) []Bar {
	bars := make([]Bar, limit)
	end := f.now().UTC().Truncate(24 * time.Hour)
	closePrice := decimal.NewFromFloat(last).Round(2)
	for i := limit - 1; i >= 0; i-- {
		open := closePrice.Mul(decimal.NewFromFloat(1 + (f.rand()-0.5)*0.02)).Round(2)
		spread := closePrice.Mul(decimal.NewFromFloat(f.rand() * 0.005)).Round(2)
		bars[i] = Bar{
			Timestamp: end.AddDate(0, 0, i-limit+1),
			Open:      open,
			High:      decimal.Max(open, closePrice).Add(spread),
			Low:       decimal.Max(decimal.Min(open, closePrice).Sub(spread), decimal.NewFromFloat(0.01)),
			Close:     closePrice,
			Volume:    int64(100000 + f.rand()*900000),
		}
		closePrice = open
	}
	return bars
}

// GetPortfolioHistory falls back to 30 daily points starting at 25000 with
// moves of up to two percent a day.
func (f *Fallback) GetPortfolioHistory(ctx context.Context, period, timeframe string) (*PortfolioHistory, error) {
	if f.next != nil {
		history, err := f.next.GetPortfolioHistory(ctx, period, timeframe)
		if err == nil && history != nil && len(history.Timestamp) > 0 {
			return history, nil
		}
		if err != nil {
			f.log.Warn().Err(err).Msg("portfolio history unavailable, serving demo history")
		}
	}
	return f.demoHistory(), nil
}

func (f *Fallback) demoHistory() *PortfolioHistory {
	const days = 30
	base := decimal.NewFromInt(25000)
	h := &PortfolioHistory{
		Timestamp:     make([]int64, days),
		Equity:        make([]float64, days),
		ProfitLoss:    make([]float64, days),
		ProfitLossPct: make([]float64, days),
		BaseValue:     base.InexactFloat64(),
		Timeframe:     "1D",
		Fallback:      true,
	}
	today := f.now().UTC().Truncate(24 * time.Hour)
	value := base
	for i := 0; i < days; i++ {
		move := decimal.NewFromFloat((f.rand()*4 - 2) / 100)
		value = value.Mul(decimal.NewFromInt(1).Add(move)).Round(2)
		h.Timestamp[i] = today.AddDate(0, 0, i-days+1).Unix()
		h.Equity[i] = value.InexactFloat64()
		h.ProfitLoss[i] = value.Sub(base).InexactFloat64()
		h.ProfitLossPct[i] = value.Sub(base).Div(base).Round(4).InexactFloat64()
	}
	return h
}

// CreateOrder always goes to the wrapped broker.
func (f *Fallback) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if f.next == nil {
		return nil, ErrNotConfigured
	}
	return f.next.CreateOrder(ctx, req)
}

func demoAccount() *Account {
	return &Account{
		ID:             "demo",
		Status:         "ACTIVE",
		Currency:       "USD",
		Cash:           decimal.NewFromInt(25000),
		BuyingPower:    decimal.NewFromInt(50000),
		PortfolioValue: decimal.NewFromInt(25000),
		Equity:         decimal.NewFromInt(25000),
		LastEquity:     decimal.NewFromInt(24750),
		Fallback:       true,
	}
}

func demoPositions() []Position {
	pos := func(symbol string, qty int64, avg, cur, pl, plpc string) Position {
		current := decimal.RequireFromString(cur)
		return Position{
			Symbol:         symbol,
			Qty:            decimal.NewFromInt(qty),
			Side:           "long",
			AvgEntryPrice:  decimal.RequireFromString(avg),
			CurrentPrice:   current,
			MarketValue:    current.Mul(decimal.NewFromInt(qty)),
			UnrealizedPL:   decimal.RequireFromString(pl),
			UnrealizedPLPC: decimal.RequireFromString(plpc),
		}
	}
	return []Position{
		pos("AAPL", 10, "175.50", "185.75", "102.50", "0.0584"),
		pos("MSFT", 5, "350.25", "370.00", "98.75", "0.0564"),
		pos("TSLA", 8, "180.10", "173.60", "-52.00", "-0.0361"),
	}
}
