// Package broker talks to the brokerage used for real (non-option) orders
// and for account, position and market data reads.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Broker is the brokerage collaborator.
type Broker interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetPortfolioHistory(ctx context.Context, period, timeframe string) (*PortfolioHistory, error)
}

// Account is the brokerage account balance sheet.
type Account struct {
	ID             string          `json:"id"`
	AccountNumber  string          `json:"account_number"`
	Status         string          `json:"status"`
	Currency       string          `json:"currency"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	Fallback       bool            `json:"fallback,omitempty"`
}

// Position is an open holding.
type Position struct {
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	Side           string          `json:"side"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time       `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    int64           `json:"v"`
}

// Order sides, types and time-in-force values used by this service.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	TimeInForceDay  = "day"
)

// OrderRequest is a new order submission.
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"time_in_force"`
}

// Order is the brokerage's view of a submitted order.
type Order struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	Side           string              `json:"side"`
	Type           string              `json:"type"`
	Status         string              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
}

// PortfolioHistory is an equity time series.
type PortfolioHistory struct {
	Timestamp     []int64   `json:"timestamp"`
	Equity        []float64 `json:"equity"`
	ProfitLoss    []float64 `json:"profit_loss"`
	ProfitLossPct []float64 `json:"profit_loss_pct"`
	BaseValue     float64   `json:"base_value"`
	Timeframe     string    `json:"timeframe"`
	Fallback      bool      `json:"fallback,omitempty"`
}

// AccountSummary is the dashboard's condensed account view.
type AccountSummary struct {
	Balance       float64 `json:"balance"`
	DayPnL        float64 `json:"dayPnl"`
	Cash          float64 `json:"cash"`
	BuyingPower   float64 `json:"buyingPower"`
	OpenPositions int     `json:"openPositions"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	Fallback      bool    `json:"fallback,omitempty"`
}

// Summarize condenses an account and its positions.
func Summarize(acct *Account, positions []Position) AccountSummary {
	unrealized := decimal.Zero
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPL)
	}
	return AccountSummary{
		Balance:       acct.Equity.Round(2).InexactFloat64(),
		DayPnL:        acct.Equity.Sub(acct.LastEquity).Round(2).InexactFloat64(),
		Cash:          acct.Cash.Round(2).InexactFloat64(),
		BuyingPower:   acct.BuyingPower.Round(2).InexactFloat64(),
		OpenPositions: len(positions),
		UnrealizedPnL: unrealized.Round(2).InexactFloat64(),
		Fallback:      acct.Fallback,
	}
}
