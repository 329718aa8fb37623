package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Action is the side of a trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// TradeStatus is the lifecycle state reported for a trade.
type TradeStatus string

const (
	TradePending  TradeStatus = "pending"
	TradeExecuted TradeStatus = "executed"
	TradeRejected TradeStatus = "rejected"
)

// Trade is an immutable ledger entry.
type Trade struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Action        Action      `json:"action"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"`
	Status        TradeStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	Confidence    float64     `json:"confidence"`
	Source        string      `json:"source"`
	OptionDetails string      `json:"optionDetails,omitempty"`
	Synthetic     bool        `json:"synthetic"`
	OrderID       string      `json:"orderId,omitempty"`
}

// Validate checks trade field constraints.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return errors.New("trade ID must not be empty")
	}
	if t.Symbol == "" {
		return errors.New("trade symbol must not be empty")
	}
	if t.Action != ActionBuy && t.Action != ActionSell {
		return errors.New("trade action must be buy or sell")
	}
	if !(t.Quantity > 0) || math.IsInf(t.Quantity, 0) {
		return errors.New("trade quantity must be positive")
	}
	switch t.Status {
	case TradePending, TradeExecuted, TradeRejected:
	default:
		return errors.New("trade status must be pending, executed or rejected")
	}
	return nil
}

// TradeRequest asks the ledger to execute a trade. A request with option
// details is filled synthetically; one without goes to the broker.
type TradeRequest struct {
	Symbol        string   `json:"symbol" validate:"required,max=16"`
	Action        Action   `json:"action" validate:"oneof=buy sell"`
	Quantity      float64  `json:"quantity" validate:"gt=0"`
	Price         *float64 `json:"price,omitempty" validate:"omitempty,gt=0"`
	OptionDetails string   `json:"optionDetails,omitempty"`
	Source        string   `json:"source,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Normalize trims and cases the request's string fields in place.
func (r *TradeRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Action = Action(strings.ToLower(strings.TrimSpace(string(r.Action))))
	r.OptionDetails = strings.TrimSpace(r.OptionDetails)
	r.Source = strings.TrimSpace(r.Source)
}

// Validate checks request constraints and returns a ValidationError on failure.
func (r *TradeRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return &ValidationError{Err: err}
	}
	if math.IsInf(r.Quantity, 0) {
		return NewValidationError("quantity must be finite")
	}
	return nil
}

// Synthetic reports whether the request describes an option trade that is
// priced locally rather than routed to the broker.
func (r *TradeRequest) Synthetic() bool {
	return r.OptionDetails != ""
}
