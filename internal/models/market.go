package models

import "time"

// Topic names a realtime broadcast channel.
type Topic string

const (
	TopicMarket   Topic = "market"
	TopicTrades   Topic = "trades"
	TopicInsights Topic = "insights"
)

// AllTopics lists every topic a dashboard session may subscribe to.
var AllTopics = []Topic{TopicMarket, TopicTrades, TopicInsights}

// Event types carried inside broadcast envelopes.
const (
	EventMarketUpdate  = "market_update"
	EventTradeUpdate   = "trade_update"
	EventInsightUpdate = "insight_update"
)

// MarketTick is the latest simulated price for one symbol. Never persisted.
type MarketTick struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volatility    float64   `json:"volatility"` // stddev of per-tick percent moves so far
	UpdatedAt     time.Time `json:"updatedAt"`
}
