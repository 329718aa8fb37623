package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/tradesync/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "tradesync.trades", TopicName("tradesync", models.TopicTrades))
	assert.Equal(t, "market", TopicName("", models.TopicMarket))
}

func TestMirror_PublishRoutesByTopic(t *testing.T) {
	trades, market := &fakeWriter{}, &fakeWriter{}
	m := newMirror(map[models.Topic]Writer{
		models.TopicTrades: trades,
		models.TopicMarket: market,
	})

	m.Publish(models.TopicTrades, models.EventTradeUpdate, models.Trade{ID: "sim-1", Symbol: "SPY"})
	m.Publish(models.TopicMarket, models.EventMarketUpdate, []models.MarketTick{{Symbol: "SPY", Price: 538.72}})
	m.Publish(models.TopicInsights, models.EventInsightUpdate, models.InsightUpdate{PostKey: "k"})

	require.Len(t, trades.msgs, 1)
	msg := trades.msgs[0]
	assert.Equal(t, "sim-1", string(msg.Key))
	assert.Equal(t, models.EventTradeUpdate, header(msg, HeaderEventType))

	var ev struct {
		Type string       `json:"type"`
		Data models.Trade `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, models.EventTradeUpdate, ev.Type)
	assert.Equal(t, "SPY", ev.Data.Symbol)

	require.Len(t, market.msgs, 1)
	assert.Equal(t, "market", string(market.msgs[0].Key))
}

func TestMirror_WriteFailureIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	m := newMirror(map[models.Topic]Writer{models.TopicInsights: w})
	assert.NotPanics(t, func() {
		m.Publish(models.TopicInsights, models.EventInsightUpdate, models.InsightUpdate{PostKey: "k"})
	})
	assert.Empty(t, w.msgs)
}

func TestMirror_UnencodablePayloadIsDropped(t *testing.T) {
	w := &fakeWriter{}
	m := newMirror(map[models.Topic]Writer{models.TopicTrades: w})
	m.Publish(models.TopicTrades, models.EventTradeUpdate, make(chan int))
	assert.Empty(t, w.msgs)
}

func TestMirror_Close(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{}
	m := newMirror(map[models.Topic]Writer{models.TopicTrades: a, models.TopicMarket: b})
	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNewMirror(t *testing.T) {
	_, err := NewMirror(nil, "tradesync", "tradesync")
	require.Error(t, err)

	m, err := NewMirror([]string{"localhost:9092"}, "tradesync", "tradesync")
	require.NoError(t, err)
	require.Len(t, m.writers, len(models.AllTopics))
	w, ok := m.writers[models.TopicTrades].(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "tradesync.trades", w.Topic)
	assert.True(t, w.Async)
	require.NoError(t, m.Close())
}
