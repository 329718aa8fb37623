package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/rewired-gh/tradesync/internal/models"
)

type executorFunc func(ctx context.Context, req models.TradeRequest) (models.Trade, error)

func (f executorFunc) Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	return f(ctx, req)
}

func dial(t *testing.T, h *Handler) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) decoded {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var d decoded
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

func write(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestHandler_SnapshotsThenLiveEvents(t *testing.T) {
	hub := NewHub(16)
	snapshots := func(context.Context) map[models.Topic]any {
		return map[models.Topic]any{
			models.TopicMarket:   []models.MarketTick{{Symbol: "AAPL", Price: 178.45}},
			models.TopicTrades:   []models.Trade{},
			models.TopicInsights: []models.Insight{{Symbol: "AAPL", Confidence: 0.85}},
		}
	}
	conn, ctx := dial(t, NewHandler(hub, snapshots, nil, HandlerOptions{}))

	for _, topic := range models.AllTopics {
		got := read(t, ctx, conn)
		assert.Equal(t, TypeSnapshot, got.Type)
		assert.Equal(t, topic, got.Topic)
	}
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(models.TopicMarket, models.EventMarketUpdate, []models.MarketTick{{Symbol: "AAPL", Price: 179}})
	got := read(t, ctx, conn)
	assert.Equal(t, models.EventMarketUpdate, got.Type)

	write(t, ctx, conn, map[string]any{"type": "unsubscribe", "topics": []string{"market"}})
	ack := read(t, ctx, conn)
	assert.Equal(t, TypeSubscribed, ack.Type)
	assert.JSONEq(t, `["trades","insights"]`, string(ack.Data))

	hub.Publish(models.TopicMarket, models.EventMarketUpdate, []models.MarketTick{{Symbol: "AAPL", Price: 180}})
	hub.Publish(models.TopicTrades, models.EventTradeUpdate, models.Trade{ID: "t1"})
	got = read(t, ctx, conn)
	assert.Equal(t, models.EventTradeUpdate, got.Type)
	assert.Equal(t, models.TopicTrades, got.Topic)
}

func TestHandler_ExecuteTrade(t *testing.T) {
	hub := NewHub(16)
	exec := executorFunc(func(_ context.Context, req models.TradeRequest) (models.Trade, error) {
		if req.Symbol == "FAIL" {
			return models.Trade{}, &models.ExecutionError{Symbol: req.Symbol, Err: errors.New("rejected by broker")}
		}
		return models.Trade{ID: "sim-1", Symbol: req.Symbol, Action: req.Action, Quantity: req.Quantity, Status: models.TradeExecuted}, nil
	})
	conn, ctx := dial(t, NewHandler(hub, nil, exec, HandlerOptions{}))

	write(t, ctx, conn, map[string]any{
		"type": "execute_trade",
		"data": map[string]any{"symbol": "SPY", "action": "buy", "quantity": 5, "optionDetails": "490C 03/29"},
	})
	got := read(t, ctx, conn)
	require.Equal(t, TypeTradeResult, got.Type)
	var trade models.Trade
	require.NoError(t, json.Unmarshal(got.Data, &trade))
	assert.Equal(t, "sim-1", trade.ID)
	assert.Equal(t, 5.0, trade.Quantity)

	write(t, ctx, conn, map[string]any{
		"type": "execute_trade",
		"data": map[string]any{"symbol": "FAIL", "action": "buy", "quantity": 1},
	})
	got = read(t, ctx, conn)
	require.Equal(t, TypeTradeError, got.Type)
	var body map[string]string
	require.NoError(t, json.Unmarshal(got.Data, &body))
	assert.Equal(t, "execution", body["kind"])
	assert.Contains(t, body["error"], "rejected by broker")
}

func TestHandler_BadClientMessages(t *testing.T) {
	conn, ctx := dial(t, NewHandler(NewHub(16), nil, nil, HandlerOptions{}))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	assert.Equal(t, TypeError, read(t, ctx, conn).Type)

	write(t, ctx, conn, map[string]any{"type": "dance"})
	assert.Equal(t, TypeError, read(t, ctx, conn).Type)

	write(t, ctx, conn, map[string]any{"type": "execute_trade", "data": map[string]any{"symbol": "SPY"}})
	assert.Equal(t, TypeTradeError, read(t, ctx, conn).Type)
}

func TestHandler_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(16)
	conn, _ := dial(t, NewHandler(hub, nil, nil, HandlerOptions{}))
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
