package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInsight() Insight {
	return Insight{
		Symbol:         "AAPL",
		Recommendation: Buy,
		Summary:        "breakout",
		Confidence:     0.85,
		Category:       CategoryActionable,
		Source:         "test",
		Timestamp:      time.Now(),
	}
}

func TestInsightValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Insight)
		wantErr string
	}{
		{name: "valid insight", mutate: func(*Insight) {}},
		{name: "confidence at upper bound", mutate: func(i *Insight) { i.Confidence = 1 }},
		{name: "confidence at lower bound", mutate: func(i *Insight) { i.Confidence = 0 }},
		{name: "confidence above one", mutate: func(i *Insight) { i.Confidence = 1.2 }, wantErr: "confidence"},
		{name: "negative confidence", mutate: func(i *Insight) { i.Confidence = -0.1 }, wantErr: "confidence"},
		{name: "missing symbol", mutate: func(i *Insight) { i.Symbol = "" }, wantErr: "symbol is required"},
		{name: "unknown recommendation", mutate: func(i *Insight) { i.Recommendation = "Short" }, wantErr: "recommendation"},
		{name: "unknown category", mutate: func(i *Insight) { i.Category = "rumor" }, wantErr: "category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInsight()
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTradeRequestValidate(t *testing.T) {
	price := 10.0
	badConfidence := 1.5
	tests := []struct {
		name    string
		req     TradeRequest
		wantErr bool
	}{
		{name: "market buy", req: TradeRequest{Symbol: "SPY", Action: ActionBuy, Quantity: 5}},
		{name: "limit price", req: TradeRequest{Symbol: "SPY", Action: ActionSell, Quantity: 1, Price: &price}},
		{name: "zero quantity", req: TradeRequest{Symbol: "SPY", Action: ActionBuy, Quantity: 0}, wantErr: true},
		{name: "negative quantity", req: TradeRequest{Symbol: "SPY", Action: ActionBuy, Quantity: -3}, wantErr: true},
		{name: "bad action", req: TradeRequest{Symbol: "SPY", Action: "hodl", Quantity: 1}, wantErr: true},
		{name: "missing symbol", req: TradeRequest{Action: ActionBuy, Quantity: 1}, wantErr: true},
		{name: "confidence out of range", req: TradeRequest{Symbol: "SPY", Action: ActionBuy, Quantity: 1, Confidence: &badConfidence}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
		})
	}
}

func TestTradeRequestNormalize(t *testing.T) {
	req := TradeRequest{Symbol: " spy ", Action: "BUY", OptionDetails: " 490C 03/29 "}
	req.Normalize()
	assert.Equal(t, "SPY", req.Symbol)
	assert.Equal(t, ActionBuy, req.Action)
	assert.Equal(t, "490C 03/29", req.OptionDetails)
	assert.True(t, req.Synthetic())
}

func TestTradeValidate(t *testing.T) {
	trade := Trade{ID: "sim-1", Symbol: "SPY", Action: ActionBuy, Quantity: 1, Status: TradeExecuted}
	assert.NoError(t, trade.Validate())

	noID := trade
	noID.ID = ""
	assert.Error(t, noID.Validate())

	zeroQty := trade
	zeroQty.Quantity = 0
	assert.Error(t, zeroQty.Validate())
}

func TestNewPostKey(t *testing.T) {
	at := time.Date(2024, 3, 15, 14, 30, 5, 123000000, time.UTC)

	t.Run("format", func(t *testing.T) {
		key := NewPostKey(at, "twitter")
		assert.Regexp(t, `^2024-03-15T14-30-05\.123Z_\d{12}_twitter_[0-9a-f]{8}$`, key)
		assert.NotContains(t, key, ":")
		assert.True(t, ValidKey(key))
	})

	t.Run("same instant and source never collide", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			key := NewPostKey(at, "test")
			require.False(t, seen[key], "duplicate key %s", key)
			seen[key] = true
		}
	})

	t.Run("same instant sorts in creation order", func(t *testing.T) {
		sources := []string{"twitter", "discord", "test", "discord", "alpha"}
		prev := ""
		for i := 0; i < 200; i++ {
			key := NewPostKey(at, sources[i%len(sources)])
			require.Greater(t, key, prev)
			prev = key
		}
	})
}

func TestSanitizeSource(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"twitter", "twitter"},
		{"Discord", "discord"},
		{"../../etc/passwd", "etc-passwd"},
		{"my source", "my-source"},
		{"", "unknown"},
		{"___", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeSource(tt.input))
		})
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("2024-03-15T14-30-05.123Z_test_abc123"))
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey("../secret"))
	assert.False(t, ValidKey("a/b"))
}

func TestPostLifecycle(t *testing.T) {
	post := NewPost("Test", "AAPL is breaking out", map[string]string{"k": "v"}, time.Now())
	require.NoError(t, post.Validate())
	assert.Equal(t, "test", post.Source)
	assert.False(t, post.Analyzed())

	first := []Insight{validInsight()}
	post.MarkAnalyzed(first, nil, time.Now())
	require.True(t, post.Analyzed())
	require.NotNil(t, post.AnalyzedAt)
	assert.NoError(t, post.Validate())

	// A second outcome must not replace the first.
	post.MarkAnalyzed(nil, errors.New("late failure"), time.Now())
	assert.Len(t, post.Analysis, 1)
	assert.Empty(t, post.ExtractionError)
}

func TestPostValidate(t *testing.T) {
	bad := validInsight()
	bad.Confidence = 2

	tests := []struct {
		name    string
		post    Post
		wantErr bool
	}{
		{name: "pending", post: Post{Key: "k", Source: "test", Content: "x", State: PostPending}},
		{name: "empty content", post: Post{Key: "k", Source: "test", Content: "  ", State: PostPending}, wantErr: true},
		{name: "unknown state", post: Post{Key: "k", Source: "test", Content: "x", State: "done"}, wantErr: true},
		{name: "analyzed with bad insight", post: Post{Key: "k", Source: "test", Content: "x", State: PostAnalyzed, Analysis: []Insight{bad}}, wantErr: true},
		{name: "pending with analysis", post: Post{Key: "k", Source: "test", Content: "x", State: PostPending, Analysis: []Insight{validInsight()}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.post.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&PersistenceError{Op: "write post", Err: cause})
	assert.ErrorIs(t, err, cause)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "write post", perr.Op)

	exec := error(&ExecutionError{Symbol: "SPY", Err: cause})
	assert.Contains(t, exec.Error(), "SPY")
	assert.ErrorIs(t, exec, cause)
}
