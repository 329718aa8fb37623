package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completerFunc func(ctx context.Context, system, user string) (string, error)

func (f completerFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

var fixedNow = time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)

func newTestExtractor(c Completer) *Extractor {
	return New(c, Options{
		Timeout:       50 * time.Millisecond,
		MaxRetries:    1,
		Concurrency:   4,
		RetryInterval: time.Millisecond,
		Now:           func() time.Time { return fixedNow },
	})
}

func testPost() *models.Post {
	return models.NewPost("test", "AAPL is breaking out, strong buy signal", nil, time.Now())
}

func TestExtract_ValidResponse(t *testing.T) {
	var gotUser string
	ex := newTestExtractor(completerFunc(func(_ context.Context, system, user string) (string, error) {
		gotUser = user
		assert.Equal(t, SystemPrompt, system)
		return `{"insights":[
			{"symbol":"$aapl","recommendation":"buy","summary":"Breakout","confidence":0.85,"category":"Actionable"},
			{"symbol":"SPY","recommendation":"Hold","summary":"Range","confidence":0.4,"category":"technical","option_details":"490C 03/29","source":"model"}
		]}`, nil
	}))

	insights, err := ex.Extract(context.Background(), testPost())
	require.NoError(t, err)
	require.Len(t, insights, 2)

	assert.Contains(t, gotUser, "Analyze this test post")
	assert.Contains(t, gotUser, "AAPL is breaking out")

	assert.Equal(t, models.Insight{
		Symbol:         "AAPL",
		Recommendation: models.Buy,
		Summary:        "Breakout",
		Confidence:     0.85,
		Category:       models.CategoryActionable,
		Source:         "test",
		Timestamp:      fixedNow,
	}, insights[0])

	assert.Equal(t, "490C 03/29", insights[1].OptionDetails)
	assert.Equal(t, "model", insights[1].Source, "model supplied source is kept")
	assert.Equal(t, fixedNow, insights[1].Timestamp)
}

func TestExtract_DropsInvalidInsightsIndividually(t *testing.T) {
	ex := newTestExtractor(completerFunc(func(context.Context, string, string) (string, error) {
		return `{"insights":[
			{"symbol":"AAPL","recommendation":"Buy","confidence":1.5,"category":"news"},
			{"symbol":"MSFT","recommendation":"Buy","confidence":-0.2,"category":"news"},
			{"symbol":"TSLA","recommendation":"Buy","confidence":0.6,"category":"gossip"},
			{"symbol":"AMZN","recommendation":"Short","confidence":0.6,"category":"news"},
			{"symbol":"NVDA","recommendation":"Buy","category":"news"},
			"not an object",
			{"symbol":"GOOGL","recommendation":"Sell","confidence":0.7,"category":"fundamental","optionDetails":"150P 05/17"}
		]}`, nil
	}))

	insights, err := ex.Extract(context.Background(), testPost())
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "GOOGL", insights[0].Symbol)
	assert.Equal(t, "150P 05/17", insights[0].OptionDetails)
	for _, in := range insights {
		assert.GreaterOrEqual(t, in.Confidence, 0.0)
		assert.LessOrEqual(t, in.Confidence, 1.0)
	}
}

func TestExtract_MalformedResponsesFallBackToEmpty(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "Sure! Here are the insights: AAPL buy"},
		{name: "missing insights", raw: `{"signals":[]}`},
		{name: "insights not array", raw: `{"insights":{"symbol":"AAPL"}}`},
		{name: "insights null", raw: `{"insights":null}`},
		{name: "top level array", raw: `[{"symbol":"AAPL"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ex := newTestExtractor(completerFunc(func(context.Context, string, string) (string, error) {
				calls.Add(1)
				return tt.raw, nil
			}))

			post := testPost()
			insights, err := ex.Extract(context.Background(), post)
			assert.NotNil(t, insights)
			assert.Empty(t, insights)

			var exErr *models.ExtractionError
			require.ErrorAs(t, err, &exErr)
			assert.Equal(t, post.Key, exErr.PostKey)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, int32(1), calls.Load(), "malformed output is not retried")
		})
	}
}

func TestExtract_EmptyInsightList(t *testing.T) {
	ex := newTestExtractor(completerFunc(func(context.Context, string, string) (string, error) {
		return `{"insights":[]}`, nil
	}))
	insights, err := ex.Extract(context.Background(), testPost())
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestExtract_RetriesOnceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ex := newTestExtractor(completerFunc(func(context.Context, string, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("connection reset")
		}
		return `{"insights":[{"symbol":"AAPL","recommendation":"Buy","confidence":0.9,"category":"news"}]}`, nil
	}))

	insights, err := ex.Extract(context.Background(), testPost())
	require.NoError(t, err)
	assert.Len(t, insights, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtract_GivesUpAfterBoundedRetry(t *testing.T) {
	var calls atomic.Int32
	ex := newTestExtractor(completerFunc(func(context.Context, string, string) (string, error) {
		calls.Add(1)
		return "", errors.New("503 service unavailable")
	}))

	insights, err := ex.Extract(context.Background(), testPost())
	assert.Empty(t, insights)
	var exErr *models.ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtract_TimeoutIsBounded(t *testing.T) {
	ex := newTestExtractor(completerFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	start := time.Now()
	insights, err := ex.Extract(context.Background(), testPost())
	assert.Empty(t, insights)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExtract_ConcurrencyIsCapped(t *testing.T) {
	const limit = 2
	var inFlight, peak atomic.Int32
	c := completerFunc(func(context.Context, string, string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return `{"insights":[]}`, nil
	})
	ex := New(c, Options{Concurrency: limit, Timeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ex.Extract(context.Background(), testPost())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestExtract_CancelledWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	ex := New(completerFunc(func(context.Context, string, string) (string, error) {
		<-release
		return `{"insights":[]}`, nil
	}), Options{Concurrency: 1, Timeout: time.Second})

	done := make(chan struct{})
	go func() {
		_, _ = ex.Extract(context.Background(), testPost())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Extract(ctx, testPost())
	var exErr *models.ExtractionError
	assert.ErrorAs(t, err, &exErr)

	close(release)
	<-done
}

func TestOpenAICompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4-turbo", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		assert.Len(t, body["messages"], 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"insights\":[]}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter("sk-test", srv.URL+"/v1", "gpt-4-turbo", 0.3)
	out, err := c.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"insights":[]}`, out)
}

func TestOpenAICompleter_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	ex := newTestExtractor(NewOpenAICompleter("sk-bad", srv.URL+"/v1", "gpt-4-turbo", 0.3))
	insights, err := ex.Extract(context.Background(), testPost())
	assert.Empty(t, insights)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
