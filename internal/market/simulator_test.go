package market

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPublisher struct {
	mu    sync.Mutex
	count int
	last  []models.MarketTick
}

func (p *countingPublisher) Publish(topic models.Topic, eventType string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic != models.TopicMarket || eventType != models.EventMarketUpdate {
		return
	}
	p.count++
	p.last = payload.([]models.MarketTick)
}

func (p *countingPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

var defaultSeeds = []Seed{
	{"SPY", 538.72}, {"QQQ", 461.35}, {"AAPL", 178.45}, {"MSFT", 428.80},
	{"TSLA", 173.60}, {"AMZN", 180.35}, {"NVDA", 920.14}, {"GOOGL", 155.87},
}

func TestSimulator_PricesStayPositiveAndChangeIsConsistent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	seeds := append([]Seed{{"PENNY", 0.02}}, defaultSeeds...)
	sim := New(seeds, nil, Options{Rand: r.Float64})

	for i := 0; i < 2000; i++ {
		before := sim.Latest()
		after := sim.Tick()
		require.Len(t, after, len(before))

		for j, tick := range after {
			prev := before[j].Price
			require.Equal(t, before[j].Symbol, tick.Symbol)
			require.Greater(t, tick.Price, 0.0, "tick %d %s", i, tick.Symbol)
			require.InDelta(t, tick.Price-prev, tick.Change, 1e-9)
			require.InDelta(t, tick.Change/prev*100, tick.ChangePercent, 1e-9)
			// Each move is bounded by half a percent plus rounding to the cent.
			require.LessOrEqual(t, abs(tick.Change), prev*0.005+0.0051)
		}
	}
}

func TestSimulator_WorstCaseDownwardDriftClampsAtMinimum(t *testing.T) {
	sim := New([]Seed{{"PENNY", 0.05}}, nil, Options{Rand: func() float64 { return 0 }})
	for i := 0; i < 1000; i++ {
		sim.Tick()
	}
	price, ok := sim.Price("PENNY")
	require.True(t, ok)
	assert.GreaterOrEqual(t, price, 0.01)
}

func TestSimulator_DeterministicStep(t *testing.T) {
	sim := New([]Seed{{"SPY", 500}}, nil, Options{Rand: func() float64 { return 1 }})
	ticks := sim.Tick()
	require.Len(t, ticks, 1)
	assert.Equal(t, 502.5, ticks[0].Price)
	assert.InDelta(t, 2.5, ticks[0].Change, 1e-9)
	assert.InDelta(t, 0.5, ticks[0].ChangePercent, 1e-9)
}

func TestSimulator_LatestIsACopyInSeedOrder(t *testing.T) {
	sim := New(defaultSeeds, nil, Options{})
	latest := sim.Latest()
	require.Len(t, latest, 8)
	assert.Equal(t, "SPY", latest[0].Symbol)
	assert.Equal(t, "GOOGL", latest[7].Symbol)
	assert.Equal(t, 538.72, latest[0].Price)

	latest[0].Price = -1
	again := sim.Latest()
	assert.Equal(t, 538.72, again[0].Price)
	assert.Equal(t, again, sim.Latest(), "reads without ticks are idempotent")
}

func TestSimulator_PriceLookup(t *testing.T) {
	sim := New(defaultSeeds, nil, Options{})
	price, ok := sim.Price("aapl")
	assert.True(t, ok)
	assert.Equal(t, 178.45, price)

	_, ok = sim.Price("DOGE")
	assert.False(t, ok)
}

func TestSimulator_PublishesEveryTick(t *testing.T) {
	pub := &countingPublisher{}
	sim := New(defaultSeeds, pub, Options{})
	sim.Tick()
	sim.Tick()
	assert.Equal(t, 2, pub.published())
	assert.Len(t, pub.last, 8)
}

func TestSimulator_StartStopLifecycle(t *testing.T) {
	pub := &countingPublisher{}
	sim := New(defaultSeeds, pub, Options{Interval: 5 * time.Millisecond})

	sim.Stop() // before start
	sim.Start(context.Background())
	sim.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool { return pub.published() >= 3 }, time.Second, time.Millisecond)

	sim.Stop()
	sim.Stop()
	stopped := pub.published()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, pub.published(), "no ticks after Stop")
}

func TestSimulator_RunStopsWithContext(t *testing.T) {
	sim := New(defaultSeeds, nil, Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSeedsFromMap(t *testing.T) {
	seeds := SeedsFromMap(map[string]float64{"msft": 1, "AAPL": 2})
	assert.Equal(t, []Seed{{"AAPL", 2}, {"MSFT", 1}}, seeds)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestWelford(t *testing.T) {
	var w welford
	assert.Zero(t, w.sigma())
	w.update(2)
	assert.Zero(t, w.sigma(), "one sample has no spread")
	for _, x := range []float64{4, 4, 4, 5, 5, 7, 9} {
		w.update(x)
	}
	// Sample variance of 2,4,4,4,5,5,7,9 is 32/7.
	assert.InDelta(t, 5.0, w.mean, 1e-12)
	assert.InDelta(t, 2.138089935, w.sigma(), 1e-9)
}

func TestSimulator_TracksVolatility(t *testing.T) {
	flip := 0.0
	sim := New([]Seed{{"SPY", 500}}, nil, Options{Rand: func() float64 {
		flip = 1 - flip
		return flip
	}})
	first := sim.Tick()
	assert.Zero(t, first[0].Volatility)

	for i := 0; i < 9; i++ {
		sim.Tick()
	}
	latest := sim.Latest()
	assert.Greater(t, latest[0].Volatility, 0.4)
	assert.Less(t, latest[0].Volatility, 0.6)
}
