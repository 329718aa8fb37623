// Package market generates a synthetic price feed for a fixed symbol universe.
package market

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

var (
	minPrice      = decimal.RequireFromString("0.01")
	maxMoveFactor = 0.01 // full width of the per-tick move; ±0.5%
	hundred       = decimal.NewFromInt(100)
)

// Publisher receives each tick's full snapshot.
type Publisher interface {
	Publish(topic models.Topic, eventType string, payload any)
}

// Seed is a symbol and its starting price.
type Seed struct {
	Symbol string
	Price  float64
}

// SeedsFromMap converts a symbol->price map into seeds sorted by symbol.
func SeedsFromMap(universe map[string]float64) []Seed {
	seeds := make([]Seed, 0, len(universe))
	for sym, price := range universe {
		seeds = append(seeds, Seed{Symbol: strings.ToUpper(sym), Price: price})
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Symbol < seeds[j].Symbol })
	return seeds
}

// Options tunes a Simulator. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Rand     func() float64 // uniform in [0,1)
	Now      func() time.Time
}

// Simulator owns the in-memory price map and its tick loop.
type Simulator struct {
	interval time.Duration
	rand     func() float64
	now      func() time.Time
	pub      Publisher
	log      zerolog.Logger

	mu    sync.RWMutex
	order []string
	ticks map[string]models.MarketTick
	stats map[string]*welford

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a simulator seeded with seeds. pub may be nil.
func New(seeds []Seed, pub Publisher, opts Options) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Simulator{
		interval: opts.Interval,
		rand:     opts.Rand,
		now:      opts.Now,
		pub:      pub,
		log:      logger.With("market"),
		ticks:    make(map[string]models.MarketTick, len(seeds)),
		stats:    make(map[string]*welford, len(seeds)),
	}
	at := s.now().UTC()
	for _, seed := range seeds {
		if _, dup := s.ticks[seed.Symbol]; dup {
			continue
		}
		s.order = append(s.order, seed.Symbol)
		s.stats[seed.Symbol] = &welford{}
		s.ticks[seed.Symbol] = models.MarketTick{
			Symbol:    seed.Symbol,
			Price:     decimal.NewFromFloat(seed.Price).Round(2).InexactFloat64(),
			UpdatedAt: at,
		}
	}
	return s
}

// Tick moves every price by a bounded random step and publishes the result.
func (s *Simulator) Tick() []models.MarketTick {
	s.mu.Lock()
	at := s.now().UTC()
	for _, sym := range s.order {
		tick := s.step(s.ticks[sym], at)
		st := s.stats[sym]
		st.update(tick.ChangePercent)
		tick.Volatility = decimal.NewFromFloat(st.sigma()).Round(4).InexactFloat64()
		s.ticks[sym] = tick
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(models.TopicMarket, models.EventMarketUpdate, snapshot)
	}
	return snapshot
}

func (s *Simulator) step(prev models.MarketTick, at time.Time) models.MarketTick {
	old := decimal.NewFromFloat(prev.Price)
	move := (s.rand() - 0.5) * maxMoveFactor
	next := old.Add(old.Mul(decimal.NewFromFloat(move))).Round(2)
	if next.LessThan(minPrice) {
		next = minPrice
	}
	change := next.Sub(old)
	pct := decimal.Zero
	if !old.IsZero() {
		pct = change.Div(old).Mul(hundred)
	}
	return models.MarketTick{
		Symbol:        prev.Symbol,
		Price:         next.InexactFloat64(),
		Change:        change.InexactFloat64(),
		ChangePercent: pct.InexactFloat64(),
		UpdatedAt:     at,
	}
}

// Latest returns a copy of the current prices in universe order.
func (s *Simulator) Latest() []models.MarketTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Simulator) snapshotLocked() []models.MarketTick {
	out := make([]models.MarketTick, 0, len(s.order))
	for _, sym := range s.order {
		out = append(out, s.ticks[sym])
	}
	return out
}

// Price returns the current price for symbol.
func (s *Simulator) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[strings.ToUpper(symbol)]
	return t.Price, ok
}

// Start begins ticking on the configured interval. Calling Start on a
// running simulator does nothing.
func (s *Simulator) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.log.Info().Dur("interval", s.interval).Int("symbols", len(s.order)).Msg("market simulator started")
}

// Stop halts the tick loop and waits for it to exit. Safe to call repeatedly.
func (s *Simulator) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("market simulator stopped")
}

// Run ticks until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Simulator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
