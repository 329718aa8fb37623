// Package insights flattens analyzed posts into a single confidence-ranked feed.
package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/rewired-gh/tradesync/internal/storage"
)

// Lister is the read side of a post store.
type Lister interface {
	List(ctx context.Context) ([]storage.Record, error)
}

// Filter narrows a ranked feed. Zero values match everything.
type Filter struct {
	Symbol        string
	Category      models.Category
	MinConfidence float64
	Limit         int
}

// Aggregator builds the ranked insight feed at read time.
type Aggregator struct {
	posts Lister
	log   zerolog.Logger
}

// New creates an Aggregator over posts.
func New(posts Lister) *Aggregator {
	return &Aggregator{posts: posts, log: logger.With("insights")}
}

// Ranked returns every stored insight ordered by confidence, highest first.
// Equal confidences keep post insertion order. Unreadable posts are logged
// and skipped; only a failure to list the store at all is returned.
func (a *Aggregator) Ranked(ctx context.Context) ([]models.Insight, error) {
	records, err := a.posts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	ranked := []models.Insight{}
	skipped := 0
	for _, r := range records {
		if r.Err != nil {
			skipped++
			a.log.Warn().Err(r.Err).Str("post", r.Key).Msg("skipping unreadable post")
			continue
		}
		if r.Post == nil || !r.Post.Analyzed() {
			continue
		}
		ranked = append(ranked, r.Post.Analysis...)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	a.log.Debug().Int("posts", len(records)).Int("skipped", skipped).Int("insights", len(ranked)).Msg("ranked insights")
	return ranked, nil
}

// Query returns the ranked feed narrowed by f.
func (a *Aggregator) Query(ctx context.Context, f Filter) ([]models.Insight, error) {
	ranked, err := a.Ranked(ctx)
	if err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(f.Symbol))
	out := ranked[:0]
	for _, in := range ranked {
		if symbol != "" && in.Symbol != symbol {
			continue
		}
		if f.Category != "" && in.Category != f.Category {
			continue
		}
		if in.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, in)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Top returns at most n insights from the head of the ranked feed.
func (a *Aggregator) Top(ctx context.Context, n int) ([]models.Insight, error) {
	return a.Query(ctx, Filter{Limit: n})
}
