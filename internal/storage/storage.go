// Package storage persists posts and the trade ledger.
//
// Posts go through a PostStore, backed either by one JSON file per post or
// by SQLite. A post is written once as pending and rewritten once as
// analyzed; readers listing the store may see either form of a post whose
// extraction is still in flight.
package storage

import (
	"context"
	"fmt"

	"github.com/rewired-gh/tradesync/internal/models"
)

// Record is one entry returned by List. Err is set, and Post is nil, when
// the stored record could not be decoded.
type Record struct {
	Key  string
	Post *models.Post
	Err  error
}

// PostStore is the durable record of inbound posts.
type PostStore interface {
	// Write persists a new pending post. It fails if the key already exists.
	Write(ctx context.Context, post *models.Post) error
	// MarkAnalyzed records the extraction outcome. Calling it again for an
	// analyzed post is a successful no-op.
	MarkAnalyzed(ctx context.Context, key string, insights []models.Insight, extractionErr error) error
	Get(ctx context.Context, key string) (*models.Post, error)
	// List returns every record in insertion order.
	List(ctx context.Context) ([]Record, error)
	// Pending returns the keys of posts still awaiting extraction.
	Pending(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns the PostStore selected by backend.
func Open(backend, postsDir, dbPath string) (PostStore, error) {
	switch backend {
	case "file", "":
		return NewFileStore(postsDir)
	case "sqlite":
		return NewSQLiteStore(dbPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func checkWritable(post *models.Post) error {
	if !models.ValidKey(post.Key) {
		return models.NewValidationError("invalid post key %q", post.Key)
	}
	if post.State != models.PostPending {
		return models.NewValidationError("new post must be pending")
	}
	if err := post.Validate(); err != nil {
		return &models.ValidationError{Err: err}
	}
	return nil
}

func checkInsights(insights []models.Insight) error {
	for i := range insights {
		if err := insights[i].Validate(); err != nil {
			return models.NewValidationError("insight %d: %w", i, err)
		}
	}
	return nil
}
