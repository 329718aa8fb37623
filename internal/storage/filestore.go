package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/tradesync/internal/models"
)

const postExt = ".json"

// FileStore keeps one JSON document per post in a directory.
// Every write goes through a temp file and rename so a crash never leaves a
// half-written post behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("posts directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create posts directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+postExt)
}

func (s *FileStore) Write(ctx context.Context, post *models.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkWritable(post); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(post.Key)); err == nil {
		return &models.PersistenceError{Op: "write post", Err: fmt.Errorf("%w: %s", models.ErrDuplicate, post.Key)}
	}
	if err := s.writeAtomic(post); err != nil {
		return &models.PersistenceError{Op: "write post", Err: err}
	}
	return nil
}

func (s *FileStore) MarkAnalyzed(ctx context.Context, key string, insights []models.Insight, extractionErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !models.ValidKey(key) {
		return models.NewValidationError("invalid post key %q", key)
	}
	if err := checkInsights(insights); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	post, err := s.read(key)
	if err != nil {
		return err
	}
	if post.Analyzed() {
		return nil
	}
	post.MarkAnalyzed(insights, extractionErr, s.now())
	if err := s.writeAtomic(post); err != nil {
		return &models.PersistenceError{Op: "mark analyzed", Err: err}
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !models.ValidKey(key) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return s.read(key)
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read posts directory: %w", err)
	}

	// ReadDir sorts by name; keys start with the receipt time and a sequence.
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, postExt) {
			continue
		}
		key := strings.TrimSuffix(name, postExt)
		post, err := s.read(key)
		if err != nil {
			records = append(records, Record{Key: key, Err: &models.AggregationReadError{Key: key, Err: err}})
			continue
		}
		records = append(records, Record{Key: key, Post: post})
	}
	return records, nil
}

func (s *FileStore) Pending(ctx context.Context) ([]string, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, r := range records {
		if r.Err == nil && !r.Post.Analyzed() {
			keys = append(keys, r.Key)
		}
	}
	return keys, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(key string) (*models.Post, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read post: %w", err)
	}
	var post models.Post
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("failed to decode post: %w", err)
	}
	if post.Key == "" {
		post.Key = key
	}
	if err := post.Validate(); err != nil {
		return nil, fmt.Errorf("invalid post: %w", err)
	}
	return &post, nil
}

func (s *FileStore) writeAtomic(post *models.Post) error {
	data, err := json.MarshalIndent(post, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode post: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*"+postExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("failed to write post: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("failed to sync post: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close post: %w", err)
	}
	if err := os.Rename(tmpName, s.path(post.Key)); err != nil {
		return fmt.Errorf("failed to rename post: %w", err)
	}
	return nil
}
