package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/tradesync/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps posts in a single SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tradesync/posts.db.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tradesync", "posts.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			key              TEXT NOT NULL UNIQUE,
			source           TEXT NOT NULL,
			content          TEXT NOT NULL,
			received_at      INTEGER NOT NULL,
			metadata         TEXT NOT NULL DEFAULT '{}',
			state            TEXT NOT NULL,
			analysis         TEXT NOT NULL DEFAULT '[]',
			analyzed_at      INTEGER,
			extraction_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_state ON posts(state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Write(ctx context.Context, post *models.Post) error {
	if err := checkWritable(post); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(post.Metadata)
	if err != nil {
		return &models.PersistenceError{Op: "write post", Err: fmt.Errorf("failed to marshal metadata: %w", err)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.PersistenceError{Op: "write post", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE key = ?`, post.Key).Scan(&exists)
	if err == nil {
		return &models.PersistenceError{Op: "write post", Err: fmt.Errorf("%w: %s", models.ErrDuplicate, post.Key)}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return &models.PersistenceError{Op: "write post", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (key, source, content, received_at, metadata, state)
		VALUES (?,?,?,?,?,?)`,
		post.Key, post.Source, post.Content, post.ReceivedAt.UnixNano(),
		string(metadataJSON), string(models.PostPending),
	)
	if err != nil {
		return &models.PersistenceError{Op: "write post", Err: fmt.Errorf("failed to insert post: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "write post", Err: err}
	}
	return nil
}

func (s *SQLiteStore) MarkAnalyzed(ctx context.Context, key string, insights []models.Insight, extractionErr error) error {
	if err := checkInsights(insights); err != nil {
		return err
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	analysisJSON, err := json.Marshal(insights)
	if err != nil {
		return &models.PersistenceError{Op: "mark analyzed", Err: fmt.Errorf("failed to marshal analysis: %w", err)}
	}
	var errText string
	if extractionErr != nil {
		errText = extractionErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET state=?, analysis=?, analyzed_at=?, extraction_error=?
		WHERE key=? AND state=?`,
		string(models.PostAnalyzed), string(analysisJSON), s.now().UnixNano(), errText,
		key, string(models.PostPending),
	)
	if err != nil {
		return &models.PersistenceError{Op: "mark analyzed", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: either already analyzed or unknown.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE key = ?`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return &models.PersistenceError{Op: "mark analyzed", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE key = ?`, key)
	post, err := scanPost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postCols+` FROM posts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var key string
		post, err := scanPost(func(dest ...any) error {
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			key = *dest[0].(*string)
			return nil
		})
		if err != nil {
			records = append(records, Record{Key: key, Err: &models.AggregationReadError{Key: key, Err: err}})
			continue
		}
		records = append(records, Record{Key: post.Key, Post: post})
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM posts WHERE state = ? ORDER BY seq`, string(models.PostPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending posts: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

const postCols = `key, source, content, received_at, metadata, state, analysis, analyzed_at, extraction_error`

// scanPost decodes one row. A row that scans but holds undecodable JSON
// still returns an error so List can report it without aborting.
func scanPost(scan func(...any) error) (*models.Post, error) {
	var p models.Post
	var receivedAtNano int64
	var analyzedAtNano sql.NullInt64
	var metadataJSON, analysisJSON, state string
	err := scan(
		&p.Key, &p.Source, &p.Content, &receivedAtNano, &metadataJSON,
		&state, &analysisJSON, &analyzedAtNano, &p.ExtractionError,
	)
	if err != nil {
		return nil, err
	}
	p.ReceivedAt = time.Unix(0, receivedAtNano).UTC()
	p.State = models.PostState(state)
	if analyzedAtNano.Valid {
		at := time.Unix(0, analyzedAtNano.Int64).UTC()
		p.AnalyzedAt = &at
	}
	if err := json.Unmarshal([]byte(metadataJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(analysisJSON), &p.Analysis); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
	}
	if len(p.Analysis) == 0 {
		p.Analysis = nil
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid post: %w", err)
	}
	return &p, nil
}
