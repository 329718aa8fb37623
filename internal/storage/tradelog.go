package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

// TradeLog is an append-only JSON-lines file of trades, oldest first.
type TradeLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
	// torn is set when the file does not end in a newline, so the next
	// record starts on a fresh line.
	torn bool
}

// OpenTradeLog opens (creating if needed) the ledger file at path.
func OpenTradeLog(path string) (*TradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	torn, err := endsTorn(path)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to inspect ledger: %w", err)
	}
	if torn {
		logger.Warn("Ledger %s ends with a partial record; it will be skipped on load", path)
	}
	return &TradeLog{path: path, f: f, torn: torn}, nil
}

// endsTorn reports whether a non-empty file lacks a trailing newline.
func endsTorn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Append writes one trade and syncs it to disk before returning.
func (l *TradeLog) Append(trade models.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return &models.PersistenceError{Op: "append trade", Err: err}
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return &models.PersistenceError{Op: "append trade", Err: errors.New("ledger closed")}
	}
	if l.torn {
		data = append([]byte{'\n'}, data...)
	}
	offset, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return &models.PersistenceError{Op: "append trade", Err: err}
	}
	if _, err := l.f.Write(data); err != nil {
		// Drop whatever part of the record made it to disk.
		if terr := l.f.Truncate(offset); terr != nil {
			l.torn = true
			logger.Error("Failed to truncate ledger after partial write: %v", terr)
		}
		return &models.PersistenceError{Op: "append trade", Err: err}
	}
	l.torn = false
	if err := l.f.Sync(); err != nil {
		return &models.PersistenceError{Op: "append trade", Err: err}
	}
	return nil
}

// Load reads every trade in file order. Lines that fail to decode or
// validate are logged and skipped.
func (l *TradeLog) Load() ([]models.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var trades []models.Trade
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t models.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.Warn("Skipping corrupt ledger line %d: %v", line, err)
			continue
		}
		if err := t.Validate(); err != nil {
			logger.Warn("Skipping invalid ledger line %d: %v", line, err)
			continue
		}
		trades = append(trades, t)
	}
	if err := scanner.Err(); err != nil {
		return trades, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return trades, nil
}

// Close closes the ledger file.
func (l *TradeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
