// Package models defines the pipeline's domain entities: posts, insights, trades and market ticks.
package models

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PostState distinguishes a post awaiting extraction from one that has been processed.
type PostState string

const (
	PostPending  PostState = "pending"
	PostAnalyzed PostState = "analyzed"
)

// Post is an inbound social post together with its extraction outcome.
// A post is written once as pending and rewritten once as analyzed.
type Post struct {
	Key             string            `json:"key"`
	Source          string            `json:"source"`
	Content         string            `json:"content"`
	ReceivedAt      time.Time         `json:"receivedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	State           PostState         `json:"state"`
	Analysis        []Insight         `json:"analysis,omitempty"`
	AnalyzedAt      *time.Time        `json:"analyzedAt,omitempty"`
	ExtractionError string            `json:"extractionError,omitempty"`
}

// NewPost builds a pending post with a fresh identity.
func NewPost(source, content string, metadata map[string]string, receivedAt time.Time) *Post {
	source = SanitizeSource(source)
	return &Post{
		Key:        NewPostKey(receivedAt, source),
		Source:     source,
		Content:    content,
		ReceivedAt: receivedAt.UTC(),
		Metadata:   metadata,
		State:      PostPending,
	}
}

// Analyzed reports whether extraction has completed for the post, successfully or not.
func (p *Post) Analyzed() bool {
	return p.State == PostAnalyzed
}

// MarkAnalyzed moves the post into the analyzed state. Calling it on an
// already analyzed post leaves the first outcome in place.
func (p *Post) MarkAnalyzed(insights []Insight, extractionErr error, at time.Time) {
	if p.Analyzed() {
		return
	}
	p.State = PostAnalyzed
	p.Analysis = insights
	at = at.UTC()
	p.AnalyzedAt = &at
	if extractionErr != nil {
		p.ExtractionError = extractionErr.Error()
	}
}

// Validate checks post field constraints.
func (p *Post) Validate() error {
	if p.Key == "" {
		return errors.New("post key must not be empty")
	}
	if p.Source == "" {
		return errors.New("post source must not be empty")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("post content must not be empty")
	}
	switch p.State {
	case PostPending:
		if len(p.Analysis) > 0 {
			return errors.New("pending post must not carry analysis")
		}
	case PostAnalyzed:
		for i := range p.Analysis {
			if err := p.Analysis[i].Validate(); err != nil {
				return fmt.Errorf("insight %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown post state %q", p.State)
	}
	return nil
}

var keySeq atomic.Uint64

// NewPostKey derives a post identity from its receipt time and source.
// Keys sort in creation order: the process-wide sequence breaks ties between
// posts received in the same millisecond, and the random suffix keeps keys
// from separate processes apart.
func NewPostKey(receivedAt time.Time, source string) string {
	ts := strings.ReplaceAll(receivedAt.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	seq := keySeq.Add(1)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%012d_%s_%s", ts, seq, SanitizeSource(source), suffix)
}

// SanitizeSource lower-cases a source name and replaces anything outside
// [a-z0-9-] so it can be embedded in a file name.
func SanitizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	var b strings.Builder
	b.Grow(len(source))
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

// ValidKey reports whether key has the shape produced by NewPostKey's
// character set; it guards file-backed stores against path traversal.
func ValidKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return !strings.Contains(key, "..")
}
