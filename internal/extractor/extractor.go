// Package extractor turns social posts into structured trading insights
// using a chat-completion language model.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// SystemPrompt is the fixed instruction sent ahead of every post.
const SystemPrompt = `You extract trading signals from social media posts about US equities and options.
Respond with a JSON object of the form {"insights": [...]}. Each insight has:
- "symbol": ticker symbol in upper case without a leading $
- "recommendation": one of "Buy", "Sell", "Hold"
- "summary": one sentence describing the signal
- "confidence": number between 0 and 1
- "category": one of "technical", "fundamental", "news", "sector", "actionable"
- "option_details": optional option contract written as strike, C or P, then expiry, e.g. "155C 04/17"
Respond with {"insights": []} when the post has no tradable signal.`

// Completer sends a system and user prompt to a language model and returns
// the raw text of its reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options tunes an Extractor. Zero values select defaults.
type Options struct {
	Timeout       time.Duration // per attempt
	MaxRetries    int
	Concurrency   int
	RetryInterval time.Duration
	Now           func() time.Time
}

// Extractor validates and normalizes model output into insights.
type Extractor struct {
	completer     Completer
	sem           *semaphore.Weighted
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

// New creates an Extractor around completer.
func New(completer Completer, opts Options) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Extractor{
		completer:     completer,
		sem:           semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout:       opts.Timeout,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		now:           opts.Now,
		log:           logger.With("extractor"),
	}
}

// Extract returns the insights found in post. On any failure it returns an
// empty slice together with an *models.ExtractionError; callers should
// treat the post as analyzed either way.
func (e *Extractor) Extract(ctx context.Context, post *models.Post) ([]models.Insight, error) {
	fail := func(err error) ([]models.Insight, error) {
		e.log.Warn().Err(err).Str("post", post.Key).Msg("extraction fell back to no insights")
		return []models.Insight{}, &models.ExtractionError{PostKey: post.Key, Err: err}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fail(err)
	}
	defer e.sem.Release(1)

	raw, err := e.complete(ctx, post)
	if err != nil {
		return fail(err)
	}

	insights, err := e.parse(raw, post)
	if err != nil {
		return fail(err)
	}
	e.log.Debug().Str("post", post.Key).Int("insights", len(insights)).Msg("extraction complete")
	return insights, nil
}

func (e *Extractor) complete(ctx context.Context, post *models.Post) (string, error) {
	user := fmt.Sprintf("Analyze this %s post:\n\n%s", post.Source, post.Content)

	var raw string
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		out, err := e.completer.Complete(attemptCtx, SystemPrompt, user)
		if err != nil {
			e.log.Debug().Err(err).Str("post", post.Key).Int("attempt", attempt).Msg("completion attempt failed")
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = out
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.maxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return raw, nil
}

// ErrMalformedResponse marks model output that does not match the expected schema.
var ErrMalformedResponse = errors.New("malformed extraction response")

type rawInsight struct {
	Symbol             string   `json:"symbol"`
	Recommendation     string   `json:"recommendation"`
	Summary            string   `json:"summary"`
	Confidence         *float64 `json:"confidence"`
	Category           string   `json:"category"`
	OptionDetails      string   `json:"option_details"`
	OptionDetailsCamel string   `json:"optionDetails"`
	Source             string   `json:"source"`
}

// parse enforces the {"insights": [...]} shape. Elements that fail
// validation are dropped one by one rather than failing the whole reply.
func (e *Extractor) parse(raw string, post *models.Post) ([]models.Insight, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	list, ok := envelope["insights"]
	if !ok {
		return nil, fmt.Errorf("%w: missing insights", ErrMalformedResponse)
	}
	list = bytes.TrimSpace(list)
	if len(list) == 0 || list[0] != '[' {
		return nil, fmt.Errorf("%w: insights is not an array", ErrMalformedResponse)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(list, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	stamped := e.now().UTC()
	insights := make([]models.Insight, 0, len(elems))
	for i, elem := range elems {
		var ri rawInsight
		if err := json.Unmarshal(elem, &ri); err != nil {
			e.log.Warn().Err(err).Str("post", post.Key).Int("index", i).Msg("dropping undecodable insight")
			continue
		}
		if ri.Confidence == nil {
			e.log.Warn().Str("post", post.Key).Int("index", i).Msg("dropping insight without confidence")
			continue
		}
		in := models.Insight{
			Symbol:         normalizeSymbol(ri.Symbol),
			Recommendation: normalizeRecommendation(ri.Recommendation),
			Summary:        strings.TrimSpace(ri.Summary),
			Confidence:     *ri.Confidence,
			Category:       models.Category(strings.ToLower(strings.TrimSpace(ri.Category))),
			OptionDetails:  strings.TrimSpace(firstNonEmpty(ri.OptionDetails, ri.OptionDetailsCamel)),
			Source:         firstNonEmpty(strings.TrimSpace(ri.Source), post.Source),
			Timestamp:      stamped,
		}
		if err := in.Validate(); err != nil {
			e.log.Warn().Err(err).Str("post", post.Key).Int("index", i).Msg("dropping invalid insight")
			continue
		}
		insights = append(insights, in)
	}
	return insights, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "$"))
}

func normalizeRecommendation(s string) models.Recommendation {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	return models.Recommendation(strings.ToUpper(s[:1]) + s[1:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
