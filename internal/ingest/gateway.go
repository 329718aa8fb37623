// Package ingest accepts social posts from webhooks, persists them and runs
// insight extraction on a bounded worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
	"github.com/rewired-gh/tradesync/internal/storage"
)

// Extractor produces insights for a post. A non-nil error still comes with
// a usable (possibly empty) insight slice.
type Extractor interface {
	Extract(ctx context.Context, post *models.Post) ([]models.Insight, error)
}

// Publisher receives insight updates for fan-out.
type Publisher interface {
	Publish(topic models.Topic, eventType string, payload any)
}

// Alerter is told about the start and end of a run of extraction failures.
type Alerter interface {
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// Options tunes a Gateway. Zero values select defaults.
type Options struct {
	QueueSize        int
	Workers          int
	RecoverySchedule string // cron spec; empty disables periodic recovery
	Alerter          Alerter
	Now              func() time.Time
}

// Gateway owns the ingestion queue and its workers.
type Gateway struct {
	store     storage.PostStore
	extractor Extractor
	publisher Publisher
	alerter   Alerter
	now       func() time.Time
	log       zerolog.Logger

	queue    chan string
	workers  int
	schedule string

	mu       sync.Mutex
	inFlight map[string]struct{}
	failures int
	cancel   context.CancelFunc
	cron     *cron.Cron
	wg       sync.WaitGroup
}

// New creates a Gateway. Call Start to begin processing.
func New(store storage.PostStore, extractor Extractor, publisher Publisher, opts Options) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		store:     store,
		extractor: extractor,
		publisher: publisher,
		alerter:   opts.Alerter,
		now:       opts.Now,
		log:       logger.With("ingest"),
		queue:     make(chan string, opts.QueueSize),
		workers:   opts.Workers,
		schedule:  opts.RecoverySchedule,
		inFlight:  make(map[string]struct{}),
	}
}

// Submit persists a pending post and queues it for extraction. It returns as
// soon as the post is durable; extraction happens in the background.
func (g *Gateway) Submit(ctx context.Context, n Normalized) (string, error) {
	content := strings.TrimSpace(n.Content)
	if content == "" {
		return "", models.NewValidationError("content is required")
	}

	post := models.NewPost(n.Source, content, n.Metadata, g.now())
	err := g.store.Write(ctx, post)
	if errors.Is(err, models.ErrDuplicate) {
		post.Key = models.NewPostKey(post.ReceivedAt, post.Source)
		err = g.store.Write(ctx, post)
	}
	if err != nil {
		var verr *models.ValidationError
		var perr *models.PersistenceError
		if !errors.As(err, &verr) && !errors.As(err, &perr) {
			err = &models.PersistenceError{Op: "write post", Err: err}
		}
		g.log.Error().Err(err).Str("source", post.Source).Msg("failed to persist post")
		return "", err
	}

	g.log.Info().Str("post", post.Key).Str("source", post.Source).Msg("post accepted")
	g.enqueue(post.Key)
	return post.Key, nil
}

// enqueue never blocks. A post that does not fit stays pending on disk and
// is picked up by the next recovery sweep.
func (g *Gateway) enqueue(key string) bool {
	g.mu.Lock()
	if _, busy := g.inFlight[key]; busy {
		g.mu.Unlock()
		return false
	}
	g.inFlight[key] = struct{}{}
	g.mu.Unlock()

	select {
	case g.queue <- key:
		return true
	default:
		g.done(key)
		g.log.Warn().Str("post", key).Msg("extraction queue full, post left pending for recovery")
		return false
	}
}

func (g *Gateway) done(key string) {
	g.mu.Lock()
	delete(g.inFlight, key)
	g.mu.Unlock()
}

// RecoverPending queues every post still awaiting extraction and returns how
// many were queued.
func (g *Gateway) RecoverPending(ctx context.Context) (int, error) {
	keys, err := g.store.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending posts: %w", err)
	}
	queued := 0
	for _, key := range keys {
		if g.enqueue(key) {
			queued++
		}
	}
	if queued > 0 {
		g.log.Info().Int("queued", queued).Int("pending", len(keys)).Msg("recovered pending posts")
	}
	return queued, nil
}

// Start launches the workers and the recovery schedule. It is a no-op if
// the gateway is already running.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if g.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(g.schedule, func() {
			if _, err := g.RecoverPending(runCtx); err != nil {
				g.log.Warn().Err(err).Msg("scheduled recovery failed")
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("invalid recovery schedule %q: %w", g.schedule, err)
		}
		c.Start()
		g.cron = c
	}
	g.cancel = cancel

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.worker(runCtx)
	}
	g.log.Info().Int("workers", g.workers).Int("queue", cap(g.queue)).Msg("ingestion started")
	return nil
}

// Stop halts the workers and waits for in-progress extractions to return.
// Posts left in the queue stay pending on disk.
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel, c := g.cancel, g.cron
	g.cancel, g.cron = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	g.wg.Wait()

	// Forget queued keys so a later Start can recover them.
	for {
		select {
		case key := <-g.queue:
			g.done(key)
		default:
			g.log.Info().Msg("ingestion stopped")
			return
		}
	}
}

// Run starts the gateway and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	if _, err := g.RecoverPending(ctx); err != nil {
		g.log.Warn().Err(err).Msg("startup recovery failed")
	}
	<-ctx.Done()
	g.Stop()
	return nil
}

func (g *Gateway) worker(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-g.queue:
			g.process(ctx, key)
		}
	}
}

func (g *Gateway) process(ctx context.Context, key string) {
	defer g.done(key)

	post, err := g.store.Get(ctx, key)
	if err != nil {
		g.log.Error().Err(err).Str("post", key).Msg("failed to load queued post")
		return
	}
	if post.Analyzed() {
		return
	}

	insights, exErr := g.extractor.Extract(ctx, post)
	if exErr != nil && ctx.Err() != nil {
		// Shutting down: leave the post pending rather than record a failure we caused.
		return
	}
	g.recordOutcome(exErr)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = g.store.MarkAnalyzed(writeCtx, key, insights, exErr)
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		g.log.Warn().Err(err).Str("post", key).Msg("discarding insights rejected by store")
		insights = []models.Insight{}
		err = g.store.MarkAnalyzed(writeCtx, key, insights, err)
	}
	if err != nil {
		g.log.Error().Err(err).Str("post", key).Msg("failed to record analysis")
		return
	}

	g.log.Info().Str("post", key).Int("insights", len(insights)).Msg("post analyzed")
	if g.publisher == nil {
		return
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	g.publisher.Publish(models.TopicInsights, models.EventInsightUpdate, models.InsightUpdate{
		PostKey:  key,
		Source:   post.Source,
		Insights: insights,
	})
}

func (g *Gateway) recordOutcome(exErr error) {
	g.mu.Lock()
	var sendErr bool
	var recovered int
	if exErr != nil {
		g.failures++
		sendErr = g.failures == 1
	} else {
		recovered = g.failures
		g.failures = 0
	}
	g.mu.Unlock()

	if g.alerter == nil {
		return
	}
	switch {
	case sendErr:
		go func() {
			if err := g.alerter.SendError(exErr); err != nil {
				g.log.Warn().Err(err).Msg("failed to send extraction error alert")
			}
		}()
	case recovered > 0:
		go func() {
			if err := g.alerter.SendRecovery(recovered); err != nil {
				g.log.Warn().Err(err).Msg("failed to send recovery alert")
			}
		}()
	}
}
