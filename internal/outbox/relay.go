package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/intentd/internal/model"
)

// Store is the persistence the relay drives. Implemented by *store.Store.
type Store interface {
	DuePublishable(ctx context.Context, now time.Time, limit int) ([]model.OutboxEntry, error)
	MarkPublished(ctx context.Context, entryID string, at time.Time) error
	RecordPublishFailure(ctx context.Context, entryID string, attempts int, nextAttemptAt time.Time, lastErr string, dead bool) error
	OutboxSummary(ctx context.Context) (map[model.PublishStatus]int, error)
}

// Publisher delivers one event. It must tolerate redelivery of an entry it
// has already accepted.
type Publisher interface {
	Publish(ctx context.Context, entry model.OutboxEntry) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, entry model.OutboxEntry) error

func (f PublisherFunc) Publish(ctx context.Context, entry model.OutboxEntry) error {
	return f(ctx, entry)
}

// Defaults for NewRelay.
const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 8
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultInterval    = 2 * time.Second
)

// Relay moves staged entries to their publisher.
//
// Thread-safety: Flush calls are serialised internally; Notify is safe to
// call from any goroutine.
type Relay struct {
	store     Store
	publisher Publisher
	clock     model.Clock
	logger    *slog.Logger

	batchSize   int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	interval    time.Duration

	flushing chan struct{} // one-slot semaphore
	wake     chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithBatchSize bounds the entries claimed per flush.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		r.batchSize = n
	}
}

// WithMaxAttempts sets the attempts after which an entry is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		r.maxAttempts = n
	}
}

// WithBackoff sets the retry schedule: base doubled per failed attempt,
// capped at max.
func WithBackoff(base, max time.Duration) Option {
	return func(r *Relay) {
		r.baseBackoff = base
		r.maxBackoff = max
	}
}

// WithInterval sets how often Run flushes without a Notify.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		r.interval = d
	}
}

// NewRelay creates a Relay.
func NewRelay(store Store, publisher Publisher, clock model.Clock, opts ...Option) *Relay {
	r := &Relay{
		store:       store,
		publisher:   publisher,
		clock:       clock,
		logger:      slog.Default(),
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		interval:    DefaultInterval,
		flushing:    make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush publishes due entries once and returns how many were published.
// Publish failures are recorded on the entry, not returned; the error is
// reserved for store failures.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	select {
	case r.flushing <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-r.flushing }()

	now := r.clock.Now()
	entries, err := r.store.DuePublishable(ctx, now, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox flush: %w", err)
	}

	published := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if perr := r.publish(ctx, e); perr != nil {
			if err := r.recordFailure(ctx, e, perr); err != nil {
				return published, err
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, e.ID, r.clock.Now()); err != nil {
			return published, fmt.Errorf("outbox flush: mark %s published: %w", e.ID, err)
		}
		published++
	}

	if len(entries) > 0 {
		r.logger.Debug("outbox flushed", "due", len(entries), "published", published)
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, e model.OutboxEntry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("publisher panicked: %v", rec)
		}
	}()
	return r.publisher.Publish(ctx, e)
}

func (r *Relay) recordFailure(ctx context.Context, e model.OutboxEntry, perr error) error {
	attempts := e.Attempts + 1
	dead := attempts >= r.maxAttempts
	next := r.clock.Now().Add(Backoff(attempts, r.baseBackoff, r.maxBackoff))

	if dead {
		r.logger.Error("outbox entry dead-lettered",
			"entry_id", e.ID,
			"execution_id", e.ExecutionID,
			"tenant_id", e.TenantID,
			"attempts", attempts,
			"error", perr,
		)
	} else {
		r.logger.Warn("outbox publish failed",
			"entry_id", e.ID,
			"execution_id", e.ExecutionID,
			"attempts", attempts,
			"next_attempt_at", next,
			"error", perr,
		)
	}

	if err := r.store.RecordPublishFailure(ctx, e.ID, attempts, next, perr.Error(), dead); err != nil {
		return fmt.Errorf("outbox flush: record failure of %s: %w", e.ID, err)
	}
	return nil
}

// Backoff returns the delay before retry number attempts (1-based):
// base·2^(attempts-1), capped at max. Randomization is off so retry
// schedules are reproducible in tests.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return min(d, max)
}

// Notify wakes Run for an immediate flush. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes on every interval tick and Notify until ctx is cancelled.
// Store errors are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Summary counts entries by publish status.
func (r *Relay) Summary(ctx context.Context) (map[model.PublishStatus]int, error) {
	return r.store.OutboxSummary(ctx)
}

// NewEntry builds a staged entry for an event produced by an execution.
// Payloads are canonical JSON so redelivered entries are byte-identical.
func NewEntry(ids model.IDGenerator, now time.Time, exec model.Execution, ev model.DomainEvent) (model.OutboxEntry, error) {
	if ev.Type == "" {
		return model.OutboxEntry{}, fmt.Errorf("outbox entry: event type is required")
	}
	payload := ev.Payload
	if payload == nil {
		payload = model.Payload{}
	}
	text, err := model.CanonicalString(payload)
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("outbox entry %s: %w", ev.Type, err)
	}
	return model.OutboxEntry{
		ID:            ids.NewID(),
		ExecutionID:   exec.ID,
		TenantID:      exec.TenantID,
		EventType:     ev.Type,
		Payload:       text,
		Status:        model.PublishStaged,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}
