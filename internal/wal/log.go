package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/intentd/internal/model"
)

// ErrAppend marks a failed append. The lifecycle stage that triggered it
// must not proceed.
var ErrAppend = errors.New("wal append failed")

// Backend is the durable storage the log writes through.
// Implemented by *store.Store.
type Backend interface {
	AppendWAL(ctx context.Context, entry model.WALEntry) (model.WALEntry, bool, error)
	ReadPartition(ctx context.Context, partition string, start, end time.Time, limit int) ([]model.WALEntry, error)
	ReadExecutionWAL(ctx context.Context, tenantID, executionID string, fromDay, toDay time.Time) ([]model.WALEntry, error)
	HasWALEvent(ctx context.Context, tenantID, executionID string, eventType model.EventType) (bool, error)
	ListPartitions(ctx context.Context, tenantID string) ([]string, error)
	PruneWAL(ctx context.Context, before time.Time) (int64, error)
}

// Record is an event to append.
type Record struct {
	EventType   model.EventType
	TenantID    string
	ExecutionID string
	Payload     any

	// Key makes the append idempotent: a second append with the same
	// (tenant, key) returns the first entry. Keyed appends are retried.
	Key string
}

// Log appends to and reads from the write-ahead log.
//
// Thread-safety: Log is safe for concurrent use. Ordering within a
// partition is enforced by the backend's single writer.
type Log struct {
	backend Backend
	ids     model.IDGenerator
	clock   model.Clock
	logger  *slog.Logger

	maxTries       uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		lg.logger = l
	}
}

// WithRetry configures retries of keyed appends.
// maxTries counts the first attempt; 1 disables retries.
func WithRetry(maxTries uint, initial, max time.Duration) Option {
	return func(lg *Log) {
		lg.maxTries = maxTries
		lg.initialBackoff = initial
		lg.maxBackoff = max
	}
}

// New creates a Log over backend.
func New(backend Backend, ids model.IDGenerator, clock model.Clock, opts ...Option) *Log {
	l := &Log{
		backend:        backend,
		ids:            ids,
		clock:          clock,
		logger:         slog.Default(),
		maxTries:       5,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes an event that is not tied to an idempotency key and returns
// its event ID. It is not retried: a failed append is surfaced as ErrAppend.
func (l *Log) Append(ctx context.Context, eventType model.EventType, tenantID string, payload any) (string, error) {
	entry, err := l.append(ctx, Record{EventType: eventType, TenantID: tenantID, Payload: payload})
	if err != nil {
		return "", err
	}
	return entry.EventID, nil
}

// AppendIdempotent writes rec, retrying transient failures with exponential
// backoff. rec.Key is required. The returned entry is the one first stored
// under the key, which may predate this call.
func (l *Log) AppendIdempotent(ctx context.Context, rec Record) (model.WALEntry, error) {
	if rec.Key == "" {
		return model.WALEntry{}, fmt.Errorf("%w: idempotent append requires a key", ErrAppend)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialBackoff
	b.MaxInterval = l.maxBackoff

	return backoff.Retry(ctx, func() (model.WALEntry, error) {
		entry, err := l.append(ctx, rec)
		if err != nil && ctx.Err() != nil {
			return model.WALEntry{}, backoff.Permanent(err)
		}
		return entry, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("wal append retry",
				"event_type", rec.EventType,
				"tenant_id", rec.TenantID,
				"execution_id", rec.ExecutionID,
				"retry_in", next,
				"error", err,
			)
		}),
	)
}

func (l *Log) append(ctx context.Context, rec Record) (model.WALEntry, error) {
	if rec.TenantID == "" {
		return model.WALEntry{}, fmt.Errorf("%w: tenant_id is required", ErrAppend)
	}
	if rec.EventType == "" {
		return model.WALEntry{}, fmt.Errorf("%w: event_type is required", ErrAppend)
	}

	payload := rec.Payload
	if payload == nil {
		payload = model.Payload{}
	}
	text, err := model.CanonicalString(payload)
	if err != nil {
		return model.WALEntry{}, fmt.Errorf("%w: %w", ErrAppend, err)
	}

	now := l.clock.Now().UTC()
	entry := model.WALEntry{
		EventID:        l.ids.NewID(),
		EventType:      rec.EventType,
		TenantID:       rec.TenantID,
		Timestamp:      now,
		Payload:        text,
		Partition:      model.PartitionName(rec.TenantID, now),
		ExecutionID:    rec.ExecutionID,
		IdempotencyKey: rec.Key,
	}

	stored, inserted, err := l.backend.AppendWAL(ctx, entry)
	if err != nil {
		return model.WALEntry{}, fmt.Errorf("%w: %s for tenant %s: %w", ErrAppend, rec.EventType, rec.TenantID, err)
	}
	if !inserted {
		l.logger.Debug("wal append deduplicated",
			"event_type", rec.EventType,
			"tenant_id", rec.TenantID,
			"event_id", stored.EventID,
		)
	}
	return stored, nil
}

// ReadRange returns the entries of the (tenantID, date) partition whose
// timestamp lies in [start, end), in append order. Zero bounds are open and
// limit <= 0 means unlimited.
//
// Only the named tenant's partition is read; entries of other tenants are
// never returned.
func (l *Log) ReadRange(ctx context.Context, tenantID string, date, start, end time.Time, limit int) ([]model.WALEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("read range: tenant_id is required")
	}
	return l.backend.ReadPartition(ctx, model.PartitionName(tenantID, date), start, end, limit)
}

// ReadExecution returns every entry of one execution whose day lies in
// [from, to], ordered by day and then partition sequence.
func (l *Log) ReadExecution(ctx context.Context, tenantID, executionID string, from, to time.Time) ([]model.WALEntry, error) {
	if to.Before(from) {
		from, to = to, from
	}
	return l.backend.ReadExecutionWAL(ctx, tenantID, executionID, from, to)
}

// Has reports whether the execution already logged an event of eventType.
func (l *Log) Has(ctx context.Context, tenantID, executionID string, eventType model.EventType) (bool, error) {
	return l.backend.HasWALEvent(ctx, tenantID, executionID, eventType)
}

// Partitions lists stream names for a tenant, or for all tenants when
// tenantID is empty.
func (l *Log) Partitions(ctx context.Context, tenantID string) ([]string, error) {
	return l.backend.ListPartitions(ctx, tenantID)
}

// Prune deletes partitions older than the day of before. It is the only
// path that removes entries and belongs to retention jobs.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := l.backend.PruneWAL(ctx, before)
	if err != nil {
		return 0, err
	}
	l.logger.Info("wal pruned", "before", model.Day(before).Format(model.DateLayout), "entries", n)
	return n, nil
}
