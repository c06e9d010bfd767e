package wal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
)

var start = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, clock model.Clock) (*Log, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, testutil.NewSequenceIDs("ev"), clock, WithLogger(quiet)), s
}

func TestAppend_ReadRangeOrdered(t *testing.T) {
	log, _ := newTestLog(t, testutil.NewFixedClock(start, time.Second))
	ctx := context.Background()

	for _, et := range []model.EventType{model.EventIntentReceived, model.EventSagaStarted, model.EventExecutionCompleted} {
		_, err := log.Append(ctx, et, "t1", model.Payload{"execution_id": "e1"})
		require.NoError(t, err)
	}

	entries, err := log.ReadRange(ctx, "t1", start, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.EventIntentReceived, entries[0].EventType)
	assert.Equal(t, model.EventSagaStarted, entries[1].EventType)
	assert.Equal(t, model.EventExecutionCompleted, entries[2].EventType)
	assert.Equal(t, `{"execution_id":"e1"}`, entries[0].Payload)
	assert.Equal(t, "ev-0001", entries[0].EventID)

	bounded, err := log.ReadRange(ctx, "t1", start, start.Add(time.Second), start.Add(2*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, model.EventSagaStarted, bounded[0].EventType)
}

func TestAppend_Validation(t *testing.T) {
	log, _ := newTestLog(t, testutil.NewFixedClock(start, 0))
	ctx := context.Background()

	_, err := log.Append(ctx, model.EventIntentReceived, "", nil)
	assert.ErrorIs(t, err, ErrAppend)

	_, err = log.Append(ctx, "", "t1", nil)
	assert.ErrorIs(t, err, ErrAppend)

	_, err = log.Append(ctx, model.EventIntentReceived, "t1", map[string]any{"bad": func() {}})
	assert.ErrorIs(t, err, ErrAppend)

	_, err = log.AppendIdempotent(ctx, Record{EventType: model.EventIntentReceived, TenantID: "t1"})
	assert.ErrorIs(t, err, ErrAppend)
}

func TestAppendIdempotent_SingleEntry(t *testing.T) {
	log, _ := newTestLog(t, testutil.NewFixedClock(start, time.Second))
	ctx := context.Background()

	rec := Record{
		EventType:   model.EventExecutionCompleted,
		TenantID:    "t1",
		ExecutionID: "e1",
		Payload:     model.Payload{"execution_id": "e1"},
		Key:         model.IdempotencyKey("e1", model.EventExecutionCompleted),
	}
	first, err := log.AppendIdempotent(ctx, rec)
	require.NoError(t, err)
	second, err := log.AppendIdempotent(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)

	entries, err := log.ReadExecution(ctx, "t1", "e1", start, start)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	has, err := log.Has(ctx, "t1", "e1", model.EventExecutionCompleted)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReadRange_TenantIsolation(t *testing.T) {
	log, _ := newTestLog(t, testutil.NewFixedClock(start, time.Millisecond))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, tenant := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := log.Append(ctx, model.EventIntentReceived, tenant, model.Payload{"i": i})
				assert.NoError(t, err)
			}
		}(tenant)
	}
	wg.Wait()

	for _, tenant := range []string{"t1", "t2"} {
		entries, err := log.ReadRange(ctx, tenant, start, time.Time{}, time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, entries, 20)
		for i, e := range entries {
			assert.Equal(t, tenant, e.TenantID)
			assert.Equal(t, int64(i+1), e.Seq)
		}
	}
}

func TestReadExecution_AcrossMidnight(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC), time.Second)
	log, _ := newTestLog(t, clock)
	ctx := context.Background()

	for _, et := range []model.EventType{model.EventIntentReceived, model.EventSagaStarted, model.EventExecutionCompleted} {
		_, err := log.AppendIdempotent(ctx, Record{
			EventType: et, TenantID: "t1", ExecutionID: "e1",
			Key: model.IdempotencyKey("e1", et),
		})
		require.NoError(t, err)
	}

	partitions, err := log.Partitions(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/2026-03-14", "t1/2026-03-15"}, partitions)

	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	entries, err := log.ReadExecution(ctx, "t1", "e1", day2, day1) // reversed bounds are accepted
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.EventIntentReceived, entries[0].EventType)
	assert.Equal(t, model.EventExecutionCompleted, entries[2].EventType)
}

func TestPrune(t *testing.T) {
	clock := testutil.NewFixedClock(start, 24*time.Hour)
	log, _ := newTestLog(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, model.EventIntentReceived, "t1", nil)
		require.NoError(t, err)
	}

	n, err := log.Prune(ctx, start.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	partitions, err := log.Partitions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/2026-03-16"}, partitions)
}

// flakyBackend fails the first n appends.
type flakyBackend struct {
	*store.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyBackend) AppendWAL(ctx context.Context, entry model.WALEntry) (model.WALEntry, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return model.WALEntry{}, false, errors.New("database is locked")
	}
	return f.Store.AppendWAL(ctx, entry)
}

func TestAppendIdempotent_RetriesTransientFailures(t *testing.T) {
	_, s := newTestLog(t, testutil.NewFixedClock(start, 0))
	backend := &flakyBackend{Store: s, fails: 2}
	log := New(backend, testutil.NewSequenceIDs("ev"), testutil.NewFixedClock(start, 0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetry(5, time.Millisecond, 2*time.Millisecond),
	)

	entry, err := log.AppendIdempotent(context.Background(), Record{
		EventType: model.EventIntentReceived, TenantID: "t1", ExecutionID: "e1",
		Key: model.IdempotencyKey("e1", model.EventIntentReceived),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, int64(1), entry.Seq)
}

func TestAppendIdempotent_GivesUp(t *testing.T) {
	_, s := newTestLog(t, testutil.NewFixedClock(start, 0))
	backend := &flakyBackend{Store: s, fails: 100}
	log := New(backend, testutil.NewSequenceIDs("ev"), testutil.NewFixedClock(start, 0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetry(3, time.Millisecond, time.Millisecond),
	)

	_, err := log.AppendIdempotent(context.Background(), Record{
		EventType: model.EventIntentReceived, TenantID: "t1",
		Key: "k",
	})
	assert.ErrorIs(t, err, ErrAppend)
	assert.Equal(t, 3, backend.calls)
}

func TestAppend_DoesNotRetry(t *testing.T) {
	_, s := newTestLog(t, testutil.NewFixedClock(start, 0))
	backend := &flakyBackend{Store: s, fails: 1}
	log := New(backend, testutil.NewSequenceIDs("ev"), testutil.NewFixedClock(start, 0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := log.Append(context.Background(), model.EventIntentReceived, "t1", nil)
	assert.ErrorIs(t, err, ErrAppend)
	assert.Equal(t, 1, backend.calls)
}
