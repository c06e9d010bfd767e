package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
)

var start = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type relayFixture struct {
	store *store.Store
	clock *testutil.FixedClock
	ids   *testutil.SequenceIDs
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &relayFixture{
		store: st,
		clock: testutil.NewFixedClock(start, 0),
		ids:   testutil.NewSequenceIDs("ob"),
	}
}

// execution creates an execution and advances it to status, staging events
// in the final commit when status is completed.
func (f *relayFixture) execution(t *testing.T, id string, status model.Status, events ...model.DomainEvent) model.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := f.store.CreateExecution(ctx, model.Execution{
		ID: id, IntentID: "intent-" + id, IntentType: "content.upload",
		TenantID: "t1", SessionID: "s1", SagaID: "saga-" + id,
		Status: model.StatusPending, CreatedAt: start, UpdatedAt: start,
	})
	require.NoError(t, err)

	path := []model.Status{model.StatusAuthorizing, model.StatusRunning, model.StatusMaterializing}
	for _, st := range path {
		if exec.Status == status {
			break
		}
		require.NoError(t, exec.Transition(st, start))
		exec, err = f.store.UpdateExecution(ctx, exec)
		require.NoError(t, err)
	}

	entries := make([]model.OutboxEntry, 0, len(events))
	for _, ev := range events {
		e, err := NewEntry(f.ids, start, exec, ev)
		require.NoError(t, err)
		entries = append(entries, e)
	}
	if status == model.StatusCompleted {
		require.NoError(t, exec.Transition(model.StatusCompleted, start))
	}
	exec, err = f.store.Commit(ctx, store.CommitRequest{Execution: exec, Outbox: entries})
	require.NoError(t, err)
	return exec
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func uploaded(name string) model.DomainEvent {
	return model.DomainEvent{Type: "content.uploaded", Payload: model.Payload{"filename": name}}
}

func TestFlush_PublishesOnlyCommittedExecutions(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	f.execution(t, "done", model.StatusCompleted, uploaded("a.txt"), uploaded("b.txt"))
	f.execution(t, "busy", model.StatusMaterializing, uploaded("c.txt"))

	ch := make(chan model.OutboxEntry, 10)
	relay := NewRelay(f.store, NewChannelPublisher(ch), f.clock, WithLogger(quiet()))

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	close(ch)

	var got []string
	for e := range ch {
		assert.Equal(t, "done", e.ExecutionID)
		got = append(got, e.Payload)
	}
	assert.Equal(t, []string{`{"filename":"a.txt"}`, `{"filename":"b.txt"}`}, got)

	summary, err := relay.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary[model.PublishPublished])
	assert.Equal(t, 1, summary[model.PublishStaged])

	// Nothing left to publish.
	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	f.execution(t, "e1", model.StatusCompleted, uploaded("a.txt"))

	var calls atomic.Int32
	failing := PublisherFunc(func(context.Context, model.OutboxEntry) error {
		calls.Add(1)
		return errors.New("broker down")
	})
	relay := NewRelay(f.store, failing, f.clock,
		WithLogger(quiet()),
		WithMaxAttempts(3),
		WithBackoff(time.Second, time.Minute),
	)

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entry, err := f.store.GetOutboxEntry(ctx, "ob-0001")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, model.PublishStaged, entry.Status)
	assert.True(t, entry.NextAttemptAt.Equal(start.Add(time.Second)))
	assert.Equal(t, "broker down", entry.LastError)

	// Not due yet.
	_, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	f.clock.Advance(time.Second)
	_, err = relay.Flush(ctx)
	require.NoError(t, err)
	entry, err = f.store.GetOutboxEntry(ctx, "ob-0001")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)
	assert.True(t, entry.NextAttemptAt.Equal(start.Add(3*time.Second)))

	f.clock.Advance(2 * time.Second)
	_, err = relay.Flush(ctx)
	require.NoError(t, err)
	entry, err = f.store.GetOutboxEntry(ctx, "ob-0001")
	require.NoError(t, err)
	assert.Equal(t, model.PublishFailed, entry.Status)
	assert.Equal(t, 3, entry.Attempts)

	f.clock.Advance(time.Hour)
	_, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "dead letters are never retried")
}

func TestFlush_PublisherPanicCountsAsFailure(t *testing.T) {
	f := newRelayFixture(t)
	f.execution(t, "e1", model.StatusCompleted, uploaded("a.txt"))

	relay := NewRelay(f.store, PublisherFunc(func(context.Context, model.OutboxEntry) error {
		panic("nil producer")
	}), f.clock, WithLogger(quiet()))

	_, err := relay.Flush(context.Background())
	require.NoError(t, err)
	entry, err := f.store.GetOutboxEntry(context.Background(), "ob-0001")
	require.NoError(t, err)
	assert.Contains(t, entry.LastError, "panicked")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{200, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, time.Second, time.Minute), "attempts=%d", tt.attempts)
	}

	t.Run("schedule is deterministic", func(t *testing.T) {
		for attempts := 1; attempts <= 12; attempts++ {
			first := Backoff(attempts, 250*time.Millisecond, 30*time.Second)
			assert.Equal(t, first, Backoff(attempts, 250*time.Millisecond, 30*time.Second))
			assert.LessOrEqual(t, first, 30*time.Second)
		}
	})

	t.Run("base above max is capped", func(t *testing.T) {
		assert.Equal(t, time.Minute, Backoff(1, time.Hour, time.Minute))
	})
}

func TestRun_FlushesOnNotify(t *testing.T) {
	f := newRelayFixture(t)

	ch := make(chan model.OutboxEntry, 10)
	relay := NewRelay(f.store, NewChannelPublisher(ch), f.clock,
		WithLogger(quiet()),
		WithInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	f.execution(t, "e1", model.StatusCompleted, uploaded("a.txt"))
	relay.Notify()

	select {
	case e := <-ch:
		assert.Equal(t, "e1", e.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not flush after Notify")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNewEntry(t *testing.T) {
	exec := model.Execution{ID: "e1", TenantID: "t1"}
	ids := testutil.NewSequenceIDs("ob")

	e, err := NewEntry(ids, start, exec, model.DomainEvent{Type: "x", Payload: model.Payload{"b": 1, "a": "é"}})
	require.NoError(t, err)
	assert.Equal(t, "ob-0001", e.ID)
	assert.Equal(t, model.PublishStaged, e.Status)
	assert.Equal(t, `{"a":"é","b":1}`, e.Payload)

	_, err = NewEntry(ids, start, exec, model.DomainEvent{})
	assert.Error(t, err)
}
