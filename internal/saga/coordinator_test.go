package saga

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
	"github.com/roach88/intentd/internal/wal"
)

type fixture struct {
	store *store.Store
	log   *wal.Log
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFixedClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), time.Millisecond)
	log := wal.New(st, testutil.NewSequenceIDs("evt"), clock)
	coord := NewCoordinator(st, testutil.NewSequenceIDs("saga"), clock, WithJournal(log))
	return &fixture{store: st, log: log, coord: coord}
}

func (f *fixture) runningSaga(t *testing.T, steps ...string) *model.Saga {
	t.Helper()
	ctx := context.Background()
	s, err := f.coord.CreateSaga(ctx, "t1", "s1", "content.upload", model.Payload{ContextExecutionID: "exec-1"})
	require.NoError(t, err)
	require.NoError(t, f.coord.Start(ctx, s))
	for _, name := range steps {
		idx, err := f.coord.BeginStep(ctx, s, name, nil)
		require.NoError(t, err)
		require.NoError(t, f.coord.CompleteStep(ctx, s, idx, model.Payload{"undo": name}))
	}
	return s
}

func (f *fixture) walTypes(t *testing.T) []model.EventType {
	t.Helper()
	entries, err := f.log.ReadExecution(context.Background(), "t1", "exec-1",
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	types := make([]model.EventType, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func TestCoordinator_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSaga(t, "realm.handle", "materialize")

	require.NoError(t, f.coord.Complete(ctx, s))
	assert.Equal(t, model.SagaCompleted, s.State)

	loaded, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, loaded.State)
	assert.Equal(t, []string{"realm.handle", "materialize"}, loaded.CompletedSteps())
	assert.Equal(t, model.Payload{"undo": "materialize"}, loaded.Steps[1].Data)

	assert.Equal(t, []model.EventType{
		model.EventSagaStarted,
		model.EventSagaStepCompleted,
		model.EventSagaStepCompleted,
	}, f.walTypes(t))
}

func TestCoordinator_CompensatesInReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		require.NoError(t, f.coord.RegisterCompensator(name, func(_ context.Context, _ *model.Saga, step model.StepRecord) error {
			order = append(order, step.Name)
			return nil
		}))
	}

	s := f.runningSaga(t, "A", "B")
	idx, err := f.coord.BeginStep(ctx, s, "C", nil)
	require.NoError(t, err)
	require.NoError(t, f.coord.FailStep(ctx, s, idx, errors.New("realm exploded")))

	require.NoError(t, f.coord.Compensate(ctx, s, errors.New("realm exploded")))

	// C failed, so its compensation is a recorded no-op.
	assert.Equal(t, []string{"B", "A"}, order)
	assert.Equal(t, model.SagaCompensated, s.State)
	assert.Equal(t, model.StepSkipped, s.Steps[2].Status)
	assert.Equal(t, model.StepCompensated, s.Steps[1].Status)
	assert.Equal(t, model.StepCompensated, s.Steps[0].Status)
	assert.Equal(t, "realm exploded", s.Error)

	assert.Equal(t, model.EventSagaCompensated, f.walTypes(t)[3])

	outcomes := Outcomes(s)
	assert.Equal(t, []StepOutcome{
		{Step: "C", Outcome: OutcomeStepCompensated},
		{Step: "B", Outcome: OutcomeStepCompensated},
		{Step: "A", Outcome: OutcomeStepCompensated},
		{Outcome: OutcomeFinished},
	}, outcomes[len(outcomes)-4:], "the failed step is undone first, as a no-op")
	assert.Equal(t, []string{"C", "B", "A"}, compensatedSteps(s))

	state, err := Replay(outcomes)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, state)
}

func TestCoordinator_CompensationFailureNeedsManualIntervention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var undone []string
	require.NoError(t, f.coord.RegisterCompensator("A", func(_ context.Context, _ *model.Saga, st model.StepRecord) error {
		undone = append(undone, st.Name)
		return nil
	}))
	require.NoError(t, f.coord.RegisterCompensator("B", func(context.Context, *model.Saga, model.StepRecord) error {
		return errors.New("bucket gone")
	}))

	s := f.runningSaga(t, "A", "B")
	err := f.coord.Compensate(ctx, s, errors.New("cancelled"))

	require.Error(t, err)
	assert.True(t, IsCompensationError(err))
	assert.Equal(t, []string{"A"}, undone, "compensation continues past a failure")
	assert.Equal(t, model.SagaFailed, s.State)
	assert.True(t, s.ManualIntervention)
	assert.Equal(t, []string{"B"}, s.Unrecoverable)
	assert.Equal(t, model.StepCompensationFailed, s.Steps[1].Status)

	loaded, err := f.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, loaded.ManualIntervention)
	assert.Equal(t, []string{"B"}, loaded.Unrecoverable)

	types := f.walTypes(t)
	assert.Equal(t, model.EventSagaCompensationFailed, types[len(types)-1])

	state, err := Replay(Outcomes(s))
	require.NoError(t, err)
	assert.Equal(t, model.SagaFailed, state)
}

func TestCoordinator_CompensatorPanicIsFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.RegisterCompensator("A", func(context.Context, *model.Saga, model.StepRecord) error {
		panic("nil client")
	}))

	s := f.runningSaga(t, "A")
	err := f.coord.Compensate(context.Background(), s, nil)
	assert.True(t, IsCompensationError(err))
	assert.Contains(t, s.Steps[0].Error, "panicked")
}

func TestCoordinator_CompensationIgnoresCancelledContext(t *testing.T) {
	f := newFixture(t)
	called := false
	require.NoError(t, f.coord.RegisterCompensator("A", func(ctx context.Context, _ *model.Saga, _ model.StepRecord) error {
		called = true
		return ctx.Err()
	}))
	s := f.runningSaga(t, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.coord.Compensate(ctx, s, errors.New("cancelled")))
	assert.True(t, called)
	assert.Equal(t, model.SagaCompensated, s.State)
}

func TestCoordinator_ResumesInterruptedCompensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := map[string]int{}
	for _, name := range []string{"A", "B"} {
		name := name
		require.NoError(t, f.coord.RegisterCompensator(name, func(context.Context, *model.Saga, model.StepRecord) error {
			calls[name]++
			return nil
		}))
	}

	s := f.runningSaga(t, "A", "B")
	// Simulate a crash after B was undone.
	s.State = model.SagaCompensating
	s.Steps[1].Status = model.StepCompensated
	require.NoError(t, f.store.SaveSaga(ctx, s))

	pending, err := f.coord.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, f.coord.Compensate(ctx, pending[0], nil))
	assert.Equal(t, map[string]int{"A": 1}, calls)
	assert.Equal(t, model.SagaCompensated, pending[0].State)
}

func TestCoordinator_Fail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.CreateSaga(ctx, "t1", "s1", "content.upload", nil)
	require.NoError(t, err)
	require.NoError(t, f.coord.Fail(ctx, s, errors.New("policy denied")))
	assert.Equal(t, model.SagaFailed, s.State)
	assert.ErrorIs(t, f.coord.Fail(ctx, s, nil), ErrInvalidState)

	withSteps := f.runningSaga(t, "A")
	assert.ErrorIs(t, f.coord.Fail(ctx, withSteps, nil), ErrInvalidState)
}

func TestCoordinator_StateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.coord.CreateSaga(ctx, "t1", "s1", "x", nil)
	require.NoError(t, err)

	_, err = f.coord.BeginStep(ctx, s, "A", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, f.coord.Complete(ctx, s), ErrInvalidState)
	assert.ErrorIs(t, f.coord.Compensate(ctx, s, nil), ErrInvalidState)

	require.NoError(t, f.coord.Start(ctx, s))
	require.NoError(t, f.coord.Start(ctx, s), "start is idempotent")

	idx, err := f.coord.BeginStep(ctx, s, "A", nil)
	require.NoError(t, err)
	again, err := f.coord.BeginStep(ctx, s, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, idx, again, "pending step is reused")

	assert.ErrorIs(t, f.coord.Complete(ctx, s), ErrInvalidState, "pending step blocks completion")
	assert.ErrorIs(t, f.coord.CompleteStep(ctx, s, 7, nil), ErrUnknownStep)

	require.NoError(t, f.coord.CompleteStep(ctx, s, idx, nil))
	assert.ErrorIs(t, f.coord.CompleteStep(ctx, s, idx, nil), ErrInvalidState)
}

func TestRegisterCompensator_Duplicate(t *testing.T) {
	c := NewCoordinator(nil, testutil.NewSequenceIDs("s"), testutil.NewFixedClock(time.Now(), 0))
	noop := func(context.Context, *model.Saga, model.StepRecord) error { return nil }
	require.NoError(t, c.RegisterCompensator("A", noop))
	assert.Error(t, c.RegisterCompensator("A", noop))
	assert.Error(t, c.RegisterCompensator("", noop))
}
