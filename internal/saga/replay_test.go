package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/testutil"
)

func TestReplay(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []StepOutcome
		want     model.SagaState
	}{
		{"empty", nil, model.SagaCreated},
		{"started", []StepOutcome{{Outcome: OutcomeStarted}}, model.SagaRunning},
		{"completed", []StepOutcome{
			{Outcome: OutcomeStarted},
			{Step: "A", Outcome: OutcomeStepCompleted},
			{Outcome: OutcomeFinished},
		}, model.SagaCompleted},
		{"compensated", []StepOutcome{
			{Outcome: OutcomeStarted},
			{Step: "A", Outcome: OutcomeStepCompleted},
			{Step: "B", Outcome: OutcomeStepFailed},
			{Step: "A", Outcome: OutcomeStepCompensated},
			{Outcome: OutcomeFinished},
		}, model.SagaCompensated},
		{"compensation failed", []StepOutcome{
			{Outcome: OutcomeStarted},
			{Step: "A", Outcome: OutcomeStepCompleted},
			{Step: "B", Outcome: OutcomeStepFailed},
			{Step: "A", Outcome: OutcomeCompensationFailed},
			{Outcome: OutcomeFinished},
		}, model.SagaFailed},
		{"aborted", []StepOutcome{{Outcome: OutcomeAborted}}, model.SagaFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replay(tt.outcomes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplay_RejectsInvalidSequence(t *testing.T) {
	_, err := Replay([]StepOutcome{{Step: "A", Outcome: OutcomeStepCompleted}})
	assert.Error(t, err)

	_, err = Replay([]StepOutcome{{Outcome: OutcomeStarted}, {Outcome: OutcomeFinished}, {Outcome: OutcomeStarted}})
	assert.Error(t, err)
}

// memStore keeps sagas in memory for property tests.
type memStore struct {
	mu    sync.Mutex
	sagas map[string]model.Saga
}

func (m *memStore) SaveSaga(_ context.Context, s *model.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Steps = append([]model.StepRecord(nil), s.Steps...)
	m.sagas[s.ID] = cp
	return nil
}

func (m *memStore) GetSaga(_ context.Context, id string) (*model.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, fmt.Errorf("saga %s not found", id)
	}
	return &s, nil
}

func (m *memStore) ListSagasByState(context.Context, ...model.SagaState) ([]*model.Saga, error) {
	return []*model.Saga{}, nil
}

// TestProperty_ReplayMatchesRecordedState drives the coordinator through a
// generated plan and checks that replaying the recorded outcomes yields the
// state the coordinator stored.
//
// Plan: n steps complete, then either all finish, step n fails, or the run
// is cancelled. failMask selects which compensators fail.
func TestProperty_ReplayMatchesRecordedState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Replay(Outcomes(s)) == s.State", prop.ForAll(
		func(n int, ending string, failMask uint8) bool {
			ctx := context.Background()
			coord := NewCoordinator(&memStore{sagas: map[string]model.Saga{}},
				testutil.NewSequenceIDs("saga"),
				testutil.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))
			for i := 0; i < 5; i++ {
				i := i
				_ = coord.RegisterCompensator(fmt.Sprintf("step-%d", i), func(context.Context, *model.Saga, model.StepRecord) error {
					if failMask&(1<<i) != 0 {
						return errors.New("undo failed")
					}
					return nil
				})
			}

			s, err := coord.CreateSaga(ctx, "t1", "s1", "prop", nil)
			if err != nil {
				return false
			}
			if ending == "abort" {
				_ = coord.Fail(ctx, s, errors.New("denied"))
			} else {
				if coord.Start(ctx, s) != nil {
					return false
				}
				for i := 0; i < n; i++ {
					idx, _ := coord.BeginStep(ctx, s, fmt.Sprintf("step-%d", i), nil)
					_ = coord.CompleteStep(ctx, s, idx, nil)
				}
				switch ending {
				case "finish":
					_ = coord.Complete(ctx, s)
				case "fail":
					idx, _ := coord.BeginStep(ctx, s, fmt.Sprintf("step-%d", n), nil)
					_ = coord.FailStep(ctx, s, idx, errors.New("boom"))
					_ = coord.Compensate(ctx, s, errors.New("boom"))
				case "cancel":
					_ = coord.Compensate(ctx, s, errors.New("cancelled"))
				}
			}

			state, err := Replay(Outcomes(s))
			return err == nil && state == s.State
		},
		gen.IntRange(0, 4),
		gen.OneConstOf("finish", "fail", "cancel", "abort", "running"),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
