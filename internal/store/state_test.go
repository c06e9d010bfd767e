package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
)

func TestCreateExecution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	exec := mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	assert.Equal(t, int64(1), exec.Version)

	got, err := s.GetExecution(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, exec, got)

	byIntent, err := s.GetExecutionByIntent(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, "e1", byIntent.ID)
}

func TestCreateExecution_DuplicateIntent(t *testing.T) {
	s := createTestStore(t)

	mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	_, err := s.CreateExecution(context.Background(), createTestExecution("e2", "t1", "i1"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Intent IDs are scoped per tenant.
	mustCreateExecution(t, s, createTestExecution("e3", "t2", "i1"))
}

func TestGetExecution_TenantScoped(t *testing.T) {
	s := createTestStore(t)
	mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))

	_, err := s.GetExecution(context.Background(), "t2", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateExecution_VersionCheck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	exec := mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	stale := exec

	exec = advance(t, s, exec, model.StatusAuthorizing)
	assert.Equal(t, int64(2), exec.Version)

	require.NoError(t, stale.Transition(model.StatusFailed, baseTime))
	_, err := s.UpdateExecution(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetExecution(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorizing, got.Status)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.UpdateExecution(context.Background(), createTestExecution("missing", "t1", "i1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateExecution_ErrorRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	exec := mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	require.NoError(t, exec.Fail(&model.ExecutionError{
		Code:               "compensation_failed",
		Message:            "evict failed",
		ManualIntervention: true,
	}, baseTime.Add(time.Second)))
	_, err := s.UpdateExecution(ctx, exec)
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, "t1", "e1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.True(t, got.Error.ManualIntervention)
	assert.Equal(t, "compensation_failed", got.Error.Code)
}

func TestRequestCancel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	exec := mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	require.NoError(t, s.RequestCancel(ctx, "t1", "e1"))

	// A later status update must not clear the flag.
	advance(t, s, exec, model.StatusAuthorizing)

	got, err := s.GetExecution(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	assert.ErrorIs(t, s.RequestCancel(ctx, "t2", "e1"), ErrNotFound)
}

func TestListExecutionsByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e1 := mustCreateExecution(t, s, createTestExecution("e1", "t1", "i1"))
	mustCreateExecution(t, s, createTestExecution("e2", "t2", "i2"))
	advance(t, s, e1, model.StatusAuthorizing, model.StatusRunning)

	running, err := s.ListExecutionsByStatus(ctx, model.StatusRunning, model.StatusMaterializing)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "e1", running[0].ID)

	none, err := s.ListExecutionsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sess := model.Session{
		ID:        "s1",
		TenantID:  "t1",
		UserID:    "u1",
		Context:   model.Payload{"locale": "en"},
		CreatedAt: baseTime,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), ErrDuplicate)

	got, err := s.GetSession(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "en", got.Context["locale"])
	assert.Equal(t, baseTime, got.CreatedAt)

	_, err = s.GetSession(ctx, "t2", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSaga_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	saga := &model.Saga{
		ID:        "saga-1",
		TenantID:  "t1",
		SessionID: "s1",
		Name:      "content.upload",
		State:     model.SagaRunning,
		Context:   model.Payload{"execution_id": "e1"},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	saga.Steps = append(saga.Steps, model.StepRecord{
		Index: 0, Name: "realm.handle", Status: model.StepPending, UpdatedAt: baseTime,
	})
	require.NoError(t, s.SaveSaga(ctx, saga))

	saga.Steps[0].Status = model.StepCompleted
	saga.Steps = append(saga.Steps, model.StepRecord{
		Index: 1, Name: "materialize", Status: model.StepFailed, Error: "boom",
		Data: model.Payload{"location": "s3://bucket/key"}, UpdatedAt: baseTime,
	})
	saga.State = model.SagaFailed
	saga.Unrecoverable = []string{"materialize"}
	saga.ManualIntervention = true
	require.NoError(t, s.SaveSaga(ctx, saga))

	got, err := s.GetSaga(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaFailed, got.State)
	assert.True(t, got.ManualIntervention)
	assert.Equal(t, []string{"materialize"}, got.Unrecoverable)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, model.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, "s3://bucket/key", got.Steps[1].Data["location"])
	assert.Equal(t, "e1", got.Context["execution_id"])

	_, err = s.GetSaga(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSagasByState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, state := range []model.SagaState{model.SagaRunning, model.SagaCompleted, model.SagaCreated} {
		saga := &model.Saga{
			ID:        []string{"a", "b", "c"}[i],
			TenantID:  "t1",
			SessionID: "s1",
			Name:      "x",
			State:     state,
			Steps:     []model.StepRecord{{Index: 0, Name: "realm.handle", Status: model.StepPending}},
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			UpdatedAt: baseTime,
		}
		require.NoError(t, s.SaveSaga(ctx, saga))
	}

	pending, err := s.ListSagasByState(ctx, model.SagaCreated, model.SagaRunning, model.SagaCompensating)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)
	assert.Len(t, pending[1].Steps, 1)
}

func TestArtifacts_PutGetPurge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	expires := baseTime.Add(time.Hour)
	rec := model.ArtifactRecord{
		ExecutionID: "e1",
		TenantID:    "t1",
		Ref: model.ArtifactRef{
			Name:       "thumbnail",
			ResultType: "image",
			Action:     model.ActionCache,
			Backend:    "sqlite",
			Location:   "sqlite://t1/e1/thumbnail",
			Digest:     "abc",
			ExpiresAt:  &expires,
		},
		Data: []byte("png"),
	}
	require.NoError(t, s.PutArtifact(ctx, rec))

	got, err := s.GetArtifact(ctx, "t1", "e1", "thumbnail", baseTime)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got.Data)
	require.NotNil(t, got.Ref.ExpiresAt)
	assert.Equal(t, expires, *got.Ref.ExpiresAt)

	_, err = s.GetArtifact(ctx, "t1", "e1", "thumbnail", expires)
	assert.ErrorIs(t, err, ErrNotFound, "expired artifact should be hidden")

	n, err := s.PurgeExpiredArtifacts(ctx, expires)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.ListArtifacts(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
