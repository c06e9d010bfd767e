package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/materialize"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/saga"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
)

// crashAfterRealm leaves an execution running with its realm step completed,
// as if the process died before materialization.
func crashAfterRealm(t *testing.T, f *fixture, intentID string) string {
	t.Helper()
	ctx := context.Background()
	r, err := f.mgr.admit(ctx, uploadIntent(intentID))
	require.NoError(t, err)
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusAuthorizing))
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusRunning))
	require.NoError(t, f.mgr.sagas.Start(ctx, r.saga))
	idx, err := f.mgr.sagas.BeginStep(ctx, r.saga, StepRealm, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.sagas.CompleteStep(ctx, r.saga, idx, nil))
	return r.exec.ID
}

// crashMidMaterialize leaves an execution materializing whose artifacts
// were written but whose step never completed.
func crashMidMaterialize(t *testing.T, f *fixture, intentID string) string {
	t.Helper()
	r := crashAfterRealmRun(t, f, intentID)
	ctx := context.Background()
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusMaterializing))
	_, err := f.mgr.sagas.BeginStep(ctx, r.saga, materialize.StepName,
		f.mat.Intended(r.exec, r.override, r.outcome.Artifacts))
	require.NoError(t, err)
	_, err = f.mat.Materialize(ctx, r.exec, r.override, r.outcome.Artifacts)
	require.NoError(t, err)
	return r.exec.ID
}

// crashAfterCommit leaves a committed execution, with its realm events
// staged in the outbox, whose finalization never ran.
func crashAfterCommit(t *testing.T, f *fixture, intentID string) string {
	t.Helper()
	r := crashAfterRealmRun(t, f, intentID)
	ctx := context.Background()
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusMaterializing))
	idx, err := f.mgr.sagas.BeginStep(ctx, r.saga, materialize.StepName, nil)
	require.NoError(t, err)
	plan, err := f.mat.Materialize(ctx, r.exec, r.override, r.outcome.Artifacts)
	require.NoError(t, err)
	require.NoError(t, f.mgr.sagas.CompleteStep(ctx, r.saga, idx, plan.StepData()))
	require.Nil(t, f.mgr.commit(ctx, r, plan))
	return r.exec.ID
}

// crashAfterRealmRun runs the realm for real and completes its step.
func crashAfterRealmRun(t *testing.T, f *fixture, intentID string) *run {
	t.Helper()
	ctx := context.Background()
	r, err := f.mgr.admit(ctx, uploadIntent(intentID))
	require.NoError(t, err)
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusAuthorizing))
	require.Nil(t, f.mgr.advance(ctx, r, model.StatusRunning))
	require.NoError(t, f.mgr.sagas.Start(ctx, r.saga))
	idx, err := f.mgr.sagas.BeginStep(ctx, r.saga, StepRealm, nil)
	require.NoError(t, err)
	r.outcome, err = f.mgr.invoke(ctx, r)
	require.NoError(t, err)
	require.NoError(t, f.mgr.sagas.CompleteStep(ctx, r.saga, idx, nil))
	return r
}

// recordingBackend is an artifact store that remembers deletions.
type recordingBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{objects: map[string][]byte{}}
}

func (b *recordingBackend) Name() string             { return materialize.BackendS3 }
func (b *recordingBackend) Locate(key string) string { return "s3://artifacts/" + key }

func (b *recordingBackend) Put(_ context.Context, obj materialize.Object) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	loc := b.Locate(obj.Key())
	b.objects[loc] = obj.Data
	return loc, nil
}

func (b *recordingBackend) Get(_ context.Context, loc string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[loc]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (b *recordingBackend) Delete(_ context.Context, loc string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, loc)
	b.deleted = append(b.deleted, loc)
	return nil
}

func (b *recordingBackend) state() (objects int, deleted []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects), append([]string(nil), b.deleted...)
}

func TestRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intentd.db")
	before := newFixture(t, fixtureOpts{
		path:  path,
		realm: uploadRealm().On("content.archive", testutil.Script{}),
	})
	ctx := context.Background()

	pendingID, err := before.mgr.Submit(ctx, uploadIntent("pending"))
	require.NoError(t, err)
	archive := uploadIntent("stale")
	archive.Type = "content.archive"
	staleID, err := before.mgr.Submit(ctx, archive)
	require.NoError(t, err)
	runningID := crashAfterRealm(t, before, "running")
	committedID := crashAfterCommit(t, before, "committed")
	orphan, err := before.mgr.sagas.CreateSaga(ctx, "tenant-a", "session-1", "content.upload",
		model.Payload{saga.ContextExecutionID: "never-recorded"})
	require.NoError(t, err)
	staged, err := before.store.ListOutboxByExecution(ctx, "tenant-a", committedID)
	require.NoError(t, err)
	require.Len(t, staged, 1, "the commit staged the realm's event")
	require.NoError(t, before.store.Close())

	// content.archive is no longer registered after the restart.
	after := newFixture(t, fixtureOpts{path: path})
	report, err := after.mgr.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{pendingID}, report.Resumed)
	assert.Equal(t, []string{staleID}, report.Failed)
	assert.Equal(t, []string{runningID}, report.Compensated)
	assert.Equal(t, []string{committedID}, report.Finalized)
	assert.Equal(t, []string{orphan.ID}, report.Orphans)
	assert.Empty(t, report.Manual)

	t.Run("staged events of the committed execution are published", func(t *testing.T) {
		n, err := after.relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(staged), n)
		published := after.published.Entries()
		require.Len(t, published, len(staged))
		assert.Equal(t, committedID, published[0].ExecutionID)
		assert.Equal(t, staged[0].ID, published[0].ID)
	})

	t.Run("execution with an unregistered realm fails as interrupted", func(t *testing.T) {
		exec, err := after.mgr.Status(ctx, "tenant-a", staleID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, exec.Status)
		assert.Equal(t, string(CodeInterrupted), exec.Error.Code)
		assert.Contains(t, after.walTypes(t, "tenant-a", staleID), model.EventExecutionFailed)
	})

	t.Run("pending execution is resumed", func(t *testing.T) {
		exec, err := after.mgr.Status(ctx, "tenant-a", pendingID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, exec.Status, "nothing runs before the dispatcher starts")

		after.mgr.Start(ctx)
		require.NoError(t, after.mgr.Shutdown(ctx))

		exec, err = after.mgr.Status(ctx, "tenant-a", pendingID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, exec.Status)
		require.Len(t, after.realm.Calls(), 1)
		assert.Equal(t, "pending", after.realm.Calls()[0].ID)
	})

	t.Run("running execution is compensated", func(t *testing.T) {
		exec, err := after.mgr.Status(ctx, "tenant-a", runningID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompensated, exec.Status)
		assert.Equal(t, []string{runningID}, after.realm.Compensated())
	})

	t.Run("committed execution is finalized", func(t *testing.T) {
		exec, err := after.mgr.Status(ctx, "tenant-a", committedID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, exec.Status)
		assert.Contains(t, after.walTypes(t, "tenant-a", committedID), model.EventExecutionCompleted)

		s, err := after.store.GetSaga(ctx, exec.SagaID)
		require.NoError(t, err)
		assert.Equal(t, model.SagaCompleted, s.State)
	})

	t.Run("orphan saga is failed", func(t *testing.T) {
		s, err := after.store.GetSaga(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SagaFailed, s.State)
	})

	t.Run("nothing is left pending", func(t *testing.T) {
		sagas, err := after.mgr.sagas.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, sagas)

		again, err := after.mgr.Recover(ctx)
		require.NoError(t, err)
		assert.True(t, again.Empty())
	})
}

func TestRecover_EvictsArtifactsOfInterruptedMaterialization(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intentd.db")
	backend := newRecordingBackend()
	before := newFixture(t, fixtureOpts{path: path, persist: backend})
	ctx := context.Background()

	id := crashMidMaterialize(t, before, "materializing")
	objects, _ := backend.state()
	require.Equal(t, 1, objects, "parsed was written before the crash")
	require.NoError(t, before.store.Close())

	after := newFixture(t, fixtureOpts{path: path, persist: backend})
	report, err := after.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Compensated)

	objects, deleted := backend.state()
	assert.Zero(t, objects)
	assert.Equal(t, []string{"s3://artifacts/tenant-a/" + id + "/parsed"}, deleted)
	assert.Equal(t, []string{id}, after.realm.Compensated())

	exec, err := after.mgr.Status(ctx, "tenant-a", id)
	require.NoError(t, err)
	s, err := after.store.GetSaga(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, s.State)
	for _, step := range s.Steps {
		assert.Equal(t, model.StepCompensated, step.Status, step.Name)
	}
}

func TestRecover_FinishesFailureAlreadyLogged(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	id, err := f.mgr.Submit(ctx, uploadIntent("intent-1"))
	require.NoError(t, err)
	exec, err := f.mgr.Status(ctx, "tenant-a", id)
	require.NoError(t, err)
	// The process stopped right after execution_failed was appended.
	failed := exec
	require.NoError(t, failed.Fail(&model.ExecutionError{Code: string(CodeCancelled), Message: "cancelled by request"}, f.clock.Now()))
	require.Nil(t, f.mgr.recordFailure(ctx, failed))

	report, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Failed)
	assert.Empty(t, report.Resumed)
	assert.Empty(t, f.realm.Calls())
	assert.Equal(t, 1, countType(f.walTypes(t, "tenant-a", id), model.EventExecutionFailed))
}

func TestRecover_IsIdempotentForWAL(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := crashAfterCommit(t, f, "committed")

	_, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	_, err = f.mgr.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, countType(f.walTypes(t, "tenant-a", id), model.EventExecutionCompleted))

	_, err = f.store.GetExecution(ctx, "tenant-b", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
