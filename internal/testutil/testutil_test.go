package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/registry"
)

func TestFixedClock_Steps(t *testing.T) {
	start := time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	clock := NewFixedClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Peek())

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour+2*time.Second), clock.Peek())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestFixedClock_ZeroStepFreezes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFixedClock(start, 0)

	assert.Equal(t, clock.Now(), clock.Now())
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("exec")
	assert.Equal(t, "exec-0001", ids.NewID())
	assert.Equal(t, "exec-0002", ids.NewID())

	ids.Reset()
	assert.Equal(t, "exec-0001", ids.NewID())

	assert.Equal(t, "id-0001", NewSequenceIDs("").NewID())
}

func TestSequenceIDs_ThreadSafe(t *testing.T) {
	ids := NewSequenceIDs("x")

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := ids.NewID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
}

func TestScriptedRealm(t *testing.T) {
	realm := NewScriptedRealm("content").
		On("content.upload", Script{
			Artifacts: map[string]registry.Artifact{"file": {ResultType: "document", Data: []byte("x")}},
			Events:    []model.DomainEvent{{Type: "content.uploaded", Payload: model.Payload{"n": 1}}},
		}).
		On("content.delete", Script{Err: &registry.RealmError{Code: "not_found", Message: "gone"}})

	reg := registry.New()
	require.NoError(t, reg.Register(realm))
	assert.Equal(t, []string{"content.delete", "content.upload"}, realm.DeclareIntents())

	ctx := context.Background()
	out, err := realm.HandleIntent(ctx, model.Intent{Type: "content.upload"}, registry.ExecContext{})
	require.NoError(t, err)
	assert.Contains(t, out.Artifacts, "file")
	assert.Len(t, out.Events, 1)

	_, err = realm.HandleIntent(ctx, model.Intent{Type: "content.delete"}, registry.ExecContext{})
	var re *registry.RealmError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "not_found", re.Code)

	require.NoError(t, realm.Compensate(ctx, model.Intent{Type: "content.upload"}, registry.ExecContext{ExecutionID: "e1"}))
	assert.Equal(t, []string{"e1"}, realm.Compensated())
	assert.Len(t, realm.Calls(), 2)
}

func TestScriptedRealm_BlockHonoursContext(t *testing.T) {
	realm := NewScriptedRealm("slow").On("slow.op", Script{Block: make(chan struct{})})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := realm.HandleIntent(ctx, model.Intent{Type: "slow.op"}, registry.ExecContext{})
	assert.ErrorIs(t, err, context.Canceled)
}
