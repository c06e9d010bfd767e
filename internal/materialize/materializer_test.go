package materialize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/policy"
	"github.com/roach88/intentd/internal/registry"
	"github.com/roach88/intentd/internal/testutil"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// memBackend is an in-memory Backend.
type memBackend struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
	failOn  string
	deleted []string
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, objects: map[string][]byte{}}
}

func (b *memBackend) Name() string { return b.name }

func (b *memBackend) Locate(key string) string { return b.name + "://" + key }

func (b *memBackend) Put(_ context.Context, obj Object) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj.Name == b.failOn {
		return "", errors.New("quota exceeded")
	}
	loc := b.Locate(obj.Key())
	b.objects[loc] = obj.Data
	return loc, nil
}

func (b *memBackend) Get(_ context.Context, loc string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[loc]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (b *memBackend) Delete(_ context.Context, loc string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, loc)
	b.deleted = append(b.deleted, loc)
	return nil
}

func (b *memBackend) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func testTable() *policy.Table {
	return &policy.Table{
		DefaultCacheTTL: time.Hour,
		Defaults: map[string]policy.Rule{
			"document": {Action: model.ActionPersist},
			"preview":  {Action: model.ActionCache, TTL: 10 * time.Minute},
			"debug":    {Action: model.ActionDiscard},
		},
	}
}

func testExec() model.Execution {
	return model.Execution{ID: "e1", TenantID: "t1", SolutionID: "sol"}
}

func uploadArtifacts() map[string]registry.Artifact {
	return map[string]registry.Artifact{
		"file":    {ResultType: "document", ContentType: "text/plain", Data: []byte("hello")},
		"thumb":   {ResultType: "preview", Data: []byte("tiny")},
		"trace":   {ResultType: "debug", Data: []byte("noise")},
		"unknown": {ResultType: "mystery", Data: []byte("?")},
	}
}

func newTestMaterializer(opts ...Option) *Materializer {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(testTable(), testutil.NewFixedClock(now, 0), opts...)
}

func TestMaterialize_Inline(t *testing.T) {
	m := newTestMaterializer()

	plan, err := m.Materialize(context.Background(), testExec(), nil, uploadArtifacts())
	require.NoError(t, err)

	require.Len(t, plan.Records, 2)
	assert.Equal(t, "file", plan.Records[0].Ref.Name)
	assert.Equal(t, []byte("hello"), plan.Records[0].Data)
	assert.Equal(t, "sqlite://t1/e1/file", plan.Records[0].Ref.Location)
	assert.Equal(t, model.ActionPersist, plan.Records[0].Ref.Action)
	assert.Nil(t, plan.Records[0].Ref.ExpiresAt)
	assert.Equal(t, model.Digest(model.DomainArtifact, []byte("hello")), plan.Records[0].Ref.Digest)

	thumb := plan.Refs["thumb"]
	assert.Equal(t, model.ActionCache, thumb.Action)
	require.NotNil(t, thumb.ExpiresAt)
	assert.True(t, thumb.ExpiresAt.Equal(now.Add(10*time.Minute)))

	assert.Empty(t, plan.External)
	assert.Equal(t, "rule", plan.Discarded["trace"])
	assert.Contains(t, plan.Discarded["unknown"], "no rule")
	assert.NotContains(t, plan.Refs, "trace")
}

func TestMaterialize_ExternalBackends(t *testing.T) {
	s3 := newMemBackend(BackendS3)
	cache := newMemBackend(BackendRedis)
	m := newTestMaterializer(WithPersistBackend(s3), WithCacheBackend(cache))
	ctx := context.Background()

	plan, err := m.Materialize(ctx, testExec(), nil, uploadArtifacts())
	require.NoError(t, err)

	assert.Equal(t, []string{"s3://t1/e1/file"}, s3.keys())
	assert.Equal(t, []string{"redis://t1/e1/thumb"}, cache.keys())
	require.Len(t, plan.External, 2)
	for _, rec := range plan.Records {
		assert.Nil(t, rec.Data, "external artifacts are referenced, not inlined")
	}

	data, err := m.Read(ctx, plan.Records[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// The saga step data is enough to undo the writes.
	step := model.StepRecord{Name: StepName, Data: plan.StepData()}
	step.Data = step.Data.Clone()
	require.NoError(t, m.Compensate(ctx, &model.Saga{ID: "saga-1"}, step))
	assert.Empty(t, s3.keys())
	assert.Empty(t, cache.keys())
}

func TestMaterialize_FailureEvictsPartialWrites(t *testing.T) {
	s3 := newMemBackend(BackendS3)
	cache := newMemBackend(BackendRedis)
	cache.failOn = "thumb"
	m := newTestMaterializer(WithPersistBackend(s3), WithCacheBackend(cache))

	_, err := m.Materialize(context.Background(), testExec(), nil, uploadArtifacts())
	require.ErrorIs(t, err, ErrMaterialize)
	assert.Empty(t, s3.keys(), "file was written before thumb failed and must be evicted")
	assert.Equal(t, []string{"s3://t1/e1/file"}, s3.deleted)
}

func TestMaterialize_IntendedCoversEveryExternalWrite(t *testing.T) {
	s3 := newMemBackend(BackendS3)
	cache := newMemBackend(BackendRedis)
	m := newTestMaterializer(WithPersistBackend(s3), WithCacheBackend(cache))
	ctx := context.Background()

	intended := m.Intended(testExec(), nil, uploadArtifacts())
	ext := intended["external"].([]any)
	require.Len(t, ext, 2, "discarded artifacts are never written")
	assert.Equal(t, map[string]any{"backend": BackendS3, "key": "t1/e1/file", "location": "s3://t1/e1/file"}, ext[0])
	assert.Equal(t, "redis://t1/e1/thumb", ext[1].(map[string]any)["location"])

	_, err := m.Materialize(ctx, testExec(), nil, uploadArtifacts())
	require.NoError(t, err)
	require.Len(t, s3.keys(), 1)

	// A step interrupted mid-write only has the data recorded when it began.
	step := model.StepRecord{Name: StepName, Status: model.StepPending, Data: intended}
	require.NoError(t, m.Compensate(ctx, &model.Saga{ID: "saga-1"}, step))
	assert.Empty(t, s3.keys())
	assert.Empty(t, cache.keys())

	t.Run("inline artifacts need no eviction", func(t *testing.T) {
		inline := newTestMaterializer().Intended(testExec(), nil, uploadArtifacts())
		assert.Empty(t, inline["external"])
	})
}

func TestMaterialize_Override(t *testing.T) {
	m := newTestMaterializer()
	override, err := OverrideFromMetadata(model.Payload{MetadataKey: map[string]any{"action": "cache", "ttl": "5m"}})
	require.NoError(t, err)

	plan, err := m.Materialize(context.Background(), testExec(), override, uploadArtifacts())
	require.NoError(t, err)
	assert.Len(t, plan.Refs, 4)
	for _, ref := range plan.Refs {
		assert.Equal(t, model.ActionCache, ref.Action)
		assert.True(t, ref.ExpiresAt.Equal(now.Add(5*time.Minute)))
	}
}

func TestMaterialize_NilTableDiscardsAll(t *testing.T) {
	m := New(nil, testutil.NewFixedClock(now, 0))
	plan, err := m.Materialize(context.Background(), testExec(), nil, uploadArtifacts())
	require.NoError(t, err)
	assert.Empty(t, plan.Refs)
	assert.Len(t, plan.Discarded, 4)

	m.SetTable(testTable())
	assert.Equal(t, model.ActionPersist, m.Decide(testExec(), "document", nil).Action())
}

func TestOverrideFromMetadata(t *testing.T) {
	r, err := OverrideFromMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = OverrideFromMetadata(model.Payload{MetadataKey: "Discard"})
	require.NoError(t, err)
	assert.Equal(t, model.ActionDiscard, r.Action)

	_, err = OverrideFromMetadata(model.Payload{MetadataKey: "shred"})
	assert.Error(t, err)
}

func TestEvict_UnknownBackend(t *testing.T) {
	m := newTestMaterializer()
	err := m.Evict(context.Background(), []model.ArtifactRef{
		{Backend: BackendSQLite, Location: "sqlite://t1/e1/a"},
		{Backend: "gcs", Location: "gcs://b/k"},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `"gcs"`))
}
