package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/config"
	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/outbox"
	"github.com/roach88/intentd/internal/realms"
	"github.com/roach88/intentd/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openRuntime(t *testing.T, vars map[string]string, opts ...Option) *Runtime {
	t.Helper()
	if vars == nil {
		vars = map[string]string{}
	}
	if _, ok := vars["INTENTD_DB_PATH"]; !ok {
		vars["INTENTD_DB_PATH"] = filepath.Join(t.TempDir(), "intentd.db")
	}
	cfg, err := config.LoadFrom(vars)
	require.NoError(t, err)

	rt, err := Open(context.Background(), cfg, discardLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestOpen_ExecutesBuiltInRealm(t *testing.T) {
	published := make(chan model.OutboxEntry, 4)
	rt := openRuntime(t, nil, WithPublisher(outbox.NewChannelPublisher(published)))
	ctx := context.Background()

	require.NoError(t, rt.Store.CreateSession(ctx, model.Session{
		ID: "s1", TenantID: "t1", UserID: "u1", CreatedAt: time.Now().UTC(),
	}))

	res, err := rt.Manager.Execute(ctx, model.Intent{
		ID:         "i-1",
		Type:       realms.IntentUpload,
		TenantID:   "t1",
		SessionID:  "s1",
		Parameters: model.Payload{"filename": "a.txt", "content": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Equal(t, model.ActionPersist, res.Artifacts["original"].Action)
	assert.Equal(t, model.ActionCache, res.Artifacts["preview"].Action)

	n, err := rt.Relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "content.uploaded", (<-published).EventType)
}

func TestOpen_SessionRequired(t *testing.T) {
	rt := openRuntime(t, nil)
	_, err := rt.Manager.Execute(context.Background(), model.Intent{
		ID:         "i-1",
		Type:       realms.IntentAnalyze,
		TenantID:   "t1",
		SessionID:  "missing",
		Parameters: model.Payload{"text": "x"},
	})
	assert.True(t, lifecycle.IsPolicyDenied(err))
}

func TestOpen_CELRules(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
- name: no-analyze
  expr: intent.intent_type == "content.analyze"
  effect: deny
`), 0o644))

	rt := openRuntime(t, map[string]string{"INTENTD_CEL_RULES": rules})
	ctx := context.Background()
	require.NoError(t, rt.Store.CreateSession(ctx, model.Session{ID: "s1", TenantID: "t1", CreatedAt: time.Now().UTC()}))

	_, err := rt.Manager.Execute(ctx, model.Intent{
		ID: "i-1", Type: realms.IntentAnalyze, TenantID: "t1", SessionID: "s1",
		Parameters: model.Payload{"text": "x"},
	})
	assert.True(t, lifecycle.IsPolicyDenied(err))
}

func TestOpen_BadPolicyFile(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"INTENTD_DB_PATH":     filepath.Join(t.TempDir(), "intentd.db"),
		"INTENTD_POLICY_FILE": filepath.Join(t.TempDir(), "missing.yaml"),
	})
	require.NoError(t, err)
	_, err = Open(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 0)
	rt := openRuntime(t, map[string]string{"INTENTD_WAL_RETENTION": "48h"},
		WithClock(clock, testutil.NewSequenceIDs("id")))
	ctx := context.Background()

	_, err := rt.WAL.Append(ctx, model.EventIntentReceived, "t1", map[string]any{"n": 1})
	require.NoError(t, err)

	clock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, rt.Sweep(ctx))

	parts, err := rt.WAL.Partitions(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, parts)
}
