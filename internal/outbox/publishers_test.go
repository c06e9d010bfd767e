package outbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/intentd/internal/model"
)

// fakeScripter records script invocations and answers from a canned result.
type fakeScripter struct {
	keys   [][]string
	args   [][]any
	result any
	err    error
}

func (f *fakeScripter) run(keys []string, args []any) *redis.Cmd {
	f.keys = append(f.keys, keys)
	f.args = append(f.args, args)
	return redis.NewCmdResult(f.result, f.err)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeScripter) EvalRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeScripter) EvalShaRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeScripter) ScriptExists(context.Context, ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func sampleEntry() model.OutboxEntry {
	return model.OutboxEntry{
		ID: "ob-0001", ExecutionID: "e1", TenantID: "t1",
		EventType: "content.uploaded", Payload: `{"filename":"a.txt"}`,
	}
}

func TestRedisStreamPublisher(t *testing.T) {
	fake := &fakeScripter{result: "1710408600000-0"}
	p := NewRedisStreamPublisher(fake, "intentd:events", 10000)

	require.NoError(t, p.Publish(context.Background(), sampleEntry()))
	require.Len(t, fake.keys, 1)
	assert.Equal(t, []string{"intentd:outbox:sent:ob-0001", "intentd:events"}, fake.keys[0])
	assert.Equal(t, []any{
		int64(86400), int64(10000),
		"entry_id", "ob-0001",
		"execution_id", "e1",
		"tenant_id", "t1",
		"event_type", "content.uploaded",
		"payload", `{"filename":"a.txt"}`,
	}, fake.args[0])
}

func TestRedisStreamPublisher_AlreadySentIsSuccess(t *testing.T) {
	p := NewRedisStreamPublisher(&fakeScripter{err: redis.Nil}, "s", 0)
	assert.NoError(t, p.Publish(context.Background(), sampleEntry()))
}

func TestRedisStreamPublisher_Error(t *testing.T) {
	p := NewRedisStreamPublisher(&fakeScripter{err: errors.New("connection refused")}, "s", 0)
	err := p.Publish(context.Background(), sampleEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis stream s")
}

// TestRedisStreamPublisher_Integration requires a running Redis.
func TestRedisStreamPublisher_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	stream := "intentd:test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, stream)
	entry := sampleEntry()
	entry.ID = stream + ":entry"
	defer client.Del(ctx, "intentd:outbox:sent:"+entry.ID)

	p := NewRedisStreamPublisher(client, stream, 100)
	require.NoError(t, p.Publish(ctx, entry))
	require.NoError(t, p.Publish(ctx, entry))

	n, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "redelivery is deduplicated")
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, p.Publish(context.Background(), sampleEntry()))
	assert.Contains(t, buf.String(), "entry_id=ob-0001")
	assert.Contains(t, buf.String(), "event_type=content.uploaded")
}

func TestChannelPublisher_RespectsContext(t *testing.T) {
	p := NewChannelPublisher(make(chan model.OutboxEntry))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, sampleEntry()), context.Canceled)
}
