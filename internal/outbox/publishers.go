package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/intentd/internal/model"
)

// LogPublisher writes each event to the log. Useful when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, e model.OutboxEntry) error {
	p.logger.InfoContext(ctx, "domain event",
		"entry_id", e.ID,
		"execution_id", e.ExecutionID,
		"tenant_id", e.TenantID,
		"event_type", e.EventType,
		"payload", e.Payload,
	)
	return nil
}

// ChannelPublisher hands events to an in-process consumer.
type ChannelPublisher struct {
	ch chan<- model.OutboxEntry
}

// NewChannelPublisher creates a ChannelPublisher sending on ch.
func NewChannelPublisher(ch chan<- model.OutboxEntry) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

// Publish blocks until the consumer receives e or ctx is done.
func (p *ChannelPublisher) Publish(ctx context.Context, e model.OutboxEntry) error {
	select {
	case p.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishOnceScript appends to a stream unless the entry was already
// appended.
// KEYS[1] = dedupe key, KEYS[2] = stream
// ARGV[1] = dedupe TTL (seconds), ARGV[2] = approximate stream max length,
// ARGV[3..] = field/value pairs
var publishOnceScript = redis.NewScript(`
if not redis.call("SET", KEYS[1], "1", "NX", "EX", ARGV[1]) then
    return false
end
local fields = {}
for i = 3, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
if tonumber(ARGV[2]) > 0 then
    return redis.call("XADD", KEYS[2], "MAXLEN", "~", ARGV[2], "*", unpack(fields))
end
return redis.call("XADD", KEYS[2], "*", unpack(fields))
`)

// RedisStreamPublisher appends events to a Redis stream. Each entry is
// appended at most once per dedupe window, keyed by entry ID, so a relay
// that crashed after publishing but before marking does not duplicate.
type RedisStreamPublisher struct {
	client   redis.Scripter
	stream   string
	maxLen   int64
	dedupTTL time.Duration
}

// NewRedisStreamPublisher creates a publisher. client is normally a
// *redis.Client. maxLen 0 leaves the stream untrimmed.
func NewRedisStreamPublisher(client redis.Scripter, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		client:   client,
		stream:   stream,
		maxLen:   maxLen,
		dedupTTL: 24 * time.Hour,
	}
}

// Publish implements Publisher.
func (p *RedisStreamPublisher) Publish(ctx context.Context, e model.OutboxEntry) error {
	keys := []string{"intentd:outbox:sent:" + e.ID, p.stream}
	args := []any{
		int64(p.dedupTTL / time.Second),
		p.maxLen,
		"entry_id", e.ID,
		"execution_id", e.ExecutionID,
		"tenant_id", e.TenantID,
		"event_type", e.EventType,
		"payload", e.Payload,
	}
	err := publishOnceScript.Run(ctx, p.client, keys, args...).Err()
	if errors.Is(err, redis.Nil) {
		// Already appended.
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis stream %s: %w", p.stream, err)
	}
	return nil
}
