package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// RedisMemory is an alternate Memory backend that stores the turn log as
// a Redis list, so a single logical memory can be inspected by tooling
// outside the gateway process. This is a deployment choice, not a
// clustering mechanism: multi-node session sharing remains a non-goal.
type RedisMemory struct {
	logger *zap.Logger

	client    *redis.Client
	key       string
	respMu    sync.Mutex
	system    Turn
	maxTurns  int
	completer Completer
	now       func() time.Time
}

// NewRedisMemory creates a Memory backed by the given Redis client under
// key. The system turn is stored only in-process; it is never mutated by
// user action and does not need to round-trip through Redis.
func NewRedisMemory(client *redis.Client, key, systemPrompt string, maxTurns int, completer Completer, logger *zap.Logger) *RedisMemory {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &RedisMemory{
		logger:    logger.With(zap.String("component", "redis_memory"), zap.String("key", key)),
		client:    client,
		key:       key,
		system:    newTurn(RoleSystem, systemPrompt, time.Now()),
		maxTurns:  maxTurns,
		completer: completer,
		now:       time.Now,
	}
}

func (m *RedisMemory) AppendUser(ctx context.Context, text string) error {
	return m.appendAndTrim(ctx, newTurn(RoleUser, text, m.now()))
}

func (m *RedisMemory) AppendAssistant(ctx context.Context, text string) error {
	return m.appendAndTrim(ctx, newTurn(RoleAssistant, text, m.now()))
}

func (m *RedisMemory) appendAndTrim(ctx context.Context, t Turn) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.key, raw)
	pipe.LTrim(ctx, m.key, -int64(m.maxTurns), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return gwerr.New(gwerr.ProviderUnavailable, "redis memory append failed").WithCause(err).WithProvider("redis")
	}
	return nil
}

func (m *RedisMemory) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return gwerr.New(gwerr.ProviderUnavailable, "redis memory reset failed").WithCause(err).WithProvider("redis")
	}
	return nil
}

func (m *RedisMemory) Snapshot(ctx context.Context) ([]Turn, error) {
	raws, err := m.client.LRange(ctx, m.key, 0, -1).Result()
	if err != nil {
		return nil, gwerr.New(gwerr.ProviderUnavailable, "redis memory read failed").WithCause(err).WithProvider("redis")
	}
	out := make([]Turn, 0, len(raws)+1)
	out = append(out, m.system)
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// NextResponse mirrors Memory.NextResponse: the LLM call happens outside
// any lock held across a network round-trip to Redis, and memory is left
// untouched on failure.
func (m *RedisMemory) NextResponse(ctx context.Context) (string, error) {
	m.respMu.Lock()
	defer m.respMu.Unlock()

	turns, err := m.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	turns = append(turns, newTurn(RoleSystem, ResponseLengthHint, m.now()))
	reply, err := m.completer.Complete(ctx, turns)
	if err != nil {
		return "", err
	}
	if err := m.AppendAssistant(ctx, reply); err != nil {
		return "", err
	}
	return reply, nil
}
