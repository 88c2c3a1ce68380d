package memory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisMemory(t *testing.T, completer Completer, maxTurns int) *RedisMemory {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewRedisMemory(client, "session:test", "sys", maxTurns, completer, zap.NewNop())
}

func TestRedisMemory_AppendAndSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newTestRedisMemory(t, &fakeCompleter{}, 50)

	require.NoError(t, m.AppendUser(ctx, "hi"))
	require.NoError(t, m.AppendAssistant(ctx, "hello"))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	require.Equal(t, "hi", snap[1].Content)
	require.Equal(t, "hello", snap[2].Content)
}

func TestRedisMemory_TrimsToMaxTurns(t *testing.T) {
	ctx := context.Background()
	m := newTestRedisMemory(t, &fakeCompleter{}, 2)

	require.NoError(t, m.AppendUser(ctx, "u1"))
	require.NoError(t, m.AppendAssistant(ctx, "a1"))
	require.NoError(t, m.AppendUser(ctx, "u2"))
	require.NoError(t, m.AppendAssistant(ctx, "a2"))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3) // system + 2 retained turns
	require.Equal(t, "u2", snap[1].Content)
	require.Equal(t, "a2", snap[2].Content)
}

func TestRedisMemory_NextResponseFailureLeavesLogUntouched(t *testing.T) {
	ctx := context.Background()
	m := newTestRedisMemory(t, &fakeCompleter{err: assertErr}, 50)
	require.NoError(t, m.AppendUser(ctx, "hi"))

	before, err := m.Snapshot(ctx)
	require.NoError(t, err)

	_, err = m.NextResponse(ctx)
	require.Error(t, err)

	after, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
}

var assertErr = context.DeadlineExceeded
