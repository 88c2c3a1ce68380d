package router

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/auth"
	"github.com/voxrelay/gateway/internal/pool"
	"github.com/voxrelay/gateway/memory"
	"github.com/voxrelay/gateway/ratelimit"
	"github.com/voxrelay/gateway/scheduler"
	"github.com/voxrelay/gateway/session"
	"github.com/voxrelay/gateway/turnstate"
)

const testJWTSecret = "test-secret-do-not-use-in-prod"

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}

type fakeTranscriber struct{ text string }

func (f *fakeTranscriber) Transcribe(ctx context.Context, data []byte, format string) (string, error) {
	return f.text, nil
}

type fakeCompleter struct{ reply string }

func (f *fakeCompleter) Complete(ctx context.Context, turns []memory.Turn) (string, error) {
	return f.reply, nil
}

type fakeSynth struct{}

func (fakeSynth) Synth(ctx context.Context, text, voiceID string) (scheduler.Stream, error) {
	return &fakeStream{}, nil
}

type fakeStream struct{ done bool }

func (s *fakeStream) Next(ctx context.Context) (scheduler.Chunk, error) {
	if s.done {
		return scheduler.Chunk{Final: true}, nil
	}
	s.done = true
	return scheduler.Chunk{Samples: make([]float32, 441)}, nil
}
func (s *fakeStream) Close() {}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	logger := zap.NewNop()
	memories := memory.NewStore(func(sessionID string) memory.Conversation {
		return memory.New("sys", 50, &fakeCompleter{reply: "hello there"}, logger).AsConversation()
	})
	pools := pool.NewWorkerPools(pool.DefaultProviderPoolConfig())
	sched := scheduler.New(fakeSynth{}, nil, logger)
	orch := turnstate.New(memories, &fakeTranscriber{text: "hi"}, pools, sched, "voice1", "webm", logger)

	return New(Config{
		Auth:     auth.NewVerifier(testJWTSecret, logger),
		Sessions: session.NewStore(logger),
		Orch:     orch,
		Limiter:  ratelimit.New(1000, 1000),
		Logger:   logger,
	})
}

func dialClient(t *testing.T, serverURL, token string) (*websocket.Conn, context.Context) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	return conn, ctx
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	if typ == websocket.MessageBinary {
		return EventPCMFrame, data
	}
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Event, env.Payload
}

func TestRouter_RejectsUpgradeWithoutToken(t *testing.T) {
	rt := newTestRouter(t)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, u, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, rt.sessions.Len())
}

func TestRouter_DirectTTSProducesFramesThenCompleted(t *testing.T) {
	rt := newTestRouter(t)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	conn, ctx := dialClient(t, srv.URL, mintToken(t, "user-1"))
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"start_tts","payload":{"text":"Hi."}}`)))

	ev, _ := readEnvelope(t, ctx, conn)
	assert.Equal(t, EventTTSStarted, ev)

	ev, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, EventPCMFrame, ev)

	ev, _ = readEnvelope(t, ctx, conn)
	assert.Equal(t, EventTTSCompleted, ev)
}

func TestRouter_HeartbeatIsAcked(t *testing.T) {
	rt := newTestRouter(t)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	conn, ctx := dialClient(t, srv.URL, mintToken(t, "user-2"))
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"heartbeat","payload":{"t":42}}`)))

	ev, payload := readEnvelope(t, ctx, conn)
	assert.Equal(t, EventHeartbeatAck, ev)
	assert.Contains(t, string(payload), "42")
}

func TestRouter_InvalidEventIsAckedAsTranscriptionError(t *testing.T) {
	rt := newTestRouter(t)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	conn, ctx := dialClient(t, srv.URL, mintToken(t, "user-3"))
	defer conn.CloseNow()

	// voice_chunk is only valid while Listening; the session starts Idle.
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"voice_chunk","payload":{"data":"aGVsbG8=","format":"webm"}}`)))

	ev, payload := readEnvelope(t, ctx, conn)
	assert.Equal(t, EventTranscriptionError, ev)
	assert.Contains(t, string(payload), "InvalidState")
}

func TestRouter_LegacyAliasRoutesToCanonicalHandler(t *testing.T) {
	rt := newTestRouter(t)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	conn, ctx := dialClient(t, srv.URL, mintToken(t, "user-4"))
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"event":"start_voice","payload":{}}`)))

	ev, _ := readEnvelope(t, ctx, conn)
	assert.Equal(t, EventVoiceRecordingStarted, ev)
}
