package turnstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/internal/pool"
	"github.com/voxrelay/gateway/memory"
	"github.com/voxrelay/gateway/scheduler"
	"github.com/voxrelay/gateway/session"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, data []byte, format string) (string, error) {
	return f.text, f.err
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, turns []memory.Turn) (string, error) {
	return f.reply, f.err
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

type fakeSink struct {
	mu        sync.Mutex
	events    []string
	completed int
	doneCh    chan struct{}
}

func newFakeSink() *fakeSink { return &fakeSink{doneCh: make(chan struct{})} }

func (s *fakeSink) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *fakeSink) VoiceRecordingStarted()         { s.record("voice_recording_started") }
func (s *fakeSink) TranscriptionStarted()          { s.record("transcription_started") }
func (s *fakeSink) TranscriptionComplete(t string) { s.record("transcription_complete") }
func (s *fakeSink) TranscriptionError(e *gwerr.Error) {
	s.record("transcription_error")
	close(s.doneCh)
}
func (s *fakeSink) AIThinking()             { s.record("ai_thinking") }
func (s *fakeSink) AIResponseComplete(string) { s.record("ai_response_complete") }
func (s *fakeSink) Started()                { s.record("tts_started") }
func (s *fakeSink) Frame(ctx context.Context, data []byte) error {
	s.record("pcm_frame")
	return nil
}
func (s *fakeSink) Completed(frames int) {
	s.mu.Lock()
	s.completed = frames
	s.mu.Unlock()
	s.record("tts_completed")
	close(s.doneCh)
}
func (s *fakeSink) Error(err *gwerr.Error) { s.record("tts_error"); close(s.doneCh) }
func (s *fakeSink) Cancelled()             { s.record("cancelled"); close(s.doneCh) }

func (s *fakeSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == name {
			return true
		}
	}
	return false
}

func (s *fakeSink) wait(t *testing.T) {
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn to terminate")
	}
}

func newTestOrchestrator(transcriber Transcriber, completer memory.Completer) (*Orchestrator, *memory.Store) {
	memories := memory.NewStore(func(sessionID string) memory.Conversation {
		return memory.New("sys", 50, completer, zap.NewNop()).AsConversation()
	})
	pools := pool.NewWorkerPools(pool.DefaultProviderPoolConfig())
	sched := scheduler.New(fakeSynth{}, nil, zap.NewNop())
	o := New(memories, transcriber, pools, sched, "voice1", "webm", zap.NewNop())
	return o, memories
}

func TestOrchestrator_VoiceTurnHappyPathReachesSpeaking(t *testing.T) {
	o, memories := newTestOrchestrator(&fakeTranscriber{text: "hello there"}, &fakeCompleter{reply: "hi!"})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, sess.StartListening("wav"))
	require.NoError(t, sess.AppendAudio([]byte{1, 2, 3}))
	require.NoError(t, o.StopVoiceRecording(context.Background(), sess, sink))

	sink.wait(t)
	assert.True(t, sink.has("transcription_complete"))
	assert.True(t, sink.has("ai_thinking"))
	assert.True(t, sink.has("ai_response_complete"))
	assert.True(t, sink.has("tts_completed"))
	assert.Equal(t, session.Idle, sess.Phase())

	conv := memories.GetOrCreate("s1")
	snap, ok := conv.(interface{ Snapshot() []memory.Turn })
	if ok {
		turns := snap.Snapshot()
		assert.GreaterOrEqual(t, len(turns), 3) // system + user + assistant
	}
}

func TestOrchestrator_STTFailureEmitsTranscriptionErrorAndReturnsToIdle(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTranscriber{err: gwerr.New(gwerr.ProviderUnavailable, "stt down")}, &fakeCompleter{reply: "hi!"})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, sess.StartListening("wav"))
	require.NoError(t, o.StopVoiceRecording(context.Background(), sess, sink))

	sink.wait(t)
	assert.True(t, sink.has("transcription_error"))
	assert.Equal(t, session.Idle, sess.Phase())
}

func TestOrchestrator_LLMFailureSubstitutesApologyAndStillSpeaks(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTranscriber{text: "hello"}, &fakeCompleter{err: errors.New("boom")})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, sess.StartListening("wav"))
	require.NoError(t, o.StopVoiceRecording(context.Background(), sess, sink))

	sink.wait(t)
	assert.True(t, sink.has("ai_response_complete"))
	assert.True(t, sink.has("tts_completed"))
	assert.Equal(t, session.Idle, sess.Phase())
}

func TestOrchestrator_TextTurnAppendsExactlyOneAssistantTurn(t *testing.T) {
	o, memories := newTestOrchestrator(&fakeTranscriber{}, &fakeCompleter{reply: "hello back"})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, o.SubmitTextInput(context.Background(), sess, "Say hello.", sink))
	sink.wait(t)

	assert.True(t, sink.has("ai_response_complete"))
	conv := memories.GetOrCreate("s1").(interface{ Snapshot() []memory.Turn })
	turns := conv.Snapshot()
	assistantCount := 0
	for _, turn := range turns {
		if turn.Role == memory.RoleAssistant {
			assistantCount++
		}
	}
	assert.Equal(t, 1, assistantCount)
}

func TestOrchestrator_StartVoiceRecordingRejectedOutsideIdle(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTranscriber{}, &fakeCompleter{})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()
	require.NoError(t, o.StartVoiceRecording(sess, sink))
	require.Error(t, o.StartVoiceRecording(sess, sink))
}

func TestOrchestrator_StartDirectTTSDoesNotTouchMemory(t *testing.T) {
	o, memories := newTestOrchestrator(&fakeTranscriber{}, &fakeCompleter{reply: "unused"})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, o.StartDirectTTS(context.Background(), sess, "Hi.", "", sink))
	sink.wait(t)

	assert.False(t, sink.has("ai_response_complete"))
	assert.True(t, sink.has("tts_completed"))
	conv := memories.GetOrCreate("s1").(interface{ Snapshot() []memory.Turn })
	assert.Len(t, conv.Snapshot(), 1) // system turn only
}

func TestOrchestrator_StopTTSCancelsActiveStream(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeTranscriber{}, &fakeCompleter{})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, o.StartDirectTTS(context.Background(), sess, "Hi.", "", sink))
	o.StopTTS(sess)
	sink.wait(t)
}

func TestOrchestrator_ClearConversationResetsToSystemTurnOnly(t *testing.T) {
	o, memories := newTestOrchestrator(&fakeTranscriber{}, &fakeCompleter{reply: "ok"})
	sess := session.New("s1", "alice", time.Now())
	sink := newFakeSink()

	require.NoError(t, o.SubmitTextInput(context.Background(), sess, "hello", sink))
	sink.wait(t)

	require.NoError(t, o.ClearConversation(context.Background(), sess))
	conv := memories.GetOrCreate("s1").(interface{ Snapshot() []memory.Turn })
	assert.Len(t, conv.Snapshot(), 1)
}
