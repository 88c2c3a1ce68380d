package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct{ cancelled bool }

func (f *fakeStream) Cancel() { f.cancelled = true }

func TestSession_StartListeningClearsAudioIn(t *testing.T) {
	s := New("s1", "alice", time.Now())
	require.NoError(t, s.StartListening("wav"))
	require.NoError(t, s.AppendAudio([]byte{1, 2, 3}))

	data, format, err := s.StopListening()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "wav", format)
	assert.Equal(t, Transcribing, s.Phase())
}

func TestSession_StartListeningRejectedOutsideIdle(t *testing.T) {
	s := New("s1", "alice", time.Now())
	require.NoError(t, s.StartListening("wav"))
	err := s.StartListening("wav")
	require.Error(t, err)
}

func TestSession_AppendAudioRejectedOutsideListening(t *testing.T) {
	s := New("s1", "alice", time.Now())
	err := s.AppendAudio([]byte{1})
	require.Error(t, err)
}

func TestSession_CancelVoiceInputReturnsToIdleAndClearsBuffer(t *testing.T) {
	s := New("s1", "alice", time.Now())
	require.NoError(t, s.StartListening("wav"))
	require.NoError(t, s.AppendAudio([]byte{1, 2, 3}))
	require.NoError(t, s.CancelListening())

	assert.Equal(t, Idle, s.Phase())
	data, _, err := s.StopListening()
	require.Error(t, err) // not Listening anymore
	assert.Nil(t, data)
}

func TestSession_StreamInvariant_NilUnlessSpeaking(t *testing.T) {
	s := New("s1", "alice", time.Now())
	assert.Nil(t, s.ActiveStream())

	prev, err := s.StartSpeaking("", &fakeStream{})
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, Speaking, s.Phase())
	assert.NotNil(t, s.ActiveStream())

	s.EndSpeaking()
	assert.Equal(t, Idle, s.Phase())
	assert.Nil(t, s.ActiveStream())
}

func TestSession_StartSpeakingCancelsPredecessor(t *testing.T) {
	s := New("s1", "alice", time.Now())
	first := &fakeStream{}
	_, err := s.StartSpeaking("", first)
	require.NoError(t, err)

	second := &fakeStream{}
	prev, err := s.StartSpeaking("", second)
	require.NoError(t, err)
	require.Same(t, first, prev)
	assert.True(t, first.cancelled)
	assert.Same(t, second, s.ActiveStream())
}

func TestSession_BackpressureRoundTrip(t *testing.T) {
	s := New("s1", "alice", time.Now())
	s.UpdateBackpressure(150, 2)
	frames, underruns := s.Backpressure()
	assert.Equal(t, 150, frames)
	assert.Equal(t, 2, underruns)
}
