// Package session implements the per-client session store (C6): phase,
// audio ingestion buffer, active stream handle, and client feedback
// metrics, with single-writer-per-session serialisation.
package session

import (
	"sync"
	"time"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// Phase is one of the states in the turn state machine (C9).
type Phase string

const (
	Idle         Phase = "Idle"
	Listening    Phase = "Listening"
	Transcribing Phase = "Transcribing"
	Thinking     Phase = "Thinking"
	Speaking     Phase = "Speaking"
	Error        Phase = "Error"
)

// ID is a session's stable opaque identifier.
type ID string

// StreamHandle is the minimal view of an active outbound stream that a
// Session needs to hold: enough to cancel it. The scheduler (C7) owns
// the concrete implementation.
type StreamHandle interface {
	Cancel()
}

// Session holds per-client state. Every mutating method takes the
// session's own lock, giving single-writer-per-session serialisation;
// the Store (below) gives concurrent access across distinct sessions.
type Session struct {
	ID        ID
	Principal string

	mu             sync.Mutex
	phase          Phase
	audioIn        []byte
	audioInFormat  string
	stream         StreamHandle
	bufferFrames   int
	underrunCount  int
	createdAt      time.Time
	lastActivityAt time.Time
}

// New creates a Session in phase Idle with the default client buffer
// depth assumption of 60 frames.
func New(id ID, principal string, now time.Time) *Session {
	return &Session{
		ID:             id,
		Principal:      principal,
		phase:          Idle,
		bufferFrames:   60,
		createdAt:      now,
		lastActivityAt: now,
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Touch records client activity, independent of phase.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = now
}

// LastActivity returns the last recorded activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// StartListening transitions Idle -> Listening and clears audio_in.
func (s *Session) StartListening(format string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Idle {
		return invalidState(s.phase, "start_voice_recording")
	}
	s.phase = Listening
	s.audioIn = s.audioIn[:0]
	s.audioInFormat = format
	return nil
}

// AppendAudio appends a chunk to audio_in. It is rejected outside
// Listening, per the invariant that audio_in is populated only while
// phase = Listening.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Listening {
		return invalidState(s.phase, "voice_chunk")
	}
	s.audioIn = append(s.audioIn, chunk...)
	return nil
}

// StopListening transitions Listening -> Transcribing and returns the
// accumulated audio buffer and its format. The session's own buffer is
// left untouched by this call and stays in place until the next
// StartListening truncates it.
func (s *Session) StopListening() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Listening {
		return nil, "", invalidState(s.phase, "stop_voice_recording")
	}
	s.phase = Transcribing
	return s.audioIn, s.audioInFormat, nil
}

// ReplaceAudio transitions Listening -> Transcribing after replacing
// audio_in wholesale (the voice_data inbound event).
func (s *Session) ReplaceAudio(data []byte, format string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Listening {
		return invalidState(s.phase, "voice_data")
	}
	s.audioIn = data
	s.audioInFormat = format
	s.phase = Transcribing
	return nil
}

// CancelListening transitions Listening -> Idle and discards audio_in.
func (s *Session) CancelListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Listening {
		return invalidState(s.phase, "cancel_voice_input")
	}
	s.audioIn = nil
	s.phase = Idle
	return nil
}

// EnterThinking transitions {Idle,Transcribing} -> Thinking.
func (s *Session) EnterThinking(from Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return invalidState(s.phase, "enter_thinking")
	}
	s.phase = Thinking
	return nil
}

// EnterError transitions {Transcribing,Thinking} -> Error.
func (s *Session) EnterError(from Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return invalidState(s.phase, "enter_error")
	}
	s.phase = Error
	return nil
}

// AckError transitions Error -> Idle.
func (s *Session) AckError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Error {
		return invalidState(s.phase, "ack")
	}
	s.phase = Idle
	return nil
}

// StartSpeaking installs a new stream handle and transitions to
// Speaking, cancelling any predecessor stream first. The predecessor is
// returned so the caller can await its cancellation before the new
// stream begins emitting frames, per §4.6.
func (s *Session) StartSpeaking(from Phase, stream StreamHandle) (StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from != "" && s.phase != from {
		return nil, invalidState(s.phase, "start_speaking")
	}
	prev := s.stream
	if prev != nil {
		prev.Cancel()
	}
	s.stream = stream
	s.phase = Speaking
	return prev, nil
}

// EndSpeaking clears the stream handle and returns to Idle. It is valid
// from Speaking regardless of the terminating outcome (completed, error,
// or cancelled all end here).
func (s *Session) EndSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = nil
	s.phase = Idle
}

// ActiveStream returns the currently active stream handle, or nil.
func (s *Session) ActiveStream() StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// UpdateBackpressure atomically updates the client-reported buffer depth
// and underrun counter (the audio_buffer_status heartbeat).
func (s *Session) UpdateBackpressure(bufferFrames, underrunCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferFrames = bufferFrames
	s.underrunCount = underrunCount
}

// Backpressure returns the last reported buffer depth and underrun count.
func (s *Session) Backpressure() (bufferFrames, underrunCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferFrames, s.underrunCount
}

// Snapshot is a read-only diagnostic view of a Session.
type Snapshot struct {
	ID             ID
	Phase          Phase
	BufferFrames   int
	UnderrunCount  int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Snapshot returns a diagnostic copy of the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		Phase:          s.phase,
		BufferFrames:   s.bufferFrames,
		UnderrunCount:  s.underrunCount,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
}

func invalidState(phase Phase, event string) error {
	return gwerr.New(gwerr.InvalidState, "event "+event+" not valid in phase "+string(phase))
}
