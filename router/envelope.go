// Package router implements the event router (C8): it demultiplexes
// inbound events by name to turn-state handlers and relays outbound
// events produced by C7/C9 to the originating connection only, never
// embedding a session ID in a payload since the transport itself
// addresses the connection.
package router

import "encoding/json"

// Canonical inbound event names.
const (
	EventStartVoiceRecording  = "start_voice_recording"
	EventVoiceChunk           = "voice_chunk"
	EventVoiceData            = "voice_data"
	EventStopVoiceRecording   = "stop_voice_recording"
	EventCancelVoiceInput     = "cancel_voice_input"
	EventConversationTextIn   = "conversation_text_input"
	EventStartTTS             = "start_tts"
	EventStopTTS              = "stop_tts"
	EventAudioBufferStatus    = "audio_buffer_status"
	EventHeartbeat            = "heartbeat"
	EventClearConversation    = "clear_conversation"
)

// Canonical outbound event names.
const (
	EventVoiceRecordingStarted = "voice_recording_started"
	EventTranscriptionStarted  = "transcription_started"
	EventTranscriptionComplete = "transcription_complete"
	EventTranscriptionError    = "transcription_error"
	EventAIThinking            = "ai_thinking"
	EventAIResponseComplete    = "ai_response_complete"
	EventTTSStarted            = "tts_started"
	EventPCMFrame              = "pcm_frame"
	EventTTSCompleted          = "tts_completed"
	EventTTSError              = "tts_error"
	EventHeartbeatAck          = "heartbeat_ack"
)

// legacyAliases maps shorthand event names, carried over from an earlier
// protocol revision, to their canonical §6 names. The router resolves
// aliases at the edge so every handler downstream only ever sees
// canonical names (§9 "Event name collisions and legacy aliases").
var legacyAliases = map[string]string{
	"start_voice":  EventStartVoiceRecording,
	"stop_voice":   EventStopVoiceRecording,
	"cancel_voice": EventCancelVoiceInput,
	"submit_text":  EventConversationTextIn,
}

// canonicalEvent resolves name to its canonical form, passing through
// names that carry no alias.
func canonicalEvent(name string) string {
	if canon, ok := legacyAliases[name]; ok {
		return canon
	}
	return name
}

// Envelope is the wire shape of every inbound and outbound text event:
// a string name plus a structured payload. Binary frames (pcm_frame)
// bypass this envelope entirely and travel as raw binary messages.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payload shapes. Binary audio fields are base64-encoded inside
// the JSON payload (the transport carries only one binary message type,
// reserved for pcm_frame).

type voiceChunkPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type voiceDataPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type textInputPayload struct {
	Text string `json:"text"`
}

type startTTSPayload struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

type bufferStatusPayload struct {
	BufferFrames  int `json:"buffer_frames"`
	UnderrunCount int `json:"underrun_count"`
}

type heartbeatPayload struct {
	T int64 `json:"t"`
}

// Outbound payload shapes.

type transcriptionCompletePayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type aiResponseCompletePayload struct {
	Text string `json:"text"`
}

type ttsStartedPayload struct {
	ExpectedFrames int `json:"expected_frames,omitempty"`
}

type ttsCompletedPayload struct {
	Frames     int   `json:"frames"`
	Bytes      int   `json:"bytes"`
	DurationMS int64 `json:"duration_ms"`
}

type heartbeatAckPayload struct {
	T int64 `json:"t"`
}

// encodeEnvelope marshals name and payload into a wire-ready JSON text
// frame.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
