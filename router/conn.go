package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/gateway/dsp"
	"github.com/voxrelay/gateway/internal/channel"
	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/ratelimit"
	"github.com/voxrelay/gateway/session"
	"github.com/voxrelay/gateway/turnstate"
)

// RejectionRecorder records an inbound event dropped by admission control.
// *metrics.Collector satisfies this.
type RejectionRecorder interface {
	RecordRateLimitRejection(event string)
}

type noopRejectionRecorder struct{}

func (noopRejectionRecorder) RecordRateLimitRejection(string) {}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 8 << 20 // 8 MiB; well above one voice_chunk payload
)

// outboundMsg is one item on a connection's outbound queue: either a
// JSON text envelope or a raw binary pcm_frame.
type outboundMsg struct {
	binary bool
	data   []byte
}

// Conn binds one WebSocket connection to the session and orchestrator it
// drives. One reader goroutine decodes inbound envelopes and dispatches
// them to the turn state machine; one writer goroutine drains the
// outbound queue onto the wire. Only the writer goroutine writes to the
// socket (coder/websocket forbids concurrent writes, and the reader
// never writes directly).
type Conn struct {
	ws   *websocket.Conn
	sess *session.Session
	orch *turnstate.Orchestrator

	limiter  *ratelimit.Limiters
	rejected RejectionRecorder

	logger *zap.Logger

	outbound *channel.OutboundQueue[outboundMsg]

	mu          sync.Mutex
	streamStart time.Time
}

// NewConn wires a Conn over an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn, sess *session.Session, orch *turnstate.Orchestrator, limiter *ratelimit.Limiters, rejected RejectionRecorder, logger *zap.Logger) *Conn {
	if rejected == nil {
		rejected = noopRejectionRecorder{}
	}
	ws.SetReadLimit(defaultReadLimit)
	return &Conn{
		ws:       ws,
		sess:     sess,
		orch:     orch,
		limiter:  limiter,
		rejected: rejected,
		logger:   logger.With(zap.String("session_id", string(sess.ID))),
		outbound: channel.NewOutboundQueue[outboundMsg](channel.DefaultQueueConfig()),
	}
}

// Run drives the connection's reader and writer loops until either the
// socket closes or ctx is cancelled. It returns once both have exited.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	// The outbound queue is deliberately never closed here: a voice or
	// text turn's goroutine (C9) can still be in flight after the socket
	// drops and will call back into Sink methods that Send on it. Every
	// such Send carries its own deadline (sendJSON, Frame's caller-
	// supplied ctx), so an abandoned queue only ever times out rather
	// than panics on a closed channel.
	return g.Wait()
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Debug("dropping non-text inbound frame")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed inbound envelope", zap.Error(err))
			continue
		}
		event := canonicalEvent(env.Event)

		if isAdmissionControlled(event) && c.limiter != nil && !c.limiter.Allow(string(c.sess.ID)) {
			c.rejected.RecordRateLimitRejection(event)
			continue
		}

		c.dispatch(ctx, event, env.Payload)
	}
}

// isAdmissionControlled reports whether event is subject to the
// per-session token bucket (C16): only the events that can trigger
// provider work or mutate the audio buffer at client-controlled rates.
// Heartbeats and backpressure reports are exempt so they always get
// through even under load.
func isAdmissionControlled(event string) bool {
	switch event {
	case EventVoiceChunk, EventVoiceData, EventConversationTextIn, EventStartTTS:
		return true
	default:
		return false
	}
}

func (c *Conn) dispatch(ctx context.Context, event string, payload json.RawMessage) {
	var err error
	switch event {
	case EventStartVoiceRecording:
		err = c.orch.StartVoiceRecording(c.sess, c)

	case EventVoiceChunk:
		var p voiceChunkPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			var data []byte
			data, err = base64.StdEncoding.DecodeString(p.Data)
			if err == nil {
				err = c.orch.AppendVoiceChunk(c.sess, data)
			} else {
				err = gwerr.New(gwerr.AudioUnsupported, "voice_chunk.data is not valid base64")
			}
		}

	case EventVoiceData:
		var p voiceDataPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			var data []byte
			data, err = base64.StdEncoding.DecodeString(p.Data)
			if err == nil {
				err = c.orch.ReplaceVoiceData(ctx, c.sess, data, p.Format, c)
			} else {
				err = gwerr.New(gwerr.AudioUnsupported, "voice_data.data is not valid base64")
			}
		}

	case EventStopVoiceRecording:
		err = c.orch.StopVoiceRecording(ctx, c.sess, c)

	case EventCancelVoiceInput:
		err = c.orch.CancelVoiceInput(c.sess)

	case EventConversationTextIn:
		var p textInputPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			err = c.orch.SubmitTextInput(ctx, c.sess, p.Text, c)
		}

	case EventStartTTS:
		var p startTTSPayload
		if err = json.Unmarshal(payload, &p); err == nil {
			err = c.orch.StartDirectTTS(ctx, c.sess, p.Text, p.VoiceID, c)
		}

	case EventStopTTS:
		c.orch.StopTTS(c.sess)

	case EventAudioBufferStatus:
		var p bufferStatusPayload
		if jerr := json.Unmarshal(payload, &p); jerr == nil {
			c.sess.UpdateBackpressure(p.BufferFrames, p.UnderrunCount)
		}
		return

	case EventHeartbeat:
		var p heartbeatPayload
		if jerr := json.Unmarshal(payload, &p); jerr == nil {
			c.sess.Touch(time.Now())
			c.sendJSON(ctx, EventHeartbeatAck, heartbeatAckPayload{T: p.T})
		}
		return

	case EventClearConversation:
		err = c.orch.ClearConversation(ctx, c.sess)

	default:
		c.logger.Debug("unrecognised inbound event", zap.String("event", event))
		return
	}

	if err != nil {
		c.reportInvalidEvent(ctx, event, err)
	}
}

// reportInvalidEvent acknowledges a rejected inbound event as a
// transcription_error-shaped outbound event without changing phase
// (§7 propagation policy for InvalidState).
func (c *Conn) reportInvalidEvent(ctx context.Context, event string, err error) {
	ge := asGwErr(err)
	c.logger.Info("inbound event rejected",
		zap.String("event", event),
		zap.String("kind", string(ge.Kind)),
		zap.Error(err),
	)
	c.sendJSON(ctx, EventTranscriptionError, errorPayload{Error: ge.Message, Kind: string(ge.Kind)})
}

func asGwErr(err error) *gwerr.Error {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return gwerr.New(gwerr.InvalidState, "rejected").WithCause(err)
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := c.outbound.Receive(ctx)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		typ := websocket.MessageText
		if msg.binary {
			typ = websocket.MessageBinary
		}
		werr := c.ws.Write(wctx, typ, msg.data)
		cancel()
		if werr != nil {
			return werr
		}
	}
}

func (c *Conn) sendJSON(ctx context.Context, event string, payload any) {
	raw, err := encodeEnvelope(event, payload)
	if err != nil {
		c.logger.Error("failed to encode outbound envelope", zap.String("event", event), zap.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := c.outbound.Send(sctx, outboundMsg{data: raw}); err != nil {
		c.logger.Debug("dropped outbound event: queue unavailable", zap.String("event", event), zap.Error(err))
	}
}

// =============================================================================
// turnstate.Sink / scheduler.EventSink
// =============================================================================

func (c *Conn) VoiceRecordingStarted() {
	c.sendJSON(context.Background(), EventVoiceRecordingStarted, struct{}{})
}

func (c *Conn) TranscriptionStarted() {
	c.sendJSON(context.Background(), EventTranscriptionStarted, struct{}{})
}

func (c *Conn) TranscriptionComplete(text string) {
	c.sendJSON(context.Background(), EventTranscriptionComplete, transcriptionCompletePayload{Text: text})
}

func (c *Conn) TranscriptionError(err *gwerr.Error) {
	c.sendJSON(context.Background(), EventTranscriptionError, errorPayload{Error: err.Message, Kind: string(err.Kind)})
}

func (c *Conn) AIThinking() {
	c.sendJSON(context.Background(), EventAIThinking, struct{}{})
}

func (c *Conn) AIResponseComplete(text string) {
	c.sendJSON(context.Background(), EventAIResponseComplete, aiResponseCompletePayload{Text: text})
}

func (c *Conn) Started() {
	c.mu.Lock()
	c.streamStart = time.Now()
	c.mu.Unlock()
	c.sendJSON(context.Background(), EventTTSStarted, ttsStartedPayload{})
}

// Frame enqueues one raw pcm_frame binary message. ctx carries the
// scheduler's per-frame deadline (2x the current base delay); if the
// outbound queue cannot accept the frame before ctx expires, the
// scheduler classifies this as TransportStalled.
func (c *Conn) Frame(ctx context.Context, data []byte) error {
	return c.outbound.Send(ctx, outboundMsg{binary: true, data: data})
}

func (c *Conn) Completed(frames int) {
	c.mu.Lock()
	elapsed := time.Since(c.streamStart)
	c.mu.Unlock()
	c.sendJSON(context.Background(), EventTTSCompleted, ttsCompletedPayload{
		Frames:     frames,
		Bytes:      frames * dsp.FrameBytes,
		DurationMS: elapsed.Milliseconds(),
	})
}

func (c *Conn) Error(err *gwerr.Error) {
	c.sendJSON(context.Background(), EventTTSError, errorPayload{Error: err.Message, Kind: string(err.Kind)})
}

// Cancelled reports a stream that ended via stop_tts or a superseding
// start_tts. Per §8 scenario 4, no tts_completed is emitted for a
// cancelled stream; the client observes the cut-off frame sequence and
// the session's return to Idle is implicit.
func (c *Conn) Cancelled() {
	c.logger.Debug("stream cancelled")
}
