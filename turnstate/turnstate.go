// Package turnstate implements the turn state machine (C9): it
// orchestrates STT → Memory.next_response → Scheduler.start for a
// voice turn and Memory → Scheduler for a text turn, enforcing the
// allowed phase transitions and the auto-TTS rule.
package turnstate

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/internal/pool"
	"github.com/voxrelay/gateway/memory"
	"github.com/voxrelay/gateway/scheduler"
	"github.com/voxrelay/gateway/session"
)

// apologyText is the canned reply substituted for a failed LLM call so
// a voice or text turn always reaches Speaking (§7 propagation policy):
// never leave a session stuck.
const apologyText = "Sorry, I'm having trouble responding right now. Please try again."

// Transcriber is the STT adapter contract (C3). *adapters.STTAdapter
// satisfies this directly.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, format string) (string, error)
}

// Sink receives every outbound event a turn can produce: the advisory
// text events this package owns, plus the pcm_frame lifecycle C7 owns.
type Sink interface {
	scheduler.EventSink
	VoiceRecordingStarted()
	TranscriptionStarted()
	TranscriptionComplete(text string)
	TranscriptionError(err *gwerr.Error)
	AIThinking()
	AIResponseComplete(text string)
}

// Orchestrator runs the voice- and text-turn pipelines for a set of
// sessions, sharing one scheduler and one pair of STT/LLM worker pools
// across every active turn.
type Orchestrator struct {
	memories       *memory.Store
	stt            Transcriber
	pools          *pool.WorkerPools
	sched          *scheduler.Scheduler
	logger         *zap.Logger
	defaultVoiceID string
	defaultFormat  string
	tracer         trace.Tracer
}

// New builds an Orchestrator.
func New(memories *memory.Store, stt Transcriber, pools *pool.WorkerPools, sched *scheduler.Scheduler, defaultVoiceID, defaultAudioFormat string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		memories:       memories,
		stt:            stt,
		pools:          pools,
		sched:          sched,
		logger:         logger.With(zap.String("component", "turnstate")),
		defaultVoiceID: defaultVoiceID,
		defaultFormat:  defaultAudioFormat,
		tracer:         otel.Tracer("github.com/voxrelay/gateway/turnstate"),
	}
}

// StartVoiceRecording handles the start_voice_recording inbound event.
func (o *Orchestrator) StartVoiceRecording(sess *session.Session, sink Sink) error {
	if err := sess.StartListening(o.defaultFormat); err != nil {
		return err
	}
	sink.VoiceRecordingStarted()
	return nil
}

// AppendVoiceChunk handles the voice_chunk inbound event.
func (o *Orchestrator) AppendVoiceChunk(sess *session.Session, data []byte) error {
	return sess.AppendAudio(data)
}

// ReplaceVoiceData handles the voice_data inbound event: replaces
// audio_in wholesale and transitions straight to Transcribing.
func (o *Orchestrator) ReplaceVoiceData(ctx context.Context, sess *session.Session, data []byte, format string, sink Sink) error {
	if err := sess.ReplaceAudio(data, format); err != nil {
		return err
	}
	sink.TranscriptionStarted()
	go o.runVoiceTurn(ctx, sess, data, format, sink)
	return nil
}

// CancelVoiceInput handles the cancel_voice_input inbound event.
func (o *Orchestrator) CancelVoiceInput(sess *session.Session) error {
	return sess.CancelListening()
}

// StopVoiceRecording handles the stop_voice_recording inbound event. It
// transitions Listening -> Transcribing synchronously and runs the
// STT/LLM/TTS pipeline asynchronously so the event-router's read loop
// is never blocked on provider I/O.
func (o *Orchestrator) StopVoiceRecording(ctx context.Context, sess *session.Session, sink Sink) error {
	data, format, err := sess.StopListening()
	if err != nil {
		return err
	}
	sink.TranscriptionStarted()
	go o.runVoiceTurn(ctx, sess, data, format, sink)
	return nil
}

func (o *Orchestrator) runVoiceTurn(ctx context.Context, sess *session.Session, data []byte, format string, sink Sink) {
	ctx, span := o.tracer.Start(ctx, "voice_turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", string(sess.ID)))

	g, gctx := errgroup.WithContext(ctx)
	var transcript string
	g.Go(func() error {
		_, sttSpan := o.tracer.Start(gctx, "stt")
		defer sttSpan.End()
		text, ferr := pool.Run(gctx, o.pools.STT, func(c context.Context) (string, *gwerr.Error) {
			t, err := o.stt.Transcribe(c, data, format)
			if err != nil {
				return "", asGwErr(err)
			}
			return t, nil
		})
		if ferr != nil {
			sttSpan.SetStatus(codes.Error, string(ferr.Kind))
			return ferr
		}
		transcript = text
		return nil
	})
	if err := g.Wait(); err != nil {
		o.failTranscription(sess, span, sink, err)
		return
	}

	conv := o.memories.GetOrCreate(string(sess.ID))
	if err := conv.AppendUser(ctx, transcript); err != nil {
		o.failTranscription(sess, span, sink, err)
		return
	}
	if err := sess.EnterThinking(session.Transcribing); err != nil {
		o.logger.Warn("enter_thinking rejected after transcription", zap.Error(err))
		return
	}
	sink.TranscriptionComplete(transcript)
	sink.AIThinking()

	o.respondAndSpeak(ctx, sess, conv, sink)
}

// SubmitTextInput handles the conversation_text_input inbound event.
func (o *Orchestrator) SubmitTextInput(ctx context.Context, sess *session.Session, text string, sink Sink) error {
	if err := sess.EnterThinking(session.Idle); err != nil {
		return err
	}
	go func() {
		ctx, span := o.tracer.Start(ctx, "text_turn")
		defer span.End()
		span.SetAttributes(attribute.String("session.id", string(sess.ID)))

		conv := o.memories.GetOrCreate(string(sess.ID))
		if err := conv.AppendUser(ctx, text); err != nil {
			o.logger.Warn("append_user failed for text turn", zap.Error(err))
		}
		sink.AIThinking()
		o.respondAndSpeak(ctx, sess, conv, sink)
	}()
	return nil
}

// respondAndSpeak runs the LLM call under the shared pool and, on
// success or failure alike, drives the session into Speaking: a
// provider failure substitutes an apologetic canned reply rather than
// stalling the turn (§7 propagation policy).
func (o *Orchestrator) respondAndSpeak(ctx context.Context, sess *session.Session, conv memory.Conversation, sink Sink) {
	_, llmSpan := o.tracer.Start(ctx, "llm")
	reply, ferr := pool.Run(ctx, o.pools.LLM, func(c context.Context) (string, *gwerr.Error) {
		text, err := conv.NextResponse(c)
		if err != nil {
			return "", asGwErr(err)
		}
		return text, nil
	})
	if ferr != nil {
		llmSpan.SetStatus(codes.Error, string(ferr.Kind))
		reply = apologyText
	}
	llmSpan.End()

	sink.AIResponseComplete(reply)

	if _, err := o.sched.Start(ctx, sess, "", reply, o.defaultVoiceID, sink); err != nil {
		o.logger.Warn("failed to start reply stream", zap.Error(err))
	}
}

// StartDirectTTS handles the start_tts inbound event: speaks literal
// text without touching memory, cancelling any prior stream. Valid from
// both Idle and Speaking.
func (o *Orchestrator) StartDirectTTS(ctx context.Context, sess *session.Session, text, voiceID string, sink Sink) error {
	if voiceID == "" {
		voiceID = o.defaultVoiceID
	}
	phase := sess.Phase()
	if phase != session.Idle && phase != session.Speaking {
		return gwerr.New(gwerr.InvalidState, "start_tts not valid in phase "+string(phase))
	}
	_, err := o.sched.Start(ctx, sess, phase, text, voiceID, sink)
	return err
}

// StopTTS handles the stop_tts inbound event.
func (o *Orchestrator) StopTTS(sess *session.Session) {
	scheduler.Stop(sess)
}

// ClearConversation handles the clear_conversation inbound event.
func (o *Orchestrator) ClearConversation(ctx context.Context, sess *session.Session) error {
	conv := o.memories.GetOrCreate(string(sess.ID))
	return conv.Reset(ctx)
}

func (o *Orchestrator) failTranscription(sess *session.Session, span trace.Span, sink Sink, err error) {
	ge := asGwErr(err)
	span.SetStatus(codes.Error, string(ge.Kind))
	if stateErr := sess.EnterError(session.Transcribing); stateErr != nil {
		o.logger.Warn("enter_error rejected after stt failure", zap.Error(stateErr))
	}
	sink.TranscriptionError(ge)
	// Auto-ack: the Error phase is transient here so a failed voice turn
	// never leaves the session stuck waiting on a client acknowledgement.
	_ = sess.AckError()
}

func asGwErr(err error) *gwerr.Error {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return gwerr.New(gwerr.ProviderUnavailable, "turn failed").WithCause(err)
}
