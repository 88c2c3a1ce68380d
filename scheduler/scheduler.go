// Package scheduler implements the frame scheduler (C7): it pulls a
// lazy float-PCM source from a TTS adapter, conditions it through the
// frame DSP (C1), and emits 20ms-cadenced frames to an EventSink while
// adapting to client-reported buffer depth.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/voxrelay/gateway/dsp"
	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/session"
)

// Chunk is one slice of float32 PCM samples pulled from a Synthesizer,
// or a terminating marker when Final is set.
type Chunk struct {
	Samples []float32
	Final   bool
}

// Stream is the lazy, cancellable source of PCM chunks for one
// synthesis job (§4.2). Implementations must check ctx at every
// suspension point.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close()
}

// Synthesizer resolves a float-PCM source for text under voiceID. The
// *adapters.TTSAdapter satisfies this structurally.
type Synthesizer interface {
	Synth(ctx context.Context, text, voiceID string) (Stream, error)
}

// EventSink receives the outbound events a running stream produces.
// Frame must respect ctx's deadline: if the transport cannot accept the
// write before ctx expires, it must return a non-nil error promptly so
// the scheduler can classify the stall.
type EventSink interface {
	Started()
	Frame(ctx context.Context, data []byte) error
	Completed(frames int)
	Error(err *gwerr.Error)
	Cancelled()
}

// Metrics records the scheduler's observability signals (§4.6, §12.3).
// These are observability only; they never feed back into pacing
// decisions besides the documented backpressure path.
type Metrics interface {
	IncDriftReset()
	IncPacingSlow()
	ObserveEmitJitter(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) IncDriftReset()             {}
func (noopMetrics) IncPacingSlow()              {}
func (noopMetrics) ObserveEmitJitter(float64)   {}

// PacingTable holds the buffer-depth thresholds and corresponding frame
// delays for the adaptive pacing policy (§4.6). Buffer depths above
// HighBufferFrames use FastDelay; depths at or above MidBufferFrames use
// NormalDelay; anything below uses SlowDelay. HighBufferFrames must
// exceed MidBufferFrames, and FastDelay < NormalDelay < SlowDelay, or the
// table is rejected at construction.
type PacingTable struct {
	HighBufferFrames int
	MidBufferFrames  int
	FastDelay        time.Duration
	NormalDelay      time.Duration
	SlowDelay        time.Duration
}

// DefaultPacingTable returns the table fixed by §4.6: 14ms above 100
// buffered frames, 16ms from 40 up to 100, 20ms below that.
func DefaultPacingTable() PacingTable {
	return PacingTable{
		HighBufferFrames: 100,
		MidBufferFrames:  40,
		FastDelay:        14 * time.Millisecond,
		NormalDelay:      16 * time.Millisecond,
		SlowDelay:        20 * time.Millisecond,
	}
}

// Validate reports a non-monotonic table: thresholds must strictly
// increase from mid to high tier, and delays must strictly decrease.
func (t PacingTable) Validate() error {
	if t.MidBufferFrames <= 0 || t.HighBufferFrames <= t.MidBufferFrames {
		return errors.New("pacing table thresholds must satisfy 0 < mid < high")
	}
	if !(t.FastDelay < t.NormalDelay && t.NormalDelay < t.SlowDelay) {
		return errors.New("pacing table delays must satisfy fast < normal < slow")
	}
	return nil
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithPacingTable overrides the adaptive pacing table. An invalid table
// (see PacingTable.Validate) is ignored and the default is kept.
func WithPacingTable(t PacingTable) Option {
	return func(s *Scheduler) {
		if err := t.Validate(); err != nil {
			s.logger.Warn("ignoring invalid pacing table", zap.Error(err))
			return
		}
		s.pacing = t
	}
}

// Scheduler runs streaming synthesis jobs, one logical worker per
// active stream, pacing frame emission to the adaptive table below.
type Scheduler struct {
	synth   Synthesizer
	metrics Metrics
	logger  *zap.Logger
	clock   func() time.Time
	pacing  PacingTable
}

// New builds a Scheduler. A nil Metrics falls back to a no-op recorder.
func New(synth Synthesizer, metrics Metrics, logger *zap.Logger, opts ...Option) *Scheduler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Scheduler{
		synth:   synth,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "scheduler")),
		clock:   time.Now,
		pacing:  DefaultPacingTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runningStream implements session.StreamHandle. Cancel cancels the
// stream's derived context; done closes once the stream's goroutines
// have fully exited, letting a successor Start await predecessor
// teardown before it begins emitting frames.
type runningStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *runningStream) Cancel() { s.cancel() }

// Start begins a new streaming synthesis job for sess. If a stream is
// already active for sess, it is cancelled first and its teardown is
// awaited before this stream begins emitting frames. The returned
// handle satisfies session.StreamHandle.
func (s *Scheduler) Start(ctx context.Context, sess *session.Session, from session.Phase, text, voiceID string, sink EventSink) (session.StreamHandle, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	rs := &runningStream{cancel: cancel, done: make(chan struct{})}

	prev, err := sess.StartSpeaking(from, rs)
	if err != nil {
		cancel()
		return nil, err
	}
	if prevStream, ok := prev.(*runningStream); ok {
		<-prevStream.done
	}

	frameCh := make(chan []byte, 1)
	resultCh := make(chan error, 1)

	go s.produce(streamCtx, text, voiceID, frameCh, resultCh)
	go s.consume(streamCtx, rs, sess, sink, frameCh, resultCh)

	return rs, nil
}

func (s *Scheduler) produce(ctx context.Context, text, voiceID string, frameCh chan<- []byte, resultCh chan<- error) {
	defer close(frameCh)

	stream, err := s.synth.Synth(ctx, text, voiceID)
	if err != nil {
		resultCh <- err
		return
	}
	defer stream.Close()

	enc := dsp.NewEncoder()
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			resultCh <- err
			return
		}
		if chunk.Final {
			if frame, ok := enc.Flush(); ok {
				if !sendFrame(ctx, frameCh, frame) {
					resultCh <- ctx.Err()
					return
				}
			}
			resultCh <- nil
			return
		}
		for _, sample := range chunk.Samples {
			frame, ok := enc.Push(sample)
			if !ok {
				continue
			}
			if !sendFrame(ctx, frameCh, frame) {
				resultCh <- ctx.Err()
				return
			}
		}
	}
}

func sendFrame(ctx context.Context, frameCh chan<- []byte, frame []byte) bool {
	select {
	case frameCh <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) consume(ctx context.Context, rs *runningStream, sess *session.Session, sink EventSink, frameCh <-chan []byte, resultCh <-chan error) {
	defer close(rs.done)
	defer sess.EndSpeaking()
	defer rs.cancel() // idempotent; guarantees the producer goroutine unblocks on every exit path

	sink.Started()

	frames := 0
	prevUnderruns := -1
	baseDelay := s.pacing.SlowDelay
	nextDeadline := s.clock().Add(baseDelay)

	for frame := range frameCh {
		bufferFrames, underrunCount := sess.Backpressure()
		baseDelay = s.pacingDelay(bufferFrames, underrunCount, &prevUnderruns)

		now := s.clock()
		if now.Before(nextDeadline) {
			select {
			case <-time.After(nextDeadline.Sub(now)):
			case <-ctx.Done():
				s.drainCancelled(sink)
				return
			}
		}

		deadlineAtEmit := nextDeadline
		frameCtx, cancel := context.WithTimeout(ctx, 2*baseDelay)
		err := sink.Frame(frameCtx, frame)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				s.drainCancelled(sink)
				return
			}
			sink.Error(gwerr.New(gwerr.TransportStalled, "transport did not accept frame within 2x base delay").WithProvider("transport"))
			return
		}
		frames++

		s.metrics.ObserveEmitJitter(s.clock().Sub(deadlineAtEmit).Seconds())

		nextDeadline = nextDeadline.Add(baseDelay)
		if nextDeadline.Before(s.clock().Add(-2 * baseDelay)) {
			nextDeadline = s.clock().Add(baseDelay)
			s.metrics.IncDriftReset()
		}
	}

	err := <-resultCh
	switch {
	case err == nil:
		sink.Completed(frames)
	case errors.Is(err, context.Canceled):
		sink.Cancelled()
	default:
		sink.Error(asGwErr(err))
	}
}

func (s *Scheduler) drainCancelled(sink EventSink) {
	sink.Cancelled()
}

// pacingDelay implements the adaptive pacing table (§4.6), including
// the forced-20ms underrun-escalation override. prevUnderruns tracks
// the last observed underrun count across calls on the same stream; -1
// means "no prior observation".
func (s *Scheduler) pacingDelay(bufferFrames, underrunCount int, prevUnderruns *int) time.Duration {
	increasing := *prevUnderruns >= 0 && underrunCount > *prevUnderruns
	*prevUnderruns = underrunCount

	if bufferFrames == 0 && increasing {
		s.metrics.IncPacingSlow()
		return s.pacing.SlowDelay
	}
	switch {
	case bufferFrames > s.pacing.HighBufferFrames:
		return s.pacing.FastDelay
	case bufferFrames >= s.pacing.MidBufferFrames:
		return s.pacing.NormalDelay
	default:
		return s.pacing.SlowDelay
	}
}

func asGwErr(err error) *gwerr.Error {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return gwerr.New(gwerr.ProviderUnavailable, "tts stream failed").WithCause(err).WithProvider("tts")
}

// Stop cancels the session's active stream, if any. It is idempotent.
func Stop(sess *session.Session) {
	if stream := sess.ActiveStream(); stream != nil {
		stream.Cancel()
	}
}
