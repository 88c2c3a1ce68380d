package scheduler

import (
	"context"

	"github.com/voxrelay/gateway/adapters"
)

// WrapTTSAdapter adapts a concrete *adapters.TTSAdapter onto the
// scheduler's own Synthesizer/Stream contract, keeping the scheduler's
// core free of a hard dependency on the adapters package's wire types.
func WrapTTSAdapter(a *adapters.TTSAdapter) Synthesizer {
	return ttsAdapterShim{a}
}

type ttsAdapterShim struct{ a *adapters.TTSAdapter }

func (w ttsAdapterShim) Synth(ctx context.Context, text, voiceID string) (Stream, error) {
	s, err := w.a.Synth(ctx, text, voiceID)
	if err != nil {
		return nil, err
	}
	return ttsStreamShim{s}, nil
}

type ttsStreamShim struct{ s adapters.TTSStream }

func (w ttsStreamShim) Next(ctx context.Context) (Chunk, error) {
	c, err := w.s.Next(ctx)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Samples: c.Samples, Final: c.Final}, nil
}

func (w ttsStreamShim) Close() { w.s.Close() }
