// Package dsp conditions raw float PCM samples into the gateway's on-wire
// frame format: 16-bit little-endian mono at 22050 Hz, 441 samples per frame.
package dsp

import "math"

const (
	// SampleRateHz is the fixed on-wire sample rate.
	SampleRateHz = 22050

	// SamplesPerFrame is 20ms of audio at SampleRateHz.
	SamplesPerFrame = 441

	// FrameBytes is SamplesPerFrame 16-bit LE samples.
	FrameBytes = SamplesPerFrame * 2

	// Gain is the fixed linear gain applied before smoothing.
	Gain = 1.8

	// SmoothingAlpha is the one-pole IIR coefficient.
	SmoothingAlpha = 0.15
)

// Encoder conditions a stream of float32 samples into 882-byte frames.
// It holds per-stream filter state and a partially-filled sample buffer;
// both are private to one stream and must not be shared across streams.
type Encoder struct {
	yPrev float64
	buf   [SamplesPerFrame]int16
	n     int
}

// NewEncoder returns an Encoder with filter state initialised to 0.0, as
// required for byte-identical output across runs given identical input.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Push conditions one sample and appends it to the current frame buffer.
// It returns a complete 882-byte frame and true once 441 samples have
// accumulated; otherwise it returns (nil, false).
func (e *Encoder) Push(sample float32) ([]byte, bool) {
	e.buf[e.n] = quantize(e.step(sample))
	e.n++
	if e.n < SamplesPerFrame {
		return nil, false
	}
	frame := encodeLE(e.buf[:])
	e.n = 0
	return frame, true
}

// Flush zero-pads any partially-filled buffer into a final frame. It
// returns (nil, false) if no samples are pending, matching the boundary
// behaviour that a stream with a sample count that is a multiple of 441
// produces no trailing empty frame.
func (e *Encoder) Flush() ([]byte, bool) {
	if e.n == 0 {
		return nil, false
	}
	for i := e.n; i < SamplesPerFrame; i++ {
		e.buf[i] = 0
	}
	frame := encodeLE(e.buf[:])
	e.n = 0
	return frame, true
}

// step applies gain, one-pole IIR smoothing, and soft clipping to a single
// sample, in that order, and returns the conditioned float value prior to
// quantisation.
func (e *Encoder) step(sample float32) float64 {
	x := float64(sample) * Gain
	y := SmoothingAlpha*x + (1-SmoothingAlpha)*e.yPrev
	e.yPrev = y
	return softClip(y)
}

// softClip applies exponential saturation in place of hard clipping:
// above 1 the output is 1-exp(-(x-1)), below -1 it is -1+exp(-(|x|-1)),
// and values in [-1, 1] pass through unchanged. The curve is not
// continuous at +-1: an input just above 1 maps to a value just above 0.
func softClip(x float64) float64 {
	switch {
	case x > 1:
		return 1 - math.Exp(-(x - 1))
	case x < -1:
		return -1 + math.Exp(-(math.Abs(x) - 1))
	default:
		return x
	}
}

// quantize rounds to the nearest int16, clamped to the full int16 range.
func quantize(x float64) int16 {
	v := math.Round(x * 32767)
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// encodeLE packs samples as signed 16-bit little-endian bytes.
func encodeLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// FramesFor reports how many frames a stream of n total samples produces,
// including one zero-padded frame for a trailing partial buffer.
func FramesFor(totalSamples int) int {
	if totalSamples == 0 {
		return 0
	}
	return (totalSamples + SamplesPerFrame - 1) / SamplesPerFrame
}

// EncodeAll is a convenience wrapper over Push/Flush for callers that
// already hold every sample in memory (tests, and the boundary cases in
// §8 of the specification). Streaming callers should use Push/Flush
// directly so they never hold an entire utterance in memory at once.
func EncodeAll(samples []float32) [][]byte {
	enc := NewEncoder()
	frames := make([][]byte, 0, FramesFor(len(samples)))
	for _, s := range samples {
		if frame, ok := enc.Push(s); ok {
			frames = append(frames, frame)
		}
	}
	if frame, ok := enc.Flush(); ok {
		frames = append(frames, frame)
	}
	return frames
}
