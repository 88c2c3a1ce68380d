package dsp

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_FrameLengthIsAlways882Bytes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every emitted frame is exactly FrameBytes long", prop.ForAll(
		func(samples []float32) bool {
			for _, frame := range EncodeAll(samples) {
				if len(frame) != FrameBytes {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float32Range(-2, 2)),
	))

	properties.TestingRun(t)
}

func TestEncoder_DeterministicAcrossRuns(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("running the encoder twice on identical input is byte-identical", prop.ForAll(
		func(samples []float32) bool {
			a := EncodeAll(samples)
			b := EncodeAll(samples)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if string(a[i]) != string(b[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float32Range(-2, 2)),
	))

	properties.TestingRun(t)
}

func TestEncoder_FrameCountMatchesCeilDivision(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("frame count is ceil(total/441) with the tail zero-padded", prop.ForAll(
		func(samples []float32) bool {
			return len(EncodeAll(samples)) == FramesFor(len(samples))
		},
		gen.SliceOf(gen.Float32Range(-2, 2)),
	))

	properties.TestingRun(t)
}

func TestEncoder_ZeroSamplesProduceZeroFrames(t *testing.T) {
	frames := EncodeAll(nil)
	assert.Empty(t, frames)
	assert.Equal(t, 0, FramesFor(0))
}

func TestEncoder_TrailingPartialFrameIsZeroPadded(t *testing.T) {
	samples := make([]float32, SamplesPerFrame+10)
	for i := range samples {
		samples[i] = 0.5
	}
	frames := EncodeAll(samples)
	require.Len(t, frames, 2)

	last := frames[1]
	// the last 431 samples (862 bytes) of the padded tail frame are the
	// zero padding Flush writes after the 10 real samples.
	tailZeroBytes := last[20:]
	for _, b := range tailZeroBytes {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, FrameBytes, len(last))
}

func TestEncoder_IIRConvergesTowardGainedInputWithinFewSamples(t *testing.T) {
	const input = float32(0.3) // well below the soft-clip threshold after gain (1/1.8)
	enc := NewEncoder()

	target := float64(input) * Gain
	for i := 0; i < 30; i++ {
		enc.Push(input)
	}

	assert.InDelta(t, target, enc.yPrev, target*0.02)
}

func TestSoftClip_PassesUnityAndSaturatesBeyondIt(t *testing.T) {
	assert.InDelta(t, 1.0, softClip(1.0), 1e-9)
	assert.Less(t, softClip(1.5), 1.0)
	assert.Greater(t, softClip(1.5), 0.0)
	assert.Greater(t, softClip(-1.5), -1.0)
}

func TestQuantize_ClampsToInt16Range(t *testing.T) {
	assert.Equal(t, int16(32767), quantize(2.0))
	assert.Equal(t, int16(-32768), quantize(-2.0))
	assert.Equal(t, int16(0), quantize(0.0))
}
