package gwerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(ProviderUnavailable, "tts dial failed").WithCause(cause).WithProvider("cartesia")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cartesia", err.Provider)
	assert.Contains(t, err.Error(), "ProviderUnavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_WithoutCause(t *testing.T) {
	err := New(InvalidState, "stop_voice while Idle")
	assert.Equal(t, "[InvalidState] stop_voice while Idle", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestKindOf_NonGatewayError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	retryable := New(ProviderTimeout, "stt timed out").WithRetryable(true)
	notRetryable := New(AudioUnsupported, "flac not accepted")

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(notRetryable))
	assert.False(t, IsRetryable(errors.New("plain")))
}
