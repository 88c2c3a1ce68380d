package adapters

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
)

func encodeFloat32LE(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func newTestTTSAdapter(t *testing.T, handler http.HandlerFunc) *TTSAdapter {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultTTSConfig()
	cfg.BaseURL = srv.URL
	return NewTTSAdapter(cfg, zap.NewNop())
}

func TestTTSAdapter_SynthYieldsChunksThenFinal(t *testing.T) {
	a := newTestTTSAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"type\":\"chunk\",\"data\":%q}\n\n", encodeFloat32LE([]float32{0.1, -0.2, 0.3}))
		flusher.Flush()
		fmt.Fprintf(w, "data: {\"type\":\"done\",\"done\":true}\n\n")
		flusher.Flush()
	})

	stream, err := a.Synth(context.Background(), "hello", "")
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	chunk, err := stream.Next(ctx)
	require.NoError(t, err)
	require.False(t, chunk.Final)
	require.Len(t, chunk.Samples, 3)
	assert.InDelta(t, 0.1, chunk.Samples[0], 1e-6)
	assert.InDelta(t, -0.2, chunk.Samples[1], 1e-6)

	final, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.True(t, final.Final)
}

func TestTTSAdapter_NonOKStatusMapsToProviderRejected(t *testing.T) {
	a := newTestTTSAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad api key"}}`))
	})

	_, err := a.Synth(context.Background(), "hello", "")
	require.Error(t, err)
	assert.Equal(t, gwerr.ProviderRejected, gwerr.KindOf(err))
}

func TestTTSAdapter_CancelStopsStreamPromptly(t *testing.T) {
	blockCh := make(chan struct{})
	a := newTestTTSAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-blockCh
	})
	defer close(blockCh)

	stream, err := a.Synth(context.Background(), "hello", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	stream.Close()
}
