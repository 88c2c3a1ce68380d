package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// TTSConfig configures the streaming speech-synthesis provider backing
// the TTS adapter (C2).
type TTSConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	SampleRateHz    int
	FirstChunkTimeout time.Duration
}

// DefaultTTSConfig returns defaults matching the frame DSP's expected
// input rate (§4.1): 22050 Hz mono float32 PCM.
func DefaultTTSConfig() TTSConfig {
	return TTSConfig{
		BaseURL:           "https://api.cartesia.ai",
		Model:             "sonic-2",
		SampleRateHz:      22050,
		FirstChunkTimeout: 10 * time.Second,
	}
}

// TTSChunk is one decoded slice of float32 PCM samples pulled off the
// wire, in the order the provider emitted them.
type TTSChunk struct {
	Samples []float32
	Final   bool
}

// TTSStream is a cancellable, lazy sequence of float PCM chunks (§4.2).
// Next blocks until a chunk is available, the stream ends, or ctx is
// done. It must be safe to call Close concurrently with a blocked Next.
type TTSStream interface {
	Next(ctx context.Context) (TTSChunk, error)
	Close()
}

// TTSAdapter implements C2 over Cartesia's server-sent-events TTS
// endpoint, which streams raw pcm_f32le frames as base64-encoded SSE
// data payloads.
type TTSAdapter struct {
	cfg    TTSConfig
	client *http.Client
	logger *zap.Logger
}

// NewTTSAdapter builds a TTSAdapter.
func NewTTSAdapter(cfg TTSConfig, logger *zap.Logger) *TTSAdapter {
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 22050
	}
	if cfg.FirstChunkTimeout == 0 {
		cfg.FirstChunkTimeout = 10 * time.Second
	}
	return &TTSAdapter{
		cfg:    cfg,
		client: &http.Client{}, // streaming response: no blanket client timeout
		logger: logger.With(zap.String("component", "tts_adapter")),
	}
}

type ttsRequest struct {
	ModelID    string         `json:"model_id"`
	Transcript string         `json:"transcript"`
	Voice      ttsVoice       `json:"voice"`
	Language   string         `json:"language"`
	OutputFmt  ttsOutputFmt   `json:"output_format"`
}

type ttsVoice struct {
	ID string `json:"id"`
}

type ttsOutputFmt struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type ttsSSEEvent struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Done bool   `json:"done"`
	Error string `json:"error"`
}

// Synth begins a streaming synthesis job for text under voiceID (empty
// means the provider default). The returned stream yields float32 PCM
// chunks at cfg.SampleRateHz until exhausted or cancelled via ctx.
func (a *TTSAdapter) Synth(ctx context.Context, text, voiceID string) (TTSStream, error) {
	if voiceID == "" {
		voiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
	}

	body, err := json.Marshal(ttsRequest{
		ModelID:    a.cfg.Model,
		Transcript: text,
		Voice:      ttsVoice{ID: voiceID},
		Language:   "en",
		OutputFmt: ttsOutputFmt{
			Container:  "raw",
			Encoding:   "pcm_f32le",
			SampleRate: a.cfg.SampleRateHz,
		},
	})
	if err != nil {
		return nil, gwerr.New(gwerr.ProviderRejected, "failed to encode tts request").WithCause(err).WithProvider("tts")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/tts/sse"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, gwerr.New(gwerr.ProviderRejected, "failed to build tts request").WithCause(err).WithProvider("tts")
	}
	a.buildHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, gwerr.New(gwerr.ProviderUnavailable, "tts request failed").WithCause(err).WithProvider("tts").WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := readLLMErrMsg(resp.Body)
		cancel()
		return nil, gwerr.New(gwerr.ProviderRejected, fmt.Sprintf("tts provider returned status %d: %s", resp.StatusCode, msg)).WithProvider("tts")
	}

	return &sseTTSStream{
		body:              resp.Body,
		scan:              bufio.NewScanner(resp.Body),
		cancel:            cancel,
		logger:            a.logger,
		firstChunkTimeout: a.cfg.FirstChunkTimeout,
	}, nil
}

func (a *TTSAdapter) buildHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", a.cfg.APIKey)
	req.Header.Set("Cartesia-Version", "2024-06-10")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
}

// sseTTSStream parses Cartesia's line-delimited `data: {...}` SSE
// frames, base64-decoding each payload into float32le samples.
type sseTTSStream struct {
	body              io.ReadCloser
	scan              *bufio.Scanner
	cancel            context.CancelFunc
	logger            *zap.Logger
	closed            bool
	firstChunkTimeout time.Duration
	gotFirstChunk     bool
}

func (s *sseTTSStream) Next(ctx context.Context) (TTSChunk, error) {
	// The §5 first-chunk deadline only bounds time-to-first-byte; once the
	// provider has started streaming, a slow-but-live connection is not a
	// timeout.
	waitCtx := ctx
	if !s.gotFirstChunk && s.firstChunkTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.firstChunkTimeout)
		defer cancel()
	}

	type scanResult struct {
		chunk TTSChunk
		err   error
		eof   bool
	}
	resultCh := make(chan scanResult, 1)

	go func() {
		for s.scan.Scan() {
			line := strings.TrimSpace(s.scan.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var evt ttsSSEEvent
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				resultCh <- scanResult{err: gwerr.New(gwerr.ProviderRejected, "malformed tts sse frame").WithCause(err).WithProvider("tts")}
				return
			}
			if evt.Error != "" {
				resultCh <- scanResult{err: gwerr.New(gwerr.ProviderRejected, evt.Error).WithProvider("tts")}
				return
			}
			if evt.Done {
				resultCh <- scanResult{chunk: TTSChunk{Final: true}}
				return
			}
			samples, err := decodeFloat32LE(evt.Data)
			if err != nil {
				resultCh <- scanResult{err: gwerr.New(gwerr.ProviderRejected, "malformed pcm payload").WithCause(err).WithProvider("tts")}
				return
			}
			resultCh <- scanResult{chunk: TTSChunk{Samples: samples}}
			return
		}
		if err := s.scan.Err(); err != nil {
			resultCh <- scanResult{err: gwerr.New(gwerr.ProviderUnavailable, "tts stream read failed").WithCause(err).WithProvider("tts").WithRetryable(true)}
			return
		}
		resultCh <- scanResult{eof: true}
	}()

	select {
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			// waitCtx expired on its own first-chunk deadline, not the
			// caller's ctx: the provider never emitted a first event.
			return TTSChunk{}, gwerr.New(gwerr.ProviderTimeout, "tts provider did not emit a first chunk in time").
				WithProvider("tts").WithRetryable(true)
		}
		return TTSChunk{}, ctx.Err()
	case r := <-resultCh:
		s.gotFirstChunk = true
		if r.err != nil {
			return TTSChunk{}, r.err
		}
		if r.eof {
			return TTSChunk{Final: true}, nil
		}
		return r.chunk, nil
	}
}

func (s *sseTTSStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	_ = s.body.Close()
}

func decodeFloat32LE(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("pcm payload length %d not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
