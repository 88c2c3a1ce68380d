package adapters

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
)

// targetSampleRateHz is the rate C3 preprocesses WAV input to before
// dispatch (§4.3). Compressed containers (webm/mp3/m4a/mp4) carry their
// own sample rate in metadata the provider's own decoder already reads,
// so only the self-describing, already-PCM WAV container is resampled
// here; see DESIGN.md for why the other containers are not decoded
// in-process.
const targetSampleRateHz = 16000

// AcceptedAudioFormats lists the audio container formats C3 accepts
// (§6). Anything else yields gwerr.AudioUnsupported.
var AcceptedAudioFormats = map[string]bool{
	"wav":  true,
	"webm": true,
	"mp3":  true,
	"m4a":  true,
	"mp4":  true,
}

// STTConfig configures the transcription provider backing the STT
// adapter (C3).
type STTConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultSTTConfig returns sane defaults.
func DefaultSTTConfig() STTConfig {
	return STTConfig{
		BaseURL: "https://api.openai.com",
		Model:   "whisper-1",
		Timeout: 30 * time.Second,
	}
}

// STTAdapter implements C3 over a Whisper-style multipart transcription
// endpoint.
type STTAdapter struct {
	cfg    STTConfig
	client *http.Client
	logger *zap.Logger
}

// NewSTTAdapter builds an STTAdapter. A zero Timeout falls back to the
// §5 STT timeout of 30 s.
func NewSTTAdapter(cfg STTConfig, logger *zap.Logger) *STTAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &STTAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "stt_adapter")),
	}
}

type sttResponse struct {
	Text string `json:"text"`
}

type sttErrorResp struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe returns the trimmed transcript of data, a single
// accumulated audio buffer in container format. Unsupported formats
// fail with gwerr.AudioUnsupported; empty or silent buffers fail with
// gwerr.AudioEmpty, both without dispatching to the provider.
func (a *STTAdapter) Transcribe(ctx context.Context, data []byte, format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if !AcceptedAudioFormats[format] {
		return "", gwerr.New(gwerr.AudioUnsupported, fmt.Sprintf("unsupported audio format %q", format))
	}
	if len(data) == 0 || isSilent(data) {
		return "", gwerr.New(gwerr.AudioEmpty, "audio buffer is empty or silent")
	}

	if format == "wav" {
		if resampled, err := resampleWAVTo16kHzMono(data); err != nil {
			a.logger.Warn("wav preprocessing failed, dispatching original buffer", zap.Error(err))
		} else {
			data = resampled
		}
	}

	body, contentType, err := buildMultipartAudio(data, format, a.cfg.Model)
	if err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to encode transcription request").WithCause(err).WithProvider("stt")
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to build transcription request").WithCause(err).WithProvider("stt")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", gwerr.New(gwerr.ProviderTimeout, "transcription request timed out").WithCause(err).WithProvider("stt").WithRetryable(true)
		}
		return "", gwerr.New(gwerr.ProviderUnavailable, "transcription request failed").WithCause(err).WithProvider("stt").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readSTTErrMsg(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return "", gwerr.New(gwerr.ProviderRejected, fmt.Sprintf("stt provider returned status %d: %s", resp.StatusCode, msg)).
			WithProvider("stt").WithRetryable(retryable)
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to decode transcription response").WithCause(err).WithProvider("stt")
	}
	return strings.TrimSpace(out.Text), nil
}

func buildMultipartAudio(data []byte, format, model string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", model); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func readSTTErrMsg(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var errResp sttErrorResp
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}

// wavFormat holds the fields of a parsed WAV "fmt " chunk needed to
// resample and downmix its "data" chunk.
type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRateHz  uint32
	bitsPerSample uint16
}

// resampleWAVTo16kHzMono parses a RIFF/WAVE buffer, downmixes to mono and
// linearly resamples to targetSampleRateHz, and re-encodes it as a
// canonical 16-bit PCM mono WAV. Only 16-bit integer PCM (format tag 1)
// is supported; anything else returns an error so the caller can fall back
// to dispatching the original buffer unchanged.
func resampleWAVTo16kHzMono(data []byte) ([]byte, error) {
	format, samples, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	if format.audioFormat != 1 || format.bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported wav format tag=%d bits=%d", format.audioFormat, format.bitsPerSample)
	}

	mono := downmixToMono(samples, int(format.channels))
	if format.sampleRateHz == targetSampleRateHz {
		return encodeWAV16Mono(mono, targetSampleRateHz), nil
	}
	resampled := resampleLinear(mono, int(format.sampleRateHz), targetSampleRateHz)
	return encodeWAV16Mono(resampled, targetSampleRateHz), nil
}

// parseWAV walks RIFF chunks looking for "fmt " and "data", returning the
// format descriptor and the raw interleaved 16-bit samples.
func parseWAV(data []byte) (wavFormat, []int16, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavFormat{}, nil, fmt.Errorf("not a RIFF/WAVE buffer")
	}

	var (
		format   wavFormat
		haveFmt  bool
		pcmData  []byte
		haveData bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, nil, fmt.Errorf("fmt chunk too small")
			}
			chunk := data[body : body+size]
			format = wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
				channels:      binary.LittleEndian.Uint16(chunk[2:4]),
				sampleRateHz:  binary.LittleEndian.Uint32(chunk[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(chunk[14:16]),
			}
			haveFmt = true
		case "data":
			pcmData = data[body : body+size]
			haveData = true
		}
		offset = body + size
		if size%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}
	if !haveFmt || !haveData {
		return wavFormat{}, nil, fmt.Errorf("missing fmt or data chunk")
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[2*i : 2*i+2]))
	}
	return format, samples, nil
}

// downmixToMono averages interleaved channels into a single channel. A
// channel count of 1 or 0 is returned unchanged.
func downmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// resampleLinear converts mono samples from srcRate to dstRate by linear
// interpolation. Adequate for voice-band speech audio; it is not a
// band-limited resampler.
func resampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * float64(srcRate) / float64(dstRate)
		lo := int(srcPos)
		frac := srcPos - float64(lo)
		hi := lo + 1
		if hi >= len(samples) {
			hi = len(samples) - 1
		}
		if lo >= len(samples) {
			lo = len(samples) - 1
		}
		out[i] = int16(float64(samples[lo])*(1-frac) + float64(samples[hi])*frac)
	}
	return out
}

// encodeWAV16Mono writes a canonical 16-bit PCM mono WAV buffer.
func encodeWAV16Mono(samples []int16, sampleRateHz int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRateHz))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRateHz*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                      // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                     // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+2*i:46+2*i], uint16(s))
	}
	return buf
}

// isSilent reports whether a raw audio buffer carries no signal: it is
// shorter than 64 bytes, or every byte after the first 44 (a WAV-sized
// header region) is zero. This is a cheap proxy for zero-energy PCM
// that does not decode the container.
func isSilent(data []byte) bool {
	if len(data) < 64 {
		return true
	}
	body := data[44:] // skip a WAV-sized header region; safe for non-WAV too, still signal-bearing
	if len(body) == 0 {
		return false
	}
	var nonZero int
	for _, b := range body {
		if b != 0 {
			nonZero++
		}
	}
	return nonZero == 0
}
