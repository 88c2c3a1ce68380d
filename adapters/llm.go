// Package adapters implements the gateway's edges onto the three AI
// providers (C2 TTS, C3 STT, C5 LLM): plain HTTP clients that translate
// provider-specific wire formats into the core's narrow contracts and
// map every provider failure onto the gwerr taxonomy.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxrelay/gateway/internal/gwerr"
	"github.com/voxrelay/gateway/memory"
)

// LLMConfig configures the chat-completion provider backing the LLM
// adapter (C5). Temperature, model name, and max tokens are
// configuration, not part of the Complete contract, per the memory
// package's Completer interface.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultLLMConfig returns sane defaults. It does not read the
// environment; package config's GATEWAY_PROVIDERS_LLM_* keys are applied
// by the caller that builds the LLMConfig.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:     "https://api.anthropic.com",
		Model:       "claude-3-5-haiku-20241022",
		Temperature: 0.7,
		MaxTokens:   256,
		Timeout:     30 * time.Second,
	}
}

// LLMAdapter implements memory.Completer over a Claude-style messages
// API: auth via x-api-key, system prompt carried out-of-band from the
// turn array.
type LLMAdapter struct {
	cfg    LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewLLMAdapter builds an LLMAdapter. A zero Timeout falls back to the
// §5 LLM timeout of 30 s.
func NewLLMAdapter(cfg LLMConfig, logger *zap.Logger) *LLMAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &LLMAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "llm_adapter")),
	}
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model       string       `json:"model"`
	Messages    []llmMessage `json:"messages"`
	System      string       `json:"system,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float32      `json:"temperature,omitempty"`
}

type llmContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type llmResponse struct {
	Content []llmContentBlock `json:"content"`
}

type llmErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements memory.Completer. It issues a single blocking
// request carrying the full turn log and returns the reply text, or a
// *gwerr.Error classifying the failure.
func (a *LLMAdapter) Complete(ctx context.Context, turns []memory.Turn) (string, error) {
	var system string
	messages := make([]llmMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role == memory.RoleSystem {
			system = t.Content
			continue
		}
		messages = append(messages, llmMessage{Role: string(t.Role), Content: t.Content})
	}

	body, err := json.Marshal(llmRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to encode llm request").WithCause(err).WithProvider("llm")
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to build llm request").WithCause(err).WithProvider("llm")
	}
	a.buildHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return "", gwerr.New(gwerr.ProviderTimeout, "llm request timed out").WithCause(err).WithProvider("llm").WithRetryable(true)
		}
		return "", gwerr.New(gwerr.ProviderUnavailable, "llm request failed").WithCause(err).WithProvider("llm").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readLLMErrMsg(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return "", gwerr.New(gwerr.ProviderRejected, fmt.Sprintf("llm provider returned status %d: %s", resp.StatusCode, msg)).
			WithProvider("llm").WithRetryable(retryable)
	}

	var out llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", gwerr.New(gwerr.ProviderRejected, "failed to decode llm response").WithCause(err).WithProvider("llm")
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (a *LLMAdapter) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func readLLMErrMsg(r io.Reader) string {
	var errResp llmErrorResp
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}
