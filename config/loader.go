// =============================================================================
// Gateway configuration loader
// =============================================================================
// Environment-only configuration: there is no YAML layer (§10.3 fixes
// env-or-equivalent injection as the sole source), just defaults
// overridden by environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().WithEnvPrefix("GATEWAY").Load()
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config is the gateway's complete runtime configuration.
type Config struct {
	Server    ServerConfig    `env:"SERVER"`
	Providers ProvidersConfig `env:"PROVIDERS"`
	Memory    MemoryConfig    `env:"MEMORY"`
	RateLimit RateLimitConfig `env:"RATE_LIMIT"`
	Pacing    PacingConfig    `env:"PACING"`
	Telemetry TelemetryConfig `env:"TELEMETRY"`
	Log       LogConfig       `env:"LOG"`
}

// ServerConfig binds the WebSocket/HTTP listener and attach-time auth.
type ServerConfig struct {
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT"`
	JWTSecret       string        `env:"JWT_SECRET"`
	MetricsAddr     string        `env:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// ProvidersConfig holds per-provider model selection, timeouts, and
// credentials. Credentials are opaque to the streaming core (§6).
type ProvidersConfig struct {
	LLM LLMProviderConfig `env:"LLM"`
	STT STTProviderConfig `env:"STT"`
	TTS TTSProviderConfig `env:"TTS"`
}

// LLMProviderConfig configures the completion adapter (C5).
type LLMProviderConfig struct {
	APIKey      string        `env:"API_KEY"`
	BaseURL     string        `env:"BASE_URL"`
	Model       string        `env:"MODEL"`
	Temperature float64       `env:"TEMPERATURE"`
	MaxTokens   int           `env:"MAX_TOKENS"`
	Timeout     time.Duration `env:"TIMEOUT_S"`
}

// STTProviderConfig configures the transcription adapter (C3).
type STTProviderConfig struct {
	APIKey  string        `env:"API_KEY"`
	BaseURL string        `env:"BASE_URL"`
	Model   string        `env:"MODEL"`
	Timeout time.Duration `env:"TIMEOUT_S"`
}

// TTSProviderConfig configures the synthesis adapter (C2).
type TTSProviderConfig struct {
	APIKey            string        `env:"API_KEY"`
	BaseURL           string        `env:"BASE_URL"`
	VoiceID           string        `env:"VOICE_ID"`
	FirstChunkTimeout time.Duration `env:"FIRST_CHUNK_TIMEOUT_S"`
}

// MemoryConfig configures the conversation log backend (C4).
type MemoryConfig struct {
	Backend     string `env:"BACKEND"` // "inmemory" or "redis"
	RedisAddr   string `env:"REDIS_ADDR"`
	MaxTurns    int    `env:"MAX_TURNS"`
	TokenBudget int    `env:"TOKEN_BUDGET"`
}

// RateLimitConfig configures the per-session inbound admission bucket (C16).
type RateLimitConfig struct {
	RPS   float64 `env:"RPS"`
	Burst int     `env:"BURST"`
}

// PacingConfig configures the frame scheduler's adaptive pacing table
// (§4.6). Buffer depths above HighBufferFrames use FastDelayMS;
// depths at or above MidBufferFrames use NormalDelayMS; anything below
// uses SlowDelayMS.
type PacingConfig struct {
	HighBufferFrames int `env:"HIGH_BUFFER_FRAMES"`
	MidBufferFrames  int `env:"MID_BUFFER_FRAMES"`
	FastDelayMS      int `env:"FAST_DELAY_MS"`
	NormalDelayMS    int `env:"NORMAL_DELAY_MS"`
	SlowDelayMS      int `env:"SLOW_DELAY_MS"`
}

// TelemetryConfig configures OTel tracing (C15).
type TelemetryConfig struct {
	Enabled      bool    `env:"ENABLED"`
	OTLPEndpoint string  `env:"OTLP_ENDPOINT"`
	ServiceName  string  `env:"SERVICE_NAME"`
	SampleRate   float64 `env:"SAMPLE_RATE"`
}

// LogConfig configures the zap logger (§10.1).
type LogConfig struct {
	Level  string `env:"LEVEL"`
	Format string `env:"FORMAT"` // "json" or "console"
}

// Loader loads configuration from environment variables over a set of
// defaults (builder pattern).
type Loader struct {
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "GATEWAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds a Config from defaults, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			field.SetInt(int64(secs * float64(time.Second)))
		} else {
			iv, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(iv)
		}

	case reflect.Float32, reflect.Float64:
		fv, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(fv)

	case reflect.Bool:
		bv, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(bv)
	}

	return nil
}

// MustLoad loads configuration, panicking on failure. Intended for
// cmd/gateway's startup path, where a bad config is unrecoverable.
func MustLoad() *Config {
	cfg, err := NewLoader().WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the loaded configuration for internally-inconsistent
// or out-of-range values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, "jwt secret must not be empty")
	}
	if c.Providers.LLM.Temperature < 0 || c.Providers.LLM.Temperature > 2 {
		errs = append(errs, "llm temperature must be between 0 and 2")
	}
	if c.Memory.MaxTurns <= 0 {
		errs = append(errs, "memory max turns must be positive")
	}
	if c.Memory.Backend != "inmemory" && c.Memory.Backend != "redis" {
		errs = append(errs, "memory backend must be \"inmemory\" or \"redis\"")
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisAddr == "" {
		errs = append(errs, "redis addr required when memory backend is redis")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, "rate limit rps and burst must be positive")
	}
	if c.Pacing.MidBufferFrames <= 0 || c.Pacing.HighBufferFrames <= c.Pacing.MidBufferFrames {
		errs = append(errs, "pacing thresholds must satisfy 0 < mid_buffer_frames < high_buffer_frames")
	}
	if !(c.Pacing.FastDelayMS < c.Pacing.NormalDelayMS && c.Pacing.NormalDelayMS < c.Pacing.SlowDelayMS) {
		errs = append(errs, "pacing delays must satisfy fast_delay_ms < normal_delay_ms < slow_delay_ms")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
