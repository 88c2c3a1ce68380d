// =============================================================================
// Gateway default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the gateway's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Providers: DefaultProvidersConfig(),
		Memory:    DefaultMemoryConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Pacing:    DefaultPacingConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		MetricsAddr:     ":9091",
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultProvidersConfig returns the default provider configuration.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		LLM: LLMProviderConfig{
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-3-5-haiku-20241022",
			Temperature: 0.7,
			MaxTokens:   256,
			Timeout:     30 * time.Second,
		},
		STT: STTProviderConfig{
			BaseURL: "https://api.openai.com",
			Model:   "whisper-1",
			Timeout: 30 * time.Second,
		},
		TTS: TTSProviderConfig{
			BaseURL:           "https://api.cartesia.ai",
			VoiceID:           "default",
			FirstChunkTimeout: 10 * time.Second,
		},
	}
}

// DefaultMemoryConfig returns the default memory configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Backend:     "inmemory",
		MaxTurns:    50,
		TokenBudget: 0,
	}
}

// DefaultRateLimitConfig returns the default rate-limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:   10,
		Burst: 20,
	}
}

// DefaultPacingConfig returns the default adaptive pacing table (§4.6):
// 14ms above 100 buffered frames, 16ms from 40 up to 100, 20ms below that.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		HighBufferFrames: 100,
		MidBufferFrames:  40,
		FastDelayMS:      14,
		NormalDelayMS:    16,
		SlowDelayMS:      20,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "",
		ServiceName:  "voxrelay-gateway",
		SampleRate:   0.1,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
