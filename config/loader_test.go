package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kvs map[string]string) {
	for k, v := range kvs {
		require.NoError(t, os.Setenv(k, v))
		t.Cleanup(func(k string) func() { return func() { os.Unsetenv(k) } }(k))
	}
}

func TestLoader_DefaultsAppliedWithoutEnv(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "inmemory", cfg.Memory.Backend)
	assert.Equal(t, 50, cfg.Memory.MaxTurns)
}

func TestLoader_EnvOverridesDefaults(t *testing.T) {
	setEnv(t, map[string]string{
		"GATEWAY_SERVER_PORT":        "9000",
		"GATEWAY_PROVIDERS_LLM_MODEL": "claude-3-7-sonnet",
		"GATEWAY_MEMORY_MAX_TURNS":   "10",
		"GATEWAY_PROVIDERS_LLM_TIMEOUT_S": "15",
	})

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "claude-3-7-sonnet", cfg.Providers.LLM.Model)
	assert.Equal(t, 10, cfg.Memory.MaxTurns)
	assert.Equal(t, 15*time.Second, cfg.Providers.LLM.Timeout)
}

func TestConfig_ValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = "secret"
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsMissingJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 8080
	cfg.Server.JWTSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsRedisBackendWithoutAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = "secret"
	cfg.Memory.Backend = "redis"
	cfg.Memory.RedisAddr = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidatePassesWithSensibleDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejectsNonMonotonicPacingThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = "secret"
	cfg.Pacing.HighBufferFrames = 40
	cfg.Pacing.MidBufferFrames = 100
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsNonMonotonicPacingDelays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = "secret"
	cfg.Pacing.FastDelayMS = 20
	cfg.Pacing.SlowDelayMS = 14
	assert.Error(t, cfg.Validate())
}
