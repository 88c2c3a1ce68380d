// =============================================================================
// Voice streaming gateway entry point
// =============================================================================
// Wires every core component (C1-C17) into a running process: loads
// configuration from the environment, builds the provider adapters,
// session/memory stores, frame scheduler, turn orchestrator, and event
// router, then serves the WebSocket route alongside a separate metrics
// listener.
// =============================================================================

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxrelay/gateway/adapters"
	"github.com/voxrelay/gateway/auth"
	"github.com/voxrelay/gateway/config"
	"github.com/voxrelay/gateway/internal/metrics"
	"github.com/voxrelay/gateway/internal/pool"
	"github.com/voxrelay/gateway/internal/server"
	"github.com/voxrelay/gateway/internal/telemetry"
	"github.com/voxrelay/gateway/memory"
	"github.com/voxrelay/gateway/ratelimit"
	"github.com/voxrelay/gateway/router"
	"github.com/voxrelay/gateway/scheduler"
	"github.com/voxrelay/gateway/session"
	"github.com/voxrelay/gateway/turnstate"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg := config.MustLoad()

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting voxrelay gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}

	collector := metrics.NewCollector("voxrelay", logger)

	memories, err := buildMemoryStore(cfg.Memory, cfg.Providers.LLM, logger)
	if err != nil {
		logger.Fatal("failed to build memory store", zap.Error(err))
	}

	sttAdapter := adapters.NewSTTAdapter(adapters.STTConfig{
		APIKey:  cfg.Providers.STT.APIKey,
		BaseURL: cfg.Providers.STT.BaseURL,
		Model:   cfg.Providers.STT.Model,
		Timeout: cfg.Providers.STT.Timeout,
	}, logger)

	ttsAdapter := adapters.NewTTSAdapter(adapters.TTSConfig{
		APIKey:            cfg.Providers.TTS.APIKey,
		BaseURL:           cfg.Providers.TTS.BaseURL,
		FirstChunkTimeout: cfg.Providers.TTS.FirstChunkTimeout,
	}, logger)

	pools := pool.NewWorkerPools(pool.DefaultProviderPoolConfig())
	pacing := scheduler.PacingTable{
		HighBufferFrames: cfg.Pacing.HighBufferFrames,
		MidBufferFrames:  cfg.Pacing.MidBufferFrames,
		FastDelay:        time.Duration(cfg.Pacing.FastDelayMS) * time.Millisecond,
		NormalDelay:      time.Duration(cfg.Pacing.NormalDelayMS) * time.Millisecond,
		SlowDelay:        time.Duration(cfg.Pacing.SlowDelayMS) * time.Millisecond,
	}
	sched := scheduler.New(scheduler.WrapTTSAdapter(ttsAdapter), collector, logger, scheduler.WithPacingTable(pacing))
	orch := turnstate.New(memories, sttAdapter, pools, sched, cfg.Providers.TTS.VoiceID, "webm", logger)

	sessions := session.NewStore(logger)
	verifier := auth.NewVerifier(cfg.Server.JWTSecret, logger)
	limiters := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	rt := router.New(router.Config{
		Auth:     verifier,
		Sessions: sessions,
		Orch:     orch,
		Limiter:  limiters,
		Rejected: collector,
		Logger:   logger,
	})

	httpManager := startGatewayServer(cfg, rt, logger)
	metricsManager := startMetricsServer(cfg, logger)

	reportActiveSessions(sessions, collector)

	httpManager.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := metricsManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	pools.Close()
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}

	logger.Info("voxrelay gateway stopped")
}

func buildMemoryStore(cfg config.MemoryConfig, llmCfg config.LLMProviderConfig, logger *zap.Logger) (*memory.Store, error) {
	llmAdapter := adapters.NewLLMAdapter(adapters.LLMConfig{
		APIKey:      llmCfg.APIKey,
		BaseURL:     llmCfg.BaseURL,
		Model:       llmCfg.Model,
		Temperature: float32(llmCfg.Temperature),
		MaxTokens:   llmCfg.MaxTokens,
		Timeout:     llmCfg.Timeout,
	}, logger)

	const systemPrompt = "You are a helpful, concise voice assistant. Keep replies short."

	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return memory.NewStore(func(sessionID string) memory.Conversation {
			return memory.NewRedisMemory(client, "voxrelay:memory:"+sessionID, systemPrompt, cfg.MaxTurns, llmAdapter, logger)
		}), nil
	case "inmemory", "":
		return memory.NewStore(func(sessionID string) memory.Conversation {
			opts := []memory.Option{}
			if cfg.TokenBudget > 0 {
				opts = append(opts, memory.WithTokenBudget(cfg.TokenBudget))
			}
			return memory.New(systemPrompt, cfg.MaxTurns, llmAdapter, logger, opts...).AsConversation()
		}), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func startGatewayServer(cfg *config.Config, rt *router.Router, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/v1/stream", rt.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	manager := server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // streaming connections must not be cut off by a fixed write deadline
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := manager.Start(); err != nil {
		logger.Fatal("failed to start gateway server", zap.Error(err))
	}
	logger.Info("gateway server listening", zap.String("addr", manager.Addr()))
	return manager
}

func startMetricsServer(cfg *config.Config, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	manager := server.NewManager(mux, server.Config{
		Addr:            cfg.Server.MetricsAddr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := manager.Start(); err != nil {
		logger.Fatal("failed to start metrics server", zap.Error(err))
	}
	logger.Info("metrics server listening", zap.String("addr", manager.Addr()))
	return manager
}

// reportActiveSessions periodically samples the session store into the
// active_sessions gauge (§12.3). It runs for the lifetime of the process.
func reportActiveSessions(sessions *session.Store, collector *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			collector.SetActiveSessions(sessions.Len())
		}
	}()
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if zapConfig.Encoding == "" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
