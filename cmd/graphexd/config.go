package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/novagraph/graphex/internal/engine"
	"github.com/novagraph/graphex/internal/extraction"
	"github.com/novagraph/graphex/internal/handler"
	"github.com/novagraph/graphex/internal/streaming"
)

// Config is the daemon configuration, populated from GRAPHEX_-prefixed
// environment variables. Every field has a working default so the daemon
// starts with no environment at all.
type Config struct {
	DBPath    string `env:"DB_PATH" envDefault:"graphex.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ModelURL    string        `env:"MODEL_URL" envDefault:"http://localhost:8091/v1/extract"`
	GrounderURL string        `env:"GROUNDER_URL" envDefault:"http://localhost:8092/v1/ground"`
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`

	StageTimeout time.Duration `env:"STAGE_TIMEOUT" envDefault:"2m"`
	StageRetries int           `env:"STAGE_RETRIES" envDefault:"3"`

	MaxConcurrentRuns   int    `env:"MAX_CONCURRENT_RUNS" envDefault:"16"`
	RecoveryParallelism int    `env:"RECOVERY_PARALLELISM" envDefault:"4"`
	SweepCadence        string `env:"SWEEP_CADENCE" envDefault:"@every 5s"`

	MaxQueuedEvents   int     `env:"MAX_QUEUED_EVENTS" envDefault:"256"`
	SamplingThreshold float64 `env:"SAMPLING_THRESHOLD" envDefault:"0.7"`
	SamplingRate      float64 `env:"SAMPLING_RATE" envDefault:"0.25"`

	BreakerMaxFailures      int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GRAPHEX_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.MaxConcurrentRuns < 1 {
		return Config{}, fmt.Errorf("GRAPHEX_MAX_CONCURRENT_RUNS must be at least 1, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.StageRetries < 0 {
		return Config{}, fmt.Errorf("GRAPHEX_STAGE_RETRIES must not be negative, got %d", cfg.StageRetries)
	}
	return cfg, nil
}

func (c Config) logLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

func (c Config) engineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.StageTimeout = c.StageTimeout
	ec.StageRetries = c.StageRetries
	ec.Breakers = engine.BreakerConfig{
		MaxFailures:      c.BreakerMaxFailures,
		ResetTimeout:     c.BreakerResetTimeout,
		SuccessThreshold: c.BreakerSuccessThreshold,
	}
	return ec
}

func (c Config) handlerConfig() handler.Config {
	return handler.Config{
		MaxConcurrentRuns:   c.MaxConcurrentRuns,
		RecoveryParallelism: c.RecoveryParallelism,
		Backpressure: streaming.BackpressureConfig{
			MaxQueuedEvents:   c.MaxQueuedEvents,
			SamplingThreshold: c.SamplingThreshold,
			SamplingRate:      c.SamplingRate,
		},
	}
}

func (c Config) endpoints() map[string]string {
	return map[string]string{
		extraction.DependencyModel:    c.ModelURL,
		extraction.DependencyGrounder: c.GrounderURL,
	}
}
