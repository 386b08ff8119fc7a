package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	Engine        EngineConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig

	// MaxStartupJitter spreads out the first tick of workers restarted
	// together.
	MaxStartupJitter time.Duration `env:"ENGINE_MAX_STARTUP_JITTER" envDefault:"5s"`

	// TickInterval is how often the recurrence schedule runs; TickHorizon
	// is how far ahead each run materializes.
	TickInterval time.Duration `env:"ENGINE_TICK_INTERVAL" envDefault:"1m"`
	TickHorizon  time.Duration `env:"ENGINE_TICK_HORIZON" envDefault:"720h"`

	// AdvanceInterval is the poll cadence of the execution advancer pool.
	AdvanceInterval    time.Duration `env:"ENGINE_ADVANCE_INTERVAL" envDefault:"1s"`
	AdvanceConcurrency int           `env:"ENGINE_ADVANCE_CONCURRENCY" envDefault:"4"`
	ClaimBatchSize     int           `env:"ENGINE_CLAIM_BATCH_SIZE" envDefault:"16"`

	// SweepInterval is how often stale running attempts are reaped.
	SweepInterval time.Duration `env:"ENGINE_SWEEP_INTERVAL" envDefault:"30s"`

	// ConnectMaxElapsed bounds the startup retry window for the first
	// database connection.
	ConnectMaxElapsed time.Duration `env:"ENGINE_CONNECT_MAX_ELAPSED" envDefault:"2m"`

	ShutdownTimeout time.Duration `env:"ENGINE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Archive.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
