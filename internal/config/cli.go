package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// CLIConfig holds configuration for the enginectl binary.
//
// The database DSN is validated by the CLI itself after flag overrides are
// applied, so LoadCLIConfig only parses.
type CLIConfig struct {
	Database DatabaseConfig
	Engine   EngineConfig
	Archive  ArchiveConfig
}

// LoadCLIConfig loads CLI configuration from environment.
func LoadCLIConfig() (*CLIConfig, error) {
	cfg := &CLIConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load cli config: %w", err)
	}

	return cfg, nil
}
