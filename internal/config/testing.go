package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// TestConfig holds configuration for integration tests. Tests skip when the
// DSN is unset, so loading never fails on an empty environment.
type TestConfig struct {
	DSN string `env:"ENGINE_TEST_DB_DSN"`
}

// Enabled reports whether integration tests have a database to run against.
func (c *TestConfig) Enabled() bool {
	return c.DSN != ""
}

// LoadTestConfig loads test configuration from environment.
func LoadTestConfig() (*TestConfig, error) {
	cfg := &TestConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load test config: %w", err)
	}

	return cfg, nil
}
