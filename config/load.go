package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the config file statedb looks for inside a data
// directory.
const ConfigFileName = "statecore.conf"

// Load builds a Config from defaults, an optional config file inside
// dataDir (if non-empty), and validates the result. It does not create
// any directories or files; callers that want an on-first-run config
// file should call EnsureDataDir explicitly.
func Load(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	fileValues, err := LoadFile(filepath.Join(cfg.DataDir, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDir creates the data directory and a default config file if
// they don't already exist. Idempotent.
func EnsureDataDir(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	configPath := filepath.Join(cfg.DataDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
