package bootstrap

import (
	"fmt"
	"path/filepath"

	"github.com/quantgrid/gridcore/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight
// checks the YAML schema itself cannot express.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
// internal/persistence.NewFileStore/NewSQLiteStore create their own
// directories/files lazily, so there is little left to pre-flight beyond
// confirming the configured path isn't pointed at something unusable.
func checkPreFlight(cfg *Config) error {
	if cfg.Persistence.Backend == "file" {
		if filepath.Ext(cfg.Persistence.Path) != "" {
			return fmt.Errorf("persistence.path for the file backend must be a directory, got %q", cfg.Persistence.Path)
		}
	}
	return nil
}
