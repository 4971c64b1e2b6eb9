package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/prism-rag/prism/internal/storage"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills in defaults for fields left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./prism.yaml, ~/.prism/config.yaml.
// When none exists it returns a config of pure defaults, which is
// enough for local-storage commands that never touch remote services.
func LoadDefault() (*Config, error) {
	candidates := []string{"prism.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".prism", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills fields that commands rely on being non-zero.
// Service-specific defaults (timeouts, batch sizes) live with the
// constructors of their packages.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = storage.KindLocal
	}
	if cfg.Storage.Kind == storage.KindLocal && cfg.Storage.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.Root = filepath.Join(home, ".prism", "projects")
		} else {
			cfg.Storage.Root = "projects"
		}
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1500
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8420"
	}
}
