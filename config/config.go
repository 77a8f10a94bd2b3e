package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load loads the configuration from the given path. A missing file is
// replaced with a default one so a fresh checkout starts with something to
// edit; the default still fails Validate until the treasury accounts are
// filled in.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		c.Service.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.Service.MetricsAddress) == "" {
		c.Service.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(c.Service.DataDir) == "" {
		c.Service.DataDir = "./ledger-data"
	}
	if strings.TrimSpace(c.Service.Environment) == "" {
		c.Service.Environment = "development"
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "leveldb"
	}
	if strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		c.Telemetry.OTLPEndpoint = "127.0.0.1:4318"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Telemetry.Insecure = true

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
