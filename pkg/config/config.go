package config

import (
	"fmt"
	"os"

	"github.com/cuemby/jmtkv/pkg/kvlog"
	"gopkg.in/yaml.v3"
)

// Config is the engine's process-level configuration: where it persists
// data, which substores it routes to, and how it logs and exposes metrics.
type Config struct {
	DataDir     string   `yaml:"dataDir"`
	Substores   []string `yaml:"substores"`
	LogLevel    string   `yaml:"logLevel"`
	LogJSON     bool     `yaml:"logJSON"`
	MetricsAddr string   `yaml:"metricsAddr"`
}

// Default returns the configuration a fresh single-node deployment starts
// from: one main store plus no substores, info-level console logging.
func Default() Config {
	return Config{
		DataDir:     "./data",
		Substores:   nil,
		LogLevel:    "info",
		LogJSON:     false,
		MetricsAddr: ":9090",
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LogConfig translates Config's logging fields into a kvlog.Config.
func (c Config) LogConfig() kvlog.Config {
	return kvlog.Config{
		Level:      kvlog.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}
