package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Nil(t, cfg.Substores)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("dataDir: /var/lib/jmtkv\nsubstores:\n  - a/\n  - b/\nlogLevel: debug\nlogJSON: true\nmetricsAddr: :9999\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/jmtkv", cfg.DataDir)
	assert.Equal(t, []string{"a/", "b/"}, cfg.Substores)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
}

func TestLoadPartialConfigKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logLevel: warn\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.DataDir, "fields absent from the file should keep Default()'s value")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogConfigTranslation(t *testing.T) {
	cfg := Config{LogLevel: "error", LogJSON: true}
	logCfg := cfg.LogConfig()
	assert.Equal(t, "error", string(logCfg.Level))
	assert.True(t, logCfg.JSONOutput)
}
