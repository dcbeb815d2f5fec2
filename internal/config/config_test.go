package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero batch", func(c *Config) { c.Detection.BatchSize = 0 }, "batch_size"},
		{"max below batch", func(c *Config) { c.Detection.MaxBatchSize = 1; c.Detection.BatchSize = 4 }, "max_batch_size"},
		{"concurrency", func(c *Config) { c.Detection.Concurrency = 0 }, "concurrency"},
		{"processor", func(c *Config) { c.Detection.Processor = "magic" }, "processor"},
		{"store", func(c *Config) { c.Session.Store = "redis" }, "session.store"},
		{"critical below warning", func(c *Config) { c.Resource.CriticalThreshold = 50 }, "critical_threshold"},
		{"fraction", func(c *Config) { c.Resource.AvailableFraction = 2 }, "available_fraction"},
		{"service url", func(c *Config) { c.Detection.Processor = "service"; c.Analysis.ServiceURL = "" }, "service_url"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := []byte(`
detection:
  batch_size: 6
  concurrency: 3
  processor: service
session:
  store: file
  retention: 48h
analysis:
  service_url: http://analysis.internal:9000
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Detection.BatchSize)
	assert.Equal(t, 3, cfg.Detection.Concurrency)
	assert.Equal(t, "service", cfg.Detection.Processor)
	assert.Equal(t, "file", cfg.Session.Store)
	assert.Equal(t, 48*time.Hour, cfg.Session.Retention)
	assert.Equal(t, "http://analysis.internal:9000", cfg.Analysis.ServiceURL)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Resource.CriticalThreshold, cfg.Resource.CriticalThreshold)
	assert.Equal(t, Default().Session.StaleAfter, cfg.Session.StaleAfter)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DEFECTSCAN_DETECTION_BATCH_SIZE", "20")
	t.Setenv("DEFECTSCAN_LOG_FORMAT", "json")

	cfg, err := Load(viper.New(), writeEmpty(t))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Detection.BatchSize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  batch_size: -1\n"), 0o644))

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDefault(&buf))

	var raw map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, "168h0m0s", raw["session"]["retention"])

	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestStorePath(t *testing.T) {
	cfg := Default()
	cfg.Session.Path = "/tmp/x.db"
	p, err := cfg.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", p)

	cfg.Session.Path = ""
	p, err = cfg.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "sessions.db", filepath.Base(p))

	cfg.Session.Store = "file"
	p, err = cfg.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "sessions", filepath.Base(p))
}

func writeEmpty(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	return path
}
