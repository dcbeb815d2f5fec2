// Package config defines the tool's configuration, its defaults and how it
// is loaded from files, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/0x6d61/defectscan/internal/batch"
	"github.com/0x6d61/defectscan/internal/resource"
	"github.com/0x6d61/defectscan/internal/scanner"
	"github.com/0x6d61/defectscan/internal/session"
	"github.com/0x6d61/defectscan/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g.
// DEFECTSCAN_DETECTION_BATCH_SIZE.
const EnvPrefix = "DEFECTSCAN"

// Config is the full configuration.
type Config struct {
	Detection DetectionConfig `mapstructure:"detection"`
	Session   SessionConfig   `mapstructure:"session"`
	Resource  ResourceConfig  `mapstructure:"resource"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// DetectionConfig controls listing and batching.
type DetectionConfig struct {
	IncludeExtensions []string `mapstructure:"include_extensions"`
	ExcludePatterns   []string `mapstructure:"exclude_patterns"`
	BatchSize         int      `mapstructure:"batch_size"`
	MaxBatchSize      int      `mapstructure:"max_batch_size"`
	Concurrency       int      `mapstructure:"concurrency"`
	// AvgFileSizeHint is the average file size, in bytes, assumed for the
	// admission check before the tree has been listed.
	AvgFileSizeHint int64 `mapstructure:"avg_file_size_hint"`
	// Processor is "rules", "service" or "claude".
	Processor string `mapstructure:"processor"`
}

// SessionConfig controls the session store and housekeeping.
type SessionConfig struct {
	// Store is "sqlite" or "file".
	Store       string        `mapstructure:"store"`
	Path        string        `mapstructure:"path"`
	Retention   time.Duration `mapstructure:"retention"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	MaxSessions int           `mapstructure:"max_sessions"`
}

// ResourceConfig controls the memory governor.
type ResourceConfig struct {
	WarningThreshold     float64       `mapstructure:"warning_threshold"`
	CriticalThreshold    float64       `mapstructure:"critical_threshold"`
	ProcessingMultiplier float64       `mapstructure:"processing_multiplier"`
	AvailableFraction    float64       `mapstructure:"available_fraction"`
	MonitorInterval      time.Duration `mapstructure:"monitor_interval"`
	HistorySize          int           `mapstructure:"history_size"`
}

// AnalysisConfig controls the per-file processors.
type AnalysisConfig struct {
	ServiceURL      string        `mapstructure:"service_url"`
	APIKeyEnv       string        `mapstructure:"api_key_env"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRPS          float64       `mapstructure:"max_rps"`
	MaxInFlight     int           `mapstructure:"max_in_flight"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	MaxFileBytes    int64         `mapstructure:"max_file_bytes"`
	ClaudeModel     string        `mapstructure:"claude_model"`
	ClaudeAPIKeyEnv string        `mapstructure:"claude_api_key_env"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbose int    `mapstructure:"verbose"`
	Format  string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Detection: DetectionConfig{
			IncludeExtensions: append([]string(nil), scanner.DefaultExtensions...),
			ExcludePatterns:   append([]string(nil), scanner.DefaultExcludes...),
			BatchSize:         batch.DefaultBatchSize,
			MaxBatchSize:      batch.DefaultMaxBatchSize,
			Concurrency:       1,
			AvgFileSizeHint:   8 << 10,
			Processor:         "rules",
		},
		Session: SessionConfig{
			Store:       "sqlite",
			Path:        "",
			Retention:   session.DefaultRetention,
			StaleAfter:  session.DefaultStaleAfter,
			MaxSessions: session.DefaultMaxSessions,
		},
		Resource: ResourceConfig{
			WarningThreshold:     resource.DefaultWarningThreshold,
			CriticalThreshold:    resource.DefaultCriticalThreshold,
			ProcessingMultiplier: resource.DefaultProcessingMultiplier,
			AvailableFraction:    resource.DefaultAvailableFraction,
			MonitorInterval:      resource.DefaultMonitorInterval,
			HistorySize:          resource.DefaultHistorySize,
		},
		Analysis: AnalysisConfig{
			ServiceURL:      "http://localhost:8700",
			APIKeyEnv:       "DEFECTSCAN_SERVICE_TOKEN",
			Timeout:         60 * time.Second,
			MaxRPS:          10,
			MaxInFlight:     4,
			CacheTTL:        30 * time.Minute,
			MaxFileBytes:    1 << 20,
			ClaudeModel:     "claude-sonnet-4-5",
			ClaudeAPIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Tracing: tracing.DefaultConfig(),
		Log:     LogConfig{Verbose: 0, Format: "text"},
	}
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	d := c.Detection
	if d.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("detection.batch_size must be >= 1 (got %d)", d.BatchSize))
	}
	if d.MaxBatchSize < d.BatchSize {
		errs = append(errs, fmt.Errorf("detection.max_batch_size (%d) must be >= batch_size (%d)", d.MaxBatchSize, d.BatchSize))
	}
	if d.Concurrency < 1 || d.Concurrency > 64 {
		errs = append(errs, fmt.Errorf("detection.concurrency must be between 1 and 64 (got %d)", d.Concurrency))
	}
	if d.AvgFileSizeHint < 0 {
		errs = append(errs, fmt.Errorf("detection.avg_file_size_hint must be >= 0 (got %d)", d.AvgFileSizeHint))
	}
	switch d.Processor {
	case "rules", "service", "claude":
	default:
		errs = append(errs, fmt.Errorf("detection.processor must be rules, service or claude (got %q)", d.Processor))
	}

	s := c.Session
	switch s.Store {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("session.store must be sqlite or file (got %q)", s.Store))
	}
	if s.Retention <= 0 {
		errs = append(errs, fmt.Errorf("session.retention must be positive (got %s)", s.Retention))
	}
	if s.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("session.stale_after must be positive (got %s)", s.StaleAfter))
	}
	if s.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("session.max_sessions must be >= 1 (got %d)", s.MaxSessions))
	}

	r := c.Resource
	if r.WarningThreshold <= 0 || r.WarningThreshold > 100 {
		errs = append(errs, fmt.Errorf("resource.warning_threshold must be within (0, 100] (got %v)", r.WarningThreshold))
	}
	if r.CriticalThreshold < r.WarningThreshold || r.CriticalThreshold > 100 {
		errs = append(errs, fmt.Errorf("resource.critical_threshold must be within [warning_threshold, 100] (got %v)", r.CriticalThreshold))
	}
	if r.ProcessingMultiplier < 1 {
		errs = append(errs, fmt.Errorf("resource.processing_multiplier must be >= 1 (got %v)", r.ProcessingMultiplier))
	}
	if r.AvailableFraction <= 0 || r.AvailableFraction > 1 {
		errs = append(errs, fmt.Errorf("resource.available_fraction must be within (0, 1] (got %v)", r.AvailableFraction))
	}
	if r.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("resource.monitor_interval must be positive (got %s)", r.MonitorInterval))
	}

	a := c.Analysis
	if a.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout must be positive (got %s)", a.Timeout))
	}
	if a.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("analysis.max_in_flight must be >= 1 (got %d)", a.MaxInFlight))
	}
	if d.Processor == "service" && a.ServiceURL == "" {
		errs = append(errs, errors.New("analysis.service_url is required for the service processor"))
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StorePath returns the configured session store path, or the default
// location under the user's data directory.
func (c Config) StorePath() (string, error) {
	if c.Session.Path != "" {
		return c.Session.Path, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("config: resolve data dir: %w", err)
		}
		base = filepath.Join(home, ".cache")
	}
	name := "sessions.db"
	if c.Session.Store == "file" {
		name = "sessions"
	}
	return filepath.Join(base, "defectscan", name), nil
}

// SetDefaults registers every default with v. Durations are registered as
// strings so that written config files stay readable.
func SetDefaults(v *viper.Viper) {
	for key, val := range flatten(Default()) {
		v.SetDefault(key, val)
	}
}

// flatten lists the defaults as dotted keys.
func flatten(c Config) map[string]any {
	return map[string]any{
		"detection.include_extensions": c.Detection.IncludeExtensions,
		"detection.exclude_patterns":   c.Detection.ExcludePatterns,
		"detection.batch_size":         c.Detection.BatchSize,
		"detection.max_batch_size":     c.Detection.MaxBatchSize,
		"detection.concurrency":        c.Detection.Concurrency,
		"detection.avg_file_size_hint": c.Detection.AvgFileSizeHint,
		"detection.processor":          c.Detection.Processor,

		"session.store":        c.Session.Store,
		"session.path":         c.Session.Path,
		"session.retention":    c.Session.Retention.String(),
		"session.stale_after":  c.Session.StaleAfter.String(),
		"session.max_sessions": c.Session.MaxSessions,

		"resource.warning_threshold":     c.Resource.WarningThreshold,
		"resource.critical_threshold":    c.Resource.CriticalThreshold,
		"resource.processing_multiplier": c.Resource.ProcessingMultiplier,
		"resource.available_fraction":    c.Resource.AvailableFraction,
		"resource.monitor_interval":      c.Resource.MonitorInterval.String(),
		"resource.history_size":          c.Resource.HistorySize,

		"analysis.service_url":        c.Analysis.ServiceURL,
		"analysis.api_key_env":        c.Analysis.APIKeyEnv,
		"analysis.timeout":            c.Analysis.Timeout.String(),
		"analysis.max_rps":            c.Analysis.MaxRPS,
		"analysis.max_in_flight":      c.Analysis.MaxInFlight,
		"analysis.cache_ttl":          c.Analysis.CacheTTL.String(),
		"analysis.max_file_bytes":     c.Analysis.MaxFileBytes,
		"analysis.claude_model":       c.Analysis.ClaudeModel,
		"analysis.claude_api_key_env": c.Analysis.ClaudeAPIKeyEnv,

		"tracing.enabled":       c.Tracing.Enabled,
		"tracing.exporter":      c.Tracing.Exporter,
		"tracing.otlp_endpoint": c.Tracing.OTLPEndpoint,
		"tracing.sample_rate":   c.Tracing.SampleRate,
		"tracing.service_name":  c.Tracing.ServiceName,

		"log.verbose": c.Log.Verbose,
		"log.format":  c.Log.Format,
	}
}

// configCandidates is the lookup order when no file is given explicitly.
func configCandidates() []string {
	out := []string{".defectscan.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "defectscan", "config.yaml"))
	}
	return out
}

// Load reads configuration into v from cfgFile (or the first existing
// default location), the environment and any flags already bound to v, then
// decodes and validates it.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		for _, c := range configCandidates() {
			if _, err := os.Stat(c); err == nil {
				cfgFile = c
				break
			}
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default configuration as YAML to w.
func WriteDefault(w io.Writer) error {
	nested := map[string]map[string]any{}
	for key, val := range flatten(Default()) {
		section, name, _ := strings.Cut(key, ".")
		if nested[section] == nil {
			nested[section] = map[string]any{}
		}
		nested[section][name] = val
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(nested); err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	return enc.Close()
}
