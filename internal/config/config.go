// LogSentry - NSS Proxy Log Threat Detection and Risk Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logsentry

// Package config loads the application configuration from layered
// sources with Koanf v2: built-in defaults, an optional YAML file, and
// environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/logsentry/internal/detection"
	"github.com/tomtom215/logsentry/internal/logging"
	"github.com/tomtom215/logsentry/internal/risk"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/logsentry/config.yaml",
	"/etc/logsentry/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "LOGSENTRY_CONFIG_PATH"

// envPrefix namespaces environment overrides: LOGSENTRY_INGEST_PARSE_WORKERS
// maps to ingest.parse_workers.
const envPrefix = "LOGSENTRY_"

// Config is the full application configuration.
type Config struct {
	Storage   StorageConfig    `koanf:"storage"`
	Ingest    IngestConfig     `koanf:"ingest"`
	Detection detection.Config `koanf:"detection"`
	Risk      risk.Config      `koanf:"risk"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Logging   logging.Config   `koanf:"logging"`
}

// StorageConfig configures the embedded Badger database.
type StorageConfig struct {
	// Path is the Badger data directory. Empty selects the in-memory
	// store, which does not survive restarts.
	Path string `koanf:"path"`
}

// IngestConfig bounds the ingestion pipeline.
type IngestConfig struct {
	// MaxFileBytes rejects uploads larger than this before processing.
	MaxFileBytes int64 `koanf:"max_file_bytes" validate:"gt=0"`

	// ParseWorkers is the parser fan-out per file. 0 selects NumCPU.
	ParseWorkers int `koanf:"parse_workers" validate:"gte=0"`

	// BatchSize is the number of lines handed to each parse task and the
	// unit of persistence writes.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// FormatSampleLines and FormatMismatchRatio govern the early format
	// check: if more than ratio of the first sample lines fail to parse,
	// the file fails with a format mismatch.
	FormatSampleLines   int     `koanf:"format_sample_lines" validate:"gt=0"`
	FormatMismatchRatio float64 `koanf:"format_mismatch_ratio" validate:"gt=0,lte=1"`

	// LinesPerSecond throttles line processing. 0 means unlimited.
	LinesPerSecond int `koanf:"lines_per_second" validate:"gte=0"`

	// MaxConcurrentFiles bounds simultaneously processing files.
	MaxConcurrentFiles int `koanf:"max_concurrent_files" validate:"gt=0"`

	// WatchDir, when set, is polled for dropped log files to ingest.
	WatchDir string `koanf:"watch_dir"`

	// WatchInterval is the poll period for the watch directory.
	WatchInterval time.Duration `koanf:"watch_interval" validate:"gt=0"`

	// Storage write retry policy. Retries use exponential backoff with
	// jitter between InitialBackoff and MaxBackoff.
	StorageRetries        int           `koanf:"storage_retries" validate:"gte=0"`
	StorageInitialBackoff time.Duration `koanf:"storage_initial_backoff" validate:"gt=0"`
	StorageMaxBackoff     time.Duration `koanf:"storage_max_backoff" validate:"gt=0"`

	// Circuit breaker over storage writes.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold" validate:"gt=0"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment overrides.
func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "/data/logsentry",
		},
		Ingest: IngestConfig{
			MaxFileBytes:            2 << 30, // 2GiB
			ParseWorkers:            0,       // 0 = runtime.NumCPU()
			BatchSize:               500,
			FormatSampleLines:       100,
			FormatMismatchRatio:     0.5,
			LinesPerSecond:          0, // unlimited
			MaxConcurrentFiles:      4,
			WatchDir:                "",
			WatchInterval:           5 * time.Second,
			StorageRetries:          3,
			StorageInitialBackoff:   100 * time.Millisecond,
			StorageMaxBackoff:       5 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		Detection: detection.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: logging.Config{
			Level:     "info",
			Format:    "json",
			Caller:    false,
			Timestamp: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and LOGSENTRY_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps LOGSENTRY_INGEST_MAX_FILE_BYTES to
// ingest.max_file_bytes. Only the first underscore becomes a section
// separator; section names contain no underscores.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// findConfigFile returns the first readable config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are fields that arrive as comma-separated strings
// from the environment but must unmarshal as slices.
var sliceConfigPaths = []string{
	"detection.malicious_domains",
	"detection.user_agent_patterns",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		s, ok := val.(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the component-level invariants
// that tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("field %s failed %q constraint", first.Namespace(), first.Tag())
		}
		return err
	}
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Ingest.StorageMaxBackoff < c.Ingest.StorageInitialBackoff {
		return fmt.Errorf("ingest.storage_max_backoff must be at least ingest.storage_initial_backoff")
	}
	return nil
}
