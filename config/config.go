// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/msgstore/journal"
	"github.com/absmach/msgstore/metadata"
	"github.com/absmach/msgstore/store"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the message store.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Journal  JournalConfig  `yaml:"journal"`
	TPL      JournalConfig  `yaml:"tpl"`
	Metadata MetadataConfig `yaml:"metadata"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StoreConfig holds store-wide settings.
type StoreConfig struct {
	Dir          string        `yaml:"dir"`
	TruncateInit bool          `yaml:"truncate_init"`
	SaveContent  bool          `yaml:"save_content"` // keep truncated content in _bak.NNNN
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// JournalConfig holds journal geometry.
type JournalConfig struct {
	Files        int           `yaml:"files"`
	FileSize     int64         `yaml:"file_size"`
	PageSize     int           `yaml:"page_size"`
	AutoExpand   bool          `yaml:"auto_expand"`
	MaxFiles     int           `yaml:"max_files"`
	Compression  string        `yaml:"compression"` // "none", "s2" or "zstd"
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// MetadataConfig selects the entity metadata backend.
type MetadataConfig struct {
	Backend    string `yaml:"backend"` // "badger", "pebble" or "memory"
	SyncWrites bool   `yaml:"sync_writes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry metrics export settings.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Interval       time.Duration `yaml:"interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	jd := journal.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Dir:          "/tmp/msgstore",
			FlushTimeout: store.DefaultFlushTimeout,
		},
		Journal: JournalConfig{
			Files:        jd.NumFiles,
			FileSize:     jd.FileSize,
			PageSize:     jd.PageSize,
			AutoExpand:   true,
			MaxFiles:     jd.MaxFiles,
			Compression:  "none",
			SyncInterval: jd.SyncInterval,
		},
		TPL: JournalConfig{
			Files:        jd.NumFiles,
			FileSize:     jd.FileSize,
			PageSize:     jd.PageSize,
			AutoExpand:   false,
			MaxFiles:     jd.MaxFiles,
			Compression:  "none",
			SyncInterval: jd.SyncInterval,
		},
		Metadata: MetadataConfig{
			Backend:    metadata.BackendBadger,
			SyncWrites: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "msgstore",
			ServiceVersion: "1.0.0",
			Interval:       10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir cannot be empty")
	}
	if c.Store.FlushTimeout < 0 {
		return fmt.Errorf("store.flush_timeout cannot be negative")
	}
	if c.Store.SaveContent && !c.Store.TruncateInit {
		return fmt.Errorf("store.save_content requires store.truncate_init")
	}

	if _, err := c.Journal.journal(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if _, err := c.TPL.journal(); err != nil {
		return fmt.Errorf("tpl: %w", err)
	}

	switch c.Metadata.Backend {
	case metadata.BackendBadger, metadata.BackendPebble, metadata.BackendMemory:
	default:
		return fmt.Errorf("metadata.backend must be one of: badger, pebble, memory")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint required when metrics are enabled")
		}
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be positive")
		}
	}

	return nil
}

// StoreConfig converts the file configuration into a store.Config.
func (c *Config) StoreConfig() (store.Config, error) {
	jc, err := c.Journal.journal()
	if err != nil {
		return store.Config{}, fmt.Errorf("journal: %w", err)
	}
	tc, err := c.TPL.journal()
	if err != nil {
		return store.Config{}, fmt.Errorf("tpl: %w", err)
	}

	return store.Config{
		Dir:     c.Store.Dir,
		Journal: jc,
		TPL:     tc,
		Metadata: metadata.Config{
			Backend:    c.Metadata.Backend,
			SyncWrites: c.Metadata.SyncWrites,
		},
		TruncateInit: c.Store.TruncateInit,
		SaveContent:  c.Store.SaveContent,
		FlushTimeout: c.Store.FlushTimeout,
	}, nil
}

func (jc JournalConfig) journal() (journal.Config, error) {
	ct, err := journal.ParseCompression(jc.Compression)
	if err != nil {
		return journal.Config{}, fmt.Errorf("unknown compression %q: %w", jc.Compression, err)
	}

	cfg := journal.DefaultConfig()
	cfg.Apply(
		journal.WithFiles(jc.Files),
		journal.WithFileSize(jc.FileSize),
		journal.WithPageSize(jc.PageSize),
		journal.WithAutoExpand(jc.AutoExpand, jc.MaxFiles),
		journal.WithCompression(ct),
		journal.WithSyncInterval(jc.SyncInterval),
	)
	if err := cfg.Validate(); err != nil {
		return journal.Config{}, err
	}
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
