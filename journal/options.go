// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"time"
)

// Geometry limits.
const (
	MinPageSize = 4 * 1024
	MaxPageSize = 128 * 1024
	MinFiles    = 4
	MaxFiles    = 64
	// MaxExpandFiles bounds auto-expansion.
	MaxExpandFiles = 4096
)

// Defaults.
const (
	DefaultPageSize     = 32 * 1024
	DefaultFileSize     = 512 * 4096
	DefaultNumFiles     = 8
	DefaultMaxFiles     = 64
	DefaultSyncInterval = 5 * time.Millisecond
)

// Config describes journal geometry and write behaviour.
type Config struct {
	FileSize     int64 // bytes per journal file
	NumFiles     int   // files available before expansion
	AutoExpand   bool
	MaxFiles     int // upper bound when AutoExpand is set
	PageSize     int // write cache page size in bytes
	Compression  CompressionType
	SyncInterval time.Duration
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() Config {
	return Config{
		FileSize:     DefaultFileSize,
		NumFiles:     DefaultNumFiles,
		AutoExpand:   true,
		MaxFiles:     DefaultMaxFiles,
		PageSize:     DefaultPageSize,
		Compression:  CompressionNone,
		SyncInterval: DefaultSyncInterval,
	}
}

// Option configures a journal.
type Option func(*Config)

// WithFileSize sets the size of each journal file.
func WithFileSize(size int64) Option {
	return func(c *Config) {
		c.FileSize = size
	}
}

// WithFiles sets the initial file count.
func WithFiles(n int) Option {
	return func(c *Config) {
		c.NumFiles = n
	}
}

// WithAutoExpand enables expansion up to maxFiles.
func WithAutoExpand(enabled bool, maxFiles int) Option {
	return func(c *Config) {
		c.AutoExpand = enabled
		c.MaxFiles = maxFiles
	}
}

// WithPageSize sets the write cache page size.
func WithPageSize(size int) Option {
	return func(c *Config) {
		c.PageSize = size
	}
}

// WithCompression sets the payload codec.
func WithCompression(ct CompressionType) Option {
	return func(c *Config) {
		c.Compression = ct
	}
}

// WithSyncInterval sets how often buffered records are made durable.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) {
		c.SyncInterval = d
	}
}

// Apply applies options to a configuration.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// FileLimit returns the number of files the journal may hold.
func (c Config) FileLimit() int {
	if c.AutoExpand {
		return c.MaxFiles
	}
	return c.NumFiles
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d must be a power of two between %d and %d",
			ErrInvalidConfig, c.PageSize, MinPageSize, MaxPageSize)
	}
	if c.FileSize < int64(c.PageSize) || c.FileSize%int64(c.PageSize) != 0 {
		return fmt.Errorf("%w: file size %d must be a multiple of the page size %d",
			ErrInvalidConfig, c.FileSize, c.PageSize)
	}
	if c.NumFiles < MinFiles || c.NumFiles > MaxFiles {
		return fmt.Errorf("%w: file count %d must be between %d and %d",
			ErrInvalidConfig, c.NumFiles, MinFiles, MaxFiles)
	}
	if c.AutoExpand && (c.MaxFiles < c.NumFiles || c.MaxFiles > MaxExpandFiles) {
		return fmt.Errorf("%w: max files %d must be between %d and %d",
			ErrInvalidConfig, c.MaxFiles, c.NumFiles, MaxExpandFiles)
	}
	if c.Compression > CompressionZstd {
		return fmt.Errorf("%w: unknown compression %d", ErrInvalidConfig, c.Compression)
	}
	return nil
}
