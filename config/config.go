// Package config loads the YAML settings of the lazyarray command: how graphs
// are executed, how new arrays are chunked, where datasets are stored and
// how they are printed.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"gopkg.in/yaml.v3"

	"github.com/qri-io/lazyarray"
	"github.com/qri-io/lazyarray/graph"
	"github.com/qri-io/lazyarray/zarr"
)

// Scheduler modes
const (
	// ModeSync runs every task on the calling goroutine's single worker
	ModeSync = "sync"
	// ModeThreads runs tasks on a pool of worker goroutines
	ModeThreads = "threads"
)

// Storage kinds
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageBadger = "badger"
	StorageGCS    = "gcs"
)

// Config is the complete command configuration
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Chunks    ChunksConfig    `yaml:"chunks"`
	Storage   StorageConfig   `yaml:"storage"`
	Display   DisplayConfig   `yaml:"display"`
	Log       LogConfig       `yaml:"log"`
}

// SchedulerConfig selects how task graphs are executed
type SchedulerConfig struct {
	Mode    string `yaml:"mode"`    // sync or threads
	Workers int    `yaml:"workers"` // threads mode only; 0 uses every CPU
}

// ChunksConfig sets the chunking of arrays the command creates
type ChunksConfig struct {
	Default int `yaml:"default"` // block size along every dimension
}

// StorageConfig locates the zarr store
type StorageConfig struct {
	Kind       string `yaml:"kind"`       // memory, local, badger or gcs
	Path       string `yaml:"path"`       // directory for local and badger, object prefix for gcs
	Bucket     string `yaml:"bucket"`     // gcs only
	Compressor string `yaml:"compressor"` // none, gzip or zstd
}

// DisplayConfig controls printed summaries
type DisplayConfig struct {
	MaxItems int `yaml:"max_items"`
}

// LogConfig controls the command's structured log output
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Mode: ModeThreads},
		Chunks:    ChunksConfig{Default: 64},
		Storage:   StorageConfig{Kind: StorageLocal, Path: ".", Compressor: "gzip"},
		Display:   DisplayConfig{MaxItems: lazyarray.DefaultFormatOptions().MaxItems},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse reads YAML over the defaults and validates the result. Fields the
// document leaves out keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field
func (c *Config) Validate() error {
	switch c.Scheduler.Mode {
	case ModeSync, ModeThreads:
	default:
		return fmt.Errorf("scheduler.mode must be %q or %q, got %q", ModeSync, ModeThreads, c.Scheduler.Mode)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if c.Chunks.Default < 1 {
		return fmt.Errorf("chunks.default must be positive, got %d", c.Chunks.Default)
	}
	switch c.Storage.Kind {
	case StorageMemory:
	case StorageLocal, StorageBadger:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for %s storage", c.Storage.Kind)
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}
	if _, err := zarr.ParseCompressor(c.Storage.Compressor); err != nil {
		return fmt.Errorf("storage.compressor: %w", err)
	}
	if c.Display.MaxItems < 0 {
		return fmt.Errorf("display.max_items must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// YAML renders the configuration as a document Load accepts
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// LogLevel parses log.level
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Executor builds the graph executor the scheduler settings describe
func (c *Config) Executor(logger *slog.Logger, metrics *graph.Metrics) *graph.Executor {
	opts := []graph.Option{graph.WithLogger(logger)}
	if metrics != nil {
		opts = append(opts, graph.WithMetrics(metrics))
	}
	switch c.Scheduler.Mode {
	case ModeSync:
		opts = append(opts, graph.WithWorkers(1))
	default:
		opts = append(opts, graph.WithWorkers(c.Scheduler.Workers))
	}
	return graph.NewExecutor(opts...)
}

// Compressor is the codec new chunks are written with
func (c *Config) Compressor() *zarr.CompressionMeta {
	// validated on load
	comp, _ := zarr.ParseCompressor(c.Storage.Compressor)
	return comp
}

// FormatOptions are the summary options display settings describe
func (c *Config) FormatOptions() lazyarray.FormatOptions {
	opts := lazyarray.DefaultFormatOptions()
	opts.MaxItems = c.Display.MaxItems
	return opts
}

// OpenStore opens the configured store. The returned func releases whatever
// the store holds open and must be called when done.
func (c *Config) OpenStore(ctx context.Context, logger *slog.Logger) (zarr.Store, func() error, error) {
	nop := func() error { return nil }
	switch c.Storage.Kind {
	case StorageMemory:
		return zarr.NewMemoryStore(), nop, nil
	case StorageLocal:
		s, err := zarr.NewLocalStore(c.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nop, nil
	case StorageBadger:
		bs, err := zarr.OpenBadgerStore(zarr.BadgerOptions{Dir: c.Storage.Path, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	case StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		return zarr.NewGCSStore(client, c.Storage.Bucket, c.Storage.Path), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
}
