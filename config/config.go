package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration struct. All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls.
	WorkerCount int           `yaml:"worker_count"` // default: runtime.NumCPU()
	QueueSize   int           `yaml:"queue_size"`   // max queued requests before backpressure; default: 256
	JobTimeout  time.Duration `yaml:"job_timeout"`

	Pool      PoolConfig      `yaml:"pool"`
	DiskCache DiskCacheConfig `yaml:"disk_cache"`
	Decode    DecodeConfig    `yaml:"decode"`
	Fetch     FetchConfig     `yaml:"fetch"`

	// Logging / metrics.
	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"
}

// PoolConfig configures the pixel buffer pool.
type PoolConfig struct {
	Disabled     bool  `yaml:"disabled"`
	MaxBytes     int64 `yaml:"max_bytes"`      // default 64 MiB
	MaxPerBucket int   `yaml:"max_per_bucket"` // default 4
}

// DiskCacheConfig configures the on-disk cache. An empty Dir disables it.
type DiskCacheConfig struct {
	Dir        string `yaml:"dir"`
	MaxBytes   int64  `yaml:"max_bytes"` // 0 = unbounded
	MaxEntries int    `yaml:"max_entries"`
	ReadOnly   bool   `yaml:"read_only"`
}

// DecodeConfig controls the decode engine.
type DecodeConfig struct {
	// MaxDimension caps the sampled width and height; 0 = no cap.
	MaxDimension int `yaml:"max_dimension"`
	// MaxImageBytes refuses larger sources; 0 = no limit.
	MaxImageBytes int64 `yaml:"max_image_bytes"`
	// UseVips routes decoding through libvips when built in.
	UseVips bool `yaml:"use_vips"`
}

// FetchConfig configures the network fetcher.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount: 0, // resolved at runtime to NumCPU
		QueueSize:   256,
		JobTimeout:  30 * time.Second,
		Pool: PoolConfig{
			MaxBytes:     64 << 20,
			MaxPerBucket: 4,
		},
		Decode: DecodeConfig{
			MaxDimension: 4096,
		},
		Fetch: FetchConfig{
			Timeout:   15 * time.Second,
			UserAgent: "imageloader/1",
		},
		LogLevel: "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.WorkerCount < 0 {
		return errors.New("config: WorkerCount must not be negative")
	}
	if c.QueueSize <= 0 {
		return errors.New("config: QueueSize must be positive")
	}
	if c.Pool.MaxBytes < 0 {
		return errors.New("config: Pool.MaxBytes must not be negative")
	}
	if c.Pool.MaxPerBucket < 0 {
		return errors.New("config: Pool.MaxPerBucket must not be negative")
	}
	if c.DiskCache.MaxBytes < 0 {
		return errors.New("config: DiskCache.MaxBytes must not be negative")
	}
	if c.DiskCache.ReadOnly && c.DiskCache.Dir == "" {
		return errors.New("config: DiskCache.ReadOnly requires DiskCache.Dir")
	}
	if c.Decode.MaxDimension < 0 {
		return errors.New("config: Decode.MaxDimension must not be negative")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	return nil
}

// Load reads a YAML file over Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
