// Package config loads the service configuration from a single YAML file,
// with ${VAR} environment interpolation and defaults for everything left
// unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the root configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Pool        PoolConfig        `yaml:"pool"`
	Render      RenderConfig      `yaml:"render"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Batch       BatchConfig       `yaml:"batch"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	API         APIConfig         `yaml:"api"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type PoolConfig struct {
	Size      int           `yaml:"size"`
	InboxSize int           `yaml:"inbox_size"`
	OrphanTTL time.Duration `yaml:"orphan_ttl"`
}

type RenderConfig struct {
	MaxDimension       int     `yaml:"max_dimension"`
	MinQualityScale    float64 `yaml:"min_quality_scale"`
	ScaleCacheCapacity int     `yaml:"scale_cache_capacity"`
}

type ProcessingConfig struct {
	PageSlots        int           `yaml:"page_slots"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	InitAttempts     int           `yaml:"init_attempts"`
	InitBackoffBase  time.Duration `yaml:"init_backoff_base"`
	RoundTripTimeout time.Duration `yaml:"round_trip_timeout"`
}

type BatchConfig struct {
	MaxPageRetries  int             `yaml:"max_page_retries"`
	PageBackoffBase time.Duration   `yaml:"page_backoff_base"`
	PageParallelism int             `yaml:"page_parallelism"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
}

type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"interval"`
	WarnAfter    time.Duration `yaml:"warn_after"`
	TimeoutAfter time.Duration `yaml:"timeout_after"`
	Ceiling      time.Duration `yaml:"ceiling"`
}

type CoordinatorConfig struct {
	// SweepMode is "delayed" or "immediate".
	SweepMode  string        `yaml:"sweep_mode"`
	SweepGrace time.Duration `yaml:"sweep_grace"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "gliderenderd",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Pool: PoolConfig{
			Size:      3,
			InboxSize: 8,
			OrphanTTL: 30 * time.Second,
		},
		Render: RenderConfig{
			MaxDimension:       4096,
			MinQualityScale:    0.5,
			ScaleCacheCapacity: 64,
		},
		Processing: ProcessingConfig{
			PageSlots:        3,
			CacheTTL:         60 * time.Second,
			InitAttempts:     3,
			InitBackoffBase:  500 * time.Millisecond,
			RoundTripTimeout: 30 * time.Second,
		},
		Batch: BatchConfig{
			MaxPageRetries:  3,
			PageBackoffBase: 500 * time.Millisecond,
			PageParallelism: 3,
			Heartbeat: HeartbeatConfig{
				Interval:     5 * time.Second,
				WarnAfter:    10 * time.Second,
				TimeoutAfter: 30 * time.Second,
				Ceiling:      5 * time.Minute,
			},
		},
		Coordinator: CoordinatorConfig{
			SweepMode:  "delayed",
			SweepGrace: 2 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8099",
		},
	}
}

// Load reads and parses configuration from a file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = defaults.Pool.Size
	}
	if cfg.Pool.InboxSize == 0 {
		cfg.Pool.InboxSize = defaults.Pool.InboxSize
	}
	if cfg.Pool.OrphanTTL == 0 {
		cfg.Pool.OrphanTTL = defaults.Pool.OrphanTTL
	}

	if cfg.Render.MaxDimension == 0 {
		cfg.Render.MaxDimension = defaults.Render.MaxDimension
	}
	if cfg.Render.MinQualityScale == 0 {
		cfg.Render.MinQualityScale = defaults.Render.MinQualityScale
	}
	if cfg.Render.ScaleCacheCapacity == 0 {
		cfg.Render.ScaleCacheCapacity = defaults.Render.ScaleCacheCapacity
	}

	if cfg.Processing.PageSlots == 0 {
		cfg.Processing.PageSlots = defaults.Processing.PageSlots
	}
	if cfg.Processing.CacheTTL == 0 {
		cfg.Processing.CacheTTL = defaults.Processing.CacheTTL
	}
	if cfg.Processing.InitAttempts == 0 {
		cfg.Processing.InitAttempts = defaults.Processing.InitAttempts
	}
	if cfg.Processing.InitBackoffBase == 0 {
		cfg.Processing.InitBackoffBase = defaults.Processing.InitBackoffBase
	}
	if cfg.Processing.RoundTripTimeout == 0 {
		cfg.Processing.RoundTripTimeout = defaults.Processing.RoundTripTimeout
	}

	if cfg.Batch.MaxPageRetries == 0 {
		cfg.Batch.MaxPageRetries = defaults.Batch.MaxPageRetries
	}
	if cfg.Batch.PageBackoffBase == 0 {
		cfg.Batch.PageBackoffBase = defaults.Batch.PageBackoffBase
	}
	if cfg.Batch.PageParallelism == 0 {
		cfg.Batch.PageParallelism = defaults.Batch.PageParallelism
	}
	if cfg.Batch.Heartbeat.Interval == 0 {
		cfg.Batch.Heartbeat.Interval = defaults.Batch.Heartbeat.Interval
	}
	if cfg.Batch.Heartbeat.WarnAfter == 0 {
		cfg.Batch.Heartbeat.WarnAfter = defaults.Batch.Heartbeat.WarnAfter
	}
	if cfg.Batch.Heartbeat.TimeoutAfter == 0 {
		cfg.Batch.Heartbeat.TimeoutAfter = defaults.Batch.Heartbeat.TimeoutAfter
	}
	if cfg.Batch.Heartbeat.Ceiling == 0 {
		cfg.Batch.Heartbeat.Ceiling = defaults.Batch.Heartbeat.Ceiling
	}

	if cfg.Coordinator.SweepMode == "" {
		cfg.Coordinator.SweepMode = defaults.Coordinator.SweepMode
	}
	if cfg.Coordinator.SweepGrace == 0 {
		cfg.Coordinator.SweepGrace = defaults.Coordinator.SweepGrace
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "text" && cfg.Service.LogFormat != "json" {
		return fmt.Errorf("service.log_format must be text or json (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive")
	}
	if cfg.Pool.OrphanTTL <= 0 {
		return fmt.Errorf("pool.orphan_ttl must be positive")
	}

	if cfg.Render.MaxDimension <= 0 {
		return fmt.Errorf("render.max_dimension must be positive")
	}
	if cfg.Render.MinQualityScale <= 0 || cfg.Render.MinQualityScale > 1 {
		return fmt.Errorf("render.min_quality_scale must be in (0, 1]")
	}

	if cfg.Processing.PageSlots <= 0 {
		return fmt.Errorf("processing.page_slots must be positive")
	}
	if cfg.Processing.InitAttempts <= 0 {
		return fmt.Errorf("processing.init_attempts must be positive")
	}

	if cfg.Batch.MaxPageRetries <= 0 {
		return fmt.Errorf("batch.max_page_retries must be positive")
	}
	hb := cfg.Batch.Heartbeat
	if hb.WarnAfter >= hb.TimeoutAfter {
		return fmt.Errorf("batch.heartbeat.warn_after must be below timeout_after")
	}
	if hb.TimeoutAfter >= hb.Ceiling {
		return fmt.Errorf("batch.heartbeat.timeout_after must be below ceiling")
	}

	if cfg.Coordinator.SweepMode != "delayed" && cfg.Coordinator.SweepMode != "immediate" {
		return fmt.Errorf("coordinator.sweep_mode must be delayed or immediate (got %q)", cfg.Coordinator.SweepMode)
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}

	// Unresolved ${VAR} placeholders in the listen address fail loud here
	// instead of at bind time.
	if envVarPattern.MatchString(cfg.API.Listen) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.Listen)
		return fmt.Errorf("api.listen: environment variable ${%s} is not set", matches[1])
	}

	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
