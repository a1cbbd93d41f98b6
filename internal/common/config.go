package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Watchdog    WatchdogConfig  `toml:"watchdog"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
	API         APIConfig       `toml:"api"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Type   string       `toml:"type" validate:"oneof=memory badger"` // Storage backend: "memory" or "badger"
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// WatchdogConfig controls the stale-job reclaim loop.
type WatchdogConfig struct {
	Enabled       bool   `toml:"enabled"`
	CheckInterval string `toml:"check_interval"` // e.g. "60s" - how often to scan for stale jobs
	JobTimeout    string `toml:"job_timeout"`    // e.g. "20m" - processing jobs older than this are reclaimed
}

// CheckIntervalDuration parses the check interval, falling back to 60s.
func (w WatchdogConfig) CheckIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(w.CheckInterval); err == nil && d > 0 {
		return d
	}
	return 60 * time.Second
}

// JobTimeoutDuration parses the job timeout, falling back to 20m.
func (w WatchdogConfig) JobTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(w.JobTimeout); err == nil && d > 0 {
		return d
	}
	return 20 * time.Minute
}

// SchedulerConfig holds cron-scheduled pipeline starts.
type SchedulerConfig struct {
	Enabled bool            `toml:"enabled"`
	Entries []ScheduleEntry `toml:"entries"`
}

// ScheduleEntry starts a registered pipeline on a cron schedule with a fixed
// input. Memoization applies as for any other start.
type ScheduleEntry struct {
	PipelineType string         `toml:"pipeline_type" validate:"required"`
	Schedule     string         `toml:"schedule" validate:"required"` // 5-field cron expression
	Input        map[string]any `toml:"input"`
	JobOptions   map[string]any `toml:"job_options"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"` // "debug", "info", "warn", "error"
	Output []string `toml:"output"`                                      // "stdout", "file"
}

// APIConfig holds HTTP adapter feature flags.
type APIConfig struct {
	EnableDebugEndpoints bool `toml:"enable_debug_endpoints"` // Expose action=job and action=pipeline
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in cursus.toml; technical parameters
// are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			CheckInterval: "60s",
			JobTimeout:    "20m",
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		API: APIConfig{
			EnableDebugEndpoints: false,
		},
	}
}

// LoadFromFiles loads configuration by layering: defaults -> file1 -> file2
// -> ... -> environment variables. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("CURSUS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CURSUS_HOST"); host != "" {
		config.Server.Host = host
	}
	if storageType := os.Getenv("CURSUS_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = strings.ToLower(storageType)
	}
	if path := os.Getenv("CURSUS_DATA_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if level := os.Getenv("CURSUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if debug := os.Getenv("CURSUS_DEBUG_ENDPOINTS"); debug != "" {
		config.API.EnableDebugEndpoints = debug == "true" || debug == "1"
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
