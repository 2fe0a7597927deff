// Package config loads the engine settings: defaults, then an optional YAML
// file, then an optional .env file, then FOLDERINDEX_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FOLDERINDEX_"

// DefaultDBPath is the default location for the index database
const DefaultDBPath = "~/.folderindex/index.db"

// Duration is a time.Duration that supports YAML parsing.
//
// Supports formats like: "1s", "5m", "100ms", "1h30m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var ns int64
		if err := unmarshal(&ns); err != nil {
			return fmt.Errorf("duration must be a string (e.g., '1s') or integer (nanoseconds)")
		}
		*d = Duration(ns)
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		// bare integers arrive as strings too
		if ns, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
			*d = Duration(ns)
			return nil
		}
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Settings holds every tunable of the engine
type Settings struct {
	// Worker pool
	Workers                int      `yaml:"workers"`
	MemoryThresholdPercent float64  `yaml:"memory_threshold_percent"`
	MemoryLimitBytes       int64    `yaml:"memory_limit_bytes"`
	BackpressureDelay      Duration `yaml:"backpressure_delay"`

	// Persistence
	MaxRetries           int      `yaml:"max_retries"`
	RetryBaseDelay       Duration `yaml:"retry_base_delay"`
	SmallFolderThreshold int      `yaml:"small_folder_threshold"`
	SmallFolderBatchSize int      `yaml:"small_folder_batch_size"`
	MinBatchSize         int      `yaml:"min_batch_size"`
	MaxBatchSize         int      `yaml:"max_batch_size"`
	BatchScaleDivisor    int      `yaml:"batch_scale_divisor"`
	VerifyWrites         bool     `yaml:"verify_writes"`

	// Exclusions
	MaxFileSize     int64    `yaml:"max_file_size"`
	Extensions      []string `yaml:"extensions"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	IncludeHidden   bool     `yaml:"include_hidden"`

	// Watching
	WatchMaxDepth int      `yaml:"watch_max_depth"`
	FlushInterval Duration `yaml:"flush_interval"`
	EventBuffer   int      `yaml:"event_buffer"`

	// Orchestration and host
	FolderConcurrency int    `yaml:"folder_concurrency"`
	DBPath            string `yaml:"db_path"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	MetricsAddr       string `yaml:"metrics_addr"`
}

// Default returns the built-in settings
func Default() Settings {
	return Settings{
		Workers:                runtime.NumCPU(),
		MemoryThresholdPercent: 85,
		MemoryLimitBytes:       0,
		BackpressureDelay:      Duration(200 * time.Millisecond),

		MaxRetries:           3,
		RetryBaseDelay:       Duration(500 * time.Millisecond),
		SmallFolderThreshold: 100,
		SmallFolderBatchSize: 10,
		MinBatchSize:         50,
		MaxBatchSize:         500,
		BatchScaleDivisor:    20,
		VerifyWrites:         false,

		MaxFileSize:     10 * 1024 * 1024,
		Extensions:      nil,
		ExcludePatterns: []string{"**/node_modules/**", "**/.git/**", "*.tmp", "*.swp"},
		IncludeHidden:   false,

		WatchMaxDepth: 10,
		FlushInterval: Duration(5 * time.Second),
		EventBuffer:   1024,

		FolderConcurrency: 2,
		DBPath:            DefaultDBPath,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds Settings from defaults, the YAML file at path (if non-empty),
// a .env file in the working directory (if present) and the environment.
func Load(path string) (Settings, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (s *Settings) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	integer("WORKERS", &s.Workers)
	float("MEMORY_THRESHOLD_PERCENT", &s.MemoryThresholdPercent)
	int64v("MEMORY_LIMIT_BYTES", &s.MemoryLimitBytes)
	duration("BACKPRESSURE_DELAY", &s.BackpressureDelay)
	integer("MAX_RETRIES", &s.MaxRetries)
	duration("RETRY_BASE_DELAY", &s.RetryBaseDelay)
	integer("SMALL_FOLDER_THRESHOLD", &s.SmallFolderThreshold)
	integer("SMALL_FOLDER_BATCH_SIZE", &s.SmallFolderBatchSize)
	integer("MIN_BATCH_SIZE", &s.MinBatchSize)
	integer("MAX_BATCH_SIZE", &s.MaxBatchSize)
	integer("BATCH_SCALE_DIVISOR", &s.BatchScaleDivisor)
	boolean("VERIFY_WRITES", &s.VerifyWrites)
	int64v("MAX_FILE_SIZE", &s.MaxFileSize)
	list("EXTENSIONS", &s.Extensions)
	list("EXCLUDE_PATTERNS", &s.ExcludePatterns)
	boolean("INCLUDE_HIDDEN", &s.IncludeHidden)
	integer("WATCH_MAX_DEPTH", &s.WatchMaxDepth)
	duration("FLUSH_INTERVAL", &s.FlushInterval)
	integer("EVENT_BUFFER", &s.EventBuffer)
	integer("FOLDER_CONCURRENCY", &s.FolderConcurrency)
	str("DB_PATH", &s.DBPath)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	str("METRICS_ADDR", &s.MetricsAddr)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects inconsistent settings
func (s Settings) Validate() error {
	var errs []error
	if s.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if s.MemoryThresholdPercent <= 0 || s.MemoryThresholdPercent > 100 {
		errs = append(errs, errors.New("memory_threshold_percent must be in (0, 100]"))
	}
	if s.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}
	if s.RetryBaseDelay < 0 || s.BackpressureDelay < 0 {
		errs = append(errs, errors.New("delays cannot be negative"))
	}
	if s.SmallFolderBatchSize < 1 || s.MinBatchSize < 1 {
		errs = append(errs, errors.New("batch sizes must be at least 1"))
	}
	if s.MaxBatchSize < s.MinBatchSize {
		errs = append(errs, errors.New("max_batch_size must be >= min_batch_size"))
	}
	if s.BatchScaleDivisor < 1 {
		errs = append(errs, errors.New("batch_scale_divisor must be at least 1"))
	}
	if s.MaxFileSize < 0 {
		errs = append(errs, errors.New("max_file_size cannot be negative"))
	}
	if s.WatchMaxDepth < 0 {
		errs = append(errs, errors.New("watch_max_depth cannot be negative"))
	}
	if s.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if s.FolderConcurrency < 1 {
		errs = append(errs, errors.New("folder_concurrency must be at least 1"))
	}
	switch s.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", s.LogFormat))
	}
	return errors.Join(errs...)
}

// ResolveDBPath expands a leading ~ and creates the parent directory.
// ":memory:" is returned unchanged.
func (s Settings) ResolveDBPath() (string, error) {
	p := s.DBPath
	if p == "" {
		p = DefaultDBPath
	}
	if p == ":memory:" {
		return p, nil
	}
	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return p, nil
}
