// Package config holds the application configuration, loaded from an
// optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Scanner  ScannerConfig  `yaml:"scanner" json:"scanner"`
	Events   EventsConfig   `yaml:"events" json:"events"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"CRESCENDO_HOST"`
	Port         int           `yaml:"port" json:"port" env:"CRESCENDO_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"CRESCENDO_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"CRESCENDO_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"CRESCENDO_ENABLE_CORS"`
}

// DatabaseConfig selects and tunes the backing database
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"CRESCENDO_DATABASE_PATH"`
	Host         string `yaml:"host" json:"host" env:"POSTGRES_HOST"`
	Port         int    `yaml:"port" json:"port" env:"POSTGRES_PORT"`
	Username     string `yaml:"username" json:"username" env:"POSTGRES_USER"`
	Password     string `yaml:"password" json:"password" env:"POSTGRES_PASSWORD"`
	Database     string `yaml:"database" json:"database" env:"POSTGRES_DB"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES"`
}

// ScannerConfig holds scan orchestration configuration
type ScannerConfig struct {
	BatchSize          int           `yaml:"batch_size" json:"batch_size" env:"CRESCENDO_BATCH_SIZE"`
	LibraryScanWorkers int           `yaml:"library_scan_workers" json:"library_scan_workers" env:"CRESCENDO_LIBRARY_SCAN_WORKERS"`
	BatchWorkers       int           `yaml:"batch_workers" json:"batch_workers" env:"CRESCENDO_BATCH_WORKERS"`
	MinBatchWorkers    int           `yaml:"min_batch_workers" json:"min_batch_workers" env:"CRESCENDO_MIN_BATCH_WORKERS"`
	MaxBatchWorkers    int           `yaml:"max_batch_workers" json:"max_batch_workers" env:"CRESCENDO_MAX_BATCH_WORKERS"`
	BatchAttempts      int           `yaml:"batch_attempts" json:"batch_attempts" env:"CRESCENDO_BATCH_ATTEMPTS"`
	BatchBackoff       time.Duration `yaml:"batch_backoff" json:"batch_backoff" env:"CRESCENDO_BATCH_BACKOFF"`
	AdaptiveScaling    bool          `yaml:"adaptive_scaling" json:"adaptive_scaling" env:"CRESCENDO_ADAPTIVE_SCALING"`
	WatchLibraries     bool          `yaml:"watch_libraries" json:"watch_libraries" env:"CRESCENDO_WATCH_LIBRARIES"`
	WatchDebounce      time.Duration `yaml:"watch_debounce" json:"watch_debounce" env:"CRESCENDO_WATCH_DEBOUNCE"`
	MaxFileSize        int64         `yaml:"max_file_size" json:"max_file_size" env:"CRESCENDO_MAX_FILE_SIZE"`
}

// EventsConfig tunes the session event bus
type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" json:"subscriber_buffer" env:"CRESCENDO_EVENT_BUFFER"`
	StateCacheTTL    time.Duration `yaml:"state_cache_ttl" json:"state_cache_ttl" env:"CRESCENDO_STATE_CACHE_TTL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" env:"CRESCENDO_LOG_LEVEL"`
}

var (
	mu     sync.RWMutex
	global = DefaultConfig()
)

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// No write timeout: progress streams hold connections open.
			WriteTimeout: 0,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			DatabasePath: "./data/crescendo.db",
			Host:         "localhost",
			Port:         5432,
			Username:     "crescendo",
			Database:     "crescendo",
		},
		Scanner: ScannerConfig{
			BatchSize:          5,
			LibraryScanWorkers: 1,
			BatchWorkers:       4,
			MinBatchWorkers:    2,
			MaxBatchWorkers:    8,
			BatchAttempts:      3,
			BatchBackoff:       500 * time.Millisecond,
			AdaptiveScaling:    true,
			WatchLibraries:     false,
			WatchDebounce:      5 * time.Second,
			MaxFileSize:        10 * 1024 * 1024 * 1024,
		},
		Events: EventsConfig{
			SubscriberBuffer: 64,
			StateCacheTTL:    24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file (if present) and applies environment
// overrides on top of the defaults.
func Load(path string) error {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return err
	}

	mu.Lock()
	global = cfg
	mu.Unlock()
	return nil
}

// Get returns the active configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetForTest replaces the active configuration. Tests only.
func SetForTest(cfg *Config) {
	mu.Lock()
	global = cfg
	mu.Unlock()
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		envName := t.Field(i).Tag.Get("env")
		if envName == "" {
			continue
		}
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envName, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Scanner.BatchSize < 1 {
		return fmt.Errorf("scanner.batch_size must be at least 1, got %d", cfg.Scanner.BatchSize)
	}
	if cfg.Scanner.BatchAttempts < 1 {
		return fmt.Errorf("scanner.batch_attempts must be at least 1, got %d", cfg.Scanner.BatchAttempts)
	}
	if cfg.Scanner.MinBatchWorkers > cfg.Scanner.MaxBatchWorkers {
		return fmt.Errorf("scanner.min_batch_workers (%d) exceeds max_batch_workers (%d)",
			cfg.Scanner.MinBatchWorkers, cfg.Scanner.MaxBatchWorkers)
	}
	dbType := strings.ToLower(cfg.Database.Type)
	if dbType != "sqlite" && dbType != "postgres" {
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	return nil
}
