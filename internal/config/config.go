// Package config loads rescache settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/IvanBrykalov/rescache/internal/logging"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into Config.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned when a parsed value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds the settings shared by the rescache commands.
// Command-line flags override these values.
type Config struct {
	Limit       int    `env:"RESCACHE_LIMIT" envDefault:"500"`
	Development bool   `env:"RESCACHE_DEVELOPMENT" envDefault:"false"`
	LogFormat   string `env:"RESCACHE_LOG_FORMAT" envDefault:"text"`
	LogLevel    string `env:"RESCACHE_LOG_LEVEL" envDefault:"info"`

	// MetricsAddr is where /metrics is served; empty disables the listener.
	MetricsAddr string `env:"RESCACHE_METRICS_ADDR" envDefault:":9090"`

	LoadConcurrency int64         `env:"RESCACHE_LOAD_CONCURRENCY" envDefault:"64"`
	LoadLatency     time.Duration `env:"RESCACHE_LOAD_LATENCY" envDefault:"2ms"`
}

var dotenv sync.Once

// Load reads .env (if present) once per process, then parses the environment.
func Load() (Config, error) {
	dotenv.Do(func() {
		// Ignore errors - the .env file might not exist and that's ok
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Limit < 1 {
		errs = append(errs, fmt.Errorf("%w: RESCACHE_LIMIT must be positive, got %d", ErrInvalidConfig, c.Limit))
	}
	if c.LoadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: RESCACHE_LOAD_CONCURRENCY must be positive, got %d", ErrInvalidConfig, c.LoadConcurrency))
	}
	if c.LoadLatency < 0 {
		errs = append(errs, fmt.Errorf("%w: RESCACHE_LOAD_LATENCY must not be negative", ErrInvalidConfig))
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// LoggingOptions translates the log settings. Call Validate first.
func (c Config) LoggingOptions() []logging.Option {
	if c.Development {
		return []logging.Option{logging.WithDevelopment()}
	}
	format, _ := logging.ParseFormat(c.LogFormat)
	level, _ := logging.ParseLevel(c.LogLevel)
	return []logging.Option{logging.WithFormat(format), logging.WithLevel(level)}
}
