package logging

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultInitialDelay  = 500 * time.Millisecond
	DefaultMaxDelay      = 10 * time.Second
)

// RetryConfig bounds how often and how slowly a failed batch is retried.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
}

// Config is copied into the client on construction and never changed after.
// A FlushInterval of zero disables the periodic flush.
type Config struct {
	Source        string        `mapstructure:"source" validate:"required"`
	Environment   string        `mapstructure:"environment" validate:"required"`
	Version       string        `mapstructure:"version"`
	MinLevel      Level         `mapstructure:"min_level" validate:"lte=3"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// Option adjusts a Config built by NewConfig.
type Option func(*Config)

// DefaultConfig returns a Config with every default applied and no
// source or environment.
func DefaultConfig() Config {
	return Config{
		MinLevel:      LevelDebug,
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
		Retry: RetryConfig{
			MaxRetries:   DefaultMaxRetries,
			InitialDelay: DefaultInitialDelay,
			MaxDelay:     DefaultMaxDelay,
		},
	}
}

// NewConfig builds a Config for source and environment on top of the defaults.
func NewConfig(source, environment string, opts ...Option) Config {
	cfg := DefaultConfig()
	cfg.Source = source
	cfg.Environment = environment
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithVersion(version string) Option {
	return func(c *Config) {
		c.Version = version
	}
}

func WithMinLevel(level Level) Option {
	return func(c *Config) {
		c.MinLevel = level
	}
}

func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.BatchSize = size
	}
}

// WithFlushInterval sets the timer period; zero disables the timer.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.FlushInterval = interval
	}
}

func WithRetry(maxRetries int, initialDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.Retry = RetryConfig{
			MaxRetries:   maxRetries,
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
		}
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
