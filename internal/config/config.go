// Package config loads agent settings from an optional file and TIMBERLOGS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Chichichkin/timberlogs/internal/daemon"
	"github.com/Chichichkin/timberlogs/internal/logging"
	"github.com/Chichichkin/timberlogs/internal/logging/file"
)

const EnvPrefix = "TIMBERLOGS"

const (
	SinkLoki = "loki"
	SinkHTTP = "http"
	SinkFile = "file"
)

// Config is everything the agent needs: the client, its sink and the
// tail daemon.
type Config struct {
	Client   ClientConfig  `mapstructure:"client"`
	Sink     SinkConfig    `mapstructure:"sink"`
	Daemon   daemon.Config `mapstructure:"daemon"`
	LogLevel string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
}

// ClientConfig mirrors logging.Config with the level kept as text.
type ClientConfig struct {
	Source        string        `mapstructure:"source"`
	Environment   string        `mapstructure:"environment"`
	Version       string        `mapstructure:"version"`
	MinLevel      string        `mapstructure:"min_level"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type SinkConfig struct {
	Kind string      `mapstructure:"kind" validate:"oneof=loki http file"`
	Loki LokiConfig  `mapstructure:"loki"`
	HTTP HTTPConfig  `mapstructure:"http"`
	File file.Config `mapstructure:"file"`
}

type LokiConfig struct {
	URL        string            `mapstructure:"url"`
	Tenant     string            `mapstructure:"tenant"`
	Labels     map[string]string `mapstructure:"labels"`
	DataLabels []string          `mapstructure:"data_labels"`
}

type HTTPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	defaults := logging.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("client.source", "node-agent")
	v.SetDefault("client.environment", "production")
	v.SetDefault("client.version", "")
	v.SetDefault("client.min_level", defaults.MinLevel.String())
	v.SetDefault("client.batch_size", defaults.BatchSize)
	v.SetDefault("client.flush_interval", defaults.FlushInterval)
	v.SetDefault("client.retry.max_retries", defaults.Retry.MaxRetries)
	v.SetDefault("client.retry.initial_delay", defaults.Retry.InitialDelay)
	v.SetDefault("client.retry.max_delay", defaults.Retry.MaxDelay)

	v.SetDefault("sink.kind", SinkLoki)
	v.SetDefault("sink.loki.url", "http://loki:3100")
	v.SetDefault("sink.loki.tenant", "")
	v.SetDefault("sink.loki.labels", map[string]string{"job": "node-logger"})
	v.SetDefault("sink.loki.data_labels", []string{"namespace", "pod", "container"})
	v.SetDefault("sink.http.endpoint", "")
	v.SetDefault("sink.http.api_key", "")
	v.SetDefault("sink.file.path", "timberlogs.ndjson")
	v.SetDefault("sink.file.max_size_mb", 100)
	v.SetDefault("sink.file.max_backups", 5)
	v.SetDefault("sink.file.max_age_days", 7)
	v.SetDefault("sink.file.compress", false)

	v.SetDefault("daemon.log_root_path", "/var/log/pods")
	v.SetDefault("daemon.scan_interval", 30*time.Second)
	v.SetDefault("daemon.min_workers", 2)
	v.SetDefault("daemon.max_workers", 10)
	v.SetDefault("daemon.file_queue_size", 50)
	v.SetDefault("daemon.node_name", os.Getenv("NODE_NAME"))
	v.SetDefault("daemon.scale_up_threshold", 0.9)
	v.SetDefault("daemon.scale_down_threshold", 0.3)
	v.SetDefault("daemon.scale_check_interval", 15*time.Second)
	v.SetDefault("daemon.report_interval", 30*time.Second)
	v.SetDefault("daemon.file_idle_timeout", 5*time.Minute)
	v.SetDefault("daemon.read_from_start", false)
	v.SetDefault("daemon.watch", true)
}

// Load reads path (if not empty) on top of the defaults and then applies
// TIMBERLOGS_* environment overrides, e.g. TIMBERLOGS_CLIENT_BATCH_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the agent sections and the client section.
func (c *Config) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}

	switch c.Sink.Kind {
	case SinkLoki:
		if c.Sink.Loki.URL == "" {
			return errors.New("invalid agent config: sink.loki.url is required")
		}
	case SinkHTTP:
		if c.Sink.HTTP.Endpoint == "" {
			return errors.New("invalid agent config: sink.http.endpoint is required")
		}
	case SinkFile:
		if c.Sink.File.Path == "" {
			return errors.New("invalid agent config: sink.file.path is required")
		}
	}

	_, err := c.Client.Logging()
	return err
}

// Logging converts the client section into a validated logging.Config.
func (c ClientConfig) Logging() (logging.Config, error) {
	level, err := logging.ParseLevel(c.MinLevel)
	if err != nil {
		return logging.Config{}, fmt.Errorf("%w: client.min_level: %v", logging.ErrInvalidConfig, err)
	}

	cfg := logging.NewConfig(c.Source, c.Environment,
		logging.WithVersion(c.Version),
		logging.WithMinLevel(level),
		logging.WithBatchSize(c.BatchSize),
		logging.WithFlushInterval(c.FlushInterval),
		logging.WithRetry(c.Retry.MaxRetries, c.Retry.InitialDelay, c.Retry.MaxDelay),
	)
	if err := cfg.Validate(); err != nil {
		return logging.Config{}, err
	}
	return cfg, nil
}
