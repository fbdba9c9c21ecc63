package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig("test", "development")

	assert.Equal(t, "test", cfg.Source)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, LevelDebug, cfg.MinLevel)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	require.NoError(t, cfg.Validate())
}

func TestNewConfig_Custom(t *testing.T) {
	cfg := NewConfig("test", "production",
		WithBatchSize(20),
		WithFlushInterval(10*time.Second),
		WithMinLevel(LevelWarn),
		WithRetry(5, 2*time.Second, time.Minute),
		WithVersion("1.2.3"),
	)

	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, LevelWarn, cfg.MinLevel)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, "1.2.3", cfg.Version)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("zero flush interval disables timer", func(t *testing.T) {
		cfg := NewConfig("s", "e", WithFlushInterval(0))
		assert.NoError(t, cfg.Validate())
	})

	t.Run("zero retries allowed", func(t *testing.T) {
		cfg := NewConfig("s", "e", WithRetry(0, time.Millisecond, time.Millisecond))
		assert.NoError(t, cfg.Validate())
	})

	invalid := map[string]Config{
		"missing source":          NewConfig("", "e"),
		"missing environment":     NewConfig("s", ""),
		"zero batch size":         NewConfig("s", "e", WithBatchSize(0)),
		"negative interval":       NewConfig("s", "e", WithFlushInterval(-time.Second)),
		"negative retries":        NewConfig("s", "e", WithRetry(-1, time.Second, time.Second)),
		"zero initial delay":      NewConfig("s", "e", WithRetry(1, 0, time.Second)),
		"max delay below initial": NewConfig("s", "e", WithRetry(1, time.Second, time.Millisecond)),
		"unknown min level":       NewConfig("s", "e", WithMinLevel(Level(8))),
	}
	for name, cfg := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
