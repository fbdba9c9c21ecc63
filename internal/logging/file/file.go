// Package file writes batches as newline-delimited JSON into a rotated file.
package file

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

type Config struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Sink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

func NewSink(cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, errors.New("file sink: path is required")
	}
	return &Sink{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}, nil
}

// SendBatch writes one JSON object per entry. A batch is written with a
// single write call so rotation never splits it.
func (s *Sink) SendBatch(entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry %q: %w", entry.Message, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

// Rotate forces the current file to be rotated.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Rotate()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
