// Package httpsink posts batches to a Timberlogs-style ingest endpoint.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

type request struct {
	Logs []logging.LogEntry `json:"logs"`
}

type Sink struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger
}

type Option func(*Sink)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Sink) {
		s.httpClient = client
	}
}

func WithUserAgent(ua string) Option {
	return func(s *Sink) {
		s.userAgent = ua
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// New returns a sink posting to endpoint with apiKey in the X-API-Key header.
func New(endpoint, apiKey string, opts ...Option) (*Sink, error) {
	if endpoint == "" {
		return nil, errors.New("http sink: endpoint is required")
	}
	s := &Sink{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: "timberlogs-go",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sink) SendBatch(entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	body, err := json.Marshal(request{Logs: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned status %d: %s", resp.StatusCode, string(excerpt))
	}

	s.logger.Debug().Int("entries", len(entries)).Msg("posted batch to ingest")
	return nil
}
