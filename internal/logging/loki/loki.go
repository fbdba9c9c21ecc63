package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

const pushPath = "/loki/api/v1/push"

// Sink pushes batches to Loki. It makes a single attempt per call; retries
// belong to the dispatcher.
type Sink struct {
	baseURL      string
	httpClient   *http.Client
	tenant       string
	staticLabels map[string]string
	dataLabels   []string
	logger       zerolog.Logger
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type Option func(*Sink)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Sink) {
		s.httpClient = client
	}
}

// WithTenant sets the X-Scope-OrgID header for multi-tenant Loki.
func WithTenant(tenant string) Option {
	return func(s *Sink) {
		s.tenant = tenant
	}
}

// WithLabels adds labels to every stream.
func WithLabels(labels map[string]string) Option {
	return func(s *Sink) {
		maps.Copy(s.staticLabels, labels)
	}
}

// WithDataLabels promotes the named string fields of entry data to stream
// labels, e.g. pod and container for tailed files.
func WithDataLabels(keys ...string) Option {
	return func(s *Sink) {
		s.dataLabels = append(s.dataLabels, keys...)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

func NewSink(baseURL string, opts ...Option) *Sink {
	s := &Sink{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		staticLabels: map[string]string{},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) SendBatch(entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	payload, err := s.createPayload(entries)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := s.sendRequest(body); err != nil {
		return err
	}

	s.logger.Debug().Int("entries", len(entries)).Int("streams", len(payload.Streams)).Msg("pushed batch to loki")
	return nil
}

// createPayload groups entries into streams by label set, keeping streams in
// order of first appearance and entries in batch order within a stream.
func (s *Sink) createPayload(entries []logging.LogEntry) (Payload, error) {
	index := make(map[string]int)
	payload := Payload{}

	for _, entry := range entries {
		labels := s.createLabels(entry)
		key := streamKey(labels)

		i, exists := index[key]
		if !exists {
			i = len(payload.Streams)
			index[key] = i
			payload.Streams = append(payload.Streams, Stream{Stream: labels})
		}

		line, err := json.Marshal(entry)
		if err != nil {
			return Payload{}, fmt.Errorf("failed to encode entry %q: %w", entry.Message, err)
		}
		timestamp := strconv.FormatInt(entry.Timestamp.UnixNano(), 10)
		payload.Streams[i].Values = append(payload.Streams[i].Values, [2]string{timestamp, string(line)})
	}

	return payload, nil
}

func (s *Sink) createLabels(entry logging.LogEntry) map[string]string {
	labels := maps.Clone(s.staticLabels)
	for _, key := range s.dataLabels {
		if v, ok := entry.Data[key].(string); ok && v != "" {
			labels[key] = v
		}
	}

	labels["source"] = entry.Source
	labels["environment"] = entry.Environment
	labels["level"] = entry.Level.String()
	if entry.FlowName != "" {
		labels["flow"] = entry.FlowName
	}
	return labels
}

func streamKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func (s *Sink) sendRequest(body []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.tenant != "" {
		req.Header.Set("X-Scope-OrgID", s.tenant)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	return nil
}
