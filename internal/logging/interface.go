package logging

import (
	"time"
)

// Fields is a structured payload attached to an entry.
type Fields map[string]any

// LogEntry is a finished log record. It is not modified after it is built.
type LogEntry struct {
	Level       Level          `json:"level"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	Source      string         `json:"source,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Version     string         `json:"version,omitempty"`
	ErrorName   string         `json:"errorName,omitempty"`
	ErrorStack  string         `json:"errorStack,omitempty"`
	FlowID      string         `json:"flowId,omitempty"`
	FlowName    string         `json:"flowName,omitempty"`
	StepIndex   *int           `json:"stepIndex,omitempty"`
}

// LogOptions are per-call overrides merged into an entry at build time.
type LogOptions struct {
	Tags      []string
	UserID    string
	SessionID string
	RequestID string
}

// Sink accepts a finished batch and attempts delivery. A non-nil error marks
// the attempt as failed and makes it eligible for retry.
type Sink interface {
	SendBatch(entries []LogEntry) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(entries []LogEntry) error

func (f SinkFunc) SendBatch(entries []LogEntry) error {
	return f(entries)
}
