package logging

import (
	"maps"
	"time"
)

// Scope is the context stamped onto an entry at build time.
type Scope struct {
	Source      string
	Environment string
	Version     string
	UserID      string
	SessionID   string

	// Flow attachment, set only for entries built through a flow.
	FlowID    string
	FlowName  string
	StepIndex *int
}

// Build assembles a LogEntry from the raw arguments of a logging call.
// The data argument is resolved once: errors become ErrorName/ErrorStack
// with {"message": ...} as data, maps pass through, anything else is wrapped
// as {"value": ...}.
func Build(level Level, message string, data any, at time.Time, scope Scope, opts ...LogOptions) LogEntry {
	entry := LogEntry{
		Level:       level,
		Message:     message,
		Timestamp:   at,
		UserID:      scope.UserID,
		SessionID:   scope.SessionID,
		Source:      scope.Source,
		Environment: scope.Environment,
		Version:     scope.Version,
		FlowID:      scope.FlowID,
		FlowName:    scope.FlowName,
	}
	if scope.StepIndex != nil {
		step := *scope.StepIndex
		entry.StepIndex = &step
	}

	switch p := ResolvePayload(data).(type) {
	case StructuredData:
		entry.Data = maps.Clone(map[string]any(p))
	case CapturedError:
		entry.ErrorName = p.Name
		entry.ErrorStack = p.Stack
		entry.Data = map[string]any{"message": p.Message}
	}

	for _, opt := range opts {
		entry.Tags = append(entry.Tags, opt.Tags...)
		if opt.UserID != "" {
			entry.UserID = opt.UserID
		}
		if opt.SessionID != "" {
			entry.SessionID = opt.SessionID
		}
		if opt.RequestID != "" {
			entry.RequestID = opt.RequestID
		}
	}

	return entry
}
