package client

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// Flow groups related entries under one flow id. Every admitted call gets the
// next step index starting at 0; filtered calls do not use up a step.
type Flow struct {
	client *Client
	id     string
	name   string

	mu    sync.Mutex
	steps int
}

// Flow starts a new flow. Its id is name followed by a random suffix.
func (c *Client) Flow(name string) *Flow {
	return &Flow{
		client: c,
		id:     name + "-" + uuid.NewString(),
		name:   name,
	}
}

func (f *Flow) ID() string   { return f.id }
func (f *Flow) Name() string { return f.name }

// Steps is the number of steps admitted so far.
func (f *Flow) Steps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func (f *Flow) Debug(message string, data any, opts ...logging.LogOptions) *Flow {
	f.emit(logging.LevelDebug, message, data, opts)
	return f
}

func (f *Flow) Info(message string, data any, opts ...logging.LogOptions) *Flow {
	f.emit(logging.LevelInfo, message, data, opts)
	return f
}

func (f *Flow) Warn(message string, data any, opts ...logging.LogOptions) *Flow {
	f.emit(logging.LevelWarn, message, data, opts)
	return f
}

func (f *Flow) Error(message string, data any, opts ...logging.LogOptions) *Flow {
	f.emit(logging.LevelError, message, data, opts)
	return f
}

// emit holds the flow lock across step assignment and submission so step
// order matches buffer order.
func (f *Flow) emit(level logging.Level, message string, data any, opts []logging.LogOptions) {
	c := f.client
	if !c.ShouldLog(level) {
		c.stats.filtered.Inc()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	step := f.steps
	scope := c.scope()
	scope.FlowID = f.id
	scope.FlowName = f.name
	scope.StepIndex = &step

	entry := logging.Build(level, message, data, c.now(), scope, opts...)
	if err := c.submit(entry); err == nil {
		f.steps++
	}
}

// Log emits at a level chosen at run time. An invalid level is rejected and
// does not use up a step.
func (f *Flow) Log(level logging.Level, message string, data any, opts ...logging.LogOptions) *Flow {
	if !level.Valid() {
		f.client.stats.rejected.Inc()
		return f
	}
	f.emit(level, message, data, opts)
	return f
}
