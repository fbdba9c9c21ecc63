package client

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/logging"
	"github.com/Chichichkin/timberlogs/internal/logging/batch"
	"github.com/Chichichkin/timberlogs/internal/logging/retry"
)

// DropEvent describes a batch that was given up on after every retry failed.
type DropEvent = retry.DropEvent

type Option func(*Client)

// WithLogger sets the logger used for the client's own diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithOnDrop registers a callback invoked once per dropped batch. It runs on
// the dispatch goroutine and must not call Flush or Close.
func WithOnDrop(fn func(DropEvent)) Option {
	return func(c *Client) {
		c.onDrop = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithSleep replaces time.Sleep for retry backoff.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// Client builds, filters and batches log entries and hands finished batches
// to a sink once connected. Leveled calls never block on delivery and never
// return delivery failures.
type Client struct {
	config logging.Config
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
	onDrop func(DropEvent)

	contextMu sync.RWMutex
	userID    string
	sessionID string

	buffer    *batch.Buffer
	scheduler *batch.Scheduler
	stats     *Stats
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Str("component", "timberlogs").
		Logger()
}

// New validates cfg and returns an unconnected client. Entries logged before
// Connect are buffered and flushed once a sink is attached.
func New(cfg logging.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		logger: defaultLogger(),
		now:    time.Now,
		sleep:  time.Sleep,
		stats:  &Stats{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.buffer = batch.NewBuffer(cfg.BatchSize)
	c.scheduler = batch.NewScheduler(c.buffer, batch.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, c.logger)

	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() logging.Config {
	return c.config
}

func (c *Client) Debug(message string, data any, opts ...logging.LogOptions) *Client {
	c.emit(logging.LevelDebug, message, data, opts)
	return c
}

func (c *Client) Info(message string, data any, opts ...logging.LogOptions) *Client {
	c.emit(logging.LevelInfo, message, data, opts)
	return c
}

func (c *Client) Warn(message string, data any, opts ...logging.LogOptions) *Client {
	c.emit(logging.LevelWarn, message, data, opts)
	return c
}

// Error logs at error level. An error passed as data is captured into
// ErrorName, ErrorStack and a {"message": ...} payload.
func (c *Client) Error(message string, data any, opts ...logging.LogOptions) *Client {
	c.emit(logging.LevelError, message, data, opts)
	return c
}

// Log submits a pre-built entry. It still goes through level filtering and
// buffering; empty source, environment, version and timestamp are filled in
// from the client. Caller-supplied user, session and request ids are kept.
// Data and Tags are copied, so the caller may reuse them afterwards.
func (c *Client) Log(entry logging.LogEntry) error {
	if !entry.Level.Valid() {
		return fmt.Errorf("%w: %d", logging.ErrInvalidLevel, entry.Level)
	}
	if !c.ShouldLog(entry.Level) {
		c.stats.filtered.Inc()
		return nil
	}

	if entry.Source == "" {
		entry.Source = c.config.Source
	}
	if entry.Environment == "" {
		entry.Environment = c.config.Environment
	}
	if entry.Version == "" {
		entry.Version = c.config.Version
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	entry.Data = maps.Clone(entry.Data)
	entry.Tags = slices.Clone(entry.Tags)
	return c.submit(entry)
}

// ShouldLog reports whether an entry at level passes the configured minimum.
func (c *Client) ShouldLog(level logging.Level) bool {
	return level.Valid() && logging.ShouldLog(level, c.config.MinLevel)
}

// SetUserID changes the user id stamped on entries built after this call.
func (c *Client) SetUserID(id string) *Client {
	c.contextMu.Lock()
	c.userID = id
	c.contextMu.Unlock()
	return c
}

// SetSessionID changes the session id stamped on entries built after this call.
func (c *Client) SetSessionID(id string) *Client {
	c.contextMu.Lock()
	c.sessionID = id
	c.contextMu.Unlock()
	return c
}

// Connect attaches sink and starts the flush timer and dispatch goroutine.
// A client can be connected once.
func (c *Client) Connect(sink logging.Sink) error {
	if sink == nil {
		return logging.ErrNilSink
	}

	dispatcher := retry.NewDispatcher(sink, retry.PolicyFrom(c.config.Retry),
		retry.WithLogger(c.logger),
		retry.WithObserver(&statsObserver{stats: c.stats, onDrop: c.onDrop}),
		retry.WithSleep(c.sleep),
	)
	if err := c.scheduler.Start(dispatcher); err != nil {
		return err
	}

	c.logger.Debug().
		Str("source", c.config.Source).
		Int("batch_size", c.config.BatchSize).
		Dur("flush_interval", c.config.FlushInterval).
		Msg("client connected")
	return nil
}

// Connected reports whether a sink has been attached.
func (c *Client) Connected() bool {
	return c.scheduler.Started()
}

// Flush delivers everything buffered so far and waits for it. The returned
// error is the delivery outcome of that batch; a dropped batch yields an error
// matching logging.ErrBatchDropped.
func (c *Client) Flush() error {
	return c.scheduler.Flush()
}

// Close performs a final flush and stops the timer and dispatch goroutine.
// Further logging calls are rejected. Closing an unconnected client discards
// whatever was buffered and reports it with ErrNotConnected.
func (c *Client) Close() error {
	err := c.scheduler.Stop()
	if c.scheduler.Started() {
		return err
	}

	discarded := c.buffer.Drain()
	if len(discarded) == 0 {
		return nil
	}
	c.stats.entriesDropped.Add(int64(len(discarded)))
	c.logger.Warn().Int("entries", len(discarded)).Msg("client closed before connect, buffered entries discarded")
	return fmt.Errorf("%w: discarded %d buffered entries", logging.ErrNotConnected, len(discarded))
}

// Stats returns a point-in-time copy of the client counters.
func (c *Client) Stats() Snapshot {
	snap := c.stats.snapshot()
	snap.Buffered = c.scheduler.Len()
	return snap
}

func (c *Client) scope() logging.Scope {
	c.contextMu.RLock()
	defer c.contextMu.RUnlock()

	return logging.Scope{
		Source:      c.config.Source,
		Environment: c.config.Environment,
		Version:     c.config.Version,
		UserID:      c.userID,
		SessionID:   c.sessionID,
	}
}

func (c *Client) emit(level logging.Level, message string, data any, opts []logging.LogOptions) {
	if !c.ShouldLog(level) {
		c.stats.filtered.Inc()
		return
	}
	entry := logging.Build(level, message, data, c.now(), c.scope(), opts...)
	_ = c.submit(entry)
}

func (c *Client) submit(entry logging.LogEntry) error {
	if err := c.scheduler.Add(entry); err != nil {
		c.stats.rejected.Inc()
		c.logger.Debug().Err(err).Str("message", entry.Message).Msg("log entry rejected")
		return err
	}
	c.stats.admitted.Inc()
	return nil
}
