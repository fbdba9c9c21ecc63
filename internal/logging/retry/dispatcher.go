package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// Policy bounds the retries of one batch.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// PolicyFrom converts the retry section of a client config.
func PolicyFrom(cfg logging.RetryConfig) Policy {
	return Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
	}
}

// Backoff is the wait before retry number n (1-based): InitialDelay doubled
// n-1 times, capped at MaxDelay.
func Backoff(p Policy, n int) time.Duration {
	if n < 1 {
		return 0
	}
	delay := p.InitialDelay
	for i := 1; i < n; i++ {
		if delay >= p.MaxDelay || delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	return min(delay, p.MaxDelay)
}

// DropEvent describes a batch given up on after all retries failed.
type DropEvent struct {
	Entries  []logging.LogEntry
	Attempts int
	Err      error
}

// DropError is returned by Deliver when a batch was dropped.
type DropError struct {
	Entries  int
	Attempts int
	Err      error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("batch of %d entries dropped after %d attempts: %v", e.Entries, e.Attempts, e.Err)
}

func (e *DropError) Unwrap() []error {
	return []error{logging.ErrBatchDropped, e.Err}
}

// Observer receives delivery outcomes. NopObserver ignores them.
type Observer interface {
	Delivered(entries, attempts int)
	Retried()
	Dropped(event DropEvent)
}

type NopObserver struct{}

func (NopObserver) Delivered(int, int) {}
func (NopObserver) Retried()           {}
func (NopObserver) Dropped(DropEvent)  {}

type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// WithSleep replaces time.Sleep for backoff waits.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// Dispatcher delivers one batch at a time to a sink, retrying failures with
// capped exponential backoff. It never panics and never blocks producers:
// it only runs on the scheduler's dispatch goroutine.
type Dispatcher struct {
	sink     logging.Sink
	policy   Policy
	logger   zerolog.Logger
	observer Observer
	sleep    func(time.Duration)
}

func NewDispatcher(sink logging.Sink, policy Policy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		policy:   policy,
		logger:   zerolog.Nop(),
		observer: NopObserver{},
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver sends entries, retrying up to MaxRetries times after the first
// attempt. Attempts are strictly sequential. After the last failure the batch
// is dropped and a *DropError is returned.
func (d *Dispatcher) Deliver(entries []logging.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var err error
	attempts := 0
	for retry := 0; retry <= d.policy.MaxRetries; retry++ {
		if retry > 0 {
			delay := Backoff(d.policy, retry)
			d.logger.Debug().
				Err(err).
				Int("retry", retry).
				Int("max_retries", d.policy.MaxRetries).
				Dur("delay", delay).
				Msg("retrying batch delivery")
			d.observer.Retried()
			d.sleep(delay)
		}

		attempts++
		if err = d.send(entries); err == nil {
			d.logger.Debug().Int("entries", len(entries)).Int("attempts", attempts).Msg("batch delivered")
			d.observer.Delivered(len(entries), attempts)
			return nil
		}
	}

	event := DropEvent{Entries: entries, Attempts: attempts, Err: err}
	d.logger.Error().
		Err(err).
		Int("entries", len(entries)).
		Int("attempts", attempts).
		Msg("dropping batch after exhausting retries")
	d.observer.Dropped(event)

	return &DropError{Entries: len(entries), Attempts: attempts, Err: err}
}

func (d *Dispatcher) send(entries []logging.LogEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	return d.sink.SendBatch(entries)
}

// IsDropped reports whether err came from a dropped batch.
func IsDropped(err error) bool {
	return errors.Is(err, logging.ErrBatchDropped)
}
