package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// Deliverer hands one drained batch to the outside world.
type Deliverer interface {
	Deliver(entries []logging.LogEntry) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

type request struct {
	entries []logging.LogEntry
	done    chan error
}

// Scheduler decides when the buffer is drained. Drained batches go into an
// ordered queue consumed by a single dispatch goroutine, so batches are
// delivered one at a time and in drain order.
type Scheduler struct {
	buffer    *Buffer
	config    Config
	logger    zerolog.Logger
	deliverer Deliverer

	// state guards started/stopped; Add holds it shared so Stop cannot
	// slip between an admission check and its append.
	state   sync.RWMutex
	started bool
	stopped bool

	// queueMutex orders drain+enqueue.
	queueMutex sync.Mutex
	queue      []request
	wake       chan struct{}

	ctx     context.Context
	stopCtx context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(buffer *Buffer, config Config, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		buffer:  buffer,
		config:  config,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		stopCtx: cancel,
	}
}

// Add buffers entry and, once started, drains the buffer as soon as it holds
// BatchSize entries. It never waits on delivery.
func (s *Scheduler) Add(entry logging.LogEntry) error {
	s.state.RLock()
	if s.stopped {
		s.state.RUnlock()
		return logging.ErrClosed
	}
	n := s.buffer.Append(entry)
	full := s.started && n >= s.config.BatchSize
	s.state.RUnlock()

	if full {
		s.trigger(nil)
	}
	return nil
}

// Start attaches the deliverer and launches the dispatch goroutine and, when
// FlushInterval > 0, the timer. A backlog that already reached BatchSize is
// queued right away in BatchSize chunks.
func (s *Scheduler) Start(deliverer Deliverer) error {
	s.state.Lock()
	defer s.state.Unlock()

	if s.stopped {
		return logging.ErrClosed
	}
	if s.started {
		return logging.ErrAlreadyConnected
	}

	s.deliverer = deliverer
	s.started = true

	s.wg.Add(1)
	go s.processBatches()

	if s.config.FlushInterval > 0 {
		s.wg.Add(1)
		go s.batchTimer()
	}

	if s.buffer.Len() >= s.config.BatchSize {
		s.enqueueBacklog()
	}
	return nil
}

// Flush drains the buffer and waits until that batch, and every batch queued
// before it, has been handled. It returns the delivery error of its own batch.
// With nothing buffered it only waits and no sink is invoked.
func (s *Scheduler) Flush() error {
	s.state.RLock()
	if s.stopped {
		s.state.RUnlock()
		return logging.ErrClosed
	}
	if !s.started {
		s.state.RUnlock()
		return logging.ErrNotConnected
	}
	done := make(chan error, 1)
	s.trigger(done)
	s.state.RUnlock()

	return <-done
}

// Stop runs one last flush and then stops the timer and dispatch goroutine.
// No tick fires after Stop returns. Calling Stop again is a no-op.
// If the scheduler was never started the buffer is left untouched.
func (s *Scheduler) Stop() error {
	s.state.Lock()
	if s.stopped {
		s.state.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.state.Unlock()

	if !started {
		s.stopCtx()
		return nil
	}

	done := make(chan error, 1)
	s.trigger(done)
	err := <-done

	s.stopCtx()
	s.wg.Wait()
	return err
}

// Started reports whether Start succeeded.
func (s *Scheduler) Started() bool {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.started
}

// Len is the number of entries waiting in the buffer.
func (s *Scheduler) Len() int {
	return s.buffer.Len()
}

// Pending is the number of drained batches not yet handed to the deliverer.
func (s *Scheduler) Pending() int {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	return len(s.queue)
}

func (s *Scheduler) trigger(done chan error) {
	s.queueMutex.Lock()
	entries := s.buffer.Drain()
	if len(entries) == 0 && done == nil {
		s.queueMutex.Unlock()
		return
	}
	s.queue = append(s.queue, request{entries: entries, done: done})
	s.queueMutex.Unlock()

	s.signal()
}

func (s *Scheduler) enqueueBacklog() {
	s.queueMutex.Lock()
	backlog := s.buffer.Drain()
	for len(backlog) > 0 {
		n := min(s.config.BatchSize, len(backlog))
		s.queue = append(s.queue, request{entries: backlog[:n:n]})
		backlog = backlog[n:]
	}
	s.queueMutex.Unlock()

	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) batchTimer() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trigger(nil)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processBatches() {
	defer s.wg.Done()

	for {
		select {
		case <-s.wake:
			s.dispatchQueued()
		case <-s.ctx.Done():
			s.dispatchQueued()
			return
		}
	}
}

func (s *Scheduler) dispatchQueued() {
	for {
		s.queueMutex.Lock()
		pending := s.queue
		s.queue = nil
		s.queueMutex.Unlock()

		if len(pending) == 0 {
			return
		}

		for _, req := range pending {
			var err error
			if len(req.entries) > 0 {
				err = s.deliver(req.entries)
			}
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

func (s *Scheduler) deliver(entries []logging.LogEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panicked: %v", r)
			s.logger.Error().Int("entries", len(entries)).Interface("panic", r).Msg("batch delivery panicked")
		}
	}()

	s.logger.Debug().Int("entries", len(entries)).Msg("dispatching batch")
	return s.deliverer.Deliver(entries)
}
