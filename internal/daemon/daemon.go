package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Chichichkin/timberlogs/internal/client"
)

// FlowStarter opens a flow for every tailed file. *client.Client satisfies it.
type FlowStarter interface {
	Flow(name string) *client.Flow
}

type Config struct {
	LogRootPath        string        `mapstructure:"log_root_path" validate:"required"`
	ScanInterval       time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	MinWorkers         int           `mapstructure:"min_workers" validate:"gte=1"`
	MaxWorkers         int           `mapstructure:"max_workers" validate:"gtefield=MinWorkers"`
	FileQueueSize      int           `mapstructure:"file_queue_size" validate:"gte=1"`
	NodeName           string        `mapstructure:"node_name"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" validate:"gte=0,lte=1"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" validate:"gte=0,lte=1"`
	ScaleCheckInterval time.Duration `mapstructure:"scale_check_interval" validate:"gte=0"`
	ReportInterval     time.Duration `mapstructure:"report_interval" validate:"gte=0"`
	// If > 0, stop tailing a file after this period without new lines.
	FileIdleTimeout time.Duration `mapstructure:"file_idle_timeout" validate:"gte=0"`
	// ReadFromStart tails files from the beginning instead of the end.
	ReadFromStart bool `mapstructure:"read_from_start"`
	// Watch enables fsnotify discovery on top of the periodic scan.
	Watch bool `mapstructure:"watch"`
}

type Service struct {
	config  Config
	flows   FlowStarter
	logger  zerolog.Logger
	metrics *Metrics

	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	cron          *cron.Cron
	stopOnce      sync.Once

	scaleMutex     sync.Mutex
	currentWorkers int

	// seenMutex guards seenFiles and released. A path is in seenFiles while
	// it is queued or being tailed, and in released after its tail stopped.
	seenMutex sync.Mutex
	seenFiles map[string]struct{}
	released  map[string]*fileState
}

// fileState is where the tail of a file stopped. A re-queued file resumes
// from offset under the same flow.
type fileState struct {
	offset int64
	flow   *client.Flow
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService prepares the daemon; nothing runs until Start.
func NewService(ctx context.Context, config Config, flows FlowStarter, opts ...Option) *Service {
	nCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		config:    config,
		flows:     flows,
		logger:    zerolog.Nop(),
		metrics:   NewMetrics(config.FileQueueSize),
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		seenFiles: make(map[string]struct{}),
		released:  make(map[string]*fileState),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.workers = make([]*worker, config.MaxWorkers)
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return s
}

func (s *Service) Metrics() MetricsStamp {
	return s.metrics.Stamp()
}

// Start launches MinWorkers workers, the scanner, the optional fsnotify
// watcher and the cron jobs for scaling and metric reports.
func (s *Service) Start() error {
	s.logger.Info().
		Int("min_workers", s.config.MinWorkers).
		Int("max_workers", s.config.MaxWorkers).
		Int("queue_size", s.config.FileQueueSize).
		Str("root", s.config.LogRootPath).
		Msg("starting log daemon service")

	if s.config.ScaleCheckInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.config.ScaleCheckInterval), s.adjustWorkers); err != nil {
			return fmt.Errorf("failed to schedule worker scaling: %w", err)
		}
	}
	if s.config.ReportInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.config.ReportInterval), s.reportMetrics); err != nil {
			return fmt.Errorf("failed to schedule metrics report: %w", err)
		}
	}

	s.scaleMutex.Lock()
	for i := 0; i < s.config.MinWorkers; i++ {
		s.startWorker(i)
	}
	s.currentWorkers = s.config.MinWorkers
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(1)
	go s.scanner()

	if s.config.Watch {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn().Err(err).Msg("fsnotify unavailable, relying on periodic scan")
		}
	}

	s.cron.Start()
	s.logger.Info().Msg("log daemon service started")
	return nil
}

// Stop cancels every goroutine of the service and waits for them.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("stopping log daemon service")
		s.cancel()
		<-s.cron.Stop().Done()

		s.subServicesWg.Wait()
		s.workersWg.Wait()

		s.logger.Info().Interface("metrics", s.metrics.Stamp()).Msg("log daemon service stopped")
	})
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// startWorker must be called with scaleMutex held.
func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
	s.logger.Debug().Int("worker", id).Msg("worker started")
}

// stopWorker must be called with scaleMutex held.
func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.Debug().Int("worker", id).Msg("worker stopped")
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Int("worker", w.id).Interface("panic", r).Msg("worker panicked")
		}
	}()

	for {
		select {
		case filePath := <-s.fileQueue:
			s.metrics.DecQueuedFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()

		case <-w.ctx.Done():
			return
		}
	}
}

// processFile tails filePath until ctx ends or the file goes idle. Each line
// becomes one step of the file's flow, at the level sniffed from its text.
func (s *Service) processFile(ctx context.Context, filePath string) {
	state := s.resume(filePath)
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("file", filePath).Interface("panic", r).Msg("file processing panicked")
			s.metrics.IncFilesFailed()
		}
	}()
	// released before the file counts as processed
	defer func() { s.release(filePath, state) }()

	offset, err := s.startOffset(filePath, state)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", filePath).Msg("failed to stat file")
		s.metrics.IncFilesFailed()
		return
	}

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("file", filePath).Msg("failed to tail file")
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	if state.flow == nil {
		state.flow = s.flows.Flow("tail:" + filepath.Base(filePath))
	}
	state.offset = offset
	labels := s.extractLabels(filePath)

	checkEvery := time.Second
	if s.config.FileIdleTimeout > 0 && s.config.FileIdleTimeout < checkEvery {
		checkEvery = s.config.FileIdleTimeout
	}
	checkTicker := time.NewTicker(checkEvery)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn().Err(line.Err).Str("file", filePath).Msg("error reading line")
				continue
			}

			// tail strips only the trailing newline
			state.offset += int64(len(line.Text)) + 1
			state.flow.Log(SniffLevel(line.Text), line.Text, labels)
			s.metrics.IncLinesForwarded()
			lastActivity = time.Now()

		case <-checkTicker.C:
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug().Str("file", filePath).Int64("offset", state.offset).Msg("file idle, releasing worker")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// startOffset picks where tailing begins: the released offset when the file
// was tailed before, unless it has since been truncated; otherwise the start
// or the current end of the file depending on ReadFromStart.
func (s *Service) startOffset(filePath string, state *fileState) (int64, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}

	size := info.Size()
	switch {
	case state.flow != nil && state.offset <= size:
		return state.offset, nil
	case state.flow != nil:
		s.logger.Info().Str("file", filePath).Msg("file truncated, reading from start")
		return 0, nil
	case s.config.ReadFromStart:
		return 0, nil
	default:
		return size, nil
	}
}

func (s *Service) adjustWorkers() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.config.MinWorkers == s.config.MaxWorkers {
		return
	}

	stamp := s.metrics.Stamp()
	queueUsage := stamp.QueueUsage()
	workerUtilization := 0.0
	if s.currentWorkers > 0 {
		workerUtilization = float64(stamp.WorkersBusy) / float64(s.currentWorkers)
	}

	switch {
	case queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		s.currentWorkers < s.config.MaxWorkers:
		s.startWorker(s.currentWorkers)
		s.currentWorkers++
		s.metrics.IncScaleUpOperations()
		s.logger.Info().Int("workers", s.currentWorkers).Float64("queue_usage", queueUsage).Msg("scaled up")

	case queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		s.currentWorkers > s.config.MinWorkers:
		s.currentWorkers--
		s.stopWorker(s.currentWorkers)
		s.metrics.IncScaleDownOperations()
		s.logger.Info().Int("workers", s.currentWorkers).Float64("queue_usage", queueUsage).Msg("scaled down")
	}
}

func (s *Service) reportMetrics() {
	stamp := s.metrics.Stamp()
	s.logger.Info().
		Int64("workers_active", stamp.WorkersActive).
		Int("max_workers", s.config.MaxWorkers).
		Int64("workers_busy", stamp.WorkersBusy).
		Int64("queued_files", stamp.QueuedFiles).
		Int("queue_size", stamp.FilesQueueCapacity).
		Float64("queue_usage", stamp.QueueUsage()).
		Int64("files_processed", stamp.FilesProcessed).
		Int64("files_discovered", stamp.FilesDiscovered).
		Int64("files_failed", stamp.FilesFailed).
		Int64("lines_forwarded", stamp.LinesForwarded).
		Int64("scale_up", stamp.ScaleUpOperations).
		Int64("scale_down", stamp.ScaleDownOperations).
		Msg("daemon metrics")
}
