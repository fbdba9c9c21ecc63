package daemon

import (
	"go.uber.org/atomic"
)

type Metrics struct {
	filesDiscovered     atomic.Int64
	filesProcessed      atomic.Int64
	filesFailed         atomic.Int64
	queuedFiles         atomic.Int64
	workersActive       atomic.Int64
	workersBusy         atomic.Int64
	scaleUpOperations   atomic.Int64
	scaleDownOperations atomic.Int64
	linesForwarded      atomic.Int64

	queueCapacity int
}

// MetricsStamp is a consistent-enough copy of Metrics for reporting.
type MetricsStamp struct {
	FilesDiscovered     int64
	FilesProcessed      int64
	FilesFailed         int64
	QueuedFiles         int64
	FilesQueueCapacity  int
	WorkersActive       int64
	WorkersBusy         int64
	ScaleUpOperations   int64
	ScaleDownOperations int64
	LinesForwarded      int64
}

func NewMetrics(queueCapacity int) *Metrics {
	return &Metrics{queueCapacity: queueCapacity}
}

func (m *Metrics) IncFilesDiscovered()     { m.filesDiscovered.Inc() }
func (m *Metrics) IncFilesProcessed()      { m.filesProcessed.Inc() }
func (m *Metrics) IncFilesFailed()         { m.filesFailed.Inc() }
func (m *Metrics) IncQueuedFiles()         { m.queuedFiles.Inc() }
func (m *Metrics) DecQueuedFiles()         { m.queuedFiles.Dec() }
func (m *Metrics) IncWorkersActive()       { m.workersActive.Inc() }
func (m *Metrics) DecWorkersActive()       { m.workersActive.Dec() }
func (m *Metrics) IncWorkersBusy()         { m.workersBusy.Inc() }
func (m *Metrics) DecWorkersBusy()         { m.workersBusy.Dec() }
func (m *Metrics) IncScaleUpOperations()   { m.scaleUpOperations.Inc() }
func (m *Metrics) IncScaleDownOperations() { m.scaleDownOperations.Inc() }
func (m *Metrics) IncLinesForwarded()      { m.linesForwarded.Inc() }

func (m *Metrics) Stamp() MetricsStamp {
	return MetricsStamp{
		FilesDiscovered:     m.filesDiscovered.Load(),
		FilesProcessed:      m.filesProcessed.Load(),
		FilesFailed:         m.filesFailed.Load(),
		QueuedFiles:         m.queuedFiles.Load(),
		FilesQueueCapacity:  m.queueCapacity,
		WorkersActive:       m.workersActive.Load(),
		WorkersBusy:         m.workersBusy.Load(),
		ScaleUpOperations:   m.scaleUpOperations.Load(),
		ScaleDownOperations: m.scaleDownOperations.Load(),
		LinesForwarded:      m.linesForwarded.Load(),
	}
}

// QueueUsage is the filled share of the file queue, 0 when it has no capacity.
func (s MetricsStamp) QueueUsage() float64 {
	if s.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.FilesQueueCapacity)
}
