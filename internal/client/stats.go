package client

import (
	"go.uber.org/atomic"
)

// Stats holds the client counters. All fields are updated atomically.
type Stats struct {
	admitted         atomic.Int64
	filtered         atomic.Int64
	rejected         atomic.Int64
	batchesDelivered atomic.Int64
	entriesDelivered atomic.Int64
	retries          atomic.Int64
	batchesDropped   atomic.Int64
	entriesDropped   atomic.Int64
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	Admitted         int64
	Filtered         int64
	Rejected         int64
	BatchesDelivered int64
	EntriesDelivered int64
	Retries          int64
	BatchesDropped   int64
	EntriesDropped   int64
	Buffered         int
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Admitted:         s.admitted.Load(),
		Filtered:         s.filtered.Load(),
		Rejected:         s.rejected.Load(),
		BatchesDelivered: s.batchesDelivered.Load(),
		EntriesDelivered: s.entriesDelivered.Load(),
		Retries:          s.retries.Load(),
		BatchesDropped:   s.batchesDropped.Load(),
		EntriesDropped:   s.entriesDropped.Load(),
	}
}

// statsObserver feeds dispatcher outcomes into Stats and the drop callback.
type statsObserver struct {
	stats  *Stats
	onDrop func(DropEvent)
}

func (o *statsObserver) Delivered(entries, _ int) {
	o.stats.batchesDelivered.Inc()
	o.stats.entriesDelivered.Add(int64(entries))
}

func (o *statsObserver) Retried() {
	o.stats.retries.Inc()
}

func (o *statsObserver) Dropped(event DropEvent) {
	o.stats.batchesDropped.Inc()
	o.stats.entriesDropped.Add(int64(len(event.Entries)))
	if o.onDrop != nil {
		o.onDrop(event)
	}
}
