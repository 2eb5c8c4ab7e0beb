package actlog

import (
	"sync/atomic"
	"time"
)

// latencyBuckets are the commit latency histogram boundaries in nanoseconds, log-spaced from 10us to 10s.
var latencyBuckets = []uint64{
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 7

// Metrics tracks AL/RT operational statistics for a Device. Every
// field is safe for concurrent use from any number of begin_io/
// complete_io/rs_begin_io callers.
type Metrics struct {
	// Activity Log
	FastpathHits       atomic.Uint64
	FastpathMisses     atomic.Uint64
	PrepareCalls       atomic.Uint64
	NonblockWouldBlock atomic.Uint64
	NonblockBusy       atomic.Uint64
	CompleteIOCalls    atomic.Uint64
	TransactionsWritten atomic.Uint64
	TransactionErrors   atomic.Uint64
	ShrinkEvictions     atomic.Uint64 // successful Shrink calls, not extents evicted

	// Resync Tracker
	RSBeginIOCalls        atomic.Uint64
	RSBeginIOInterrupted  atomic.Uint64
	TryRSBeginIOWouldBlock atomic.Uint64
	TryRSBeginIOBusy       atomic.Uint64
	BitmapWriteouts        atomic.Uint64
	PeersInSyncSends       atomic.Uint64
	ResyncFinishedEvents   atomic.Uint64

	// Sync-state mutators, counted once per successful call rather
	// than per bit changed
	BitsSetInSync    atomic.Uint64
	BitsSetOutOfSync atomic.Uint64
	BitsFailed       atomic.Uint64

	// Commit latency
	commitLatencyNs   atomic.Uint64
	commitLatencyOps  atomic.Uint64
	commitHistogram   [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// NewMetrics creates a zeroed Metrics instance with its clock started.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommit records one BeginIOCommit call's wall time and outcome.
func (m *Metrics) RecordCommit(latencyNs uint64, wroteToDisk bool, err error) {
	if err != nil {
		m.TransactionErrors.Add(1)
	} else {
		m.TransactionsWritten.Add(1)
	}
	m.commitLatencyNs.Add(latencyNs)
	m.commitLatencyOps.Add(1)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.commitHistogram[i].Add(1)
		}
	}
}

// Stop marks the device's metrics clock as stopped.
func (m *Metrics) Stop() { m.stopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to retain
// and print after the live counters have moved on.
type MetricsSnapshot struct {
	FastpathHits        uint64
	FastpathMisses      uint64
	PrepareCalls        uint64
	NonblockWouldBlock  uint64
	NonblockBusy        uint64
	CompleteIOCalls     uint64
	TransactionsWritten uint64
	TransactionErrors   uint64
	ShrinkEvictions     uint64

	RSBeginIOCalls         uint64
	RSBeginIOInterrupted   uint64
	TryRSBeginIOWouldBlock uint64
	TryRSBeginIOBusy       uint64
	BitmapWriteouts        uint64
	PeersInSyncSends       uint64
	ResyncFinishedEvents   uint64

	BitsSetInSync    uint64
	BitsSetOutOfSync uint64
	BitsFailed       uint64

	AvgCommitLatencyNs uint64
	CommitHistogram    [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot copies every counter into a MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		FastpathHits:           m.FastpathHits.Load(),
		FastpathMisses:         m.FastpathMisses.Load(),
		PrepareCalls:           m.PrepareCalls.Load(),
		NonblockWouldBlock:     m.NonblockWouldBlock.Load(),
		NonblockBusy:           m.NonblockBusy.Load(),
		CompleteIOCalls:        m.CompleteIOCalls.Load(),
		TransactionsWritten:    m.TransactionsWritten.Load(),
		TransactionErrors:      m.TransactionErrors.Load(),
		ShrinkEvictions:        m.ShrinkEvictions.Load(),
		RSBeginIOCalls:         m.RSBeginIOCalls.Load(),
		RSBeginIOInterrupted:   m.RSBeginIOInterrupted.Load(),
		TryRSBeginIOWouldBlock: m.TryRSBeginIOWouldBlock.Load(),
		TryRSBeginIOBusy:       m.TryRSBeginIOBusy.Load(),
		BitmapWriteouts:        m.BitmapWriteouts.Load(),
		PeersInSyncSends:       m.PeersInSyncSends.Load(),
		ResyncFinishedEvents:   m.ResyncFinishedEvents.Load(),
		BitsSetInSync:          m.BitsSetInSync.Load(),
		BitsSetOutOfSync:       m.BitsSetOutOfSync.Load(),
		BitsFailed:             m.BitsFailed.Load(),
	}

	if ops := m.commitLatencyOps.Load(); ops > 0 {
		s.AvgCommitLatencyNs = m.commitLatencyNs.Load() / ops
	}
	for i := range s.CommitHistogram {
		s.CommitHistogram[i] = m.commitHistogram[i].Load()
	}

	start := m.startTime.Load()
	if stop := m.stopTime.Load(); stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return s
}

// Observer allows pluggable collection of AL/RT events, the same
// pattern the teacher's queue runner uses for I/O metrics.
type Observer interface {
	ObserveCommit(latencyNs uint64, wroteToDisk bool, err error)
	ObserveBitmapWriteout(peerIdx int, bmEnr uint32, err error)
	ObserveResyncFinished(peerIdx int)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommit(uint64, bool, error)        {}
func (NoOpObserver) ObserveBitmapWriteout(int, uint32, error) {}
func (NoOpObserver) ObserveResyncFinished(int)                {}

// MetricsObserver routes events into a Metrics instance.
type MetricsObserver struct{ metrics *Metrics }

// NewMetricsObserver creates an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveCommit(latencyNs uint64, wroteToDisk bool, err error) {
	o.metrics.RecordCommit(latencyNs, wroteToDisk, err)
}

func (o *MetricsObserver) ObserveBitmapWriteout(peerIdx int, bmEnr uint32, err error) {
	o.metrics.BitmapWriteouts.Add(1)
}

func (o *MetricsObserver) ObserveResyncFinished(peerIdx int) {
	o.metrics.ResyncFinishedEvents.Add(1)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
