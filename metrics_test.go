package actlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordCommitSplitsSuccessAndErrorCounts(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(uint64(50*time.Microsecond), true, nil)
	m.RecordCommit(uint64(50*time.Microsecond), true, errors.New("short write"))

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.TransactionsWritten)
	require.Equal(t, uint64(1), snap.TransactionErrors)
}

func TestRecordCommitHistogramBucketsCumulative(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(uint64(5*time.Millisecond), true, nil) // qualifies for the 10ms bucket and every larger one

	snap := m.Snapshot()
	require.Equal(t, uint64(0), snap.CommitHistogram[2]) // 1ms bucket: 5ms doesn't fit
	require.Equal(t, uint64(1), snap.CommitHistogram[3]) // 10ms bucket
	require.Equal(t, uint64(1), snap.CommitHistogram[len(snap.CommitHistogram)-1])
}

func TestSnapshotAverageLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(100, true, nil)
	m.RecordCommit(300, true, nil)

	require.Equal(t, uint64(200), m.Snapshot().AvgCommitLatencyNs)
}

func TestMetricsObserverRoutesToUnderlyingMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveCommit(10, true, nil)
	obs.ObserveBitmapWriteout(0, 5, nil)
	obs.ObserveResyncFinished(0)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.TransactionsWritten)
	require.Equal(t, uint64(1), snap.BitmapWriteouts)
	require.Equal(t, uint64(1), snap.ResyncFinishedEvents)
}

func TestNoOpObserverDiscardsEverything(t *testing.T) {
	var o Observer = NoOpObserver{}
	require.NotPanics(t, func() {
		o.ObserveCommit(1, true, errors.New("x"))
		o.ObserveBitmapWriteout(0, 0, nil)
		o.ObserveResyncFinished(0)
	})
}

func TestUptimePositiveAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(time.Millisecond)
	m.Stop()
	snap := m.Snapshot()
	require.Greater(t, snap.UptimeNs, uint64(0))
}
