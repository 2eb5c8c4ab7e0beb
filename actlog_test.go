package actlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/rs"
)

func newTestDevice(t *testing.T, peers ...PeerParams) *Device {
	t.Helper()
	if len(peers) == 0 {
		peers = []PeerParams{{BMCapacity: 4, ProtocolVersion: 110, State: rs.StateEstablished}}
	}
	cfg := DefaultConfig()
	cfg.ALExtents = 4
	cfg.MaxPendingChanges = 8
	cfg.WorkerQueueDepth = 8

	d, err := NewDevice(DeviceParams{
		MetaBackend: backend.NewMemory(64 << 20),
		NrBlocks:    4096,
		NrSectors:   1 << 20,
		Peers:       peers,
		Config:      cfg,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewDeviceRequiresBackend(t *testing.T) {
	_, err := NewDevice(DeviceParams{}, nil)
	require.ErrorIs(t, err, ErrNoBackend)
}

func TestBeginIOFastpathMissThenHit(t *testing.T) {
	d := newTestDevice(t)
	sector := uint64(0)
	size := uint32(MetadataBlockSize)

	require.False(t, d.BeginIOFastpath(sector, size))
	require.True(t, d.BeginIOPrepare(sector, size))
	require.NoError(t, d.BeginIOCommit(false))

	require.True(t, d.BeginIOFastpath(sector, size))
	require.NoError(t, d.CompleteIO(sector, size))
	require.NoError(t, d.CompleteIO(sector, size))

	snap := d.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.FastpathMisses)
	require.Equal(t, uint64(1), snap.FastpathHits)
	require.Equal(t, uint64(1), snap.PrepareCalls)
	require.Equal(t, uint64(2), snap.CompleteIOCalls)
	require.Equal(t, uint64(1), snap.TransactionsWritten)
}

func TestRSBeginIOBlocksUntilALExtentCompletes(t *testing.T) {
	d := newTestDevice(t)
	sector := uint64(0)
	size := uint32(MetadataBlockSize)

	require.True(t, d.BeginIOPrepare(sector, size))
	require.NoError(t, d.BeginIOCommit(false))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- d.RSBeginIO(ctx, 0, sector)
	}()

	select {
	case err := <-done:
		t.Fatalf("rs_begin_io unblocked early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, d.CompleteIO(sector, size))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rs_begin_io never unblocked")
	}
	require.NoError(t, d.RSCompleteIO(0, sector))
}

func TestSetInSyncThenOutOfSyncRoundTrip(t *testing.T) {
	d := newTestDevice(t)
	size := uint32(1 << 20) // spans many bits, aligned, so set_in_sync's rounding doesn't trim anything

	require.NoError(t, d.SetOutOfSync(0, size, nil))
	require.NoError(t, d.SetInSync(0, size, nil))

	snap := d.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.BitsSetOutOfSync)
	require.Equal(t, uint64(1), snap.BitsSetInSync)
}

func TestReconfigureUpdatesStepAsideImmediately(t *testing.T) {
	d := newTestDevice(t)
	cfg := DefaultConfig()
	cfg.StepAsideRetries = 1
	cfg.StepAsideInterval = time.Millisecond
	d.Reconfigure(cfg)
	require.Equal(t, 1, d.cfg.load().StepAsideRetries)
}

func TestDeviceSyncRateZeroWithoutHistory(t *testing.T) {
	d := newTestDevice(t)
	require.Equal(t, float64(0), d.SyncRate(0))
}

func TestOutOfSyncWeightTracksSetOutOfSync(t *testing.T) {
	d := newTestDevice(t)
	require.Equal(t, uint64(0), d.OutOfSyncWeight(0))

	require.NoError(t, d.SetOutOfSync(0, uint32(1<<20), nil))
	require.Greater(t, d.OutOfSyncWeight(0), uint64(0))
}
