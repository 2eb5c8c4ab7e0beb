package mdio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/constants"
)

func TestSyncWriteThenReadRoundTrips(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	g := New(mem, 0, nil)

	buf := g.Acquire()
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, g.SyncWrite(16, constants.MetadataBlockSize))
	g.Release()

	buf = g.Acquire()
	require.NoError(t, g.SyncRead(16, constants.MetadataBlockSize))
	require.Equal(t, byte(0), buf[0])
	require.Equal(t, byte(250), buf[250])
	g.Release()
}

func TestAcquireSerializesAccess(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	g := New(mem, 0, nil)

	buf := g.Acquire()
	buf[0] = 1

	acquired := make(chan struct{})
	go func() {
		b2 := g.Acquire()
		defer g.Release()
		close(acquired)
		_ = b2
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while the buffer was still held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	<-acquired
}

type failingBackend struct{ *backend.Memory }

func (f failingBackend) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("simulated device failure")
}

type slowBackend struct{ *backend.Memory }

func (s slowBackend) ReadAt(p []byte, off int64) (int, error) {
	time.Sleep(20 * time.Millisecond)
	return len(p), nil
}

func TestDiskTimeoutEscalatesToForceDetach(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	var escalated bool
	g := New(mem, 5*time.Millisecond, func(op string, err error) { escalated = true })
	g.backend = slowBackend{mem}

	// A read that outlasts disk_timeout must fail and escalate.
	g.Acquire()
	err := g.SyncRead(0, constants.MetadataBlockSize)
	g.Release()
	require.Error(t, err)
	require.True(t, escalated, "a read past disk_timeout must escalate to force-detach")
}

func TestWriteFallsBackToNoBarrierOnce(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	g := New(mem, 0, nil)
	g.backend = failingBackend{mem}

	err := g.SyncWrite(0, constants.MetadataBlockSize)
	require.Error(t, err)
	require.True(t, g.noBarrier, "a failed barrier write must record no-barrier for next time")
}
