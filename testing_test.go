package actlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nblockio/actlog/internal/backend"
)

func TestRecordingBackendCountsCalls(t *testing.T) {
	rb := NewRecordingBackend(backend.NewMemory(4096))

	buf := make([]byte, 512)
	_, err := rb.WriteAt(buf, 0)
	require.NoError(t, err)
	_, err = rb.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, rb.Flush())

	reads, writes, flushes := rb.Calls()
	require.Equal(t, 1, reads)
	require.Equal(t, 1, writes)
	require.Equal(t, 1, flushes)
}

func TestRecordingBackendFailNextWrite(t *testing.T) {
	rb := NewRecordingBackend(backend.NewMemory(4096))
	injected := errors.New("injected disk failure")
	rb.FailNextWrite(injected)

	_, err := rb.WriteAt(make([]byte, 512), 0)
	require.ErrorIs(t, err, injected)

	_, err = rb.WriteAt(make([]byte, 512), 0)
	require.NoError(t, err, "the injected failure must not persist past one call")
}

func TestRecordingBackendClose(t *testing.T) {
	rb := NewRecordingBackend(backend.NewMemory(4096))
	require.False(t, rb.IsClosed())
	require.NoError(t, rb.Close())
	require.True(t, rb.IsClosed())
}
