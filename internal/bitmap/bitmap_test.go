package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memBackend struct {
	data map[int64][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[int64][]byte)} }

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	m.data[off] = buf
	return len(p), nil
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	buf, ok := m.data[off]
	if !ok {
		return 0, nil
	}
	copy(p, buf)
	return len(p), nil
}

func TestSetClearCountBits(t *testing.T) {
	b := New(4096, 0)
	require.Equal(t, 10, b.SetBits(5, 14))
	require.Equal(t, 10, b.CountBits(0, 4095))
	require.Equal(t, 0, b.SetBits(5, 14), "re-setting already-set bits flips nothing")

	require.Equal(t, 5, b.ClearBits(5, 9))
	require.Equal(t, 5, b.CountBits(0, 4095))
}

func TestCountBitsClampsOutOfRange(t *testing.T) {
	b := New(100, 0)
	b.SetBits(90, 99)
	require.Equal(t, 10, b.CountBits(0, 1000))
}

func TestTotalWeight(t *testing.T) {
	b := New(200, 0)
	b.SetBits(0, 0)
	b.SetBits(50, 52)
	require.Equal(t, uint64(4), b.TotalWeight())
}

func TestWriteHintedFlushesOnlyMarkedPages(t *testing.T) {
	b := New(bitsPerPage*3, 0)
	backend := newMemBackend()

	b.SetBits(0, 0)                  // page 0
	b.SetBits(bitsPerPage*2, bitsPerPage*2) // page 2
	b.MarkRangeForWriteout(0, 0)

	require.NoError(t, b.WriteHinted(backend))
	require.Len(t, backend.data, 1, "only page 0 was hinted")

	b.MarkRangeForWriteout(bitsPerPage*2, bitsPerPage*2)
	require.NoError(t, b.WriteHinted(backend))
	require.Len(t, backend.data, 2)
}

func TestWriteRangeIsUnconditional(t *testing.T) {
	b := New(bitsPerPage, 7)
	backend := newMemBackend()
	b.SetBits(3, 3)

	require.NoError(t, b.WriteRange(backend, 0, 1))
	require.Len(t, backend.data, 1)
}
