package actlog

import (
	"sync"

	"github.com/nblockio/actlog/internal/backend"
)

// RecordingBackend wraps a backend.Backend and counts calls to each
// method plus lets tests inject a failure on the next write, so a test
// can simulate a flaky metadata disk without a real one.
type RecordingBackend struct {
	inner backend.Backend

	mu         sync.Mutex
	readCalls  int
	writeCalls int
	flushCalls int
	closed     bool
	failNext   error
}

// NewRecordingBackend wraps inner (typically backend.NewMemory(...))
// for instrumented use in tests.
func NewRecordingBackend(inner backend.Backend) *RecordingBackend {
	return &RecordingBackend{inner: inner}
}

// FailNextWrite makes the next WriteAt call return err instead of
// reaching inner, then clears itself.
func (r *RecordingBackend) FailNextWrite(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

func (r *RecordingBackend) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.readCalls++
	r.mu.Unlock()
	return r.inner.ReadAt(p, off)
}

func (r *RecordingBackend) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.writeCalls++
	err := r.failNext
	r.failNext = nil
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return r.inner.WriteAt(p, off)
}

func (r *RecordingBackend) Size() int64 { return r.inner.Size() }

func (r *RecordingBackend) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.inner.Close()
}

func (r *RecordingBackend) Flush() error {
	r.mu.Lock()
	r.flushCalls++
	r.mu.Unlock()
	return r.inner.Flush()
}

// SyncRange delegates when inner supports it, otherwise is a no-op,
// matching backend.SyncBackend being optional.
func (r *RecordingBackend) SyncRange(offset, length int64) error {
	if sb, ok := r.inner.(backend.SyncBackend); ok {
		return sb.SyncRange(offset, length)
	}
	return nil
}

// Calls returns the read/write/flush call counts observed so far.
func (r *RecordingBackend) Calls() (reads, writes, flushes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readCalls, r.writeCalls, r.flushCalls
}

// IsClosed reports whether Close has been called.
func (r *RecordingBackend) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var (
	_ backend.Backend     = (*RecordingBackend)(nil)
	_ backend.SyncBackend = (*RecordingBackend)(nil)
)
