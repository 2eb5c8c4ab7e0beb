// Package mdio implements the metadata I/O gate (spec.md §4.A,
// component A): serialized use of the single shared 4 KiB metadata
// buffer, aligned synchronous reads/writes with FLUSH|FUA semantics, a
// disk_timeout-bounded wait that escalates to force-detach on expiry,
// and the no-barrier fallback-and-retry-once rule.
package mdio

import (
	"context"
	"sync"
	"time"

	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/constants"
)

// OnForceDetach is invoked when a metadata read fails, or when a write
// fails even after the no-barrier retry; a disk_timeout expiry counts
// as such a failure. The caller
// decides what "force detach" means at the device level (spec.md §7,
// SUPPLEMENTED FEATURES: "force-detach... escalation policy").
type OnForceDetach func(op string, err error)

// Gate owns the single shared 4 KiB metadata buffer and admits one
// metadata I/O at a time, matching the original's single in-flight
// md_io_page discipline.
type Gate struct {
	mu       sync.Mutex // binary in-use counter: held for the buffer's entire lifetime
	buf      [constants.MetadataBlockSize]byte
	backend  backend.Backend
	ring     *Ring // non-nil only when backend is *backend.File and the ring could be set up
	ringFd   int

	diskTimeout time.Duration // 0 = infinite
	noBarrier   bool
	onForceDetach OnForceDetach
}

// New creates a gate over the given backend. diskTimeout is
// disk_conf.disk_timeout converted to a time.Duration (0 = infinite,
// matching the deciseconds convention of spec.md §4.A).
func New(b backend.Backend, diskTimeout time.Duration, onForceDetach OnForceDetach) *Gate {
	g := &Gate{backend: b, diskTimeout: diskTimeout, onForceDetach: onForceDetach}
	if f, ok := b.(interface{ Fd() int }); ok {
		if ring, err := NewRing(); err == nil {
			g.ring = ring
			g.ringFd = f.Fd()
		}
	}
	return g
}

// Close releases the gate's ring, if it has one.
func (g *Gate) Close() error {
	if g.ring != nil {
		return g.ring.Close()
	}
	return nil
}

// Acquire takes ownership of the shared buffer, blocking until no other
// I/O holds it. Returns the buffer for the caller to fill (writes) or
// receive into (reads).
func (g *Gate) Acquire() []byte {
	g.mu.Lock()
	return g.buf[:]
}

// Release gives up the buffer without performing I/O (e.g. the caller
// decided not to submit after all).
func (g *Gate) Release() {
	g.mu.Unlock()
}

// SyncWrite performs sync_page_io for a write: FLUSH|FUA unless the
// gate has previously recorded "no barrier" for this device, bounded by
// disk_timeout, with the no-barrier fallback-and-retry-once rule on
// failure. The caller must already hold the buffer (via Acquire) and
// must call Release when SyncWrite returns.
func (g *Gate) SyncWrite(sector uint64, size int) error {
	off := int64(sector) * constants.SectorSize
	err := g.doWrite(off, size, !g.noBarrier)
	if err != nil && !g.noBarrier {
		// Retry once without the barrier and remember the fallback for
		// this device (spec.md §4.A).
		g.noBarrier = true
		err = g.doWrite(off, size, false)
	}
	if err != nil && g.onForceDetach != nil {
		g.onForceDetach("SyncWrite", err)
	}
	return err
}

// SyncRead performs sync_page_io for a read, bounded by disk_timeout.
func (g *Gate) SyncRead(sector uint64, size int) error {
	off := int64(sector) * constants.SectorSize
	err := g.withTimeout(func() error {
		_, e := g.backend.ReadAt(g.buf[:size], off)
		return e
	})
	if err != nil && g.onForceDetach != nil {
		g.onForceDetach("SyncRead", err)
	}
	return err
}

func (g *Gate) doWrite(off int64, size int, barrier bool) error {
	return g.withTimeout(func() error {
		if g.ring != nil {
			if _, err := g.ring.WriteAt(g.ringFd, g.buf[:size], off); err != nil {
				return err
			}
			if barrier {
				return g.ring.Fdatasync(g.ringFd)
			}
			return nil
		}

		if _, err := g.backend.WriteAt(g.buf[:size], off); err != nil {
			return err
		}
		if !barrier {
			return nil
		}
		if sb, ok := g.backend.(backend.SyncBackend); ok {
			return sb.SyncRange(off, int64(size))
		}
		return g.backend.Flush()
	})
}

// withTimeout runs op and returns the context's deadline error if
// disk_timeout expires before it returns; SyncRead and SyncWrite then
// escalate that error to force-detach. op runs to completion on its own goroutine
// even if the timeout fires first — this module does not cancel
// in-flight syscalls, only stops waiting on them (matching the
// original's "force detach" semantics: the device is abandoned, not the
// syscall).
func (g *Gate) withTimeout(op func() error) error {
	if g.diskTimeout <= 0 {
		return op()
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.diskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
