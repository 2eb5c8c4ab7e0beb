package actlog

import (
	"sync/atomic"
	"time"

	"github.com/nblockio/actlog/internal/al"
)

// Config holds the AL/RT tunables (spec.md §6 "Tunables"), read through
// RCU-style snapshotting: Device.Reconfigure swaps the whole struct with a
// single atomic.Pointer store, and every read-side critical section
// dereferences it once rather than reading individual fields, matching
// spec.md §5's requirement that disk_conf.al_updates and disk_timeout be
// read under an RCU-style section.
type Config struct {
	// ALExtents is al_extents, the Activity Log's LRU capacity.
	ALExtents int
	// ALStripes / ALStripeSize4k place the on-disk transaction ring
	// (spec.md §6 placement formula).
	ALStripes      uint32
	ALStripeSize4k uint32
	// ALUpdates is al_updates: false skips writing transactions
	// entirely, accepting a longer post-crash resync in exchange for
	// not paying the journal write cost (used in tests/benchmarks).
	ALUpdates bool
	// DiskTimeoutDeciseconds bounds how long a metadata I/O may run before the
	// gate escalates to force-detach (spec.md §4.A), expressed in
	// deciseconds as the original does; 0 means infinite.
	DiskTimeoutDeciseconds uint32
	// MaxPendingChanges bounds in-flight AL slot changes
	// (spec.md §6 "max_pending_changes").
	MaxPendingChanges int
	// WorkerQueueDepth sizes the dedicated worker's submit queue for AL
	// transaction commits and RS bitmap writeouts.
	WorkerQueueDepth int
	// StepAsideRetries / StepAsideInterval tune rs_begin_io's
	// step-aside counter (spec.md §4.E.2); production code leaves
	// these at their constants.* defaults, tests may override them.
	StepAsideRetries  int
	StepAsideInterval time.Duration
}

// DefaultConfig returns the tunables spec.md's defaults imply: a
// capacity large enough for a handful of hot extents, updates on, and
// no disk timeout.
func DefaultConfig() Config {
	return Config{
		ALExtents:              1237, // matches the original's default al-extents
		ALStripes:              1,
		ALStripeSize4k:         64,
		ALUpdates:              true,
		DiskTimeoutDeciseconds: 0,
		MaxPendingChanges:      64,
		WorkerQueueDepth:       64,
		StepAsideRetries:       200,
		StepAsideInterval:      100 * time.Millisecond,
	}
}

// alConfig adapts the RCU Config into the narrow view internal/al
// reads on its fast path.
func (c Config) alConfig() al.Config {
	return al.Config{
		Stripes:      c.ALStripes,
		StripeSize4k: c.ALStripeSize4k,
		Updates:      c.ALUpdates,
	}
}

// configBox is the RCU cell: one atomic.Pointer swapped wholesale on
// reconfiguration.
type configBox struct {
	p atomic.Pointer[Config]
}

func newConfigBox(c Config) *configBox {
	b := &configBox{}
	cp := c
	b.p.Store(&cp)
	return b
}

func (b *configBox) load() Config { return *b.p.Load() }

func (b *configBox) store(c Config) {
	cp := c
	b.p.Store(&cp)
}
