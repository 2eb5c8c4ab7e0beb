// Package al implements the Activity Log (spec.md §4.D, component D):
// the LRU-managed set of hot 4 MiB extents, journaled to an on-disk
// ring buffer of transactions so that, after a crash, only a bounded
// set of extents must be treated as possibly inconsistent.
package al

import (
	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/bitmap"
	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
	"github.com/nblockio/actlog/internal/lru"
	"github.com/nblockio/actlog/internal/mdio"
	"github.com/nblockio/actlog/internal/onwire"
	"github.com/nblockio/actlog/internal/worker"
)

// ResyncView is the narrow slice of the Resync Tracker that the
// Activity Log needs to enforce mutual exclusion (spec.md §4.D.2
// "_al_get"). internal/rs's Tracker satisfies this without internal/al
// importing internal/rs — the caller that constructs both wires them
// together (spec.md §9 "cyclic references ... replaced by arithmetic
// overlap").
type ResyncView interface {
	// Busy reports whether any BM extent overlapping alEnr currently has
	// BME_NO_WRITES set, without mutating anything. Used by the fast
	// path, which must never elevate priority.
	Busy(alEnr uint32) bool
	// TryElevatePriority checks every peer's resync LRU for a BM extent
	// overlapping alEnr with BME_NO_WRITES set. If found, it sets
	// BME_PRIORITY (if not already set) and returns refused=true;
	// newlySet reports whether this call is the one that set it.
	TryElevatePriority(alEnr uint32) (refused, newlySet bool)
}

// Config is the set of RCU-read tunables the Activity Log consults per
// operation (spec.md §5 "RCU-style read-side sections").
type Config struct {
	Stripes      uint32
	StripeSize4k uint32
	Updates      bool // al_updates; false skips writing transactions entirely
}

// Log is the Activity Log.
type Log struct {
	lock   *Lock
	cache  *lru.Cache
	gate   *mdio.Gate
	worker *worker.Worker
	resync ResyncView
	peers  []*bitmap.Bitmap // one per peer, for "mark range for writeout"
	metaFS backend.Backend  // where bitmap pages live, for flushing writeout hints

	mdOffsetSectors uint64 // sector where the AL ring begins
	nrBlocks        uint32 // al_size_4k: total 4K blocks in the ring

	config func() Config

	trNumber uint32
	trCycle  uint16
	writCnt  uint64
}

// New creates an Activity Log of the given LRU capacity.
// maxPendingChanges bounds in-flight slot changes (spec.md §6
// "max_pending_changes"), must be <= constants.UpdatesPerTransaction to
// guarantee one transaction drains it.
func New(lock *Lock, capacity, maxPendingChanges int, gate *mdio.Gate, w *worker.Worker,
	peers []*bitmap.Bitmap, metaFS backend.Backend, mdOffsetSectors uint64, nrBlocks uint32, config func() Config) *Log {
	return &Log{
		lock:            lock,
		cache:           lru.NewCache(capacity, maxPendingChanges),
		gate:            gate,
		worker:          w,
		peers:           peers,
		metaFS:          metaFS,
		mdOffsetSectors: mdOffsetSectors,
		nrBlocks:        nrBlocks,
		config:          config,
	}
}

// InstallRecovered seeds the Log's in-memory state from a prior
// Recover call (spec.md §4.D.4), installing each recovered slot into
// the cache unreferenced and resuming tr_number/trCycle/writCnt where
// the crashed instance left off. Must be called before any
// BeginIO*/CompleteIO traffic starts; New itself never recovers
// anything so a caller that skips this starts a fresh, empty AL, which
// is the correct behavior for a first-time device.
func (l *Log) InstallRecovered(rs *RecoveredState) {
	l.lock.Acquire()
	defer l.lock.Release()

	for i, number := range rs.Slots {
		if i >= l.cache.NrElements() {
			break
		}
		l.cache.InstallRecovered(i, number)
	}
	l.trNumber = rs.TrNumber
	l.trCycle = rs.TrCycle
	l.writCnt = rs.WritCount
}

// SetResyncView wires the Resync Tracker in after both have been
// constructed, breaking the import cycle their mutual-exclusion
// contract would otherwise require.
func (l *Log) SetResyncView(r ResyncView) { l.resync = r }

// TrNumber returns the next transaction number that will be written.
func (l *Log) TrNumber() uint32 {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.trNumber
}

// WritCount returns how many transactions have been durably written.
func (l *Log) WritCount() uint64 {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.writCnt
}

func extentRange(sector uint64, size uint32) (first, last uint32) {
	firstSector := sector
	lastSector := sector + uint64(size)/constants.SectorSize - 1
	first = uint32(firstSector / constants.SectorsPerALExtent)
	last = uint32(lastSector / constants.SectorsPerALExtent)
	return
}

// BeginIOFastpath succeeds iff the I/O touches exactly one AL extent,
// that extent is already active, and no overlapping resync activity
// holds it. Never blocks.
func (l *Log) BeginIOFastpath(sector uint64, size uint32) bool {
	first, last := extentRange(sector, size)
	if first != last {
		return false
	}

	l.lock.Acquire()
	defer l.lock.Release()

	if l.resync != nil && l.resync.Busy(first) {
		return false
	}
	e, ok := l.cache.TryGet(first)
	if !ok {
		return false
	}
	if l.resync != nil && l.resync.Busy(first) {
		l.cache.Put(e)
		return false
	}
	return true
}

// BeginIOPrepare blockingly obtains an LRU slot for every AL extent
// touched by [sector, sector+size). It returns true if any slot's
// installed number differs from what's required, meaning
// BeginIOCommit must run before the I/O proceeds.
func (l *Log) BeginIOPrepare(sector uint64, size uint32) bool {
	first, last := extentRange(sector, size)

	l.lock.Acquire()
	defer l.lock.Release()

	needTx := false
	for enr := first; enr <= last; enr++ {
		for {
			if l.resync != nil {
				if refused, _ := l.resync.TryElevatePriority(enr); refused {
					l.lock.Wait()
					continue
				}
			}
			e, ok := l.cache.Get(enr)
			if !ok {
				l.lock.Wait()
				continue
			}
			if e.Number != enr {
				needTx = true
			}
			break
		}
	}
	return needTx
}

// BeginIONonblock reserves slots for [sector, sector+size) only if
// every one can be satisfied without blocking and without exceeding
// the pending-change budget. It never sleeps.
func (l *Log) BeginIONonblock(sector uint64, size uint32) error {
	first, last := extentRange(sector, size)

	l.lock.Acquire()
	defer l.lock.Release()

	var acquired []*lru.Element
	rollback := func() {
		for _, e := range acquired {
			l.cache.Put(e)
		}
	}

	for enr := first; enr <= last; enr++ {
		if l.resync != nil {
			if refused, newlySet := l.resync.TryElevatePriority(enr); refused {
				rollback()
				if newlySet {
					return errs.New("begin_io_nonblock", errs.CodeBusy, "overlapping resync extent claimed the region")
				}
				return errs.New("begin_io_nonblock", errs.CodeWouldBlock, "overlapping resync extent busy")
			}
		}
		if l.cache.PendingChanges() >= l.cache.MaxPendingChanges() {
			rollback()
			return errs.New("begin_io_nonblock", errs.CodeWouldBlock, "pending-change budget exhausted")
		}
		e, ok := l.cache.Get(enr)
		if !ok {
			rollback()
			return errs.New("begin_io_nonblock", errs.CodeWouldBlock, "no evictable slot")
		}
		acquired = append(acquired, e)
	}
	return nil
}

// CompleteIO decrements the refcount on every AL extent overlapping
// [sector, sector+size); when any drops to zero it wakes the AL
// waitset.
func (l *Log) CompleteIO(sector uint64, size uint32) error {
	first, last := extentRange(sector, size)

	l.lock.Acquire()
	defer l.lock.Release()

	woke := false
	for enr := first; enr <= last; enr++ {
		e, ok := l.cache.Find(enr)
		if !ok {
			return errs.New("complete_io", errs.CodeLogicError, "complete_io on unknown AL extent")
		}
		l.cache.Put(e)
		if e.Refcnt == 0 {
			woke = true
		}
	}
	if woke {
		l.lock.Broadcast()
	}
	return nil
}

// Shrink drops every installed, unreferenced AL element, waiting per
// element for concurrent users to finish (SUPPLEMENTED FEATURES:
// restores the original's per-element wait so a concurrent begin_io
// isn't starved for the whole scan).
func (l *Log) Shrink() error {
	l.lock.Acquire()
	defer l.lock.Release()

	if !l.cache.TryLockForTransaction() {
		return errs.New("shrink", errs.CodeBusy, "a transaction is already in flight")
	}
	defer l.cache.Unlock()

	for i := 0; i < l.cache.NrElements(); i++ {
		e := l.cache.ElementByIndex(i)
		for e.Number != constants.LCFree && e.Refcnt != 0 {
			l.lock.Wait()
		}
		if e.Number != constants.LCFree {
			l.cache.Del(e)
		}
	}
	return nil
}

// AnyRefcnt implements rs.ActivityView: true if any AL extent within
// the BM extent bmEnr currently has a nonzero refcount. Must be called
// with al_lock already held — it is invoked by the Resync Tracker from
// inside its own begin_io critical sections, which share this Log's
// lock (spec.md §5 "al_lock ... protects ... inter-subsystem
// ordering").
func (l *Log) AnyRefcnt(bmEnr uint32) bool {
	first := bmEnr * constants.ALExtentsPerBMExtent
	for enr := first; enr < first+constants.ALExtentsPerBMExtent; enr++ {
		if e, ok := l.cache.Find(enr); ok && e.Refcnt > 0 {
			return true
		}
	}
	return false
}

// pendingTx is a transaction snapshot built under al_lock and then
// written to disk outside it.
type pendingTx struct {
	tr       *onwire.Transaction
	trNumber uint32
}

// BeginIOCommit drains every pending AL slot change into one on-disk
// transaction. If delegate is true the write runs on the dedicated
// worker and this call blocks for its completion, because the caller
// may itself be on the I/O submission path and a direct write here
// could deadlock a nested submission (spec.md §4.D.3 "Delegation
// rule"). Callers that already are the worker must pass delegate=false.
func (l *Log) BeginIOCommit(delegate bool) error {
	l.lock.Acquire()
	if l.cache.PendingChanges() == 0 {
		l.lock.Release()
		return nil
	}
	for !l.cache.TryLockForTransaction() {
		l.lock.Wait()
		if l.cache.PendingChanges() == 0 {
			l.lock.Release()
			return nil
		}
	}

	ptx := l.buildTransaction()
	l.lock.Release()

	var commitErr error
	var written bool
	writeFn := func() error {
		var err error
		written, err = l.writeTransaction(ptx)
		return err
	}
	if delegate {
		commitErr = l.worker.Submit(writeFn)
	} else {
		commitErr = writeFn()
	}

	l.lock.Acquire()
	if commitErr == nil {
		l.cache.Committed()
		if written {
			l.trNumber = ptx.trNumber + 1
			l.writCnt++
		}
	} else {
		l.cache.Cancel()
	}
	l.cache.Unlock()
	l.lock.Broadcast()
	l.lock.Release()

	return commitErr
}

// buildTransaction must be called with al_lock held. It drains
// ToBeChanged into an on-disk transaction layout, marks the bitmap
// ranges of evicted extents for writeout, and advances the context
// cursor — spec.md §4.D.3 steps 1-3.
func (l *Log) buildTransaction() *pendingTx {
	tr := onwire.NewTransaction()
	toBeChanged := l.cache.ToBeChanged()

	n := len(toBeChanged)
	if n > constants.UpdatesPerTransaction {
		n = constants.UpdatesPerTransaction
	}
	tr.NUpdates = uint16(n)
	for i := 0; i < n; i++ {
		e := toBeChanged[i]
		tr.UpdateSlotNr[i] = e.Index
		tr.UpdateExtentNr[i] = e.NewNumber

		if e.Number != constants.LCFree {
			l.markForWriteout(e.Number)
		}
	}

	nrElements := uint32(l.cache.NrElements())
	tr.ContextSize = uint16(nrElements)
	tr.ContextStartSlotNr = l.trCycle

	count := constants.ContextPerTransaction
	if remaining := int(nrElements) - int(l.trCycle); remaining < count {
		count = remaining
	}
	if count < 0 {
		count = 0
	}
	for i := 0; i < count; i++ {
		tr.Context[i] = l.cache.ElementByIndex(int(l.trCycle)+i).Number
	}
	for i := count; i < constants.ContextPerTransaction; i++ {
		tr.Context[i] = constants.LCFree
	}

	if nrElements > 0 {
		l.trCycle = uint16((uint32(l.trCycle) + constants.ContextPerTransaction) % nrElements)
	}

	tr.TrNumber = l.trNumber
	return &pendingTx{tr: tr, trNumber: l.trNumber}
}

// markForWriteout marks the bitmap range of the evicted AL extent
// dirty on every peer, so it reaches disk before the transaction that
// evicts it is submitted (spec.md §4.D.3 step 2, invariant in §5).
func (l *Log) markForWriteout(alEnr uint32) {
	first := uint64(alEnr) * constants.BitsPerALExtent
	last := first + constants.BitsPerALExtent - 1
	for _, b := range l.peers {
		b.MarkRangeForWriteout(first, last)
	}
}

// writeTransaction performs spec.md §4.D.3 steps 4-6: flush hinted
// bitmap pages, stamp the transaction's CRC, and submit it through the
// metadata gate. It must not be called with al_lock held. It reports
// whether a transaction reached disk; with al_updates off nothing is
// written and it returns false with a nil error.
func (l *Log) writeTransaction(ptx *pendingTx) (bool, error) {
	cfg := l.config()
	if !cfg.Updates {
		return false, nil
	}

	for _, b := range l.peers {
		if err := b.WriteHinted(l.metaFS); err != nil {
			return false, errs.Wrap("al_write_transaction", errs.CodeIOError, err)
		}
	}

	buf := l.gate.Acquire()
	defer l.gate.Release()

	encoded := onwire.Marshal(ptx.tr)
	copy(buf, encoded)

	sector := l.mdOffsetSectors + onwire.BlockSector(uint64(ptx.trNumber), l.nrBlocks, cfg.Stripes, cfg.StripeSize4k)
	if err := l.gate.SyncWrite(sector, constants.MetadataBlockSize); err != nil {
		return false, errs.Wrap("al_write_transaction", errs.CodeIOError, err)
	}
	return true, nil
}
