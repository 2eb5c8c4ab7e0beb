// Package rs implements the Resync Tracker and sync-state mutators
// (spec.md §4.E, §4.F, components E+F): per-peer bitmaps of out-of-sync
// 4 KiB blocks, an LRU-managed set of 16 MiB bitmap extents that
// mediate between application writes and resync transfers, and the
// bulk bit operations that drive them.
package rs

import (
	"context"
	"time"

	"github.com/nblockio/actlog/internal/al"
	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/bitmap"
	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
	"github.com/nblockio/actlog/internal/lru"
	"github.com/nblockio/actlog/internal/worker"
)

// minPeersInSyncProtocolVersion is the lowest agreed protocol version
// that understands a peers_in_sync notification (spec.md §4.E.3 step
// 3c).
const minPeersInSyncProtocolVersion = 110

// ActivityView is the narrow slice of the Activity Log the Resync
// Tracker needs to enforce mutual exclusion. internal/al's Log
// satisfies this without internal/rs importing internal/al's Log type
// — the caller that constructs both wires them together (spec.md §9).
type ActivityView interface {
	// AnyRefcnt reports whether any AL extent overlapping bmEnr
	// currently has a nonzero refcount. Caller must hold the shared
	// lock.
	AnyRefcnt(bmEnr uint32) bool
}

// PeerSink is where peers_in_sync notifications go — the network layer
// is out of this core's scope (spec.md §1), so it is modeled as a
// narrow callback the owning device wires in.
type PeerSink interface {
	PeersInSync(peerMask uint64, sector uint64, sizeBytes uint32)
}

// OnResyncFinished is invoked once a peer's total out-of-sync weight has
// dropped to (i.e. is entirely accounted for by) its accumulated
// rs_failed count — the resync_finished transition of spec.md §4.E.3
// step 3(d), mirroring w_update_odbm's drbd_bm_total_weight(device) <=
// rs_failed check in the original. The caller decides what finishing
// resync means at the device level (spec.md §7), the same way
// mdio.OnForceDetach leaves force-detach policy to its caller.
type OnResyncFinished func(peerIdx int)

// Role is this node's replication role, needed to gate peers_in_sync
// sends (spec.md §4.E.3 step 3c: "local role is sync-source").
type Role int

const (
	RoleUnknown Role = iota
	RoleSyncSource
)

// PeerState is a peer's replication connection state, needed by
// extent_in_sync (spec.md §4.E.4).
type PeerState int

const (
	StateUnknown PeerState = iota
	StateEstablished
	StateSyncSource
)

// bmState is the BM extent element's payload (spec.md §3 "BM extent
// element"), carried on the shared lru.Element via its Payload field.
type bmState struct {
	RsLeft   uint32
	RsFailed uint32
	Flags    uint32
}

type syncMark struct {
	at   time.Time
	left uint64
}

// Peer is one replication peer's resync bookkeeping: its out-of-sync
// bitmap, its BM-extent LRU, and the rate-tracking ring.
type Peer struct {
	ID              int
	ProtocolVersion int
	State           PeerState
	Bitmap          *bitmap.Bitmap

	cache        *lru.Cache
	resyncLocked int
	resyncWenr   *uint32

	// TotalRsFailed accumulates every rs_failed bump across this peer's
	// BM extents, surviving the per-extent reset TryClearOnDiskBM performs
	// once an individual extent finishes (its finished branch).
	// It is the peer-wide counterpart TryClearOnDiskBM's per-extent
	// st.RsFailed lacks, needed to detect device-wide resync completion.
	TotalRsFailed       uint64
	resyncFinishedFired bool // whether OnResyncFinished already fired for the current pass

	marks    [constants.SyncMarks]syncMark
	markIdx  int
	lastMark time.Time
}

// PeerConfig describes one peer at Tracker construction time.
type PeerConfig struct {
	Bitmap          *bitmap.Bitmap
	Capacity        int // BM extent LRU capacity for this peer
	ProtocolVersion int
	State           PeerState
}

// Tracker is the Resync Tracker (components E+F).
type Tracker struct {
	lock             *al.Lock
	activity         ActivityView
	worker           *worker.Worker
	sink             PeerSink
	metaFS           backend.Backend
	writeoutObserver func(peerIdx int, bmEnr uint32, err error)
	onResyncFinished OnResyncFinished

	peers     []*Peer
	nrSectors uint64
	localRole Role

	stepAsideRetries  int
	stepAsideInterval time.Duration
}

// New creates a Resync Tracker sharing lock with the Activity Log it
// will be wired to via SetActivityView.
func New(lock *al.Lock, w *worker.Worker, metaFS backend.Backend, nrSectors uint64, peers []PeerConfig) *Tracker {
	t := &Tracker{
		lock:              lock,
		worker:            w,
		metaFS:            metaFS,
		nrSectors:         nrSectors,
		stepAsideRetries:  constants.StepAsideRetries,
		stepAsideInterval: constants.StepAsideInterval,
	}
	for i, pc := range peers {
		t.peers = append(t.peers, &Peer{
			ID:              i,
			ProtocolVersion: pc.ProtocolVersion,
			State:           pc.State,
			Bitmap:          pc.Bitmap,
			cache:           lru.NewCache(pc.Capacity, pc.Capacity),
		})
	}
	return t
}

// SetActivityView wires the Activity Log in after both have been
// constructed, breaking the import cycle their mutual-exclusion
// contract would otherwise require.
func (t *Tracker) SetActivityView(a ActivityView) { t.activity = a }

// SetPeerSink wires in the peers_in_sync notification sink.
func (t *Tracker) SetPeerSink(s PeerSink) { t.sink = s }

// SetWriteoutObserver installs a callback invoked after every
// background bitmap writeout queueBitmapWriteout submits, reporting
// the outcome. Optional; nil disables it.
func (t *Tracker) SetWriteoutObserver(fn func(peerIdx int, bmEnr uint32, err error)) {
	t.writeoutObserver = fn
}

// SetLocalRole sets this node's replication role, consulted by the
// peers_in_sync gating rule.
func (t *Tracker) SetLocalRole(r Role) { t.localRole = r }

// SetResyncFinished wires in the resync_finished hook (spec.md §4.E.3
// step 3(d)), invoked from writeoutOnce. Optional; nil disables it.
func (t *Tracker) SetResyncFinished(fn OnResyncFinished) { t.onResyncFinished = fn }

// SetStepAside overrides the step-aside retry count/interval (default:
// spec.md §4.E.2's 200 retries at 100ms, via constants.StepAsideRetries
// / constants.StepAsideInterval). Exposed so tests can make the
// 20-second stand-off resolve quickly.
func (t *Tracker) SetStepAside(retries int, interval time.Duration) {
	t.stepAsideRetries = retries
	t.stepAsideInterval = interval
}

func (t *Tracker) peer(idx int) *Peer { return t.peers[idx] }

// Peer exposes one tracked peer's bitmap/rate-tracking handle for
// callers (e.g. a device wiring SyncRate into metrics).
func (t *Tracker) Peer(idx int) *Peer { return t.peers[idx] }

func bmExtentOf(sector uint64) uint32 {
	return uint32(sector / constants.SectorsPerBMExtent)
}

// freshBMState computes a BM extent's initial rs_left by scanning the
// bitmap, used the first time a slot is installed for bmEnr.
func (t *Tracker) freshBMState(p *Peer, bmEnr uint32) *bmState {
	first := uint64(bmEnr) * constants.BitsPerBMExtent
	last := first + constants.BitsPerBMExtent - 1
	return &bmState{RsLeft: uint32(p.Bitmap.CountBits(first, last))}
}

// bmeAcquire installs (if needed) and refcounts the BM extent slot for
// bmEnr, via get_cumulative — BM extents are never journaled to disk,
// so there is no pending-change list to drain (spec.md §6 notes
// get_cumulative exists precisely for installs that don't participate
// in a transaction). Must be called with the shared lock held.
func (t *Tracker) bmeAcquire(p *Peer, bmEnr uint32) *lru.Element {
	_, existed := p.cache.Find(bmEnr)
	e, ok := p.cache.GetCumulative(bmEnr)
	if !ok {
		return nil
	}
	if !existed {
		e.Payload = t.freshBMState(p, bmEnr)
	}
	return e
}

// bmeGet is the blocking _bme_get of spec.md §4.E.2: acquire an LRU
// slot, set BME_NO_WRITES (if not already), bump resyncLocked, bounded
// to nr_elements/2 total held. Must be called with the shared lock
// held; blocks on the waitset when the bound or the LRU is exhausted.
func (t *Tracker) bmeGet(p *Peer, bmEnr uint32) *lru.Element {
	for {
		if p.resyncLocked >= p.cache.NrElements()/2 {
			t.lock.Wait()
			continue
		}
		e := t.bmeAcquire(p, bmEnr)
		if e == nil {
			t.lock.Wait()
			continue
		}
		st := e.Payload.(*bmState)
		if st.Flags&constants.BMENoWrites == 0 {
			st.Flags |= constants.BMENoWrites
			p.resyncLocked++
		}
		return e
	}
}

// bmeTryGet is the non-blocking variant used by try_rs_begin_io.
func (t *Tracker) bmeTryGet(p *Peer, bmEnr uint32) *lru.Element {
	if p.resyncLocked >= p.cache.NrElements()/2 {
		return nil
	}
	e := t.bmeAcquire(p, bmEnr)
	if e == nil {
		return nil
	}
	st := e.Payload.(*bmState)
	if st.Flags&constants.BMENoWrites == 0 {
		st.Flags |= constants.BMENoWrites
		p.resyncLocked++
	}
	return e
}

// bmeRelease backs out a reservation taken by bmeGet/bmeTryGet that
// never reached BME_LOCKED — clears all flags and the resyncLocked
// count, wakes the waitset. Must be called with the shared lock held.
func (t *Tracker) bmeRelease(p *Peer, e *lru.Element) {
	st := e.Payload.(*bmState)
	st.Flags = 0
	p.resyncLocked--
	p.cache.Put(e)
	t.lock.Broadcast()
}

// RSBeginIO is rs_begin_io (spec.md §4.E.2): blocking, interruptible
// via ctx. It returns when bmEnr is safely locked against overlapping
// AL activity, or with a CodeInterrupted error if ctx is cancelled
// first.
func (t *Tracker) RSBeginIO(ctx context.Context, peerIdx int, sector uint64) error {
	p := t.peer(peerIdx)
	bmEnr := bmExtentOf(sector)

	t.lock.Acquire()
	defer t.lock.Release()

	stepAside := t.stepAsideRetries
	for {
		e := t.bmeGet(p, bmEnr)

		locked := false
		for !locked {
			st := e.Payload.(*bmState)
			if t.activity == nil || !t.activity.AnyRefcnt(bmEnr) {
				st.Flags |= constants.BMELocked
				locked = true
				break
			}
			if st.Flags&constants.BMEPriority == 0 {
				if err := t.lock.WaitCtx(ctx); err != nil {
					t.bmeRelease(p, e)
					return errs.New("rs_begin_io", errs.CodeInterrupted, "interrupted waiting for AL extent to clear")
				}
				continue
			}
			if stepAside > 0 {
				stepAside--
				t.bmeRelease(p, e)
				t.lock.Release()
				time.Sleep(t.stepAsideInterval)
				t.lock.Acquire()
				break // retry from bmeGet
			}
			st.Flags |= constants.BMELocked
			locked = true
		}
		if locked {
			return nil
		}
	}
}

// TryRSBeginIO is try_rs_begin_io (spec.md §4.E.2): the non-sleeping
// variant, remembering at most one resync_wenr slot across retries.
func (t *Tracker) TryRSBeginIO(peerIdx int, sector uint64) error {
	p := t.peer(peerIdx)
	bmEnr := bmExtentOf(sector)

	t.lock.Acquire()
	defer t.lock.Release()

	if p.resyncWenr != nil && *p.resyncWenr != bmEnr {
		if e, ok := p.cache.Find(*p.resyncWenr); ok {
			t.bmeRelease(p, e)
		}
		p.resyncWenr = nil
	}

	e := t.bmeTryGet(p, bmEnr)
	if e == nil {
		return errs.New("try_rs_begin_io", errs.CodeWouldBlock, "no evictable BM extent slot")
	}

	if p.resyncWenr != nil && *p.resyncWenr == bmEnr {
		// Retry of the remembered extent: the earlier Busy attempt
		// still holds its reference, so drop the one just taken.
		p.cache.Put(e)
	}

	if t.activity != nil && t.activity.AnyRefcnt(bmEnr) {
		w := bmEnr
		p.resyncWenr = &w
		return errs.New("try_rs_begin_io", errs.CodeBusy, "overlapping AL extent in use")
	}

	st := e.Payload.(*bmState)
	st.Flags |= constants.BMELocked
	p.resyncWenr = nil
	return nil
}

// RSCompleteIO is rs_complete_io: release one refcount; when it drops
// to zero, clear all flags and decrement resyncLocked, then wake the
// waitset.
func (t *Tracker) RSCompleteIO(peerIdx int, sector uint64) error {
	p := t.peer(peerIdx)
	bmEnr := bmExtentOf(sector)

	t.lock.Acquire()
	defer t.lock.Release()

	e, ok := p.cache.Find(bmEnr)
	if !ok {
		return errs.New("rs_complete_io", errs.CodeLogicError, "complete_io on unknown BM extent")
	}
	p.cache.Put(e)
	if e.Refcnt == 0 {
		st := e.Payload.(*bmState)
		st.Flags = 0
		p.resyncLocked--
		t.lock.Broadcast()
	}
	return nil
}

// RSCancelAll is rs_cancel_all: resets the entire resync LRU
// unconditionally, regardless of outstanding references.
func (t *Tracker) RSCancelAll(peerIdx int) {
	p := t.peer(peerIdx)
	t.lock.Acquire()
	defer t.lock.Release()
	p.cache.Reset()
	p.resyncLocked = 0
	p.resyncWenr = nil
	t.lock.Broadcast()
}

// RSDelAll is rs_del_all: gracefully removes every installed element,
// returning a Busy error (mapping -EAGAIN) if any still has
// references.
func (t *Tracker) RSDelAll(peerIdx int) error {
	p := t.peer(peerIdx)
	t.lock.Acquire()
	defer t.lock.Release()

	for i := 0; i < p.cache.NrElements(); i++ {
		e := p.cache.ElementByIndex(i)
		if e.Number != constants.LCFree && e.Refcnt != 0 {
			return errs.New("rs_del_all", errs.CodeBusy, "BM extent still referenced")
		}
	}
	for i := 0; i < p.cache.NrElements(); i++ {
		e := p.cache.ElementByIndex(i)
		if e.Number != constants.LCFree {
			p.cache.Del(e)
		}
	}
	return nil
}

// Busy implements al.ResyncView: true if any peer's BM extent
// overlapping alEnr currently has BME_NO_WRITES set. Must be called
// with the shared lock held (al's fast path holds it already).
func (t *Tracker) Busy(alEnr uint32) bool {
	bmEnr := alEnr / constants.ALExtentsPerBMExtent
	for _, p := range t.peers {
		if e, ok := p.cache.Find(bmEnr); ok {
			if st, ok := e.Payload.(*bmState); ok && st.Flags&constants.BMENoWrites != 0 {
				return true
			}
		}
	}
	return false
}

// TryElevatePriority implements al.ResyncView: sets BME_PRIORITY on
// every overlapping, NO_WRITES-holding BM extent, waking the shared
// waitset if any of them newly got it (spec.md §4.D.2 step 1). Must be
// called with the shared lock held.
func (t *Tracker) TryElevatePriority(alEnr uint32) (refused, newlySet bool) {
	bmEnr := alEnr / constants.ALExtentsPerBMExtent
	for _, p := range t.peers {
		e, ok := p.cache.Find(bmEnr)
		if !ok {
			continue
		}
		st, ok := e.Payload.(*bmState)
		if !ok || st.Flags&constants.BMENoWrites == 0 {
			continue
		}
		refused = true
		if st.Flags&constants.BMEPriority == 0 {
			st.Flags |= constants.BMEPriority
			newlySet = true
		}
	}
	if newlySet {
		t.lock.Broadcast()
	}
	return refused, newlySet
}

// ExtentInSync is extent_in_sync (spec.md §4.E.4).
func (t *Tracker) ExtentInSync(peerIdx int, bmEnr uint32) bool {
	p := t.peer(peerIdx)

	switch p.State {
	case StateEstablished:
		if p.Bitmap.TotalWeight() == 0 {
			return true
		}
		first := uint64(bmEnr) * constants.BitsPerBMExtent
		last := first + constants.BitsPerBMExtent - 1
		return p.Bitmap.CountBits(first, last) == 0
	case StateSyncSource:
		sector := uint64(bmEnr) * constants.SectorsPerBMExtent
		if err := t.TryRSBeginIO(peerIdx, sector); err != nil {
			return false
		}
		t.lock.Acquire()
		e, ok := p.cache.Find(bmEnr)
		inSync := ok && e.Payload.(*bmState).RsLeft == 0
		t.lock.Release()
		_ = t.RSCompleteIO(peerIdx, sector)
		return inSync
	default:
		return false
	}
}

// TryClearOnDiskBM is try_clear_on_disk_bm (spec.md §4.E.3).
func (t *Tracker) TryClearOnDiskBM(peerIdx int, bmEnr uint32, count uint32, success bool) error {
	p := t.peer(peerIdx)

	t.lock.Acquire()
	e, existed := p.cache.Find(bmEnr)
	if !existed {
		var ok bool
		e, ok = p.cache.GetCumulative(bmEnr)
		if !ok {
			t.lock.Release()
			return errs.New("try_clear_on_disk_bm", errs.CodeBusy, "no evictable BM extent slot")
		}
		e.Payload = t.freshBMState(p, bmEnr)
		p.cache.Put(e)
	}

	st := e.Payload.(*bmState)
	if success {
		// A freshly installed slot was counted from the bitmap after
		// the clear, so count is already reflected in its rs_left.
		if existed {
			st.RsLeft -= count
		}
	} else {
		st.RsFailed += count
		p.TotalRsFailed += uint64(count)
	}
	if st.RsLeft < st.RsFailed {
		first := uint64(bmEnr) * constants.BitsPerBMExtent
		last := first + constants.BitsPerBMExtent - 1
		st.RsLeft = uint32(p.Bitmap.CountBits(first, last)) + st.RsFailed
	}

	finished := st.RsLeft == st.RsFailed
	if finished {
		st.RsFailed = 0
	}
	t.lock.Release()

	if finished {
		t.queueBitmapWriteout(peerIdx, bmEnr)
	}
	return nil
}

// queueBitmapWriteout is spec.md §4.E.3 step 3: write the region's
// bitmap, decide a peer-in-sync notification mask, send it, and check
// for a device-wide resync-finished condition. Runs on the dedicated
// worker since it performs I/O and must not block the caller.
func (t *Tracker) queueBitmapWriteout(peerIdx int, bmEnr uint32) {
	t.worker.SubmitAsync(func() error {
		err := t.writeoutOnce(peerIdx, bmEnr)
		if t.writeoutObserver != nil {
			t.writeoutObserver(peerIdx, bmEnr, err)
		}
		return err
	})
}

func (t *Tracker) writeoutOnce(peerIdx int, bmEnr uint32) error {
	p := t.peer(peerIdx)
	first := uint64(bmEnr) * constants.BitsPerBMExtent
	last := first + constants.BitsPerBMExtent - 1
	if err := p.Bitmap.WriteRange(t.metaFS, first, last); err != nil {
		return errs.Wrap("rs_bitmap_writeout", errs.CodeIOError, err)
	}

	if t.sink != nil && t.localRole == RoleSyncSource {
		var mask uint64
		for idx, peer := range t.peers {
			if peer.ProtocolVersion < minPeersInSyncProtocolVersion {
				continue
			}
			if t.ExtentInSync(idx, bmEnr) {
				mask |= 1 << uint(idx)
			}
		}
		if mask != 0 {
			sector := first * constants.SectorsPerBit
			t.sink.PeersInSync(mask, sector, constants.BitsPerBMExtent*constants.BitmapBlockSize)
		}
	}

	t.maybeSignalResyncFinished(p, peerIdx)
	return nil
}

// maybeSignalResyncFinished is spec.md §4.E.3 step 3(d): once a peer's
// total out-of-sync weight has dropped to no more than its accumulated
// rs_failed count, every remaining out-of-sync bit is there because of
// an I/O failure rather than pending resync work, so resync is done.
// Mirrors w_update_odbm (_examples/original_source/drbd/drbd_actlog.c)
// comparing drbd_bm_total_weight(device) against rs_failed.
func (t *Tracker) maybeSignalResyncFinished(p *Peer, peerIdx int) {
	t.lock.Acquire()
	finished := p.Bitmap.TotalWeight() <= p.TotalRsFailed && !p.resyncFinishedFired
	if finished {
		p.resyncFinishedFired = true
	}
	t.lock.Release()

	if finished && t.onResyncFinished != nil {
		t.onResyncFinished(peerIdx)
	}
}
