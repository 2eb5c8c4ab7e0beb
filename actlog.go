package actlog

import (
	"context"
	"time"

	"github.com/nblockio/actlog/internal/al"
	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/bitmap"
	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
	"github.com/nblockio/actlog/internal/logging"
	"github.com/nblockio/actlog/internal/mdio"
	"github.com/nblockio/actlog/internal/rs"
	"github.com/nblockio/actlog/internal/worker"
)

// PeerParams describes one replication peer at device construction
// time. Its bitmap is sized from the device's own NrSectors, since
// every peer tracks the same logical device.
type PeerParams struct {
	BMCapacity      int // BM extent LRU capacity, analogous to al_extents
	ProtocolVersion int
	State           rs.PeerState
}

// DeviceParams is everything NewDevice needs to wire an Activity Log
// and Resync Tracker over one metadata backend.
type DeviceParams struct {
	// MetaBackend is where the AL transaction ring and every peer's
	// on-disk bitmap live.
	MetaBackend backend.Backend
	// MDOffsetSectors is the sector offset of the AL transaction ring
	// within MetaBackend (spec.md §6 placement formula).
	MDOffsetSectors uint64
	// NrBlocks is nr_blocks, the size of the Activity Log's on-disk ring
	// in 4 KiB blocks, used for its striped ring placement and recovery
	// scan (0 skips recovery).
	NrBlocks uint32
	// NrSectors is the device's logical size in 512-byte sectors,
	// shared by every peer's bitmap.
	NrSectors uint64
	Peers     []PeerParams
	Config    Config
}

// Options are the optional collaborators a Device can be built with,
// matching the teacher's CreateAndServe(ctx, params, options) shape.
type Options struct {
	Logger   *logging.Logger
	Observer Observer
}

// Device is the root object: one Activity Log, one Resync Tracker per
// configured set of peers, and the metadata I/O gate they share.
type Device struct {
	cfg      *configBox
	gate     *mdio.Gate
	log      *al.Log
	tracker  *rs.Tracker
	worker   *worker.Worker
	peers    []*bitmap.Bitmap
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// NewDevice builds and wires a Device. The Activity Log and Resync
// Tracker are cross-linked via SetResyncView/SetActivityView after
// both exist, the same deferred-wiring step newWiring performs in
// this module's integration tests.
func NewDevice(params DeviceParams, options *Options) (*Device, error) {
	if params.MetaBackend == nil {
		return nil, ErrNoBackend
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := options.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	cfg := params.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	cfgBox := newConfigBox(cfg)

	w := worker.New(cfg.WorkerQueueDepth)

	onForceDetach := func(op string, err error) {
		logger.Errorf("metadata i/o force-detach: op=%s err=%v", op, err)
	}
	gate := mdio.New(params.MetaBackend, deciseconds(cfg.DiskTimeoutDeciseconds), onForceDetach)

	lock := al.NewLock()

	nrBits := params.NrSectors/constants.SectorsPerBit + 1

	peerBitmaps := make([]*bitmap.Bitmap, len(params.Peers))
	rsPeers := make([]rs.PeerConfig, len(params.Peers))
	for i, p := range params.Peers {
		bm := bitmap.New(nrBits, 0)
		peerBitmaps[i] = bm
		rsPeers[i] = rs.PeerConfig{
			Bitmap:          bm,
			Capacity:        p.BMCapacity,
			ProtocolVersion: p.ProtocolVersion,
			State:           p.State,
		}
	}

	alog := al.New(lock, cfg.ALExtents, cfg.MaxPendingChanges, gate, w, peerBitmaps,
		params.MetaBackend, params.MDOffsetSectors, params.NrBlocks,
		func() al.Config { return cfgBox.load().alConfig() })

	if params.NrBlocks > 0 {
		recovered, err := al.Recover(params.MetaBackend, params.MDOffsetSectors, params.NrBlocks,
			cfg.ALStripes, cfg.ALStripeSize4k, cfg.ALExtents)
		if err != nil {
			w.Stop()
			_ = gate.Close()
			return nil, errs.Wrap("new_device", errs.CodeIOError, err)
		}
		alog.InstallRecovered(recovered)
	}

	tracker := rs.New(lock, w, params.MetaBackend, params.NrSectors, rsPeers)
	tracker.SetStepAside(cfg.StepAsideRetries, cfg.StepAsideInterval)

	alog.SetResyncView(tracker)
	tracker.SetActivityView(alog)

	d := &Device{
		cfg:      cfgBox,
		gate:     gate,
		log:      alog,
		tracker:  tracker,
		worker:   w,
		peers:    peerBitmaps,
		metrics:  NewMetrics(),
		observer: observer,
		logger:   logger,
	}
	tracker.SetPeerSink(peerSinkFunc(d.recordPeersInSync))
	tracker.SetWriteoutObserver(d.recordBitmapWriteout)
	tracker.SetResyncFinished(d.recordResyncFinished)
	return d, nil
}

func (d *Device) recordBitmapWriteout(peerIdx int, bmEnr uint32, err error) {
	d.metrics.BitmapWriteouts.Add(1)
	d.observer.ObserveBitmapWriteout(peerIdx, bmEnr, err)
}

func (d *Device) recordResyncFinished(peerIdx int) {
	d.metrics.ResyncFinishedEvents.Add(1)
	d.observer.ObserveResyncFinished(peerIdx)
	d.logger.Infof("resync finished: peer=%d", peerIdx)
}

// peerSinkFunc adapts a plain function to rs.PeerSink.
type peerSinkFunc func(mask uint64, sector uint64, size uint32)

func (f peerSinkFunc) PeersInSync(mask uint64, sector uint64, size uint32) { f(mask, sector, size) }

func (d *Device) recordPeersInSync(mask uint64, sector uint64, size uint32) {
	d.metrics.PeersInSyncSends.Add(1)
}

func deciseconds(ds uint32) time.Duration {
	if ds == 0 {
		return 0
	}
	return time.Duration(ds) * 100 * time.Millisecond
}

// Close stops the device's worker and releases the metadata gate.
// Outstanding refcounts are not waited on; callers must have already
// drained in-flight I/O.
func (d *Device) Close() error {
	d.metrics.Stop()
	d.worker.Stop()
	return d.gate.Close()
}

// Reconfigure swaps the device's tunables wholesale, observed by the
// next read-side critical section in internal/al and internal/rs
// (spec.md §5 RCU-style reconfiguration).
func (d *Device) Reconfigure(cfg Config) {
	d.cfg.store(cfg)
	d.tracker.SetStepAside(cfg.StepAsideRetries, cfg.StepAsideInterval)
}

// Metrics returns the device's live counters.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time copy of the device's counters.
func (d *Device) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }

// --- Activity Log operations (spec.md §4.D) ---

// BeginIOFastpath is begin_io's fast path: true if sector/size lies in
// one extent that is already active and not held by resync. It never
// blocks and never raises resync priority.
func (d *Device) BeginIOFastpath(sector uint64, size uint32) bool {
	hit := d.log.BeginIOFastpath(sector, size)
	if hit {
		d.metrics.FastpathHits.Add(1)
	} else {
		d.metrics.FastpathMisses.Add(1)
	}
	return hit
}

// BeginIOPrepare is begin_io's slow path: activates the extent,
// possibly evicting a cold one, possibly deferring to a pending
// transaction commit.
func (d *Device) BeginIOPrepare(sector uint64, size uint32) bool {
	d.metrics.PrepareCalls.Add(1)
	return d.log.BeginIOPrepare(sector, size)
}

// BeginIONonblock is begin_io's nonblocking variant: returns
// CodeWouldBlock or CodeBusy instead of sleeping when a slot cannot be
// reserved. Slots it newly installs still need a BeginIOCommit.
func (d *Device) BeginIONonblock(sector uint64, size uint32) error {
	err := d.log.BeginIONonblock(sector, size)
	switch {
	case IsCode(err, CodeWouldBlock):
		d.metrics.NonblockWouldBlock.Add(1)
	case IsCode(err, CodeBusy):
		d.metrics.NonblockBusy.Add(1)
	}
	return err
}

// BeginIOCommit writes the pending transaction built up by prior
// BeginIOPrepare calls, observed through Observer.ObserveCommit.
func (d *Device) BeginIOCommit(delegate bool) error {
	before := d.log.WritCount()
	start := time.Now()
	err := d.log.BeginIOCommit(delegate)
	latency := uint64(time.Since(start))
	wrote := err == nil && d.log.WritCount() != before
	d.metrics.RecordCommit(latency, wrote, err)
	d.observer.ObserveCommit(latency, wrote, err)
	return err
}

// CompleteIO is complete_io: drops the extent's refcount, waking
// rs_begin_io waiters if it reaches zero. It commits nothing.
func (d *Device) CompleteIO(sector uint64, size uint32) error {
	d.metrics.CompleteIOCalls.Add(1)
	return d.log.CompleteIO(sector, size)
}

// Shrink evicts every unreferenced Activity Log extent, used when
// shrinking the device or dropping the journal ahead of a full resync.
func (d *Device) Shrink() error {
	err := d.log.Shrink()
	if err == nil {
		d.metrics.ShrinkEvictions.Add(1)
	}
	return err
}

// TrNumber is the Activity Log's current transaction number.
func (d *Device) TrNumber() uint32 { return d.log.TrNumber() }

// WritCount is the cumulative count of transactions written to disk.
func (d *Device) WritCount() uint64 { return d.log.WritCount() }

// --- Resync Tracker operations (spec.md §4.E) ---

// RSBeginIO is rs_begin_io: blocks until the BM extent covering sector
// is free of application-write activity, elevating priority and
// eventually forcing through the step-aside counter rather than
// starving forever.
func (d *Device) RSBeginIO(ctx context.Context, peerIdx int, sector uint64) error {
	d.metrics.RSBeginIOCalls.Add(1)
	err := d.tracker.RSBeginIO(ctx, peerIdx, sector)
	if IsCode(err, CodeInterrupted) {
		d.metrics.RSBeginIOInterrupted.Add(1)
	}
	return err
}

// TryRSBeginIO is rs_begin_io's nonblocking variant.
func (d *Device) TryRSBeginIO(peerIdx int, sector uint64) error {
	err := d.tracker.TryRSBeginIO(peerIdx, sector)
	switch {
	case IsCode(err, CodeWouldBlock):
		d.metrics.TryRSBeginIOWouldBlock.Add(1)
	case IsCode(err, CodeBusy):
		d.metrics.TryRSBeginIOBusy.Add(1)
	}
	return err
}

// RSCompleteIO is rs_complete_io: drops the BM extent's lock, waking
// any begin_io waiter blocked behind BME_NO_WRITES.
func (d *Device) RSCompleteIO(peerIdx int, sector uint64) error {
	return d.tracker.RSCompleteIO(peerIdx, sector)
}

// RSCancelAll is rs_cancel_all: forces every BM extent's lock and
// priority flags off, used when a peer connection drops mid-resync.
func (d *Device) RSCancelAll(peerIdx int) { d.tracker.RSCancelAll(peerIdx) }

// RSDelAll is rs_del_all: evicts every BM extent for a peer, refusing
// if any is still referenced.
func (d *Device) RSDelAll(peerIdx int) error { return d.tracker.RSDelAll(peerIdx) }

// ExtentInSync is extent_in_sync: for an established peer, whether
// every bit in the BM extent is clear; for a sync-source peer, whether
// the extent can be locked without blocking and its cached rs_left is
// zero; false for a peer in any other state.
func (d *Device) ExtentInSync(peerIdx int, bmEnr uint32) bool {
	return d.tracker.ExtentInSync(peerIdx, bmEnr)
}

// TryClearOnDiskBM applies count to a BM extent's rs_left (success) or
// rs_failed (failure), recounting rs_left from the live bitmap when it
// falls below rs_failed, and queues the extent's on-disk writeout once
// rs_left equals rs_failed.
func (d *Device) TryClearOnDiskBM(peerIdx int, bmEnr uint32, count uint32, success bool) error {
	return d.tracker.TryClearOnDiskBM(peerIdx, bmEnr, count, success)
}

// SyncRate returns a peer's recent resync throughput in bits/second,
// averaged over the DRBD_SYNC_MARKS-style rate ring.
func (d *Device) SyncRate(peerIdx int) float64 {
	return d.tracker.Peer(peerIdx).SyncRate()
}

// OutOfSyncWeight is the number of 4 KiB blocks still out of sync for
// one peer, the raw count behind SyncRate's throughput estimate.
func (d *Device) OutOfSyncWeight(peerIdx int) uint64 {
	return d.peers[peerIdx].TotalWeight()
}

// --- Sync-state mutators (spec.md §4.F) ---

// SetInSync clears bits covering sector/size, rounded to fully-covered
// bits, for one peer (peerIdx) or every peer (nil).
func (d *Device) SetInSync(sector uint64, size uint32, peerIdx *int) error {
	err := d.tracker.SetInSync(sector, size, peerIdx)
	if err == nil {
		d.metrics.BitsSetInSync.Add(1)
	}
	return err
}

// SetOutOfSync sets every bit any part of which sector/size touches.
func (d *Device) SetOutOfSync(sector uint64, size uint32, peerIdx *int) error {
	err := d.tracker.SetOutOfSync(sector, size, peerIdx)
	if err == nil {
		d.metrics.BitsSetOutOfSync.Add(1)
	}
	return err
}

// SetAllOutOfSync marks sector/size out of sync for every peer.
func (d *Device) SetAllOutOfSync(sector uint64, size uint32) error {
	return d.tracker.SetAllOutOfSync(sector, size)
}

// RSFailedIO marks sector/size out of sync and bumps rs_failed,
// called when a resync read or write fails.
func (d *Device) RSFailedIO(sector uint64, size uint32, peerIdx *int) error {
	err := d.tracker.RSFailedIO(sector, size, peerIdx)
	if err == nil {
		d.metrics.BitsFailed.Add(1)
	}
	return err
}

// SetSync applies bits/mask as a composite in-sync/out-of-sync update
// across the peers named by mask.
func (d *Device) SetSync(sector uint64, size uint32, bits, mask uint64) error {
	return d.tracker.SetSync(sector, size, bits, mask)
}
