package rs

import (
	"time"

	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
)

func (t *Tracker) validateSize(size uint32) error {
	if size%constants.SectorSize != 0 {
		return errs.New("validate_size", errs.CodeLogicError, "size not a multiple of 512")
	}
	if size > constants.MaxBioSize {
		return errs.New("validate_size", errs.CodeLogicError, "size exceeds MAX_BIO_SIZE")
	}
	return nil
}

// targetPeers resolves an optional peer index into the set of runtime
// peer indices an operation applies to — all of them if peerIdx is nil
// (spec.md §4.F "or all peers if peer is unspecified").
func (t *Tracker) targetPeers(peerIdx *int) []int {
	if peerIdx != nil {
		return []int{*peerIdx}
	}
	idxs := make([]int, len(t.peers))
	for i := range t.peers {
		idxs[i] = i
	}
	return idxs
}

// roundedBitRange computes the inclusive bit range touched by
// [sector, sector+size), rounding the start bit up and the end bit
// down so only fully-covered 4 KiB blocks are affected — except that a
// range reaching the last sector of the device includes its trailing
// partial bit (spec.md §4.F "set_in_sync" rounding rule).
func roundedBitRange(sector uint64, size uint32, nrSectors uint64) (first, last uint64, ok bool) {
	if size == 0 {
		return 0, 0, false
	}
	endSector := sector + uint64(size)/constants.SectorSize // one past the last touched sector
	first = (sector + constants.SectorsPerBit - 1) / constants.SectorsPerBit
	var endBitExclusive uint64
	if nrSectors > 0 && endSector >= nrSectors {
		endBitExclusive = (endSector + constants.SectorsPerBit - 1) / constants.SectorsPerBit
	} else {
		endBitExclusive = endSector / constants.SectorsPerBit
	}
	if endBitExclusive == 0 || first >= endBitExclusive {
		return 0, 0, false
	}
	return first, endBitExclusive - 1, true
}

// unroundedBitRange computes the inclusive bit range touched by
// [sector, sector+size), with any partially-covered bit at either end
// included (spec.md §4.F "set_out_of_sync" — "any touched bit is
// marked").
func unroundedBitRange(sector uint64, size uint32) (first, last uint64, ok bool) {
	if size == 0 {
		return 0, 0, false
	}
	lastSector := sector + uint64(size)/constants.SectorSize - 1
	first = sector / constants.SectorsPerBit
	last = lastSector / constants.SectorsPerBit
	return first, last, true
}

func bmExtentsForBitRange(first, last uint64) []uint32 {
	firstExt := uint32(first / constants.BitsPerBMExtent)
	lastExt := uint32(last / constants.BitsPerBMExtent)
	exts := make([]uint32, 0, lastExt-firstExt+1)
	for e := firstExt; e <= lastExt; e++ {
		exts = append(exts, e)
	}
	return exts
}

func clampToExtent(first, last uint64, ext uint32) (uint64, uint64) {
	extFirst := uint64(ext) * constants.BitsPerBMExtent
	extLast := extFirst + constants.BitsPerBMExtent - 1
	if first < extFirst {
		first = extFirst
	}
	if last > extLast {
		last = extLast
	}
	return first, last
}

// SetInSync is set_in_sync (spec.md §4.F): clears the fully-covered
// bits of [sector, sector+size) for the given peer (or every peer),
// persists the cleared count per BM extent via TryClearOnDiskBM, and
// advances the resync rate-tracking window.
func (t *Tracker) SetInSync(sector uint64, size uint32, peerIdx *int) error {
	if err := t.validateSize(size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	first, last, ok := roundedBitRange(sector, size, t.nrSectors)
	if !ok {
		return nil
	}

	targets := t.targetPeers(peerIdx)
	now := time.Now()

	for _, idx := range targets {
		p := t.peer(idx)
		for _, ext := range bmExtentsForBitRange(first, last) {
			subFirst, subLast := clampToExtent(first, last, ext)

			t.lock.Acquire()
			cleared := p.Bitmap.ClearBits(subFirst, subLast)
			t.lock.Release()

			if cleared == 0 {
				continue
			}
			if err := t.TryClearOnDiskBM(idx, ext, uint32(cleared), true); err != nil {
				return err
			}
		}
		p.advanceSyncMarks(now)
	}
	return nil
}

// SetOutOfSync is set_out_of_sync (spec.md §4.F): marks any touched
// bit of [sector, sector+size) out-of-sync for the given peer (or
// every peer), bumping rs_left on already-tracked BM extents.
func (t *Tracker) SetOutOfSync(sector uint64, size uint32, peerIdx *int) error {
	if err := t.validateSize(size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	first, last, ok := unroundedBitRange(sector, size)
	if !ok {
		return nil
	}

	t.lock.Acquire()
	defer t.lock.Release()

	for _, idx := range t.targetPeers(peerIdx) {
		p := t.peer(idx)
		for _, ext := range bmExtentsForBitRange(first, last) {
			subFirst, subLast := clampToExtent(first, last, ext)
			n := p.Bitmap.SetBits(subFirst, subLast)
			if n == 0 {
				continue
			}
			if e, ok := p.cache.Find(ext); ok {
				if st, ok := e.Payload.(*bmState); ok {
					st.RsLeft += uint32(n)
				}
			}
			// New out-of-sync work means any earlier resync-finished
			// signal no longer holds; let it fire again once this round
			// drains.
			p.resyncFinishedFired = false
		}
	}
	return nil
}

// SetAllOutOfSync is set_all_out_of_sync (SUPPLEMENTED FEATURES,
// restored from drbd_set_all_out_of_sync): set_out_of_sync applied to
// every peer tracked by this Tracker, whatever its connection state.
func (t *Tracker) SetAllOutOfSync(sector uint64, size uint32) error {
	return t.SetOutOfSync(sector, size, nil)
}

// RSFailedIO is rs_failed_io (SUPPLEMENTED FEATURES, restored from
// drbd_rs_failed_io): marks a range out-of-sync using set_out_of_sync's
// unrounded rule, then bumps rs_failed by the full post-set out-of-sync
// bit count in range (not just the newly-flipped delta), on every
// tracked BM extent the range overlaps.
func (t *Tracker) RSFailedIO(sector uint64, size uint32, peerIdx *int) error {
	if err := t.validateSize(size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	first, last, ok := unroundedBitRange(sector, size)
	if !ok {
		return nil
	}

	t.lock.Acquire()
	defer t.lock.Release()

	for _, idx := range t.targetPeers(peerIdx) {
		p := t.peer(idx)
		for _, ext := range bmExtentsForBitRange(first, last) {
			subFirst, subLast := clampToExtent(first, last, ext)
			p.Bitmap.SetBits(subFirst, subLast)
			total := uint32(p.Bitmap.CountBits(subFirst, subLast))
			if e, ok := p.cache.Find(ext); ok {
				if st, ok := e.Payload.(*bmState); ok {
					st.RsFailed += total
				}
			}
			p.TotalRsFailed += uint64(total)
		}
	}
	return nil
}

// SetSync is set_sync (spec.md §4.F): a composite primitive applying
// set_out_of_sync or set_in_sync per peer according to a bitmask.
// Peer indices in mask beyond this Tracker's live peer list are
// out of scope (no raw, connection-less bitmap is modeled here — see
// DESIGN.md) and are silently skipped.
func (t *Tracker) SetSync(sector uint64, size uint32, bits, mask uint64) error {
	for i := 0; i < 64; i++ {
		bit := uint64(1) << uint(i)
		if mask&bit == 0 {
			continue
		}
		if i >= len(t.peers) {
			continue
		}
		idx := i
		if bits&bit != 0 {
			if err := t.SetOutOfSync(sector, size, &idx); err != nil {
				return err
			}
		} else {
			if err := t.SetInSync(sector, size, &idx); err != nil {
				return err
			}
		}
	}
	return nil
}
