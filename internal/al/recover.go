package al

import (
	"sort"

	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
	"github.com/nblockio/actlog/internal/onwire"
)

// RecoveredState is the in-memory state Recover reconstructs from an
// on-disk AL transaction ring (spec.md §4.D.4 "rolling recovery",
// invariant P2: replaying every durable transaction in tr_number order
// yields a set of slots that covers every extent touched since the
// last successful replay).
type RecoveredState struct {
	TrNumber  uint32
	TrCycle   uint16
	WritCount uint64
	// Slots maps a cache slot index to its recovered AL extent number,
	// or constants.LCFree if that slot was never populated.
	Slots []uint32
}

// Recover reads every physical block of the AL ring and replays every
// CRC-valid transaction, in increasing tr_number order, into a slot
// array the size of the Log's cache capacity. A block that fails
// magic/CRC validation is treated as never written (or a torn write
// from a crash mid-transaction) and skipped, matching onwire.Unmarshal's
// contract.
//
// Two transactions can only ever occupy the same physical sector
// across a full ring wraparound (spec.md §8 seed scenario 3): since
// writeTransaction unconditionally overwrites whatever was previously
// at that sector, the block onwire.Unmarshal decodes from a given
// sector is already, by construction, the last (and therefore
// highest-tr_number) transaction ever written there — there is nothing
// left on disk to compare it against. Replaying every decoded block in
// tr_number order and letting later entries overwrite earlier ones is
// what makes "the maximum-tr_number block wins" hold for the in-memory
// state Recover produces, not a special case in this function.
func Recover(meta backend.Backend, mdOffsetSectors uint64, nrBlocks, stripes, stripeSize4k uint32, capacity int) (*RecoveredState, error) {
	var valid []*onwire.Transaction
	buf := make([]byte, constants.MetadataBlockSize)

	for block := uint32(0); block < nrBlocks; block++ {
		sector := mdOffsetSectors + uint64(block)*(constants.MetadataBlockSize/constants.SectorSize)
		off := int64(sector * constants.SectorSize)
		if _, err := meta.ReadAt(buf, off); err != nil {
			return nil, errs.Wrap("al_recover", errs.CodeIOError, err)
		}
		tr, err := onwire.Unmarshal(buf)
		if err != nil {
			continue
		}
		valid = append(valid, tr)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].TrNumber < valid[j].TrNumber })

	slots := make([]uint32, capacity)
	for i := range slots {
		slots[i] = constants.LCFree
	}

	rs := &RecoveredState{Slots: slots}
	for _, tr := range valid {
		applyRecoveredContext(slots, tr)
		applyRecoveredUpdates(slots, tr)
		rs.WritCount++
		rs.TrNumber = tr.TrNumber + 1
		rs.TrCycle = nextTrCycle(tr, capacity)
	}
	return rs, nil
}

// applyRecoveredContext installs tr's context snapshot into slots,
// mirroring how buildTransaction captured it: tr.Context[i] belongs to
// slot tr.ContextStartSlotNr+i, for as many i as fit before
// tr.ContextSize (the cache capacity at write time).
func applyRecoveredContext(slots []uint32, tr *onwire.Transaction) {
	nrElements := int(tr.ContextSize)
	if nrElements > len(slots) {
		nrElements = len(slots)
	}
	start := int(tr.ContextStartSlotNr)
	for i, v := range tr.Context {
		idx := start + i
		if idx >= nrElements {
			break
		}
		slots[idx] = v
	}
}

// applyRecoveredUpdates overlays tr's actual slot mutations on top of
// its context snapshot, the same order buildTransaction recorded them:
// the context reflects the cache as of the start of this transaction,
// the updates are what this transaction then changed.
func applyRecoveredUpdates(slots []uint32, tr *onwire.Transaction) {
	n := int(tr.NUpdates)
	if n > len(tr.UpdateSlotNr) {
		n = len(tr.UpdateSlotNr)
	}
	for i := 0; i < n; i++ {
		slot := int(tr.UpdateSlotNr[i])
		if slot < 0 || slot >= len(slots) {
			continue
		}
		slots[slot] = tr.UpdateExtentNr[i]
	}
}

// nextTrCycle reproduces buildTransaction's trCycle advance from the
// ContextStartSlotNr a transaction was built with.
func nextTrCycle(tr *onwire.Transaction, nrElements int) uint16 {
	if nrElements == 0 {
		return 0
	}
	return uint16((uint32(tr.ContextStartSlotNr) + constants.ContextPerTransaction) % uint32(nrElements))
}
