// Package onwire defines the on-disk activity-log transaction format and
// its CRC32C-guarded (de)serialization. The layout is fixed: exactly one
// 4 KiB, big-endian block per transaction (spec.md §3, §6).
package onwire

import (
	"github.com/nblockio/actlog/internal/constants"
)

// Transaction is the in-memory form of one 4096-byte on-disk AL
// transaction block.
//
//	magic:u32, tr_number:u32, crc32c:u32,
//	transaction_type:u16, n_updates:u16,
//	context_size:u16, context_start_slot_nr:u16,
//	reserved:u32[4],                                 //  36 B
//	update_slot_nr:u16[UpdatesPerTransaction],        // +128
//	update_extent_nr:u32[UpdatesPerTransaction],      // +256 -> 420 B
//	context:u32[ContextPerTransaction]                // +3676 -> 4096 B
type Transaction struct {
	Magic              uint32
	TrNumber           uint32
	CRC32C             uint32
	TransactionType    uint16
	NUpdates           uint16
	ContextSize        uint16
	ContextStartSlotNr uint16
	Reserved           [4]uint32
	UpdateSlotNr       [constants.UpdatesPerTransaction]uint16
	UpdateExtentNr     [constants.UpdatesPerTransaction]uint32
	Context            [constants.ContextPerTransaction]uint32
}

// NewTransaction returns a transaction with every update slot cleared to
// the "unused" sentinel (slot_nr=0xFFFF, extent_nr=LCFree) and every
// context word set to LCFree, ready to be filled in by the caller.
func NewTransaction() *Transaction {
	t := &Transaction{
		Magic:           constants.ALMagic,
		TransactionType: constants.ALTransactionUpdate,
	}
	for i := range t.UpdateSlotNr {
		t.UpdateSlotNr[i] = 0xFFFF
		t.UpdateExtentNr[i] = constants.LCFree
	}
	for i := range t.Context {
		t.Context[i] = constants.LCFree
	}
	return t
}
