// Package bitmap implements the per-peer resync bitmap store collaborator
// (spec.md §6, component C): one bit per 4 KiB block, range set/clear/count,
// "mark for writeout" hinting, and a commit-hinted flush to a backing
// device. Bitmap-page I/O itself is explicitly out of this core's design
// scope (spec.md §1) — the persistence path here is deliberately simple,
// a page-grained flush to whatever Backend the caller supplies.
package bitmap

import (
	"sync"

	"github.com/nblockio/actlog/internal/constants"
)

// Backend is the minimal persistence surface a Bitmap needs: aligned
// page writes to a metadata device. internal/backend implementations
// satisfy this.
type Backend interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
}

// bitsPerPage is how many bitmap bits fit in one on-disk 4 KiB page.
const bitsPerPage = constants.MetadataBlockSize * 8

// Bitmap is one peer's out-of-sync bitmap: 0 = in-sync, 1 = out-of-sync.
type Bitmap struct {
	mu       sync.Mutex
	words    []uint64
	nrBits   uint64
	dirty    map[uint64]bool // page index -> needs writeout
	baseSector int64          // sector where page 0 of the bitmap begins
}

// New creates a bitmap covering nrBits 4 KiB blocks, all initially in-sync.
// baseSector is where the bitmap's on-disk image begins, used by
// WriteHinted/WriteRange to compute page offsets.
func New(nrBits uint64, baseSector int64) *Bitmap {
	return &Bitmap{
		words:      make([]uint64, (nrBits+63)/64),
		nrBits:     nrBits,
		dirty:      make(map[uint64]bool),
		baseSector: baseSector,
	}
}

func (b *Bitmap) clampRange(first, last uint64) (uint64, uint64, bool) {
	if first > last || first >= b.nrBits {
		return 0, 0, false
	}
	if last >= b.nrBits {
		last = b.nrBits - 1
	}
	return first, last, true
}

// SetBits sets bits [first, last] inclusive and returns how many flipped
// from 0 to 1.
func (b *Bitmap) SetBits(first, last uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, ok := b.clampRange(first, last)
	if !ok {
		return 0
	}
	n := 0
	for bit := first; bit <= last; bit++ {
		w, m := bit/64, uint64(1)<<(bit%64)
		if b.words[w]&m == 0 {
			b.words[w] |= m
			n++
		}
	}
	return n
}

// ClearBits clears bits [first, last] inclusive and returns how many
// flipped from 1 to 0.
func (b *Bitmap) ClearBits(first, last uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, ok := b.clampRange(first, last)
	if !ok {
		return 0
	}
	n := 0
	for bit := first; bit <= last; bit++ {
		w, m := bit/64, uint64(1)<<(bit%64)
		if b.words[w]&m != 0 {
			b.words[w] &^= m
			n++
		}
	}
	return n
}

// CountBits counts set bits in [first, last] inclusive.
func (b *Bitmap) CountBits(first, last uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, ok := b.clampRange(first, last)
	if !ok {
		return 0
	}
	n := 0
	for bit := first; bit <= last; bit++ {
		w, m := bit/64, uint64(1)<<(bit%64)
		if b.words[w]&m != 0 {
			n++
		}
	}
	return n
}

// TotalWeight returns the total number of set (out-of-sync) bits.
func (b *Bitmap) TotalWeight() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, w := range b.words {
		total += uint64(popcount(w))
	}
	return total
}

func popcount(w uint64) int {
	n := 0
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}

// MarkRangeForWriteout flags the on-disk page(s) covering [first, last] as
// needing a flush before they may be relied upon (spec.md §4.D.3 step 2,
// §4.D invariant "Bitmap mark-for-writeout hints ... flushed to disk before
// the AL transaction that evicts it is submitted").
func (b *Bitmap) MarkRangeForWriteout(first, last uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, last, ok := b.clampRange(first, last)
	if !ok {
		return
	}
	for page := first / bitsPerPage; page <= last/bitsPerPage; page++ {
		b.dirty[page] = true
	}
}

// WriteHinted flushes every page previously marked by MarkRangeForWriteout
// and clears their dirty flags. It is the gate the AL transaction commit
// must pass through before submitting the transaction itself (spec.md
// §4.D.3 step 5).
func (b *Bitmap) WriteHinted(backend Backend) error {
	b.mu.Lock()
	pages := make([]uint64, 0, len(b.dirty))
	for p := range b.dirty {
		pages = append(pages, p)
	}
	b.mu.Unlock()

	for _, p := range pages {
		if err := b.writePage(backend, p); err != nil {
			return err
		}
		b.mu.Lock()
		delete(b.dirty, p)
		b.mu.Unlock()
	}
	return nil
}

// WriteRange unconditionally flushes the page(s) covering one BM extent's
// bit range, regardless of dirty hints — used by the delayed on-disk
// bitmap writeout triggered when an extent's resync finishes (spec.md
// §4.E.3 step 3a).
func (b *Bitmap) WriteRange(backend Backend, first, last uint64) error {
	first, last, ok := b.clampRange(first, last)
	if !ok {
		return nil
	}
	for page := first / bitsPerPage; page <= last/bitsPerPage; page++ {
		if err := b.writePage(backend, page); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bitmap) writePage(backend Backend, page uint64) error {
	buf := make([]byte, constants.MetadataBlockSize)
	b.mu.Lock()
	base := page * bitsPerPage / 64
	words := constants.MetadataBlockSize / 8
	for i := 0; i < words && int(base)+i < len(b.words); i++ {
		putLE(buf[i*8:i*8+8], b.words[int(base)+i])
	}
	b.mu.Unlock()

	off := b.baseSector*constants.SectorSize + int64(page)*constants.MetadataBlockSize
	_, err := backend.WriteAt(buf, off)
	return err
}

func putLE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
