package rs

import (
	"time"

	"github.com/nblockio/actlog/internal/constants"
)

// advanceSyncMarks pushes a new (time, still-to-go) sample onto the
// peer's mark ring once at least SyncMarkStep has elapsed since the
// last one (SPEC_FULL.md §3, restored from drbd_advance_rs_marks).
func (p *Peer) advanceSyncMarks(now time.Time) {
	if !p.lastMark.IsZero() && now.Sub(p.lastMark) < constants.SyncMarkStep {
		return
	}
	p.lastMark = now
	p.markIdx = (p.markIdx + 1) % constants.SyncMarks
	p.marks[p.markIdx] = syncMark{at: now, left: p.Bitmap.TotalWeight()}
}

// SyncRate estimates resync throughput in bits (4 KiB blocks) per
// second, comparing the current remaining weight against the oldest
// sample still held in the ring. Returns 0 until enough history has
// accumulated.
func (p *Peer) SyncRate() float64 {
	oldestIdx := (p.markIdx + 1) % constants.SyncMarks
	oldest := p.marks[oldestIdx]
	if oldest.at.IsZero() {
		return 0
	}
	elapsed := time.Since(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	stillToGo := p.Bitmap.TotalWeight()
	delta := float64(oldest.left) - float64(stillToGo)
	if delta < 0 {
		return 0
	}
	return delta / elapsed
}
