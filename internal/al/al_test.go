package al

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nblockio/actlog/internal/backend"
	"github.com/nblockio/actlog/internal/bitmap"
	"github.com/nblockio/actlog/internal/constants"
	"github.com/nblockio/actlog/internal/errs"
	"github.com/nblockio/actlog/internal/mdio"
	"github.com/nblockio/actlog/internal/worker"
)

// noopResync never refuses and never reports busy, so tests that don't
// care about resync interaction can ignore it entirely.
type noopResync struct{}

func (noopResync) Busy(uint32) bool                           { return false }
func (noopResync) TryElevatePriority(uint32) (bool, bool) { return false, false }

// scriptedResync lets a test drive Busy/TryElevatePriority explicitly.
type scriptedResync struct {
	busy    map[uint32]bool
	refused map[uint32]bool
}

func (s *scriptedResync) Busy(enr uint32) bool { return s.busy[enr] }
func (s *scriptedResync) TryElevatePriority(enr uint32) (refused, newlySet bool) {
	if s.refused[enr] {
		return true, true
	}
	return false, false
}

func newTestLog(t *testing.T, capacity, maxPending int, updates bool) *Log {
	t.Helper()
	meta := backend.NewMemory(16 << 20)
	w := worker.New(4)
	t.Cleanup(w.Stop)
	gate := mdio.New(meta, 0, nil)
	t.Cleanup(func() { _ = gate.Close() })

	peers := []*bitmap.Bitmap{bitmap.New(1<<20, 0)}

	cfg := Config{Stripes: 1, StripeSize4k: 64, Updates: updates}
	l := New(NewLock(), capacity, maxPending, gate, w, peers, meta, 0, 4096,
		func() Config { return cfg })
	l.SetResyncView(noopResync{})
	return l
}

func TestBeginIOFastpathFailsUntilExtentEstablished(t *testing.T) {
	l := newTestLog(t, 10, 8, true)

	// Not yet active: fastpath must fail and never install anything.
	require.False(t, l.BeginIOFastpath(0, constants.MetadataBlockSize))

	// Establish the extent via the slow path, then commit the transaction.
	needTx := l.BeginIOPrepare(0, constants.MetadataBlockSize)
	require.True(t, needTx)
	require.NoError(t, l.BeginIOCommit(false))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))

	// Now the extent is installed and unreferenced: fastpath succeeds.
	require.True(t, l.BeginIOFastpath(0, constants.MetadataBlockSize))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestBeginIOFastpathRefusesMultiExtentIO(t *testing.T) {
	l := newTestLog(t, 10, 8, true)
	size := uint32(2 * constants.ALExtentSize)
	require.False(t, l.BeginIOFastpath(0, size))
}

func TestBeginIOFastpathRespectsResyncBusy(t *testing.T) {
	l := newTestLog(t, 10, 8, true)
	require.NoError(t, l.BeginIOCommit(false)) // no-op, nothing pending

	needTx := l.BeginIOPrepare(0, constants.MetadataBlockSize)
	require.True(t, needTx)
	require.NoError(t, l.BeginIOCommit(false))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))

	l.SetResyncView(&scriptedResync{busy: map[uint32]bool{0: true}})
	require.False(t, l.BeginIOFastpath(0, constants.MetadataBlockSize))
}

// Scenario 2 (spec.md §8): AL capacity 2, three distinct extents used
// sequentially with al_updates=true. Exactly one transaction is persisted
// per commit and tr_number increments by one each time.
func TestSlowPathCommitsOneTransactionPerNewExtent(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	extents := []uint64{0, 1, 2}
	var trBefore uint32
	for i, enr := range extents {
		sector := enr * constants.SectorsPerALExtent
		needTx := l.BeginIOPrepare(sector, constants.MetadataBlockSize)
		require.Truef(t, needTx, "extent %d: expected a new install", enr)

		trBefore = l.TrNumber()
		require.NoError(t, l.BeginIOCommit(false))
		require.Equal(t, trBefore+1, l.TrNumber(), "tr_number must advance by exactly one")
		require.Equal(t, uint64(i+1), l.WritCount())

		require.NoError(t, l.CompleteIO(sector, constants.MetadataBlockSize))
	}
}

func TestBeginIOPrepareReusesAlreadyInstalledExtent(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.BeginIOCommit(false))

	// Re-requesting the same, already-installed extent needs no transaction.
	require.False(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

// Two application writes racing to the same cold extent before either
// commits must share one pending LRU slot, not each evict their own
// (regression test for the lru.Cache leak described at
// internal/lru/lru.go's pendingByNewNumber).
func TestBeginIOPrepareTwiceForColdExtentSharesOnePendingSlot(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	needTx1 := l.BeginIOPrepare(0, constants.MetadataBlockSize)
	require.True(t, needTx1)

	needTx2 := l.BeginIOPrepare(0, constants.MetadataBlockSize)
	require.True(t, needTx2)

	// Only one slot was ever consumed from the 2-element cache: a second,
	// distinct extent must still fit without starving.
	needTx3 := l.BeginIOPrepare(constants.SectorsPerALExtent, constants.MetadataBlockSize)
	require.True(t, needTx3)

	require.NoError(t, l.BeginIOCommit(false))
	require.Equal(t, uint64(1), l.WritCount())

	// Both prepares against extent 0 must each be completed independently;
	// a third, unbalanced CompleteIO would underflow the refcount and
	// panic, so exactly two must succeed cleanly.
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
	require.True(t, l.BeginIOFastpath(0, constants.MetadataBlockSize))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))

	require.NoError(t, l.CompleteIO(constants.SectorsPerALExtent, constants.MetadataBlockSize))
}

func TestBeginIOCommitNoopWhenNothingPending(t *testing.T) {
	l := newTestLog(t, 2, 8, true)
	require.Equal(t, uint64(0), l.WritCount())
	require.NoError(t, l.BeginIOCommit(false))
	require.Equal(t, uint64(0), l.WritCount())
}

func TestBeginIOCommitViaDelegateRunsOnWorker(t *testing.T) {
	l := newTestLog(t, 2, 8, true)
	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.BeginIOCommit(true))
	require.Equal(t, uint64(1), l.WritCount())
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestBeginIOCommitSkipsDiskWriteWhenUpdatesDisabled(t *testing.T) {
	l := newTestLog(t, 2, 8, false)
	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	// al_updates=false skips the actual disk write inside writeTransaction:
	// the commit still drains pending changes into the in-memory LRU, but
	// tr_number and writCnt only advance for a transaction that was written.
	require.NoError(t, l.BeginIOCommit(false))
	require.Equal(t, uint64(0), l.WritCount())
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestBeginIONonblockSucceedsWithinBudget(t *testing.T) {
	l := newTestLog(t, 4, 8, true)
	err := l.BeginIONonblock(0, constants.MetadataBlockSize)
	require.NoError(t, err)
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestBeginIONonblockReturnsWouldBlockWhenNoEvictableSlot(t *testing.T) {
	l := newTestLog(t, 1, 8, true)

	// Pin the only slot with an outstanding reference via the slow path.
	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))

	err := l.BeginIONonblock(constants.SectorsPerALExtent, constants.MetadataBlockSize)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeWouldBlock))

	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestBeginIONonblockReturnsBusyWhenResyncHoldsPriority(t *testing.T) {
	l := newTestLog(t, 4, 8, true)
	l.SetResyncView(&scriptedResync{refused: map[uint32]bool{0: true}})

	err := l.BeginIONonblock(0, constants.MetadataBlockSize)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeBusy))
}

func TestBeginIONonblockRollsBackOnPartialFailure(t *testing.T) {
	l := newTestLog(t, 4, 8, true)
	l.SetResyncView(&scriptedResync{refused: map[uint32]bool{1: true}})

	size := uint32(2 * constants.ALExtentSize) // spans extents 0 and 1
	err := l.BeginIONonblock(0, size)
	require.Error(t, err)

	// Extent 0 must have been rolled back: its reference was returned, so
	// the slot is reusable by a fresh nonblock call without hitting the
	// budget.
	l.SetResyncView(noopResync{})
	err = l.BeginIONonblock(0, constants.MetadataBlockSize)
	require.NoError(t, err)
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
}

func TestCompleteIOOnUnknownExtentIsLogicError(t *testing.T) {
	l := newTestLog(t, 2, 8, true)
	err := l.CompleteIO(0, constants.MetadataBlockSize)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeLogicError))
}

// P1: the sum of refcounts across overlapping extents never goes negative,
// and every begin_io must be matched by a complete_io before Shrink can
// reclaim the slot.
func TestRefcountInvariantAcrossBeginCompleteSequence(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.BeginIOCommit(false))

	e, ok := l.cache.Find(0)
	require.True(t, ok)
	require.Equal(t, uint32(1), e.Refcnt)

	require.True(t, l.BeginIOFastpath(0, constants.MetadataBlockSize))
	require.Equal(t, uint32(2), e.Refcnt)

	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
	require.Equal(t, uint32(1), e.Refcnt)
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))
	require.Equal(t, uint32(0), e.Refcnt)
}

func TestShrinkDropsUnreferencedExtents(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.BeginIOCommit(false))
	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))

	require.NoError(t, l.Shrink())

	_, ok := l.cache.Find(0)
	require.False(t, ok, "shrink must drop the unreferenced slot")
}

func TestShrinkWaitsOutReferencedExtent(t *testing.T) {
	l := newTestLog(t, 2, 8, true)

	require.True(t, l.BeginIOPrepare(0, constants.MetadataBlockSize))
	require.NoError(t, l.BeginIOCommit(false))
	// leave refcount at 1 (never completed)

	done := make(chan error, 1)
	go func() { done <- l.Shrink() }()

	select {
	case <-done:
		t.Fatal("shrink must block while the extent is still referenced")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.CompleteIO(0, constants.MetadataBlockSize))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shrink never woke after complete_io")
	}

	_, ok := l.cache.Find(0)
	require.False(t, ok)
}
