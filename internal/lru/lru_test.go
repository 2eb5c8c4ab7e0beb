package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetInstallsAndEvicts(t *testing.T) {
	c := NewCache(2, 4)

	e1, ok := c.Get(10)
	require.True(t, ok)
	c.Committed()
	require.True(t, c.IsUsed(10))

	e2, ok := c.Get(11)
	require.True(t, ok)
	c.Committed()
	require.True(t, c.IsUsed(11))

	c.Put(e1)
	c.Put(e2)

	// Both slots are free now; installing a third number evicts the LRU
	// victim (10, since 11 was touched more recently).
	e3, ok := c.Get(12)
	require.True(t, ok)
	require.Equal(t, uint32(12), e3.NewNumber)
	c.Committed()
	require.True(t, c.IsUsed(12))
	require.False(t, c.IsUsed(10))
	require.True(t, c.IsUsed(11))
}

func TestGetStarvesWhenNothingEvictable(t *testing.T) {
	c := NewCache(1, 4)
	e1, ok := c.Get(1)
	require.True(t, ok)
	c.Committed()
	_ = e1

	// e1's refcount is still 1 (never Put); nothing can be evicted.
	_, ok = c.Get(2)
	require.False(t, ok)
	require.True(t, c.Starving())
}

func TestCancelRevertsPending(t *testing.T) {
	c := NewCache(2, 4)
	e, ok := c.Get(5)
	require.True(t, ok)
	require.Equal(t, uint32(5), e.NewNumber)

	c.Cancel()
	require.False(t, c.IsUsed(5))
	require.Equal(t, 0, c.PendingChanges())
}

func TestGetTwiceForSameNumberBeforeCommitSharesOneSlot(t *testing.T) {
	c := NewCache(2, 4)

	e1, ok := c.Get(7)
	require.True(t, ok)
	require.Equal(t, uint32(7), e1.NewNumber)
	require.Equal(t, uint32(1), e1.Refcnt)

	// A second Get for the same not-yet-committed number must return the
	// same pending slot rather than evicting a fresh one.
	e2, ok := c.Get(7)
	require.True(t, ok)
	require.Same(t, e1, e2)
	require.Equal(t, uint32(2), e1.Refcnt)
	require.Equal(t, 1, c.PendingChanges())

	c.Committed()
	require.True(t, c.IsUsed(7))
	require.Equal(t, 1, c.Used())

	found, ok := c.Find(7)
	require.True(t, ok)
	require.Same(t, e1, found)
}

func TestTryLockForTransaction(t *testing.T) {
	c := NewCache(1, 1)
	require.True(t, c.TryLockForTransaction())
	require.False(t, c.TryLockForTransaction())
	c.Unlock()
	require.True(t, c.TryLockForTransaction())
}

func TestDelRequiresZeroRefcount(t *testing.T) {
	c := NewCache(1, 1)
	e, ok := c.Get(1)
	require.True(t, ok)
	c.Committed()

	require.False(t, c.Del(e))
	c.Put(e)
	require.True(t, c.Del(e))
	require.False(t, c.IsUsed(1))
}

func TestResetClearsRegardlessOfRefcount(t *testing.T) {
	c := NewCache(2, 2)
	e, ok := c.Get(3)
	require.True(t, ok)
	c.Committed()
	require.Equal(t, uint32(1), e.Refcnt)

	c.Reset()
	require.False(t, c.IsUsed(3))
	require.Equal(t, 0, c.Used())
}
