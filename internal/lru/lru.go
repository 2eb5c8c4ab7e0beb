// Package lru implements the generic LRU cache collaborator described in
// spec.md §6 (component B): a fixed-capacity associative cache of
// elements keyed by an extent number, with refcounts, a pending-change
// list, and a single transaction lock. It has no notion of AL extents or
// BM extents — the activity log and resync tracker attach their own
// bookkeeping via each Element's Payload field, the same way DRBD's
// lc_element is embedded as the first member of a larger struct and
// recovered with container_of (spec.md §9 "Design Notes").
//
// Cache is not internally synchronized: every operation is documented in
// spec.md as happening "under the AL spinlock", so the caller (internal/al,
// internal/rs) is responsible for serializing access.
package lru

import "container/list"

// Element is one fixed-capacity slot of the cache.
type Element struct {
	// Number is the currently installed key, or LCFree if the slot holds
	// nothing.
	Number uint32
	// NewNumber is the pending replacement key; differs from Number while
	// an install is queued for the next transaction.
	NewNumber uint32
	// Index is the slot's fixed position, stable for the element's life.
	Index uint16
	// Refcnt counts in-flight users of this slot.
	Refcnt uint32
	// Payload is domain-specific sidecar state (e.g. a BM extent's
	// rs_left/rs_failed/flags). Cache never inspects it.
	Payload any

	node *list.Element // position in the LRU order list, nil if not installed
}

// Cache is a fixed-capacity LRU keyed by uint32 extent number.
type Cache struct {
	elements     []*Element
	order        *list.List // front = most recently used
	byNumber     map[uint32]*Element
	toBeChanged  []*Element
	maxPending   int
	lockedForTx  bool
	starving     bool
	free         []*Element // slots never yet installed
}

const noKey = ^uint32(0)

// NewCache creates a cache of the given fixed capacity. maxPendingChanges
// bounds how many slots may simultaneously await a transaction (spec.md
// §6 "max_pending_changes").
func NewCache(capacity int, maxPendingChanges int) *Cache {
	c := &Cache{
		elements:   make([]*Element, capacity),
		order:      list.New(),
		byNumber:   make(map[uint32]*Element, capacity),
		maxPending: maxPendingChanges,
	}
	for i := range c.elements {
		e := &Element{Number: noKey, NewNumber: noKey, Index: uint16(i)}
		c.elements[i] = e
		c.free = append(c.free, e)
	}
	return c
}

// NrElements is the cache's fixed capacity.
func (c *Cache) NrElements() int { return len(c.elements) }

// Used returns the number of slots currently installed (Number != LCFree).
func (c *Cache) Used() int { return c.order.Len() }

// PendingChanges returns the number of slots awaiting a transaction.
func (c *Cache) PendingChanges() int { return len(c.toBeChanged) }

// MaxPendingChanges returns the configured pending-change budget.
func (c *Cache) MaxPendingChanges() int { return c.maxPending }

// Starving reports whether the last Get failed to find an evictable slot
// (LC_STARVING, spec.md §6).
func (c *Cache) Starving() bool { return c.starving }

// LockedForTransaction reports whether a transaction commit currently
// owns the cache (LC_LOCKED, spec.md §6).
func (c *Cache) LockedForTransaction() bool { return c.lockedForTx }

// ElementByIndex returns the slot at a fixed index, regardless of its
// install state. Used to walk the full AL context (spec.md §4.D.3 step 3).
func (c *Cache) ElementByIndex(i int) *Element { return c.elements[i] }

// ToBeChanged returns the slots currently awaiting a transaction, in the
// order they were queued.
func (c *Cache) ToBeChanged() []*Element { return c.toBeChanged }

// Find looks up an installed element without affecting refcount or LRU
// order.
func (c *Cache) Find(number uint32) (*Element, bool) {
	e, ok := c.byNumber[number]
	return e, ok
}

// IsUsed reports whether number is currently installed.
func (c *Cache) IsUsed(number uint32) bool {
	_, ok := c.byNumber[number]
	return ok
}

func (c *Cache) touch(e *Element) {
	if e.node != nil {
		c.order.MoveToFront(e.node)
	}
}

// TryGet returns the element installed for number, incrementing its
// refcount, without ever evicting. It does not block and does not record
// a pending change.
func (c *Cache) TryGet(number uint32) (*Element, bool) {
	e, ok := c.byNumber[number]
	if !ok {
		return nil, false
	}
	e.Refcnt++
	c.touch(e)
	return e, true
}

// GetCumulative behaves like Get but never adds the result to
// ToBeChanged, matching the "get without marking pending change" variant
// named in spec.md §6 — used by callers (e.g. extent_in_sync) that must
// install/refcount a slot without participating in the next transaction.
func (c *Cache) GetCumulative(number uint32) (*Element, bool) {
	return c.get(number, false)
}

// Get finds or installs a slot for number, evicting the least-recently-used
// zero-refcount slot if necessary, and increments its refcount. If no slot
// can be evicted (all are referenced, or free list and LRU are exhausted)
// it returns (nil, false) and marks the cache starving; the caller is
// expected to retry later. When an eviction or fresh install happens, the
// slot is appended to ToBeChanged so the next transaction picks it up.
func (c *Cache) Get(number uint32) (*Element, bool) {
	return c.get(number, true)
}

func (c *Cache) get(number uint32, trackPending bool) (*Element, bool) {
	if e, ok := c.byNumber[number]; ok {
		e.Refcnt++
		c.touch(e)
		return e, true
	}

	if e := c.pendingByNewNumber(number); e != nil {
		e.Refcnt++
		return e, true
	}

	e := c.evictionCandidate()
	if e == nil {
		c.starving = true
		return nil, false
	}
	c.starving = false

	if e.Number != noKey {
		delete(c.byNumber, e.Number)
		c.order.Remove(e.node)
	}

	e.NewNumber = number
	e.Refcnt++
	if trackPending {
		c.toBeChanged = append(c.toBeChanged, e)
	} else {
		// GetCumulative installs immediately; there is no pending
		// transaction slot to commit later.
		e.Number = number
		e.node = c.order.PushFront(e)
		c.byNumber[number] = e
	}
	return e, true
}

// pendingByNewNumber returns the slot already queued in toBeChanged for
// number, if any. Without this check, a second Get/GetCumulative for an
// extent that some earlier, not-yet-committed Get installed as NewNumber
// would evict a fresh slot and set its NewNumber to the same value;
// Committed's single c.byNumber[e.Number] = e assignment per number
// would then silently drop one of the two entries from byNumber while
// its slot stayed resident in order with a live Refcnt, leaking a
// capacity slot forever (no Find/CompleteIO path could ever reach it
// again).
func (c *Cache) pendingByNewNumber(number uint32) *Element {
	for _, e := range c.toBeChanged {
		if e.NewNumber == number {
			return e
		}
	}
	return nil
}

// InstallRecovered directly installs number into the slot at index,
// bypassing Get's evict/pending-change protocol. It exists only for AL
// crash recovery (spec.md §4.D.4): replay happens before any caller
// can observe the cache, so there is no pending transaction to join
// and no refcount to preserve. number == LCFree-equivalent "unused"
// sentinels are the caller's concern; InstallRecovered installs
// whatever Slots recovery produced verbatim, index by index, leaving
// a slot with the given Number unreferenced and eligible for ordinary
// eviction immediately afterward.
func (c *Cache) InstallRecovered(index int, number uint32) {
	e := c.elements[index]
	if e.Number != noKey {
		delete(c.byNumber, e.Number)
	}
	if e.node != nil {
		c.order.Remove(e.node)
		e.node = nil
	}
	for i, f := range c.free {
		if f == e {
			c.free = append(c.free[:i], c.free[i+1:]...)
			break
		}
	}

	e.Number = number
	e.NewNumber = number
	e.Refcnt = 0
	if number == noKey {
		c.free = append(c.free, e)
		return
	}
	e.node = c.order.PushBack(e)
	c.byNumber[number] = e
}

// evictionCandidate returns a free slot if one exists, else the
// least-recently-used slot with a zero refcount, else nil.
func (c *Cache) evictionCandidate() *Element {
	if n := len(c.free); n > 0 {
		e := c.free[n-1]
		c.free = c.free[:n-1]
		return e
	}
	for back := c.order.Back(); back != nil; back = back.Prev() {
		e := back.Value.(*Element)
		if e.Refcnt == 0 {
			return e
		}
	}
	return nil
}

// Put releases one reference. Callers must not call Put more times than
// they successfully called TryGet/Get/GetCumulative for the same element.
func (c *Cache) Put(e *Element) {
	if e.Refcnt == 0 {
		panic("lru: refcount underflow")
	}
	e.Refcnt--
}

// Del removes an installed, unreferenced element. It returns false (and
// leaves the cache unchanged) if the element still has references —
// callers map that to -EAGAIN (spec.md §4.E.2 rs_del_all).
func (c *Cache) Del(e *Element) bool {
	if e.Refcnt != 0 {
		return false
	}
	if e.Number != noKey {
		delete(c.byNumber, e.Number)
		c.order.Remove(e.node)
	}
	c.removeFromToBeChanged(e)
	e.Number = noKey
	e.NewNumber = noKey
	e.node = nil
	c.free = append(c.free, e)
	return true
}

func (c *Cache) removeFromToBeChanged(e *Element) {
	for i, p := range c.toBeChanged {
		if p == e {
			c.toBeChanged = append(c.toBeChanged[:i], c.toBeChanged[i+1:]...)
			return
		}
	}
}

// Committed installs every pending change (Number = NewNumber) and clears
// the pending-change list, matching the in-memory half of an AL
// transaction commit (spec.md §4.D.3 step 7).
func (c *Cache) Committed() {
	for _, e := range c.toBeChanged {
		if e.Number != noKey {
			delete(c.byNumber, e.Number)
			c.order.Remove(e.node)
		}
		e.Number = e.NewNumber
		e.node = c.order.PushFront(e)
		c.byNumber[e.Number] = e
	}
	c.toBeChanged = c.toBeChanged[:0]
}

// Cancel reverts every pending change (NewNumber = Number) and clears the
// pending-change list — used when a transaction write fails (spec.md §7
// "Recovery policy").
func (c *Cache) Cancel() {
	for _, e := range c.toBeChanged {
		e.NewNumber = e.Number
		if e.Number == noKey {
			c.free = append(c.free, e)
		}
	}
	c.toBeChanged = c.toBeChanged[:0]
}

// TryLockForTransaction attempts to become the sole committer of the next
// transaction. It is a simple test-and-set; callers that lose the race
// wait (on whatever waitset they share) until PendingChanges() reaches
// zero or they acquire the lock themselves (spec.md §4.D.3).
func (c *Cache) TryLockForTransaction() bool {
	if c.lockedForTx {
		return false
	}
	c.lockedForTx = true
	return true
}

// Unlock releases the transaction lock.
func (c *Cache) Unlock() {
	c.lockedForTx = false
}

// Reset forcibly clears every element regardless of refcount, used by
// rs_cancel_all (spec.md §4.E.2) where the caller has already determined
// no further inconsistency can result.
func (c *Cache) Reset() {
	c.order.Init()
	c.byNumber = make(map[uint32]*Element, len(c.elements))
	c.toBeChanged = nil
	c.free = c.free[:0]
	c.starving = false
	c.lockedForTx = false
	for _, e := range c.elements {
		e.Number = noKey
		e.NewNumber = noKey
		e.Refcnt = 0
		e.node = nil
		e.Payload = nil
		c.free = append(c.free, e)
	}
}
