package al

import (
	"context"
	"sync"
)

// Lock is al_lock (spec.md §5): a single mutex protecting the AL LRU,
// every peer's resync LRU, and all BM-extent flags, plus the condition
// variable callers block and wake on (the "AL waitset"). It is shared
// between internal/al and internal/rs — both packages are handed the
// same *Lock by whatever constructs them, exactly the way al_lock
// guards state owned by two cooperating subsystems in the original.
type Lock struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLock creates an unlocked Lock with its waitset ready to use.
func NewLock() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire takes al_lock.
func (l *Lock) Acquire() { l.mu.Lock() }

// Release gives up al_lock.
func (l *Lock) Release() { l.mu.Unlock() }

// Wait blocks on the AL waitset. Caller must hold the lock; it is
// released for the duration of the wait and re-acquired before Wait
// returns, exactly like sync.Cond.Wait.
func (l *Lock) Wait() { l.cond.Wait() }

// Broadcast wakes every waiter on the AL waitset. Caller must hold the
// lock.
func (l *Lock) Broadcast() { l.cond.Broadcast() }

// WaitCtx blocks on the AL waitset like Wait, but returns ctx.Err() if
// ctx is cancelled before a Broadcast wakes this waiter — the
// interruptible wait used by rs_begin_io (spec.md §9 "Interruptible
// waits"). Caller must hold the lock; it is released for the duration
// of the wait, same as Wait.
func (l *Lock) WaitCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-stop:
		}
	}()
	l.cond.Wait()
	close(stop)
	return ctx.Err()
}
