// Package worker provides the single dedicated goroutine that owns AL
// transaction commits and background bitmap writeout (spec.md §4.D.3's
// "delegate" path and §3's background on-disk-bitmap writeout). Code
// running on a path that might itself be inside I/O submission — and so
// must not re-enter the submission path synchronously — hands its work
// to this worker and waits for the result, instead of running it inline.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Submit once the worker has been stopped.
var ErrStopped = errors.New("worker: stopped")

// item is one unit of delegated work: run fn, then report its result.
type item struct {
	fn   func() error
	done chan error
}

// Worker runs queued items one at a time, in submission order, on a
// single goroutine — the same "one loop, one item at a time" shape as
// the teacher's queue runner, without its io_uring tag state machine.
type Worker struct {
	items  chan *item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the worker's loop goroutine. queueDepth bounds how many
// items may be pending before Submit blocks the caller.
func New(queueDepth int) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		items:  make(chan *item, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case it := <-w.items:
			it.done <- it.fn()
		case <-w.ctx.Done():
			return
		}
	}
}

// Submit enqueues fn and blocks until it has run, returning its error.
// Safe to call concurrently from multiple goroutines; fn always runs on
// the worker's own goroutine, never on the caller's.
func (w *Worker) Submit(fn func() error) error {
	it := &item{fn: fn, done: make(chan error, 1)}
	select {
	case w.items <- it:
	case <-w.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-it.done:
		return err
	case <-w.ctx.Done():
		return ErrStopped
	}
}

// SubmitAsync enqueues fn without waiting for it to run, used for
// fire-and-forget background work such as delayed bitmap writeout
// (spec.md §4.E.3's "schedule background work" step).
func (w *Worker) SubmitAsync(fn func() error) {
	it := &item{fn: fn, done: make(chan error, 1)}
	select {
	case w.items <- it:
	case <-w.ctx.Done():
	}
}

// Stop ends the worker's loop and waits for it to exit. Items already
// queued but not yet started are dropped.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}
