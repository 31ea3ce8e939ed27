package worker

import (
	"context"
	"sync"
)

// Barrier is a count-down rendezvous for the sibling workers sharing one
// machine. When a worker needs to run a disruptive action (a device reset, a
// driver reload) it calls Request: the action runs only after all K siblings
// have parked at a checkpoint, and the siblings stay parked until the action
// finishes.
type Barrier struct {
	k int

	reqMu sync.Mutex // serializes requesters

	mu      sync.Mutex
	pending bool
	arrived int
	full    chan struct{} // closed when all siblings have arrived
	release chan struct{} // closed when the action has finished
	notify  chan struct{} // closed while a request is pending
}

// NewBarrier creates a barrier for k siblings, the requester included.
func NewBarrier(k int) *Barrier {
	if k < 1 {
		k = 1
	}
	return &Barrier{k: k, notify: make(chan struct{})}
}

// Request runs fn once every sibling has parked. The requester counts as
// arrived. On context cancellation the barrier is torn down and parked
// siblings are released without fn running.
func (b *Barrier) Request(ctx context.Context, fn func() error) error {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	b.mu.Lock()
	b.pending = true
	b.arrived = 1
	b.full = make(chan struct{})
	b.release = make(chan struct{})
	close(b.notify)
	if b.arrived == b.k {
		close(b.full)
	}
	full, release := b.full, b.release
	b.mu.Unlock()

	select {
	case <-full:
	case <-ctx.Done():
		b.reset()
		close(release)
		return ctx.Err()
	}

	err := fn()

	b.reset()
	close(release)
	return err
}

func (b *Barrier) reset() {
	b.mu.Lock()
	b.pending = false
	b.arrived = 0
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Pending returns a channel that is closed while a disruptive action is
// waiting for siblings. Idle workers select on it alongside their task
// source so a request is not stalled behind a worker with nothing to do.
func (b *Barrier) Pending() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

// Checkpoint parks the caller if a disruptive action is pending and returns
// once it has run. With nothing pending it returns immediately. Workers call
// this between jobs.
func (b *Barrier) Checkpoint(ctx context.Context) error {
	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()
		return nil
	}
	b.arrived++
	if b.arrived == b.k {
		close(b.full)
	}
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
