package scheduler

import "sync/atomic"

// TerminationBarrier detects global quiescence of a work-stealing pool with
// an idle counter.
//
// Every worker starts active. A worker marks itself inactive only once its
// own queue is empty, and marks itself active again before it tries to steal.
// Items only enter a queue through its owner, who is active at that moment,
// so a non-empty queue always has an active owner and a batch in flight
// always has an active thief. The count reaching zero therefore means every
// queue is empty and no steal is pending.
type TerminationBarrier struct {
	active atomic.Int64
}

// NewTerminationBarrier returns a barrier for n workers, all active.
func NewTerminationBarrier(n int) *TerminationBarrier {
	b := &TerminationBarrier{}
	b.active.Store(int64(n))
	return b
}

// SetActive moves the calling worker between the active and idle sets.
// Calls must alternate per worker, starting with SetActive(false).
func (b *TerminationBarrier) SetActive(active bool) {
	if active {
		b.active.Add(1)
		return
	}
	b.active.Add(-1)
}

// Active returns the number of workers currently marked active.
func (b *TerminationBarrier) Active() int {
	return int(b.active.Load())
}

// Terminated reports whether every worker is idle.
func (b *TerminationBarrier) Terminated() bool {
	return b.active.Load() == 0
}
