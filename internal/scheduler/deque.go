package scheduler

import "sync"

// deque is a worker's queue of centroid positions. The owner pops from the
// head in input order; thieves take batches from the tail. Only the owner
// pushes.
type deque struct {
	mu    sync.Mutex
	items []int
	head  int
}

func newDeque(s Span) *deque {
	items := make([]int, 0, s.Len())
	for i := s.Start; i < s.End; i++ {
		items = append(items, i)
	}
	return &deque{items: items}
}

func (d *deque) popHead() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.head >= len(d.items) {
		return 0, false
	}
	v := d.items[d.head]
	d.head++
	return v, true
}

// stealTail removes half of the remaining items, rounded up, from the tail.
// limit > 0 caps the batch. The returned slice is owned by the caller.
func (d *deque) stealTail(limit int) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := len(d.items) - d.head
	if remaining <= 0 {
		return nil
	}
	k := (remaining + 1) / 2
	if limit > 0 && k > limit {
		k = limit
	}
	cut := len(d.items) - k
	batch := make([]int, k)
	copy(batch, d.items[cut:])
	d.items = d.items[:cut]
	return batch
}

// pushBatch appends items at the tail. Owner only.
func (d *deque) pushBatch(items []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.head >= len(d.items) {
		d.items = d.items[:0]
		d.head = 0
	}
	d.items = append(d.items, items...)
}

func (d *deque) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items) - d.head
}
