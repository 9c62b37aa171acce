package eventloop

import "container/heap"

// timerEntry is one scheduled callback, ordered by due time with
// insertion order as a tiebreaker so same-instant timers still run in
// the order they were added (container/heap is not otherwise stable).
type timerEntry struct {
	due      int64 // unix nanos
	seq      int64
	callback func()
	index    int // heap.Interface bookkeeping
}

// timerHeap replaces main.py's _check_timers, which rebuilds a
// ready-set by scanning every timer every tick. A container/heap
// min-heap keyed by due time lets AddTimer and the per-tick drain both
// run in O(log n) instead of O(n).
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due < h[j].due || (h[i].due == h[j].due && h[i].seq < h[j].seq) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerQueue wraps timerHeap with the sequence counter AddTimer needs;
// kept separate from Loop so it can be unit tested on its own.
type timerQueue struct {
	h   timerHeap
	seq int64
}

func newTimerQueue() *timerQueue {
	q := &timerQueue{}
	heap.Init(&q.h)
	return q
}

// add schedules callback to run once at due (unix nanos).
func (q *timerQueue) add(due int64, callback func()) {
	q.seq++
	heap.Push(&q.h, &timerEntry{due: due, seq: q.seq, callback: callback})
}

// nextDue returns the unix-nanos deadline of the next timer, and false if
// the queue is empty.
func (q *timerQueue) nextDue() (int64, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].due, true
}

// fireReady pops and runs every timer due at or before now, in due
// order (earliest first, insertion order as tiebreaker).
func (q *timerQueue) fireReady(now int64) {
	for len(q.h) > 0 && q.h[0].due <= now {
		e := heap.Pop(&q.h).(*timerEntry)
		e.callback()
	}
}
