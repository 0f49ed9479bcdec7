package ioloop

import (
	"container/heap"
	"time"

	"github.com/go-reactor/reactor/stackctx"
)

// timerEntry is one scheduled timeout. A cancelled timer is tombstoned by
// nilling cb rather than removed from the heap (spec §3, §9): heap removal
// is O(n), nilling the payload is O(1), and the dead entry is discarded
// the next time it would otherwise fire.
type timerEntry struct {
	deadline time.Time
	seq      uint64
	cb       stackctx.Callback
	index    int
}

// TimerHandle is the opaque handle returned by AddTimeout.
type TimerHandle struct {
	entry *timerEntry
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ = heap.Interface(&timerHeap{})

// pushEntry pushes e onto the heap, preserving the heap invariant.
func (h *timerHeap) pushEntry(e *timerEntry) {
	heap.Push(h, e)
}

// popEntry pops the minimum entry off the heap.
func (h *timerHeap) popEntry() *timerEntry {
	return heap.Pop(h).(*timerEntry)
}
