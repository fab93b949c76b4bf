package scheduler

import (
	"sync/atomic"
	"time"
)

// entry is a registered job and its next fire time.
type entry struct {
	job     Job
	next    time.Time
	running atomic.Bool
	index   int // index in the heap (for heap.Interface)
}

// entryHeap is a min-heap of entries ordered by next fire time.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].next.Before(h[j].next)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
