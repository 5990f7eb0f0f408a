package backfill

import "providerplane/libs/marketdata"

// item wraps one pending request with the monotonic sequence number used
// to break priority ties FIFO.
type item struct {
	request *marketdata.BackfillRequest
	seq     int64
	index   int
}

// priorityHeap is a min-heap over pending requests keyed by
// (Priority, seq): lower priority value dequeues first, ties broken by
// insertion order.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].request.Priority != h[j].request.Priority {
		return h[i].request.Priority < h[j].request.Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
