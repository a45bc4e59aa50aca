// Package collector restores input order over a batch whose entries
// complete out of order, via a min-heap keyed by position plus a
// cursor. The heap itself is unbounded; only the output channel has a
// fixed capacity.
package collector

import (
	"container/heap"
	"context"
	"sync"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
)

// Result is one completed (or failed) entry, ready to be emitted once
// its position is reached.
type Result struct {
	Position uint32
	Artifact domain.Artifact
	Err      error
}

type heapItem struct {
	position uint32
	result   Result
}

type positionHeap []heapItem

func (h positionHeap) Len() int            { return len(h) }
func (h positionHeap) Less(i, j int) bool  { return h[i].position < h[j].position }
func (h positionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Collector buffers out-of-order Results and emits them on Stream in
// strictly increasing position order. Submit may block once out is
// full — the deliberate backpressure suspension point a slow sink
// applies to the producing workers.
type Collector struct {
	mu   sync.Mutex
	heap positionHeap
	next uint32
	out  chan Result
}

// New returns a Collector whose output channel has the given buffer
// capacity.
func New(bufferSize int) *Collector {
	return &Collector{out: make(chan Result, bufferSize)}
}

// SetExpected is informational only. Positions are 0-indexed throughout
// this package (the cursor's zero value is the first position emitted),
// matching the 0-indexed Position every caller assigns; SetExpected
// doesn't change that, it's kept as an explicit call so callers document
// batch size at the call site.
func (c *Collector) SetExpected(n uint32) {
	_ = n
}

// Submit records a completed or failed result for position, then
// drains every now-contiguous prefix onto the output channel. A failed
// result (non-nil Err) is submitted and drained identically to a
// success; the ordering logic never inspects Err.
func (c *Collector) Submit(ctx context.Context, position uint32, result Result) {
	c.mu.Lock()
	heap.Push(&c.heap, heapItem{position: position, result: result})

	var ready []Result
	for len(c.heap) > 0 && c.heap[0].position == c.next {
		item := heap.Pop(&c.heap).(heapItem)
		ready = append(ready, item.result)
		c.next++
	}
	c.mu.Unlock()

	for _, r := range ready {
		select {
		case c.out <- r:
		case <-ctx.Done():
			return
		}
	}
}

// Stream returns the output channel for pull-driven consumption. The
// channel is never closed by Submit; callers that know the batch size
// should stop reading after receiving that many results, or call
// Close once the producing side is done.
func (c *Collector) Stream(ctx context.Context) <-chan Result {
	return c.out
}

// Close closes the output channel. Callers must ensure no further
// Submit calls are in flight.
func (c *Collector) Close() {
	close(c.out)
}

// Next reports the next position the collector is waiting to emit, for
// diagnostics and tests.
func (c *Collector) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Pending reports how many results are buffered waiting for a gap to
// close.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heap)
}

// Stats is a point-in-time snapshot of a Collector's reordering state.
type Stats struct {
	Next       uint32
	QueueDepth int
	OutBuffer  int
	OutCap     int
}

// Snapshot reports the collector's current cursor position, how many
// out-of-order results are buffered in the heap, and how full the
// output channel is.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Next:       c.next,
		QueueDepth: len(c.heap),
		OutBuffer:  len(c.out),
		OutCap:     cap(c.out),
	}
}
