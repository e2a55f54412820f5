//go:build go1.22

// Package queue provides a lock-free, unbounded multi-producer
// multi-consumer FIFO queue.
//
// # Design
//
// Queue is built from fixed-capacity segments (QueueNode) linked into a
// singly-linked list, the same shape [github.com/flier/lockfree/pkg/arena]
// uses for its segmented bump allocator. Each segment holds a fixed number
// of pointer-sized slots; a slot is reserved and published in two
// CAS-guarded steps so that a consumer can never observe a slot that has
// been claimed but not yet written. Once every slot in a segment has been
// reserved, the segment is sealed and a new one is linked in to become the
// new tail. Once every slot in a sealed segment has also been popped, the
// segment is unlinked from the head of the list and handed to a
// single-slot reserve for a future producer to reuse.
//
// # Ordering
//
// Push and Pop are FIFO only in aggregate: items pushed by a single
// goroutine are popped in the order that goroutine pushed them relative to
// each other, but this package makes no promise of strict linearizability
// across the queue as a whole — two concurrent pushes or pops may be
// observed in either order by a third goroutine. This mirrors the
// ordering guarantees of the MPMC ring designs elsewhere in this module's
// reference corpus.
//
// # Thread safety
//
// Every exported operation on [*Queue] is safe for concurrent use by any
// number of goroutines.
package queue

import (
	"github.com/flier/lockfree/internal/debug"
	"github.com/flier/lockfree/internal/xsync"
	"github.com/flier/lockfree/pkg/xunsafe"
)

// CacheLineSize is the assumed CPU cache line size used to size the
// default segment capacity. Kept in sync with internal/xsync.CacheLineSize
// and arena.CacheLineSize.
const CacheLineSize = 64

// DefaultItemCount is the number of slots per segment used by [NewQueue]:
// one cache line's worth of pointers.
const DefaultItemCount = CacheLineSize / 8

// Queue is a lock-free, unbounded MPMC FIFO queue of *T pointers.
//
// A zero Queue is not ready to use; construct one with [NewQueue] or
// [NewQueueSized].
type Queue[T any] struct {
	_ xunsafe.NoCopy

	dummy     QueueNode[T]
	tail      xsync.Pointer[QueueNode[T]]
	reserved  xsync.Pointer[QueueNode[T]]
	itemCount int
}

// NewQueue constructs a Queue whose segments hold [DefaultItemCount] slots.
func NewQueue[T any]() *Queue[T] {
	return NewQueueSized[T](DefaultItemCount)
}

// NewQueueSized constructs a Queue whose segments hold itemCount slots.
func NewQueueSized[T any](itemCount int) *Queue[T] {
	q := &Queue[T]{itemCount: itemCount}
	q.tail.Store(&q.dummy)
	q.dummy.next.Store(nil)

	return q
}

// loadTail returns the current tail segment, helping to advance q.tail
// past any successor a racing producer has already linked but not yet
// published to q.tail.
func (q *Queue[T]) loadTail() *QueueNode[T] {
	t := q.tail.Load()

	for {
		next := t.next.Load()
		if next == nil {
			return t
		}

		q.tail.CompareAndSwap(t, next)
		t = q.tail.Load()
	}
}

// popReserve takes the segment sitting in the single-slot reserve, if any.
func (q *Queue[T]) popReserve() *QueueNode[T] {
	return q.reserved.Swap(nil)
}

// pushReserve offers n to the single-slot reserve. If the slot is already
// occupied, n is simply dropped for the garbage collector to reclaim.
func (q *Queue[T]) pushReserve(n *QueueNode[T]) {
	q.reserved.CompareAndSwap(nil, n)
}

// Push appends item to the tail of the queue.
//
// item must not be nil; debug builds assert this.
func (q *Queue[T]) Push(item *T) {
	debug.Assert(item != nil, "queue: Push called with a nil item")

	var spare *QueueNode[T]

	for {
		tailOld := q.loadTail()

		if tailOld != &q.dummy {
			if tailOld.tryPush(item) {
				if spare != nil {
					spare.reset()
					q.pushReserve(spare)
				}

				return
			}
		}

		if spare == nil {
			spare = q.popReserve()
			if spare == nil {
				spare = newQueueNode[T](q.itemCount)
			}

			debug.Assert(spare.tryPush(item), "queue: fresh segment rejected a push")
		}

		if tailOld.next.CompareAndSwap(nil, spare) {
			q.tail.CompareAndSwap(tailOld, spare)
			return
		}
		// Someone else linked a segment onto tailOld first; retry with the
		// spare we already prepared.
	}
}

// Pop removes and returns the item at the head of the queue. It returns
// false if the queue was observed empty.
//
// Pop never blocks: if the queue appears empty at the moment of the call,
// it returns immediately, even if a concurrent Push is in flight.
func (q *Queue[T]) Pop() (*T, bool) {
	for {
		h := q.dummy.next.Load()
		if h == nil {
			return nil, false
		}

		if item, ok := h.tryPop(); ok {
			return item, true
		}

		if !h.isFull() {
			return nil, false
		}

		q.retire(h)
		// Retry against the (possibly now-updated) head, whether or not
		// the retirement above won its race.
	}
}

// retire unlinks a full, drained head segment h from the queue and hands
// it to the reserve. If h has no successor yet — it is sealed, drained,
// and still the tail — tail is re-anchored at the dummy so a future
// producer does not try to link onto a segment about to be reset. If a
// producer races in and links a new tail onto h in between, the tail CAS
// below loses and dummy.next is repaired to point at that new segment
// instead of being left nil.
func (q *Queue[T]) retire(h *QueueNode[T]) {
	next := h.next.Load()

	if !q.dummy.next.CompareAndSwap(h, next) {
		return
	}

	if next == nil {
		if !q.tail.CompareAndSwap(h, &q.dummy) {
			q.dummy.next.CompareAndSwap(nil, h.next.Load())
		}
	}

	h.reset()
	q.pushReserve(h)
}

// Stats is a point-in-time, debug-oriented snapshot of a Queue's segment
// list. It is racy by construction — nothing prevents another goroutine
// from pushing, popping, or retiring segments while a snapshot is being
// taken — and is meant for tests and diagnostics, not for concurrency
// control. It mirrors [github.com/flier/lockfree/pkg/arena.Memory.Stats],
// the analogous snapshot for the other segmented structure in this module.
type Stats struct {
	// LiveSegments is the number of segments currently reachable from the
	// head of the list (the dummy sentinel is not counted).
	LiveSegments int

	// Reserved is 1 if a segment currently sits in the single-slot reserve,
	// 0 otherwise.
	Reserved int
}

// Stats returns a snapshot of q's current segment list.
func (q *Queue[T]) Stats() Stats {
	var s Stats

	for n := q.dummy.next.Load(); n != nil; n = n.next.Load() {
		s.LiveSegments++
	}

	if q.reserved.Load() != nil {
		s.Reserved = 1
	}

	return s
}

// Len returns an approximate count of items currently in the queue.
//
// The result is racy by construction — Push and Pop may run concurrently
// with Len, and with each other — and is intended for monitoring and
// tests, not for any decision that requires an exact count.
func (q *Queue[T]) Len() int {
	n := 0

	for s := q.dummy.next.Load(); s != nil; s = s.next.Load() {
		t := s.tail.Load()
		h := s.head.Load()

		if t > h {
			n += int((t - h) / 2)
		}
	}

	return n
}

// Drain pops up to n items from the queue and returns them in FIFO order,
// stopping early if the queue is observed empty. It is a convenience
// wrapper over repeated calls to Pop for batch consumers.
func (q *Queue[T]) Drain(n int) []*T {
	items := make([]*T, 0, n)

	for i := 0; i < n; i++ {
		item, ok := q.Pop()
		if !ok {
			break
		}

		items = append(items, item)
	}

	return items
}
