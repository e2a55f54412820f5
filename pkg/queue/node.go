//go:build go1.22

package queue

import (
	"unsafe"

	"github.com/flier/lockfree/internal/xsync"
	"github.com/flier/lockfree/pkg/xunsafe"
)

// QueueNode is a single fixed-capacity segment of a [Queue].
//
// Each slot is reserved and published in two separate steps, encoded as
// the parity of the doubled tail counter: an even tail value means the
// slot is free to reserve, bumping it to odd claims the slot for a
// publisher, and bumping it again to even publishes the item into it.
// Consumers only ever observe even-to-even transitions of head, so a
// consumer can never see a reserved-but-not-yet-published slot.
//
// QueueNode is never used directly by callers; it is an implementation
// detail of [Queue].
type QueueNode[T any] struct {
	_ xunsafe.NoCopy

	next xsync.Pointer[QueueNode[T]]
	tail xsync.Uint64
	head xsync.Uint64

	items []unsafe.Pointer
}

// newQueueNode allocates a fresh, empty segment with room for itemCount
// slots.
func newQueueNode[T any](itemCount int) *QueueNode[T] {
	return &QueueNode[T]{items: make([]unsafe.Pointer, itemCount)}
}

func (n *QueueNode[T]) doubledCap() uint64 {
	return uint64(2 * len(n.items))
}

// tryPush attempts to reserve and publish the next free slot in n for
// item. It returns false once n is sealed: no future call will ever
// succeed for this segment again.
func (n *QueueNode[T]) tryPush(item *T) bool {
	cap2 := n.doubledCap()

	for {
		t := n.tail.Load()

		if t+1 >= cap2 {
			return false
		}

		if t%2 == 0 && n.tail.CompareAndSwap(t, t+1) {
			n.items[t/2] = unsafe.Pointer(item)
			n.tail.Add(1)

			return true
		}
		// Either t is odd (another producer is mid-publish on this slot)
		// or we lost the reservation race; reload and retry.
	}
}

// tryPop attempts to claim the next published slot in n. It returns false
// if no published item is currently available, which may mean the segment
// is empty, fully drained, or has a reservation in flight that has not
// published yet.
func (n *QueueNode[T]) tryPop() (*T, bool) {
	for {
		h := n.head.Load()
		t := n.tail.Load()

		if t <= h+1 {
			// Re-check once more: tail may have just been bumped past the
			// reservation phase by a concurrent publisher.
			if n.tail.Load() <= h+1 {
				return nil, false
			}
		}

		if n.head.CompareAndSwap(h, h+2) {
			return (*T)(n.items[h/2]), true
		}
	}
}

// isFull reports whether every slot in n has been reserved and published.
// While the last slot is reserved but not yet published, n is already
// sealed against further pushes but isFull still reports false.
func (n *QueueNode[T]) isFull() bool {
	return n.tail.Load() >= n.doubledCap()
}

// isDrained reports whether every reserved slot in n has also been popped.
func (n *QueueNode[T]) isDrained() bool {
	return n.head.Load() >= n.tail.Load()
}

// reset clears n back to its just-created state so it can be handed to the
// reserve for reuse by a future producer.
func (n *QueueNode[T]) reset() {
	clear(n.items)
	n.head.Store(0)
	n.tail.Store(0)
	n.next.Store(nil)
}
