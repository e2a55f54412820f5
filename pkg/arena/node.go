//go:build go1.22

package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/lockfree/internal/xsync"
	"github.com/flier/lockfree/pkg/xunsafe"
)

// infoSize is the size in bytes of the header written just before every
// in-segment allocation. It stores enough bookkeeping to let a release
// sweep the segment without requiring deallocation in allocation order.
const infoSize = 8

// info is the per-allocation header threaded through a MemoryNode's bytes.
//
// size is the padded size (including infoSize itself) that was bumped out
// of the segment's tail for this allocation; isAllocated is cleared by
// Release and observed by the segment's sweep step. Both fields are
// accessed with the low-level atomic functions rather than atomic.Uint32,
// because info values live inside a raw byte buffer rather than as named
// struct fields.
type info struct {
	size        uint32
	isAllocated uint32
}

// MemoryNode is a single fixed-capacity segment of a [Memory] arena.
//
// A MemoryNode is a bump allocator in its own right: tail advances forward
// with every allocation, head sweeps forward through a contiguous prefix of
// released allocations, and next links this segment to whichever one a
// producer appended after it became sealed. MemoryNode is never used
// directly by callers; it is an implementation detail of [Memory].
type MemoryNode struct {
	_ xunsafe.NoCopy

	next xsync.Pointer[MemoryNode]
	tail xsync.Uint64
	head xsync.Uint64

	sealed   atomic.Bool
	capacity int
	bytes    []byte
}

// newMemoryNode allocates a fresh, empty segment with room for capacity
// bytes of allocations (including their Info headers).
func newMemoryNode(capacity int) *MemoryNode {
	return &MemoryNode{capacity: capacity, bytes: make([]byte, capacity)}
}

// infoAt returns a pointer to the Info header at byte offset off within n.
func (n *MemoryNode) infoAt(off uint64) *info {
	return xunsafe.Cast[info](&n.bytes[off])
}

// tryAllocate attempts to bump-allocate need bytes (already padded to
// include the Info header and rounded up to [Align]) from n.
//
// It returns the payload address — immediately past the Info header — and
// true on success. It returns false once n is sealed, meaning no future
// call will ever succeed for this segment again.
func (n *MemoryNode) tryAllocate(need int) (unsafe.Pointer, bool) {
	for {
		if n.sealed.Load() {
			return nil, false
		}

		old := n.tail.Load()

		if old+uint64(need) > uint64(n.capacity) {
			n.sealed.Store(true)
			return nil, false
		}

		if n.tail.CompareAndSwap(old, old+uint64(need)) {
			hdr := n.infoAt(old)
			atomic.StoreUint32(&hdr.size, uint32(need))
			atomic.StoreUint32(&hdr.isAllocated, 1)

			if old+uint64(need) >= uint64(n.capacity) {
				// This allocation landed exactly on the last aligned
				// offset; there is no room left for even a zero-size
				// allocation, so seal now instead of waiting for some
				// future caller to make a failing attempt that might
				// never come.
				n.sealed.Store(true)
			}

			return unsafe.Pointer(&n.bytes[old+infoSize]), true
		}
	}
}

// offsetOf reports the byte offset of p's Info header within n, and
// whether p actually lies within n's backing buffer at all.
func (n *MemoryNode) offsetOf(p unsafe.Pointer) (uint64, bool) {
	if len(n.bytes) == 0 {
		return 0, false
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(n.bytes)))
	addr := uintptr(p)

	if addr < base+infoSize || addr >= base+uintptr(len(n.bytes)) {
		return 0, false
	}

	return uint64(addr-base) - infoSize, true
}

// tryDeallocate clears the allocated bit for the allocation whose payload
// pointer is p, then sweeps head forward through any now-contiguous run of
// released allocations. It returns false if p does not belong to n.
func (n *MemoryNode) tryDeallocate(p unsafe.Pointer) bool {
	off, ok := n.offsetOf(p)
	if !ok {
		return false
	}

	hdr := n.infoAt(off)
	atomic.StoreUint32(&hdr.isAllocated, 0)

	n.sweep()

	return true
}

// sweep advances head past every already-released allocation at the front
// of the segment, stopping at the first allocation that is still live (or
// at tail, if the whole segment is drained).
func (n *MemoryNode) sweep() {
	for {
		h := n.head.Load()
		t := n.tail.Load()

		if h >= t {
			return
		}

		hdr := n.infoAt(h)
		if atomic.LoadUint32(&hdr.isAllocated) != 0 {
			return
		}

		size := atomic.LoadUint32(&hdr.size)
		if n.head.CompareAndSwap(h, h+uint64(size)) {
			continue
		}
		// Another release won the race on this same prefix entry; re-read
		// head and keep sweeping rather than giving up.
	}
}

// isDrained reports whether every allocation handed out by n has since
// been released.
func (n *MemoryNode) isDrained() bool {
	return n.head.Load() >= n.tail.Load()
}

// reset clears n back to its just-created state so it can be handed to the
// reserve for reuse by a future producer.
func (n *MemoryNode) reset() {
	t := n.tail.Load()
	clear(n.bytes[:t])

	n.tail.Store(0)
	n.head.Store(0)
	n.sealed.Store(false)
	n.next.Store(nil)
}
