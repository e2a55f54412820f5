//go:build go1.22

// Package arena provides a lock-free, concurrency-safe segmented bump
// allocator for high-throughput, low-latency systems.
//
// # Design
//
// Memory is built from fixed-capacity byte segments (MemoryNode) linked into
// a singly-linked list. Producers bump a segment's tail with a CAS loop;
// once a segment is sealed — its tail would overflow the segment's
// capacity — a new segment is linked in and becomes the new tail. Consumers
// release allocations through a dummy sentinel segment that always sits at
// the head of the list; once a segment is fully drained and sealed it is
// unlinked, reset, and handed to a single-slot reserve so the next producer
// that needs a new segment can reuse it without touching the system
// allocator.
//
// Unlike the single-threaded arena this package evolved from, Memory does
// not expose a Reset method: resetting requires knowing that no concurrent
// reader or writer still holds a stale pointer into the arena, and only the
// per-segment retirement protocol can establish that safely when many
// goroutines may be allocating and releasing at once.
//
// # Oversize allocations
//
// A value whose padded size (including the Info header) does not fit in a
// single segment is allocated directly on the Go heap instead. This is
// transparent to the caller: [Allocate], [TryAllocate], and [Release] all
// branch on the same size check, so releasing an oversize value never
// touches the segment list.
//
// # Thread safety
//
// Every exported operation on [*Memory] is safe for concurrent use by any
// number of goroutines: allocation and release may interleave arbitrarily
// across producers and consumers without external locking.
package arena

import (
	"github.com/flier/lockfree/pkg/xunsafe"
	"github.com/flier/lockfree/pkg/xunsafe/layout"
)

// Allocator is the interface that wraps the basic memory allocation and
// release operations. It is kept from the single-threaded arena this
// package evolved from so that existing code written against it keeps
// compiling against the concurrent allocator.
type Allocator interface {
	// Alloc allocates size bytes of memory and returns a pointer to the
	// allocated block. The memory contents are undefined and should be
	// initialized before use.
	Alloc(size int) *byte

	// Release returns a previously allocated memory block back to the
	// allocator. After calling Release, the memory must not be accessed.
	Release(p *byte, size int)
}

// AllocatorExt exposes the current producer-side cursor of an [Allocator],
// for allocators (like [*Memory]) that bump a contiguous window of bytes.
//
// For a segmented allocator these methods describe the current tail
// segment, not the allocator as a whole; they exist for debugging and for
// hot call sites that want to open-code an allocation against the cursor
// they just observed.
type AllocatorExt interface {
	Allocator

	// Next returns the next available address in the current segment.
	Next() xunsafe.Addr[byte]

	// End returns the end of the current segment.
	End() xunsafe.Addr[byte]

	// Cap returns the capacity of the current segment.
	Cap() int

	// Advance advances the current segment's cursor by n bytes.
	Advance(n int)

	// Log logs a message tagged with this allocator's identity.
	Log(op, format string, args ...any)
}

var (
	_ Allocator    = (*Memory)(nil)
	_ AllocatorExt = (*Memory)(nil)
)

// Align is the maximum alignment this package hands out for arena-backed
// allocations. Types with a larger alignment requirement cannot be placed
// in a segment; New panics for them, while Allocate and TryAllocate check
// this only through a debug-build assertion.
const Align = 8

// CacheLineSize is the assumed CPU cache line size used to size segments
// and pad hot atomic fields. Kept in sync with internal/xsync.CacheLineSize.
const CacheLineSize = 64

// DefaultBlockSize is the segment capacity used by [NewMemory]: 64 cache
// lines.
const DefaultBlockSize = 64 * CacheLineSize

// New allocates a value of type T through the given [Allocator] and
// initializes it to value.
//
// This is the interface-based counterpart to [Allocate]; it works with any
// Allocator, not just [*Memory], at the cost of not reporting heap-fallback
// exhaustion through an error.
func New[T any](a Allocator, value T) *T {
	l := layout.Of[T]()
	if l.Align > Align {
		panic("over-aligned object")
	}

	p := xunsafe.Cast[T](a.Alloc(l.Size))
	*p = value

	return p
}

// Free releases a value of type T previously obtained from [New] back to a.
//
// The size of T is derived from layout metadata, so callers never need to
// track allocation sizes by hand.
func Free[T any](a Allocator, p *T) {
	size := layout.Of[T]().Size

	a.Release(xunsafe.Cast[byte](p), size)
}
