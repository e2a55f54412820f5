//go:build go1.22

package arena

import (
	"fmt"
	"unsafe"

	"github.com/flier/lockfree/internal/debug"
	"github.com/flier/lockfree/internal/xsync"
	"github.com/flier/lockfree/pkg/xunsafe"
	"github.com/flier/lockfree/pkg/xunsafe/layout"
)

// Memory is a lock-free, segmented bump allocator safe for concurrent use
// by any number of producers and consumers.
//
// A zero Memory is not ready to use; construct one with [NewMemory] or
// [NewMemorySized].
type Memory struct {
	_ xunsafe.NoCopy

	dummy    MemoryNode
	tail     xsync.Pointer[MemoryNode]
	reserved xsync.Pointer[MemoryNode]

	blockSize int
}

// NewMemory constructs a Memory whose segments are [DefaultBlockSize]
// bytes.
func NewMemory() *Memory {
	return NewMemorySized(DefaultBlockSize)
}

// NewMemorySized constructs a Memory whose segments are blockSize bytes.
//
// blockSize should be a multiple of [CacheLineSize]; a value too small to
// hold even the smallest padded allocation plus its Info header makes
// every allocation of that size fall back to the heap.
func NewMemorySized(blockSize int) *Memory {
	m := &Memory{blockSize: blockSize}
	m.tail.Store(&m.dummy)

	// Pre-warm with one allocate/release cycle so the first real caller
	// doesn't pay for the very first segment's creation.
	m.WarmUp()

	return m
}

// WarmUp performs a throwaway allocate/release cycle so that a segment is
// already created and linked as the tail before any real traffic arrives.
// The segment stays live (drained, not sealed); it is not moved to the
// reserve.
func (m *Memory) WarmUp() {
	type warmup struct{ _ [Align]byte }

	p := Allocate[warmup](m)
	Release(m, p)
}

// alignUp rounds size up to a multiple of Align.
func alignUp(size int) int {
	return (size + Align - 1) &^ (Align - 1)
}

// fits reports whether a value of the given size can be placed in a single
// segment of this Memory, once its Info header and alignment padding are
// accounted for.
func (m *Memory) fits(size int) bool {
	return infoSize+alignUp(size) <= m.blockSize
}

// Alloc implements [Allocator] for untyped byte allocations.
//
// Do not call this directly; use [Allocate] or [TryAllocate] for typed
// allocations, which also cover the heap-fallback path for oversize types.
func (m *Memory) Alloc(size int) *byte {
	if !m.fits(size) {
		return unsafe.SliceData(make([]byte, size))
	}

	p, ok := m.allocBytes(size)
	debug.Assert(ok, "arena: segment allocation of %d bytes failed unexpectedly", size)

	return (*byte)(p)
}

// Release implements [Allocator] for untyped byte releases.
func (m *Memory) Release(p *byte, size int) {
	if !m.fits(size) {
		return
	}

	m.releaseBytes(unsafe.Pointer(p))
}

// Next returns the next free address in the current tail segment.
func (m *Memory) Next() xunsafe.Addr[byte] {
	t := m.tail.Load()
	return xunsafe.AddrOf(&t.bytes[0]).ByteAdd(int(t.tail.Load()))
}

// End returns the end address of the current tail segment.
func (m *Memory) End() xunsafe.Addr[byte] {
	t := m.tail.Load()
	return xunsafe.AddrOf(&t.bytes[0]).ByteAdd(len(t.bytes))
}

// Cap returns the capacity of the current tail segment.
func (m *Memory) Cap() int {
	return m.tail.Load().capacity
}

// Advance bumps the current tail segment's cursor by n bytes directly,
// bypassing the Info-header bookkeeping. It exists only for debug
// introspection parity with [AllocatorExt]; ordinary callers should use
// [Allocate] or [TryAllocate].
func (m *Memory) Advance(n int) {
	t := m.tail.Load()
	t.tail.Add(uint64(n))
}

// Log logs a message tagged with this Memory's identity.
func (m *Memory) Log(op, format string, args ...any) {
	debug.Log([]any{"%p", m}, op, format, args...)
}

// Stats is a point-in-time, debug-oriented snapshot of a Memory's segment
// list. It is racy by construction — nothing prevents another goroutine
// from allocating, releasing, or retiring segments while a snapshot is
// being taken — and is meant for tests and diagnostics, not for
// concurrency control.
type Stats struct {
	// LiveSegments is the number of segments currently reachable from the
	// head of the list (the dummy sentinel is not counted).
	LiveSegments int

	// Reserved is 1 if a segment currently sits in the single-slot reserve,
	// 0 otherwise.
	Reserved int

	// BytesSealed is the sum of tail offsets across live segments: bytes
	// that have been bump-allocated at some point, whether or not they have
	// since been released.
	BytesSealed int

	// BytesDrained is the sum of head offsets across live segments: bytes
	// that have been swept because every allocation in that prefix was
	// released.
	BytesDrained int
}

// Stats returns a snapshot of m's current segment list.
func (m *Memory) Stats() Stats {
	var s Stats

	for n := m.dummy.next.Load(); n != nil; n = n.next.Load() {
		s.LiveSegments++
		s.BytesSealed += int(n.tail.Load())
		s.BytesDrained += int(n.head.Load())
	}

	if m.reserved.Load() != nil {
		s.Reserved = 1
	}

	return s
}

// Close validates that no allocation remains live and resets m to an empty,
// reusable state. It is a debug-time consistency check more than an
// operational requirement: Go's garbage collector reclaims every segment
// reachable only from m once m itself becomes unreachable, regardless of
// whether Close is ever called.
func (m *Memory) Close() {
	debug.Assert(m.allSegmentsDrained(), "arena: Memory closed with live allocations outstanding")

	m.dummy.next.Store(nil)
	m.reserved.Store(nil)
	m.tail.Store(&m.dummy)
}

func (m *Memory) allSegmentsDrained() bool {
	for n := m.dummy.next.Load(); n != nil; n = n.next.Load() {
		if !n.isDrained() {
			return false
		}
	}

	return true
}

// popReserve takes the segment sitting in the single-slot reserve, if any.
func (m *Memory) popReserve() *MemoryNode {
	return m.reserved.Swap(nil)
}

// pushReserve offers n to the single-slot reserve. If the slot is already
// occupied, n is simply dropped for the garbage collector to reclaim.
func (m *Memory) pushReserve(n *MemoryNode) {
	m.reserved.CompareAndSwap(nil, n)
}

// tryRetire unlinks h from the head of the segment list and hands it to
// the reserve. If h has no successor yet — it is drained, sealed, and
// still the tail — tail is re-anchored at the dummy so a future producer
// does not try to link onto a segment that is about to be reset. If a
// producer races in and links a new tail onto h in between, the tail CAS
// below loses and dummy.next is repaired to point at that new segment
// instead of being left nil.
func (m *Memory) tryRetire(h *MemoryNode) bool {
	next := h.next.Load()

	if !m.dummy.next.CompareAndSwap(h, next) {
		return false
	}

	if next == nil {
		if !m.tail.CompareAndSwap(h, &m.dummy) {
			m.dummy.next.CompareAndSwap(nil, h.next.Load())
		}
	}

	h.reset()
	m.pushReserve(h)

	return true
}

// allocBytes is the untyped core of the allocation algorithm shared by
// [Allocate], [TryAllocate], and [Memory.Alloc]. size is the caller's
// requested payload size, not yet padded or accounting for the Info
// header.
func (m *Memory) allocBytes(size int) (unsafe.Pointer, bool) {
	need := infoSize + alignUp(size)

	var spare *MemoryNode
	var spareAddr unsafe.Pointer

	for {
		tailOld := m.tail.Load()

		if tailOld != &m.dummy {
			if p, ok := tailOld.tryAllocate(need); ok {
				if spare != nil {
					spare.reset()
					m.pushReserve(spare)
				}

				return p, true
			}
		}

		if spare == nil {
			spare = m.popReserve()
			if spare == nil {
				spare = newMemoryNode(m.blockSize)
			}

			p, ok := spare.tryAllocate(need)
			if !ok {
				// A segment sized for this Memory must always have room
				// for a single fresh allocation of need bytes; if it
				// doesn't, the caller asked for more than fits in a
				// segment and should have been routed to the heap
				// fallback instead.
				return nil, false
			}

			spareAddr = p
		}

		if tailOld.next.CompareAndSwap(nil, spare) {
			m.tail.CompareAndSwap(tailOld, spare)
			return spareAddr, true
		}

		// Someone else linked a segment onto tailOld first; help advance
		// and retry, keeping our spare for the next attempt.
		if next := tailOld.next.Load(); next != nil {
			m.tail.CompareAndSwap(tailOld, next)
		}
	}
}

// releaseBytes is the untyped core of the release algorithm shared by
// [Release] and [Memory.Release].
func (m *Memory) releaseBytes(p unsafe.Pointer) {
	for {
		h := m.dummy.next.Load()
		if h == nil {
			debug.Assert(false, "arena: release on a Memory with no live segments")
			return
		}

		if h.tryDeallocate(p) {
			if h.isDrained() && h.sealed.Load() {
				m.tryRetire(h)
			}

			return
		}

		if !h.isDrained() {
			// p belongs to a later segment whose allocations are being
			// released ahead of the head segment's; record the release
			// there so that segment drains once it reaches the head.
			for n := h.next.Load(); n != nil; n = n.next.Load() {
				if n.tryDeallocate(p) {
					return
				}
			}

			debug.Assert(false, "arena: address %p is not owned by any live segment", p)
			return
		}

		m.tryRetire(h)
		// Whether or not the retirement above won its CAS race, the head
		// may have changed; retry against whatever it is now.
	}
}

// TryAllocate constructs a value of type T in arena storage, or on the Go
// heap if T does not fit in a single segment.
//
// Unlike [Allocate], a heap-fallback failure is reported as an error
// instead of panicking.
func TryAllocate[T any](m *Memory) (*T, error) {
	size := layoutOf[T]().Size

	if !m.fits(size) {
		return heapFallback[T]()
	}

	p, ok := m.allocBytes(size)
	debug.Assert(ok, "arena: fresh segment rejected an allocation of %d bytes that should fit", size)

	return castPayload[T](p), nil
}

// Allocate constructs a value of type T in arena storage, or on the Go heap
// if T does not fit in a single segment, panicking if the heap fallback
// cannot be satisfied.
func Allocate[T any](m *Memory) *T {
	p, err := TryAllocate[T](m)
	if err != nil {
		panic(err)
	}

	return p
}

// Release returns the storage behind a value obtained from [Allocate] or
// [TryAllocate] back to m, or drops it for the garbage collector to
// reclaim if it was an oversize heap-fallback allocation.
//
// Go does not run destructors; Release zeroes *p in their place, so that
// any pointers T holds are not kept reachable through stale arena bytes.
func Release[T any](m *Memory, p *T) {
	var zero T
	*p = zero

	if !m.fits(layoutOf[T]().Size) {
		return
	}

	m.releaseBytes(unsafe.Pointer(p))
}

// heapFallback allocates a T directly on the Go heap, used for values too
// large to fit in a single segment.
func heapFallback[T any]() (p *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOutOfMemory, r)
		}
	}()

	return new(T), nil
}

// layoutOf reports the size and alignment of T, asserting that its
// alignment does not exceed what this package can satisfy.
func layoutOf[T any]() layout.Layout {
	l := layout.Of[T]()
	debug.Assert(l.Align <= Align, "arena: over-aligned object: %v", l)

	return l
}

// castPayload turns a raw payload pointer from a segment or the heap into
// a *T. The caller is responsible for having already checked size and
// alignment.
func castPayload[T any](p unsafe.Pointer) *T {
	return xunsafe.Cast[T]((*byte)(p))
}
