//go:build go1.19

package xsync

import "sync/atomic"

// CacheLineSize is the assumed size of a CPU cache line on the platforms this
// module targets. Hot fields touched by disjoint producer/consumer roles are
// padded out to this size so that they never share a line and thrash each
// other's caches.
const CacheLineSize = 64

// Uint64 is an atomic uint64 padded to occupy an entire cache line.
//
// Segment headers keep their tail, head, and next fields in separate
// Uint64/Pointer values so that a producer bumping tail never invalidates
// the cache line a concurrent consumer is spinning on while reading head.
type Uint64 struct {
	v atomic.Uint64
	_ [CacheLineSize - 8]byte //nolint:unused
}

// Load atomically loads the wrapped value.
func (u *Uint64) Load() uint64 { return u.v.Load() }

// Store atomically stores val.
func (u *Uint64) Store(val uint64) { u.v.Store(val) }

// CompareAndSwap atomically compares and swaps.
func (u *Uint64) CompareAndSwap(old, new uint64) bool {
	return u.v.CompareAndSwap(old, new)
}

// Add atomically adds delta to the value and returns the result.
//
// This is a thin wrapper over [atomic.Uint64.Add]; it exists so that every
// hot counter in this module goes through the same padded type instead of a
// bare atomic.Uint64, which would be free to share a cache line with its
// neighbors.
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }

// Swap atomically stores new and returns the previous value.
func (u *Uint64) Swap(new uint64) uint64 { return u.v.Swap(new) }

// Pointer is an atomic pointer to T, padded to occupy an entire cache line.
//
// Used for the segment-list "next" link, which is written exactly once by
// whichever producer wins the link race and read by every consumer walking
// the list.
type Pointer[T any] struct {
	v atomic.Pointer[T]
	_ [CacheLineSize - 8]byte //nolint:unused
}

// Load atomically loads the wrapped pointer.
func (p *Pointer[T]) Load() *T { return p.v.Load() }

// Store atomically stores val.
func (p *Pointer[T]) Store(val *T) { p.v.Store(val) }

// CompareAndSwap atomically compares and swaps.
func (p *Pointer[T]) CompareAndSwap(old, new *T) bool {
	return p.v.CompareAndSwap(old, new)
}

// Swap atomically stores new and returns the previous value.
func (p *Pointer[T]) Swap(new *T) *T { return p.v.Swap(new) }
