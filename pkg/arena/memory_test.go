//go:build go1.22

package arena_test

import (
	"sync"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/flier/lockfree/pkg/arena"
)

type point struct{ x, y int64 }

func TestMemory_SingleThreadedSmoke(t *testing.T) {
	Convey("Given a fresh Memory", t, func() {
		m := NewMemory()

		Convey("When allocating and releasing many values in sequence", func() {
			const n = 10000

			ptrs := make([]*point, n)
			for i := range ptrs {
				p := Allocate[point](m)
				p.x, p.y = int64(i), int64(-i)
				ptrs[i] = p
			}

			Convey("Then every pointer is valid, unique, and holds its own value", func() {
				seen := make(map[uintptr]bool, n)
				for i, p := range ptrs {
					So(p, ShouldNotBeNil)
					So(p.x, ShouldEqual, int64(i))
					So(p.y, ShouldEqual, int64(-i))

					addr := uintptr(unsafe.Pointer(p))
					So(seen[addr], ShouldBeFalse)
					seen[addr] = true
				}
			})

			Convey("And releasing them all drains every live segment", func() {
				for _, p := range ptrs {
					Release(m, p)
				}

				stats := m.Stats()
				So(stats.BytesDrained, ShouldEqual, stats.BytesSealed)
			})
		})
	})
}

func TestMemory_SegmentRetirement(t *testing.T) {
	Convey("Given a Memory sized to hold only a few values per segment", t, func() {
		const blockSize = 128
		m := NewMemorySized(blockSize)

		Convey("When enough allocations are made to span several segments, then all are released", func() {
			const n = 64

			ptrs := make([]*point, n)
			for i := range ptrs {
				ptrs[i] = Allocate[point](m)
			}

			before := m.Stats()
			So(before.LiveSegments, ShouldBeGreaterThan, 1)

			for _, p := range ptrs {
				Release(m, p)
			}

			Convey("Then retired segments are recycled down to at most one live segment", func() {
				after := m.Stats()
				So(after.LiveSegments, ShouldBeLessThanOrEqualTo, 1)
			})
		})
	})
}

func TestMemory_ExactFillSealsAndRecycles(t *testing.T) {
	Convey("Given a Memory sized so a single allocation fills a segment exactly", t, func() {
		const blockSize = 24 // infoSize(8) + alignUp(sizeof(point))(16)
		m := NewMemorySized(blockSize)

		Convey("When that allocation is made and released", func() {
			p := Allocate[point](m)
			Release(m, p)

			Convey("Then the segment does not stay live forever: it is retired into the reserve", func() {
				stats := m.Stats()
				So(stats.LiveSegments, ShouldEqual, 0)
				So(stats.Reserved, ShouldEqual, 1)
			})

			Convey("And a subsequent allocation of the same size reuses a segment instead of staying empty", func() {
				q := Allocate[point](m)

				stats := m.Stats()
				So(stats.LiveSegments, ShouldEqual, 1)
				So(stats.Reserved, ShouldEqual, 0)

				Release(m, q)
			})
		})
	})
}

func TestMemory_OversizeHeapFallback(t *testing.T) {
	Convey("Given a Memory with a tiny segment size", t, func() {
		m := NewMemorySized(32)

		Convey("When allocating a value that cannot fit in a single segment", func() {
			type big struct{ bytes [4096]byte }

			p, err := TryAllocate[big](m)

			Convey("Then the allocation succeeds via the heap fallback", func() {
				So(err, ShouldBeNil)
				So(p, ShouldNotBeNil)
			})

			Convey("And releasing it does not touch the segment list", func() {
				before := m.Stats()
				Release(m, p)
				after := m.Stats()
				So(after, ShouldResemble, before)
			})
		})
	})
}

func TestMemory_ConcurrentAllocateRelease(t *testing.T) {
	Convey("Given a Memory shared by many goroutines", t, func() {
		m := NewMemory()

		Convey("When producers allocate and immediately release concurrently", func() {
			const goroutines = 8
			const perGoroutine = 5000

			var wg sync.WaitGroup
			wg.Add(goroutines)

			for g := 0; g < goroutines; g++ {
				go func(seed int) {
					defer wg.Done()

					for i := 0; i < perGoroutine; i++ {
						p := Allocate[point](m)
						p.x = int64(seed)
						p.y = int64(i)
						Release(m, p)
					}
				}(g)
			}

			wg.Wait()

			Convey("Then the arena is left in a consistent, fully drained state", func() {
				stats := m.Stats()
				So(stats.BytesDrained, ShouldEqual, stats.BytesSealed)
			})
		})
	})
}

func TestMemory_AllocatorInterface(t *testing.T) {
	Convey("Given a Memory used through the Allocator interface", t, func() {
		var a Allocator = NewMemory()

		Convey("When New and Free are used instead of the typed helpers", func() {
			p := New(a, point{x: 1, y: 2})

			Convey("Then the value round-trips correctly", func() {
				So(p.x, ShouldEqual, int64(1))
				So(p.y, ShouldEqual, int64(2))
			})

			Convey("And Free releases it without panicking", func() {
				So(func() { Free(a, p) }, ShouldNotPanic)
			})
		})
	})
}
