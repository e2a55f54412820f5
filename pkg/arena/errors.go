//go:build go1.22

package arena

import "errors"

// ErrOutOfMemory is returned by [TryAllocate] when an oversize allocation's
// heap fallback cannot be satisfied by the Go runtime.
//
// It is a sentinel value, and TryAllocate wraps it with %w; use
// [errors.Is] to test for it through whatever wrapping a caller applies on
// the way up the stack.
var ErrOutOfMemory = errors.New("arena: out of memory")
