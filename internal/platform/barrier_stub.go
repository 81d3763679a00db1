//go:build !linux || !cgo

package platform

import "sync/atomic"

// fenceCounter gives the fallback fences a real memory operation to order
// against, rather than being a pure no-op.
var fenceCounter atomic.Uint64

// StoreFence is the portable fallback for StoreFence when cgo or a real
// SFENCE is unavailable. sync/atomic operations already carry the ordering
// guarantees Go's memory model requires on every platform we build for; this
// exists so callers don't need a build tag of their own.
func StoreFence() {
	fenceCounter.Add(1)
}

// FullFence is the portable fallback for FullFence.
func FullFence() {
	fenceCounter.Add(1)
}
