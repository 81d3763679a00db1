// Package memory implements the kernel's physical/virtual memory management
// and kernel heap, per spec.md §4.2.
package memory

import (
	"fmt"
	"sync"
)

// PageSize is the simulated physical/virtual page size in bytes.
const PageSize = 4096

// PhysAddr identifies a physical page by its page-frame number.
type PhysAddr uint64

// AllocFlags carries allocation hints to the physical allocator.
type AllocFlags uint32

// LowMemoryOnly requests a page below the allocator's "legacy DMA" boundary.
const LowMemoryOnly AllocFlags = 1 << 0

// lowMemoryPages bounds the region reserved for LowMemoryOnly requests.
const lowMemoryPages = 1024

// Status reports the allocator's current bookkeeping, mirroring spec.md's
// "usable, used, reserved, and highest-address figures".
type Status struct {
	Usable   int
	Used     int
	Reserved int
	Highest  int
}

// PhysAllocator is a bitmap-backed physical page allocator. All state is
// guarded by its own lock (spec.md §5: "the pending physical-memory status
// is protected by the PMM's own internal lock").
type PhysAllocator struct {
	mu       sync.Mutex
	used     []bool
	reserved []bool
	highest  int
}

// NewPhysAllocator creates an allocator over `pages` simulated physical
// pages, with the first `reservedPages` marked reserved (unavailable).
func NewPhysAllocator(pages, reservedPages int) *PhysAllocator {
	if reservedPages > pages {
		reservedPages = pages
	}
	p := &PhysAllocator{
		used:     make([]bool, pages),
		reserved: make([]bool, pages),
		highest:  pages - 1,
	}
	for i := 0; i < reservedPages; i++ {
		p.reserved[i] = true
	}
	return p
}

// Allocate returns one free page, or ok=false if physical memory is
// exhausted (spec.md §7: resource exhaustion is surfaced, never fatal).
func (p *PhysAllocator) Allocate() (PhysAddr, bool) {
	addr, ok := p.allocateRange(1, 0)
	return addr, ok
}

// AllocateContiguous returns n contiguous free pages honoring `flags`.
func (p *PhysAllocator) AllocateContiguous(n int, flags AllocFlags) (PhysAddr, bool) {
	if n <= 0 {
		return 0, false
	}
	return p.allocateRange(n, flags)
}

func (p *PhysAllocator) allocateRange(n int, flags AllocFlags) (PhysAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := len(p.used)
	if flags&LowMemoryOnly != 0 && lowMemoryPages < limit {
		limit = lowMemoryPages
	}

	run := 0
	for i := 0; i < limit; i++ {
		if p.used[i] || p.reserved[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				p.used[j] = true
			}
			return PhysAddr(start), true
		}
	}
	return 0, false
}

// Free releases a single page previously returned by Allocate.
func (p *PhysAllocator) Free(addr PhysAddr) {
	p.FreeContiguous(addr, 1)
}

// FreeContiguous releases n pages starting at addr.
func (p *PhysAllocator) FreeContiguous(addr PhysAddr, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := int(addr); i < int(addr)+n && i < len(p.used); i++ {
		p.used[i] = false
	}
}

// Status returns a point-in-time snapshot of allocator bookkeeping.
func (p *PhysAllocator) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{Highest: p.highest}
	for i := range p.used {
		switch {
		case p.reserved[i]:
			s.Reserved++
		case p.used[i]:
			s.Used++
		default:
			s.Usable++
		}
	}
	return s
}

func (p PhysAddr) String() string {
	return fmt.Sprintf("phys:%#x", uint64(p)*PageSize)
}
