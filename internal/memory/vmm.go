package memory

import (
	"errors"
	"sync"
)

// PageFlags are the permission bits installed in a page-table entry.
type PageFlags uint32

const (
	// FlagUser marks a page accessible from user mode.
	FlagUser PageFlags = 1 << iota
	// FlagWrite marks a page writable.
	FlagWrite
	// FlagExec marks a page executable.
	FlagExec
)

// Address-space layout (spec.md §3): kernel virtual memory occupies the
// high half and is identical in every page-table root; user virtual memory
// occupies the low half and is per-process.
const (
	UserSpaceBase  uint64 = 0
	UserSpaceLimit uint64 = 1 << 46
	KernelSpaceBase uint64 = 1 << 63
	KernelSpaceLimit uint64 = 1<<64 - 1
)

var (
	// ErrNoVirtualSpace means no free virtual range of the requested size
	// could be found in the requested window.
	ErrNoVirtualSpace = errors.New("memory: no free virtual address range")
	// ErrOutOfMemory means the physical allocator is exhausted.
	ErrOutOfMemory = errors.New("memory: physical pages exhausted")
	// ErrNotMapped means the address has no backing page.
	ErrNotMapped = errors.New("memory: address not mapped")
)

type page struct {
	phys  PhysAddr
	flags PageFlags
}

// kernelHalf is the single, shared high-half mapping installed identically
// into every AddressSpace (spec.md §3 invariant).
var (
	kernelHalfMu sync.Mutex
	kernelHalf   = map[uint64]*page{}
)

// MapKernelPage installs a page into the shared kernel half, visible to
// every existing and future AddressSpace. Used once at boot to build the
// kernel's own mappings.
func MapKernelPage(vaddr uint64, phys PhysAddr, flags PageFlags) {
	kernelHalfMu.Lock()
	defer kernelHalfMu.Unlock()
	kernelHalf[pageNumber(vaddr)] = &page{phys: phys, flags: flags}
}

func pageNumber(addr uint64) uint64 { return addr / PageSize }

// AddressSpace is a simulated per-process page table: a deep-copied low
// half plus a reference to the shared kernel half.
type AddressSpace struct {
	mu      sync.Mutex
	phys    *PhysAllocator
	low     map[uint64]*page
	highest uint64
}

// NewAddressSpace creates an address space with an empty, privately-owned
// low half and the shared kernel half aliased (spec.md §4.1 createContext:
// "clone the kernel-half page-table into a new address space").
func NewAddressSpace(phys *PhysAllocator) *AddressSpace {
	return &AddressSpace{
		phys: phys,
		low:  map[uint64]*page{},
	}
}

// Allocate reserves `pages` contiguous virtual pages in [rangeLow,
// rangeHigh), backs each with a freshly allocated physical page, and
// installs entries with the requested permission flags. Returns the base
// virtual address, or 0 on failure.
func (a *AddressSpace) Allocate(rangeLow, rangeHigh uint64, pages int, flags PageFlags) (uint64, error) {
	if pages <= 0 || rangeHigh <= rangeLow {
		return 0, ErrNoVirtualSpace
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base, err := a.findFreeRun(rangeLow, rangeHigh, pages)
	if err != nil {
		return 0, err
	}

	allocated := make([]PhysAddr, 0, pages)
	for i := 0; i < pages; i++ {
		phys, ok := a.phys.Allocate()
		if !ok {
			for _, p := range allocated {
				a.phys.Free(p)
			}
			return 0, ErrOutOfMemory
		}
		allocated = append(allocated, phys)
	}

	for i := 0; i < pages; i++ {
		vaddr := base + uint64(i)*PageSize
		a.low[pageNumber(vaddr)] = &page{phys: allocated[i], flags: flags}
	}

	top := base + uint64(pages)*PageSize
	if top > a.highest {
		a.highest = top
	}
	return base, nil
}

func (a *AddressSpace) findFreeRun(rangeLow, rangeHigh uint64, pages int) (uint64, error) {
	run := 0
	var start uint64
	for addr := rangeLow; addr+PageSize <= rangeHigh; addr += PageSize {
		if _, ok := a.low[pageNumber(addr)]; ok {
			run = 0
			continue
		}
		if run == 0 {
			start = addr
		}
		run++
		if run == pages {
			return start, nil
		}
	}
	return 0, ErrNoVirtualSpace
}

// Free reverses Allocate: unmaps and frees the physical pages backing
// [virt, virt+pages*PageSize).
func (a *AddressSpace) Free(virt uint64, pages int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < pages; i++ {
		vaddr := virt + uint64(i)*PageSize
		pn := pageNumber(vaddr)
		p, ok := a.low[pn]
		if !ok {
			continue
		}
		a.phys.Free(p.phys)
		delete(a.low, pn)
	}
	return nil
}

// Highest returns the current heap-growth watermark (sbrk boundary).
func (a *AddressSpace) Highest() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highest
}

// SetHighest records a new watermark; used by SetContext.
func (a *AddressSpace) SetHighest(v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v > a.highest {
		a.highest = v
	}
}

// FaultStatus encodes the hardware-reported page-fault error bits
// (spec.md §4.2: PRESENT, USER, WRITE, FETCH).
type FaultStatus uint32

const (
	FaultPresent FaultStatus = 1 << iota
	FaultUser
	FaultWrite
	FaultFetch
)

// FaultVerdict is the trap handler's classification of a page fault.
type FaultVerdict int

const (
	// FaultResolved means the access is valid against the installed
	// mapping; no thread action is required.
	FaultResolved FaultVerdict = iota
	// FaultTerminate means the access violates the mapping (or there is
	// no mapping) and the offending thread must be terminated. Faults in
	// kernel space are always fatal to the whole machine instead (caller's
	// responsibility per spec.md §7).
	FaultTerminate
)

// PageFault classifies a fault at addr given the hardware status bits and
// returns a verdict for the trap handler. It never mutates state: deciding
// whether to terminate the thread or halt the machine is the caller's job.
func (a *AddressSpace) PageFault(addr uint64, status FaultStatus) FaultVerdict {
	a.mu.Lock()
	p, ok := a.low[pageNumber(addr)]
	a.mu.Unlock()

	if !ok {
		kernelHalfMu.Lock()
		p, ok = kernelHalf[pageNumber(addr)]
		kernelHalfMu.Unlock()
	}

	if !ok {
		return FaultTerminate
	}
	if status&FaultUser != 0 && p.flags&FlagUser == 0 {
		return FaultTerminate
	}
	if status&FaultWrite != 0 && p.flags&FlagWrite == 0 {
		return FaultTerminate
	}
	if status&FaultFetch != 0 && p.flags&FlagExec == 0 {
		return FaultTerminate
	}
	return FaultResolved
}

// Clone deep-copies the low half into a new AddressSpace (copy-on-write is
// a permitted optimization per spec.md but not implemented here: every
// parent page is duplicated immediately).
func (a *AddressSpace) Clone() (*AddressSpace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	child := NewAddressSpace(a.phys)
	for vpn, p := range a.low {
		childPhys, ok := a.phys.Allocate()
		if !ok {
			child.freeAllLocked()
			return nil, ErrOutOfMemory
		}
		// A real implementation would byte-copy the backing page here;
		// this simulation has no byte-addressable physical store, so the
		// copy is the allocation of an independent frame with identical
		// permissions, which is sufficient to prove per-process ownership
		// (spec.md §8: "every page mapped in P's low-half page-table is
		// privately owned by P").
		child.low[vpn] = &page{phys: childPhys, flags: p.flags}
	}
	child.highest = a.highest
	return child, nil
}

func (a *AddressSpace) freeAllLocked() {
	for vpn, p := range a.low {
		a.phys.Free(p.phys)
		delete(a.low, vpn)
	}
}

// CleanThread walks the low-half page table, frees every backing physical
// page, then clears the table. Mirrors spec.md §4.1 cleanThread and Design
// Notes §9: the original comments out its vmmFree pass, leaving shared
// mappings unreleased; this implementation frees unconditionally, which is
// only correct because Clone never produces a shared mapping here.
//
// TODO(cow): once copy-on-write sharing is introduced, this must refcount
// shared frames instead of freeing them unconditionally.
func (a *AddressSpace) CleanThread() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeAllLocked()
	a.highest = 0
}

// PageCount reports how many low-half pages are currently mapped.
func (a *AddressSpace) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.low)
}

// Read returns the physical frame backing vaddr, for tests that need to
// assert two address spaces don't alias the same frame.
func (a *AddressSpace) Read(vaddr uint64) (PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.low[pageNumber(vaddr)]
	if !ok {
		return 0, false
	}
	return p.phys, true
}
