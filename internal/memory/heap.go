package memory

import "sync"

// heapHeader sits at the base of every allocation, as spec.md §4.2
// describes: "a small header records byteSize and pageSize at the base of
// the allocation, and the caller receives a pointer just past it."
type heapHeader struct {
	byteSize int
	pageSize int
}

// block is the simulated backing store for one heap allocation: the
// kernel has no byte-addressable physical memory in this model, so the
// "pointer just past the header" is a handle into this map rather than a
// real virtual address.
type block struct {
	header heapHeader
	base   PhysAddr
	data   []byte
}

// Heap is the kernel allocator. Every allocation rounds up to a whole
// number of pages; this is intentionally coarse (spec.md §4.2: "This is
// intentionally coarse; optimisation is non-normative") and is not changed
// here even though it wastes memory for small allocations (Design Notes
// §9, second open question).
type Heap struct {
	mu     sync.Mutex
	phys   *PhysAllocator
	blocks map[uint64]*block
	next   uint64
}

// NewHeap creates a kernel heap backed by phys.
func NewHeap(phys *PhysAllocator) *Heap {
	return &Heap{
		phys:   phys,
		blocks: map[uint64]*block{},
		next:   1,
	}
}

// Alloc allocates byteSize bytes, rounded up to whole pages (the header is
// not counted in the rounding), and returns an opaque handle to just past
// the header, or 0 if the physical allocator is exhausted.
func (h *Heap) Alloc(byteSize int) uint64 {
	if byteSize <= 0 {
		return 0
	}

	pages := (byteSize + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	base, ok := h.phys.AllocateContiguous(pages, 0)
	if !ok {
		return 0
	}

	handle := h.next
	h.next++
	h.blocks[handle] = &block{
		header: heapHeader{byteSize: byteSize, pageSize: pages * PageSize},
		base:   base,
		data:   make([]byte, byteSize),
	}
	return handle
}

// Free frees an allocation, reading the header to recover its page count
// (rounding the pointer down to a page boundary; here the handle itself
// plays that role).
func (h *Heap) Free(handle uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[handle]
	if !ok {
		return
	}
	pages := b.header.pageSize / PageSize
	h.phys.FreeContiguous(b.base, pages)
	delete(h.blocks, handle)
}

// Bytes returns the backing storage for a live allocation, for handlers
// that need to read/write kernel-owned scratch memory.
func (h *Heap) Bytes(handle uint64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[handle]
	if !ok {
		return nil, false
	}
	return b.data, true
}

// Size returns the requested byte size of a live allocation.
func (h *Heap) Size(handle uint64) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[handle]
	if !ok {
		return 0, false
	}
	return b.header.byteSize, true
}
