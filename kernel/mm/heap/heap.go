// Package heap implements the general purpose allocator that serves
// arbitrary sized requests out of the pages of an address space.
package heap

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/mm"
	"memcore/kernel/mm/vmm"
	"memcore/kernel/sync"
)

const (
	// quantum is the allocation granularity. Chunk sizes and addresses are
	// multiples of it so a chunk header never straddles a page.
	quantum = uintptr(32)

	// minGrowSize is the smallest amount of address space requested from
	// the backing address space when the heap grows.
	minGrowSize = 16 * mm.PageSize

	// growFlags are the mapping flags of heap pages.
	growFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
)

var (
	// ErrHeapExhausted is raised when a request cannot be satisfied.
	ErrHeapExhausted = &kernel.Error{Module: "heap", Message: "heap exhausted"}
)

// Allocator is implemented by memory allocators that hand out addresses in
// an address space.
type Allocator interface {
	// Malloc returns the address of a block of at least size bytes or 0 if
	// size is 0.
	Malloc(size uintptr) uintptr

	// Free releases a block returned by Malloc.
	Free(ptr uintptr)

	// MemoryUsed returns the number of bytes held by live blocks.
	MemoryUsed() uintptr
}

// chunkHeader precedes every chunk of the heap. Chunks form a doubly linked
// list kept in address order; next and prev hold virtual addresses (0 marks
// the list ends) and size includes the header.
type chunkHeader struct {
	next      uintptr
	prev      uintptr
	size      uintptr
	allocated uintptr
}

const headerSize = unsafe.Sizeof(chunkHeader{})

// Heap is a first-fit allocator over the pages of an address space. Free
// chunks are split on allocation and merged with their free neighbours on
// release. The heap grows by allocating pages from its address space and
// never returns them.
//
// The chunk headers are accessed through AddressSpace.Pointer so a Heap can
// be used regardless of which address space is active.
type Heap struct {
	mutex sync.Spinlock

	as *vmm.AddressSpace

	// first is the lowest chunk.
	first uintptr

	// [start, end) spans every page the heap obtained.
	start, end uintptr
}

// New returns an empty heap backed by as. No memory is claimed until the
// first allocation.
func New(as *vmm.AddressSpace) *Heap {
	return &Heap{as: as}
}

// AddressSpace returns the address space that backs the heap.
func (h *Heap) AddressSpace() *vmm.AddressSpace {
	return h.as
}

// Malloc implements Allocator.
func (h *Heap) Malloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	if size > ^uintptr(0)-headerSize-quantum {
		panic(ErrHeapExhausted)
	}
	need := mm.AlignUp(size+headerSize, quantum)

	h.mutex.Acquire()

	addr := h.findFree(need)
	if addr == 0 {
		addr = h.grow(need)
	}

	c := h.header(addr)
	if c.size-need > headerSize {
		h.split(addr, need)
	}
	c.allocated = 1

	h.mutex.Release()
	return addr + headerSize
}

// Free implements Allocator. Pointers outside the heap, pointers that do not
// start a block and blocks that are already free are ignored.
func (h *Heap) Free(ptr uintptr) {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if ptr < h.start+headerSize || ptr >= h.end {
		return
	}

	addr := ptr - headerSize
	for cur := h.first; cur != 0 && cur <= addr; cur = h.header(cur).next {
		if cur != addr {
			continue
		}

		c := h.header(cur)
		if c.allocated == 0 {
			return
		}

		c.allocated = 0
		h.mergeNext(cur)
		if c.prev != 0 && h.header(c.prev).allocated == 0 {
			h.mergeNext(c.prev)
		}
		return
	}
}

// MemoryUsed implements Allocator. Chunk headers are included.
func (h *Heap) MemoryUsed() uintptr {
	var used uintptr

	h.mutex.Acquire()
	for cur := h.first; cur != 0; cur = h.header(cur).next {
		if c := h.header(cur); c.allocated != 0 {
			used += c.size
		}
	}
	h.mutex.Release()

	return used
}

// Capacity returns the amount of address space the heap has obtained.
func (h *Heap) Capacity() uintptr {
	var total uintptr

	h.mutex.Acquire()
	for cur := h.first; cur != 0; cur = h.header(cur).next {
		total += h.header(cur).size
	}
	h.mutex.Release()

	return total
}

// Grow makes sure a block of size bytes can be allocated without claiming
// more pages.
func (h *Heap) Grow(size uintptr) {
	if size == 0 {
		return
	}

	need := mm.AlignUp(size+headerSize, quantum)

	h.mutex.Acquire()
	if h.findFree(need) == 0 {
		h.grow(need)
	}
	h.mutex.Release()
}

func (h *Heap) header(addr uintptr) *chunkHeader {
	return (*chunkHeader)(h.as.Pointer(addr))
}

// findFree returns the lowest free chunk of at least need bytes or 0.
func (h *Heap) findFree(need uintptr) uintptr {
	for cur := h.first; cur != 0; cur = h.header(cur).next {
		if c := h.header(cur); c.allocated == 0 && c.size >= need {
			return cur
		}
	}
	return 0
}

// grow claims enough pages for a chunk of need bytes, links them into the
// list as a free chunk and returns the (possibly merged) free chunk that
// contains them.
func (h *Heap) grow(need uintptr) uintptr {
	growSize := need
	if growSize < minGrowSize {
		growSize = minGrowSize
	}
	growSize = mm.AlignUp(growSize, mm.PageSize)

	addr := h.as.Allocate(growSize, growFlags)
	if addr == 0 {
		h.mutex.Release()
		panic(ErrHeapExhausted)
	}

	if h.first == 0 || addr < h.start {
		h.start = addr
	}
	if addr+growSize > h.end {
		h.end = addr + growSize
	}

	c := h.header(addr)
	c.size, c.allocated = growSize, 0
	h.insert(addr)

	h.mergeNext(addr)
	if c.prev != 0 && h.header(c.prev).allocated == 0 && h.mergeNext(c.prev) {
		return c.prev
	}
	return addr
}

// insert links the chunk at addr into the list keeping address order.
func (h *Heap) insert(addr uintptr) {
	c := h.header(addr)
	c.prev, c.next = 0, h.first

	for c.next != 0 && c.next < addr {
		c.prev, c.next = c.next, h.header(c.next).next
	}

	if c.prev == 0 {
		h.first = addr
	} else {
		h.header(c.prev).next = addr
	}

	if c.next != 0 {
		h.header(c.next).prev = addr
	}
}

// split shrinks the chunk at addr to need bytes; the remainder becomes a free
// chunk following it.
func (h *Heap) split(addr, need uintptr) {
	c := h.header(addr)

	tailAddr := addr + need
	tail := h.header(tailAddr)
	tail.size, tail.allocated = c.size-need, 0
	tail.prev, tail.next = addr, c.next

	if c.next != 0 {
		h.header(c.next).prev = tailAddr
	}
	c.next, c.size = tailAddr, need
}

// mergeNext absorbs the chunk following addr if both are free and adjacent.
// It returns true if a merge took place.
func (h *Heap) mergeNext(addr uintptr) bool {
	c := h.header(addr)
	if c.allocated != 0 || c.next == 0 || c.next != addr+c.size {
		return false
	}

	next := h.header(c.next)
	if next.allocated != 0 {
		return false
	}

	c.size += next.size
	c.next = next.next
	if c.next != 0 {
		h.header(c.next).prev = addr
	}
	return true
}
