package vmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/mm"
)

// chunk describes one contiguous, page-aligned range of an address space.
// Records live inside region frames and are referenced by their physical
// address (a handle); handle 0 is never valid.
//
// A record with a zero size is unused. A record flagged with flagFreeChunk
// describes a range that can be reused and is linked into the free list via
// nextFree. All other records describe live allocations.
type chunk struct {
	start    uintptr
	size     uintptr
	flags    PageTableEntryFlag
	nextFree uintptr
}

// chunksPerRegion is the number of chunk records in a region frame; the first
// record-sized slot holds the region header.
const chunksPerRegion = mm.PageSize/unsafe.Sizeof(chunk{}) - 1

// region is a page-sized block of address space metadata. Regions form a
// singly linked list per address space and are accessed via the direct map.
type region struct {
	// next is the physical address of the next region or 0.
	next uintptr
	_    [3]uintptr

	chunks [chunksPerRegion]chunk
}

// regionAt returns the region stored at physical address regionPhys.
func regionAt(regionPhys uintptr) *region {
	return (*region)(unsafe.Pointer(mm.PhysToVirt(regionPhys)))
}

// chunkAt returns the chunk record for a handle.
func chunkAt(handle uintptr) *chunk {
	return (*chunk)(unsafe.Pointer(mm.PhysToVirt(handle)))
}

// chunkHandle returns the handle of the index-th record of the region at
// regionPhys.
func chunkHandle(regionPhys uintptr, index uintptr) uintptr {
	return regionPhys + (index+1)*unsafe.Sizeof(chunk{})
}

// newRegion allocates and clears a region frame and returns its physical
// address.
func newRegion() uintptr {
	regionPhys := mm.AllocFrame().Address()
	kernel.Memset(mm.PhysToVirt(regionPhys), 0, mm.PageSize)
	return regionPhys
}

// chunkVisitor is invoked by visitChunks for each used record. Returning false
// aborts the scan.
type chunkVisitor func(handle uintptr, c *chunk) bool

// visitChunks invokes visitor for every used record of the region list that
// starts at firstRegion.
func visitChunks(firstRegion uintptr, visitor chunkVisitor) {
	for regionPhys := firstRegion; regionPhys != 0; regionPhys = regionAt(regionPhys).next {
		r := regionAt(regionPhys)
		for index := uintptr(0); index < chunksPerRegion; index++ {
			if r.chunks[index].size == 0 {
				continue
			}

			if !visitor(chunkHandle(regionPhys, index), &r.chunks[index]) {
				return
			}
		}
	}
}
