package pmm

import (
	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/multiboot"
)

var (
	// ErrOutOfPhysicalMemory is raised when no free frame (or no run of
	// contiguous free frames) can satisfy a request. There is no recoverable
	// out of memory path at this layer.
	ErrOutOfPhysicalMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator selects the largest available memory region reported by the
// bootloader and hands out its frames in ascending order, skipping over the
// frames occupied by the kernel image. Allocations are tracked via an internal
// counter that contains the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks will be handed over to the BitmapAllocator which reserves them.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// firstAllocFrame and lastAllocFrame track the first and last
	// allocated frame numbers.
	firstAllocFrame, lastAllocFrame mm.Frame

	// The first and last usable frame of the selected region.
	regionStartFrame, regionEndFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page. An empty image excludes nothing.
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame, alloc.kernelEndFrame = mm.InvalidFrame, 0
	if kernelEnd > kernelStart {
		alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
		alloc.kernelEndFrame = mm.FrameFromAddress(mm.AlignUp(kernelEnd, mm.PageSize)) - 1
	}
	alloc.allocCount = 0
	alloc.regionStartFrame = mm.InvalidFrame
	alloc.regionEndFrame = mm.InvalidFrame

	var largest uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame, endFrame, ok := usableFrames(region)
		if !ok {
			return true
		}

		// Frame 0 is never handed out
		if startFrame == 0 {
			startFrame++
		}

		if size := uint64(endFrame-startFrame) + 1; startFrame <= endFrame && size > largest {
			largest = size
			alloc.regionStartFrame, alloc.regionEndFrame = startFrame, endFrame
		}
		return true
	})
}

// AllocFrame reserves the next available free frame of the selected region.
// It panics with ErrOutOfPhysicalMemory if the region is exhausted.
func (alloc *BootMemAllocator) AllocFrame() mm.Frame {
	return alloc.allocFrames(1)
}

// allocFrames reserves count physically contiguous frames and returns the
// first one.
func (alloc *BootMemAllocator) allocFrames(count uint64) mm.Frame {
	if !alloc.regionStartFrame.Valid() || count == 0 {
		panic(ErrOutOfPhysicalMemory)
	}

	next := alloc.regionStartFrame
	if alloc.allocCount != 0 {
		next = alloc.lastAllocFrame + 1
	}

	// Skip over the kernel image if the run would overlap it
	last := next + mm.Frame(count-1)
	if next <= alloc.kernelEndFrame && last >= alloc.kernelStartFrame {
		next = alloc.kernelEndFrame + 1
		last = next + mm.Frame(count-1)
	}

	if last > alloc.regionEndFrame {
		panic(ErrOutOfPhysicalMemory)
	}

	if alloc.allocCount == 0 {
		alloc.firstAllocFrame = next
	}

	alloc.allocCount += count
	alloc.lastAllocFrame = last
	return next
}

// AllocatedRange returns the first and last frame handed out by the
// allocator. The range may include the kernel image. If no frames have been
// allocated, ok is false.
func (alloc *BootMemAllocator) AllocatedRange() (first, last mm.Frame, ok bool) {
	if alloc.allocCount == 0 {
		return mm.InvalidFrame, mm.InvalidFrame, false
	}
	return alloc.firstAllocFrame, alloc.lastAllocFrame, true
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	if alloc.regionStartFrame.Valid() {
		kfmt.Printf("[pmm] boot allocator region: frames %d - %d\n", uint64(alloc.regionStartFrame), uint64(alloc.regionEndFrame))
	}
}

// usableFrames returns the first and last whole frame inside region. Reported
// addresses may not be page-aligned; the start is rounded up and the end is
// rounded down.
func usableFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
	end := (region.PhysAddress + region.Length) & ^pageSizeMinus1
	if end <= start {
		return mm.InvalidFrame, mm.InvalidFrame, false
	}

	return mm.Frame(start >> mm.PageShift), mm.Frame(end>>mm.PageShift) - 1, true
}
