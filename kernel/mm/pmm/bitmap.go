package pmm

import (
	"math/bits"
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/multiboot"
	"memcore/kernel/sync"
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across all memory using a single bitmap. Bit N%64 of word N/64
// is set when frame N is in use.
//
// The bitmap lives in physical memory obtained from the boot allocator and is
// accessed through the direct map. Until init completes, frame requests are
// forwarded to the boot allocator.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// bitmapPhys is the physical address of the bitmap storage.
	bitmapPhys uintptr

	// bitmapWords is the number of uint64 words in the bitmap.
	bitmapWords uintptr

	// memorySize is the highest end address of any available region.
	memorySize uintptr

	totalFrames uintptr
	usedFrames  uintptr

	// searchHint is the index of the first bitmap word that may contain a
	// free frame.
	searchHint uintptr

	initialized bool
	boot        *BootMemAllocator
}

// init sizes the bitmap from the bootloader memory map, obtains its storage
// from the boot allocator and reserves every frame that must never be handed
// out: anything outside the available regions, frame 0, the kernel image, the
// bitmap itself and all frames allocated during boot.
func (alloc *BitmapAllocator) init(boot *BootMemAllocator) {
	alloc.boot = boot
	alloc.initialized = false

	var memEnd uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.PhysAddress+region.Length > memEnd {
			memEnd = region.PhysAddress + region.Length
		}
		return true
	})

	alloc.memorySize = mm.AlignDown(uintptr(memEnd), mm.PageSize)
	alloc.totalFrames = alloc.memorySize >> mm.PageShift
	alloc.bitmapWords = (alloc.totalFrames + 63) >> 6
	alloc.searchHint = 0

	bitmapBytes := alloc.bitmapWords << 3
	bitmapPages := mm.Pages(bitmapBytes)
	alloc.bitmapPhys = boot.allocFrames(uint64(bitmapPages)).Address()

	// Start with every frame in use and release the available regions.
	kernel.Memset(mm.PhysToVirt(alloc.bitmapPhys), 0, bitmapPages<<mm.PageShift)
	alloc.usedFrames = alloc.markRange(0, mm.Frame(alloc.totalFrames-1), true)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		if startFrame, endFrame, ok := usableFrames(region); ok {
			alloc.usedFrames -= alloc.markRange(startFrame, endFrame, false)
		}
		return true
	})

	kfmt.Printf("[pmm] bitmap allocator: %d frames, bitmap uses %d pages at 0x%x\n", uint64(alloc.totalFrames), uint64(bitmapPages), alloc.bitmapPhys)

	alloc.Reserve(0, mm.PageSize, "null frame")
	if boot.kernelEndAddr > boot.kernelStartAddr {
		alloc.Reserve(boot.kernelStartAddr, boot.kernelEndAddr-boot.kernelStartAddr, "kernel image")
	}
	alloc.Reserve(alloc.bitmapPhys, bitmapBytes, "frame bitmap")
	if first, last, ok := boot.AllocatedRange(); ok {
		alloc.Reserve(first.Address(), (last-first+1).Address(), "boot allocations")
	}

	alloc.initialized = true
}

// words returns the bitmap as a slice reached through the direct map.
func (alloc *BitmapAllocator) words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(mm.PhysToVirt(alloc.bitmapPhys))), alloc.bitmapWords)
}

// markRange sets or clears the bits for frames [start, end] and returns the
// number of bits whose state changed. Frames past the end of memory are
// ignored.
func (alloc *BitmapAllocator) markRange(start, end mm.Frame, used bool) uintptr {
	if uintptr(end) >= alloc.totalFrames {
		end = mm.Frame(alloc.totalFrames - 1)
	}

	var (
		changed uintptr
		words   = alloc.words()
	)
	for frame := start; frame <= end && uintptr(frame) < alloc.totalFrames; frame++ {
		index, mask := uintptr(frame>>6), uint64(1)<<(uint64(frame)&63)
		isSet := words[index]&mask != 0
		switch {
		case used && !isSet:
			words[index] |= mask
			changed++
		case !used && isSet:
			words[index] &^= mask
			changed++
			if index < alloc.searchHint {
				alloc.searchHint = index
			}
		}
	}

	return changed
}

// AllocFrame reserves and returns the lowest free frame. It panics with
// ErrOutOfPhysicalMemory if all frames are in use.
func (alloc *BitmapAllocator) AllocFrame() mm.Frame {
	if !alloc.initialized {
		return alloc.boot.AllocFrame()
	}

	alloc.mutex.Acquire()

	words := alloc.words()
	for index := alloc.searchHint; index < alloc.bitmapWords; index++ {
		// Skip fully used words
		if words[index] == ^uint64(0) {
			continue
		}

		frame := index<<6 + uintptr(bits.TrailingZeros64(^words[index]))
		if frame >= alloc.totalFrames {
			break
		}

		words[index] |= uint64(1) << (frame & 63)
		alloc.usedFrames++
		alloc.searchHint = index
		alloc.mutex.Release()
		return mm.Frame(frame)
	}

	alloc.searchHint = alloc.bitmapWords
	alloc.mutex.Release()
	panic(ErrOutOfPhysicalMemory)
}

// FreeFrame releases a frame previously allocated via AllocFrame. Releasing a
// frame that is already free or lies outside of memory is a no-op.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.mutex.Acquire()
	if alloc.initialized && uintptr(frame) < alloc.totalFrames {
		alloc.usedFrames -= alloc.markRange(frame, frame, false)
	}
	alloc.mutex.Release()
}

// AllocArea reserves a run of contiguous free frames large enough to hold
// size bytes and returns its physical address. The search begins at the frame
// containing startHint. It panics with ErrOutOfPhysicalMemory if no such run
// exists. A zero size returns 0.
func (alloc *BitmapAllocator) AllocArea(startHint, size uintptr) uintptr {
	count := mm.Pages(size)
	if count == 0 {
		return 0
	}

	alloc.mutex.Acquire()

	var (
		words    = alloc.words()
		runStart uintptr
		runLen   uintptr
	)
	for frame := uintptr(mm.FrameFromAddress(startHint)); frame < alloc.totalFrames; frame++ {
		index, bit := frame>>6, frame&63

		// A fully used word cannot contribute to a run
		if bit == 0 && words[index] == ^uint64(0) {
			runLen = 0
			frame += 63
			continue
		}

		if words[index]&(uint64(1)<<bit) != 0 {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = frame
		}

		if runLen++; runLen == count {
			alloc.usedFrames += alloc.markRange(mm.Frame(runStart), mm.Frame(runStart+count-1), true)
			alloc.mutex.Release()
			return mm.Frame(runStart).Address()
		}
	}

	alloc.mutex.Release()
	panic(ErrOutOfPhysicalMemory)
}

// FreeArea releases the frames backing [start, start+size).
func (alloc *BitmapAllocator) FreeArea(start, size uintptr) {
	if size == 0 {
		return
	}

	alloc.mutex.Acquire()
	alloc.usedFrames -= alloc.markRange(mm.FrameFromAddress(start), mm.FrameFromAddress(start+size-1), false)
	alloc.mutex.Release()
}

// Reserve marks the frames backing [addr, addr+size) as used so they are never
// handed out. The tag is only used for logging.
func (alloc *BitmapAllocator) Reserve(addr, size uintptr, tag string) {
	if size == 0 {
		return
	}

	alloc.mutex.Acquire()
	alloc.usedFrames += alloc.markRange(mm.FrameFromAddress(addr), mm.FrameFromAddress(addr+size-1), true)
	alloc.mutex.Release()

	kfmt.Printf("[pmm] reserved %s: [0x%10x - 0x%10x]\n", tag, mm.AlignDown(addr, mm.PageSize), mm.AlignUp(addr+size, mm.PageSize))
}

// IsUsed returns true if frame is currently reserved. Frames outside of
// memory are always reported as used.
func (alloc *BitmapAllocator) IsUsed(frame mm.Frame) bool {
	if uintptr(frame) >= alloc.totalFrames {
		return true
	}

	return alloc.words()[frame>>6]&(uint64(1)<<(uint64(frame)&63)) != 0
}

// MemorySize returns the amount of physical memory tracked by the allocator.
func (alloc *BitmapAllocator) MemorySize() uintptr {
	return alloc.memorySize
}

// MemoryUsed returns the number of bytes currently reserved.
func (alloc *BitmapAllocator) MemoryUsed() uintptr {
	return alloc.usedFrames << mm.PageShift
}

// UsedFrames returns the number of frames currently reserved.
func (alloc *BitmapAllocator) UsedFrames() uintptr {
	return alloc.usedFrames
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uintptr {
	return alloc.totalFrames
}

// popCount returns the number of set bits in the bitmap.
func (alloc *BitmapAllocator) popCount() uintptr {
	var count int
	for _, word := range alloc.words() {
		count += bits.OnesCount64(word)
	}
	return uintptr(count)
}
