// Package pmm implements the physical frame allocator of the memory core.
package pmm

import "memcore/kernel/mm"

var (
	// bootMemAllocator is the page allocator used when the kernel boots.
	// It is used to bootstrap the bitmap allocator which is used for all
	// page allocations while the kernel runs.
	bootMemAllocator BootMemAllocator

	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map supplied by the bootloader. The physical extents of the kernel
// image are excluded from allocation.
func Init(kernelStart, kernelEnd uintptr) {
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()

	// Frames requested while the bitmap is set up are served by the boot
	// allocator.
	bitmapAllocator.initialized = false
	bitmapAllocator.boot = &bootMemAllocator
	mm.SetFrameAllocator(allocFrame, freeFrame)

	bitmapAllocator.init(&bootMemAllocator)
}

// allocFrame and freeFrame are passed to mm.SetFrameAllocator instead of the
// method values. The latter confuse the compiler's escape analysis into
// thinking that bitmapAllocator escapes to heap.
func allocFrame() mm.Frame {
	return bitmapAllocator.AllocFrame()
}

func freeFrame(f mm.Frame) {
	bitmapAllocator.FreeFrame(f)
}

// Allocator returns the system-wide frame allocator.
func Allocator() *BitmapAllocator {
	return &bitmapAllocator
}

// AllocArea reserves physically contiguous frames using the system-wide
// allocator. See BitmapAllocator.AllocArea.
func AllocArea(startHint, size uintptr) uintptr {
	return bitmapAllocator.AllocArea(startHint, size)
}

// FreeArea releases physically contiguous frames using the system-wide
// allocator.
func FreeArea(start, size uintptr) {
	bitmapAllocator.FreeArea(start, size)
}
