package heap

import (
	"sync/atomic"

	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm/vmm"
)

var (
	// kernelHeap serves allocations that must outlive a context switch.
	kernelHeap atomic.Pointer[Heap]

	// activeHeap is the heap of the address space that currently owns
	// execution.
	activeHeap atomic.Pointer[Heap]

	// activateFn is used by tests to override calls to
	// AddressSpace.Activate which would load CR3.
	activateFn = (*vmm.AddressSpace).Activate

	errNoHeap = &kernel.Error{Module: "heap", Message: "heap selectors used before Init"}
)

// Init installs the kernel heap. It becomes both the kernel and the active
// heap. Init is called once by the boot code before any other selector.
func Init(kernel *Heap) {
	kernelHeap.Store(kernel)
	activeHeap.Store(kernel)

	kfmt.Printf("[heap] kernel heap ready: %dKb reserved\n", uint64(kernel.Capacity()>>10))
}

// Switch activates the address space backing next and makes next the active
// heap. It must only be called from the context switch path with interrupts
// disabled.
func Switch(next *Heap) {
	activateFn(next.as)
	activeHeap.Store(next)
}

// Active returns the heap of the address space that currently owns
// execution.
func Active() *Heap {
	h := activeHeap.Load()
	if h == nil {
		panic(errNoHeap)
	}
	return h
}

// Kernel returns the kernel heap.
func Kernel() *Heap {
	h := kernelHeap.Load()
	if h == nil {
		panic(errNoHeap)
	}
	return h
}

// Malloc allocates from the active heap.
func Malloc(size uintptr) uintptr { return Active().Malloc(size) }

// Free releases a block of the active heap.
func Free(ptr uintptr) { Active().Free(ptr) }

// KMalloc allocates from the kernel heap.
func KMalloc(size uintptr) uintptr { return Kernel().Malloc(size) }

// KFree releases a block of the kernel heap.
func KFree(ptr uintptr) { Kernel().Free(ptr) }
