// Package goruntime backs the memory hooks of the Go runtime allocator with
// the kernel address space.
package goruntime

import (
	"sync/atomic"
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/mm/vmm"
)

const (
	// runtimeMemFlags are the flags of pages handed to the Go allocator.
	runtimeMemFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
)

var (
	errMapUnreserved = &kernel.Error{Module: "goruntime", Message: "sysMap called for a region that was not reserved"}

	// kernelSpace serves the hooks once Init has been called.
	kernelSpace *vmm.AddressSpace

	// allocFrameFn is mocked by tests.
	allocFrameFn = mm.AllocFrame
)

// Init routes the Go allocator hooks to kernelSpace.
func Init(space *vmm.AddressSpace) {
	kernelSpace = space
	kfmt.Printf("[goruntime] allocator hooks served by the kernel address space\n")
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	*reserved = true
	return unsafe.Pointer(reserveRegion(size))
}

// sysMap backs a region previously reserved via sysReserve with zeroed
// frames.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic(errMapUnreserved)
	}

	regionStart, regionSize := mapRegion(uintptr(virtAddr), size)
	addStat(sysStat, regionSize)
	return unsafe.Pointer(regionStart)
}

// sysAlloc allocates a zeroed, mapped region from the kernel address space
// and returns a pointer to its start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionStart := allocRegion(size)
	if regionStart != 0 {
		addStat(sysStat, mm.AlignUp(size, mm.PageSize))
	}
	return unsafe.Pointer(regionStart)
}

func reserveRegion(size uintptr) uintptr {
	if kernelSpace == nil || size == 0 {
		return 0
	}

	return kernelSpace.Allocate(size, vmm.FlagReserve)
}

// mapRegion maps fresh frames to the pages of [virtAddr, virtAddr+size) that
// are not mapped yet and returns the page-aligned region. The Go allocator
// only calls it with addresses inside a reserved region.
func mapRegion(virtAddr, size uintptr) (uintptr, uintptr) {
	regionStart := mm.AlignUp(virtAddr, mm.PageSize)
	regionSize := mm.AlignUp(size, mm.PageSize)
	if kernelSpace == nil || regionSize == 0 {
		return regionStart, 0
	}

	for page, count := mm.PageFromAddress(regionStart), regionSize>>mm.PageShift; count > 0; page, count = page+1, count-1 {
		if _, err := kernelSpace.Translate(page.Address()); err == nil {
			continue
		}

		frame := allocFrameFn()
		kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
		kernelSpace.Map(page, frame, runtimeMemFlags)
	}

	return regionStart, regionSize
}

func allocRegion(size uintptr) uintptr {
	if kernelSpace == nil || size == 0 {
		return 0
	}

	return kernelSpace.Allocate(size, runtimeMemFlags)
}

func addStat(sysStat *uint64, size uintptr) {
	if sysStat != nil {
		atomic.AddUint64(sysStat, uint64(size))
	}
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
