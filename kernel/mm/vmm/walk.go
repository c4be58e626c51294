package vmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walkActive() can be properly tested. When compiling the kernel this
	// function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// recursiveEntryAddr returns the virtual address through which the entry
// for virtAddr at the given level of the active address space is reachable.
//
// Setting the top index of an address to RecursiveSlot makes the MMU treat
// the PML4 as a PDPT, shifting the remaining indices one level down. An
// address whose (4 - level) leading indices are RecursiveSlot, followed by
// the first level indices of virtAddr, therefore resolves to the table at
// level.
func recursiveEntryAddr(virtAddr uintptr, level uint8) uintptr {
	var tableAddr uintptr
	for pos := uint8(0); pos < pageLevels; pos++ {
		index := uintptr(RecursiveSlot)
		if skip := pageLevels - level; pos >= skip {
			index = pageTableIndex(virtAddr, pos-skip)
		}
		tableAddr |= index << pageLevelShifts[pos]
	}

	// Sign-extend to get a canonical address
	if tableAddr&(1<<47) != 0 {
		tableAddr |= canonicalUpperBits
	}

	return tableAddr + pageTableIndex(virtAddr, level)<<mm.PointerShift
}

// walkActive performs a page table walk for virtAddr over the active address
// space using the recursive slot. Unlike PageDirectoryTable.walk it needs
// neither the direct map nor any allocation, so it is safe to use from a
// fault handler. The walk must not descend past a non-present entry.
func walkActive(virtAddr uintptr, walkFn pageTableWalker) {
	for level := uint8(0); level < pageLevels; level++ {
		if !walkFn(level, (*pageTableEntry)(ptePtrFn(recursiveEntryAddr(virtAddr, level)))) {
			return
		}
	}
}

// ActiveTranslate returns the physical address that virtAddr maps to in the
// active address space or ErrInvalidMapping if it is not mapped.
func ActiveTranslate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walkActive(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			physAddr, err = translateEntry(*pte, pteLevel, virtAddr), nil
			return false
		}

		return true
	})

	return physAddr, err
}
