// Package vmm implements the page table manager and the per address space
// virtual memory manager of the memory core.
package vmm

import (
	"memcore/kernel/cpu"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	setDirectMapBaseFn = mm.SetDirectMapBase
	hasNoExecuteFn     = cpu.HasNoExecute

	// kernelPDT is the page directory table set up by the bootloader and
	// adopted by Init.
	kernelPDT PageDirectoryTable

	// directMapSize is the amount of physical memory mapped at
	// mm.HigherHalfDirectMap.
	directMapSize uintptr
)

// Init adopts the active page directory table as the kernel PDT, installs the
// recursive slot, maps memorySize bytes of physical memory at
// mm.HigherHalfDirectMap, allocates the tables of every other kernel slot
// and switches the direct map there. The bootloader's
// identity mapping must cover the boot page tables and every frame handed out
// until Init returns.
//
// If useNoExecute is false, or the CPU lacks support for it, FlagNoExecute is
// silently dropped from all mappings.
func Init(memorySize uintptr, useNoExecute bool) {
	if !useNoExecute || !hasNoExecuteFn() {
		supportedFlags &^= FlagNoExecute
		kfmt.Printf("[vmm] no-execute pages disabled\n")
	}

	kernelPDT.pdtFrame = mm.FrameFromAddress(activePDTFn())
	kernelPDT.installRecursiveSlot()
	flushTLBEntryFn(recursiveWindowAddr)

	directMapSize = mm.AlignUp(memorySize, mm.PageSize)
	kernelPDT.MapRegion(
		mm.PageFromAddress(mm.HigherHalfDirectMap),
		mm.Frame(0),
		directMapSize>>mm.PageShift,
		FlagPresent|FlagRW|FlagGlobal|FlagNoExecute,
	)
	kernelPDT.populateKernelSlots()
	setDirectMapBaseFn(mm.HigherHalfDirectMap)

	kfmt.Printf("[vmm] direct map: %dKb at 0x%16x\n", uint64(directMapSize/uintptr(mm.Kb)), mm.HigherHalfDirectMap)
}

// KernelPDT returns the page directory table adopted by Init.
func KernelPDT() *PageDirectoryTable {
	return &kernelPDT
}
