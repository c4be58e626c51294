package vmm

import (
	"memcore/kernel/cpu"
	"memcore/kernel/kfmt"
)

var (
	// readCR2Fn is mocked by tests and is automatically inlined by the
	// compiler.
	readCR2Fn = cpu.ReadCR2
)

// DumpPageFault prints the faulting address, the reason encoded in the page
// fault error code and whether the address is currently mapped. It is meant
// to be called by the page fault handler; it never allocates memory and never
// alters any mapping.
func DumpPageFault(errorCode uint64) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	if physAddr, err := ActiveTranslate(faultAddress); err == nil {
		kfmt.Printf("\nMapping: 0x%16x -> 0x%16x\n", faultAddress, physAddr)
	} else {
		kfmt.Printf("\nMapping: %s\n", err.Message)
	}
}
