package vmm

import "memcore/kernel/mm"

// EmulateCPU replaces the privileged CPU operations used by the package so
// the page tables rooted at root can be built and walked from user space,
// for instance on top of mmtest.PhysMem. TLB flushes and root switches
// become no-ops, the CPU reports no-execute support and Init leaves the
// direct map base untouched.
//
// The returned function restores the previous hooks and package state.
func EmulateCPU(root mm.Frame) (restore func()) {
	origActivePDT, origSwitchPDT, origFlushTLB := activePDTFn, switchPDTFn, flushTLBEntryFn
	origSetDirectMapBase, origHasNX := setDirectMapBaseFn, hasNoExecuteFn
	origSupportedFlags, origRegistry := supportedFlags, sharedMemory

	activePDTFn = func() uintptr { return root.Address() }
	switchPDTFn = func(uintptr) {}
	flushTLBEntryFn = func(uintptr) {}
	setDirectMapBaseFn = func(uintptr) {}
	hasNoExecuteFn = func() bool { return true }

	return func() {
		activePDTFn, switchPDTFn, flushTLBEntryFn = origActivePDT, origSwitchPDT, origFlushTLB
		setDirectMapBaseFn, hasNoExecuteFn = origSetDirectMapBase, origHasNX
		supportedFlags, sharedMemory = origSupportedFlags, origRegistry
		kernelPDT = PageDirectoryTable{}
		kernelAddressSpace = AddressSpace{}
		directMapSize = 0
	}
}
