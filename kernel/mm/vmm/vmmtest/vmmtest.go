// Package vmmtest boots the physical and virtual memory managers on top of
// simulated physical memory so packages layered on an address space can be
// tested in user space.
package vmmtest

import (
	"testing"

	"memcore/kernel/mm"
	"memcore/kernel/mm/mmtest"
	"memcore/kernel/mm/pmm"
	"memcore/kernel/mm/vmm"
	"memcore/kernel/multiboot"
)

const (
	// KernelStart and KernelEnd delimit the simulated kernel image.
	KernelStart = uintptr(0x100000)
	KernelEnd   = uintptr(0x200000)
)

// Boot initializes pmm over memSize bytes of simulated memory, runs vmm.Init
// with emulated CPU operations and returns the kernel address space. The
// state is torn down when the test completes.
func Boot(tb testing.TB, memSize uintptr) *vmm.AddressSpace {
	tb.Helper()

	physMem := mmtest.NewPhysMem(memSize)
	data := mmtest.MultibootInfo("", mmtest.MemRegion{Addr: 0, Length: uint64(memSize), Type: mmtest.MemAvailable})
	multiboot.SetInfoPtr(mmtest.InfoPtr(data))
	pmm.Init(KernelStart, KernelEnd)

	restore := vmm.EmulateCPU(mm.AllocFrame())
	tb.Cleanup(func() {
		restore()
		mm.SetFrameAllocator(nil, nil)
		physMem.Release()
	})

	vmm.Init(memSize, true)
	return vmm.NewKernelAddressSpace()
}
