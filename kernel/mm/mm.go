// Package mm contains the types, constants and address translation helpers
// shared by the physical and virtual memory managers.
//
// The kernel accesses physical memory (page tables, the frame bitmap and the
// address space metadata pages) through a direct map: a linear window at
// which all physical memory is mapped. While booting, the bootloader's
// identity mapping serves as the direct map (base 0). Once vmm.Init has
// mapped physical memory at HigherHalfDirectMap the base is switched there.
package mm

var (
	directMapBase uintptr
)

// SetDirectMapBase sets the virtual address physical address 0 is reachable
// at.
func SetDirectMapBase(base uintptr) {
	directMapBase = base
}

// DirectMapBase returns the virtual address physical address 0 is reachable
// at.
func DirectMapBase() uintptr {
	return directMapBase
}

// PhysToVirt returns the direct map address for a physical address.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + directMapBase
}

// VirtToPhys is the inverse of PhysToVirt. It is only valid for addresses
// inside the direct map.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - directMapBase
}

// ToHigherRegion converts a physical address to its higher half direct map
// address, regardless of the currently active direct map base.
func ToHigherRegion(physAddr uintptr) uintptr {
	return physAddr + HigherHalfDirectMap
}

// ToLowerRegion converts a higher half direct map address back to a physical
// address.
func ToLowerRegion(virtAddr uintptr) uintptr {
	return virtAddr - HigherHalfDirectMap
}

// InHigherRegion returns true if virtAddr belongs to the canonical upper half.
func InHigherRegion(virtAddr uintptr) bool {
	return virtAddr >= HigherHalfMemOffset
}
