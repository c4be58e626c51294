package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HigherHalfKernelOffset is the virtual address the kernel image is
	// linked at (the top 2 GiB of the address space).
	HigherHalfKernelOffset = uintptr(0xffffffff80000000)

	// HigherHalfMemOffset is the start of the canonical upper half.
	HigherHalfMemOffset = uintptr(0xffff800000000000)

	// HigherHalfMemReserved is the amount of upper half address space kept
	// free below the direct map for early boot mappings.
	HigherHalfMemReserved = uintptr(0x280000000)

	// HigherHalfOffset is the first address past the reserved area.
	HigherHalfOffset = HigherHalfMemOffset + HigherHalfMemReserved

	// HigherHalfDirectMap is the virtual address physical address 0 is
	// mapped at once the direct map is established. A guard page separates
	// it from the reserved area.
	HigherHalfDirectMap = HigherHalfOffset + PageSize

	// VMMReserved is the amount of address space left unused between the
	// end of the direct map and the first address handed out by the kernel
	// address space.
	VMMReserved = uintptr(0x138000000)

	// LowerHalfTop is the first address past the canonical lower half.
	LowerHalfTop = uintptr(0x0000800000000000)
)
