package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a table at any level.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// RecursiveSlot is the PML4 entry that points back at the PML4 itself.
	// Through it, the tables of the active address space are reachable at
	// fixed virtual addresses.
	RecursiveSlot = 510

	// kernelSlotStart is the first PML4 entry of the upper half. Entries
	// kernelSlotStart and above are shared by every address space.
	kernelSlotStart = 256

	// recursiveWindowAddr is the address of the PML4 of the active address
	// space as seen through the recursive slot: every table index is set to
	// RecursiveSlot.
	recursiveWindowAddr = uintptr(0xffffff7fbfdfe000)

	// kernelSpaceLimit is the end of the address range handed out by the
	// kernel address space: the start of the region covered by the
	// recursive slot.
	kernelSpaceLimit = uintptr(0xffffff0000000000)

	// canonicalUpperBits are set in every upper half address.
	canonicalUpperBits = uintptr(0xffff000000000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

// Page table entry layout (amd64):
//
//	bit 0      present
//	bit 1      writable
//	bit 2      user accessible
//	bit 3      write-through caching
//	bit 4      cache disabled
//	bit 5      accessed
//	bit 6      dirty
//	bit 7      huge page (PDPT/PD entries)
//	bit 8      global
//	bits 9-11  available to the OS
//	bits 12-51 physical frame address
//	bits 52-62 available to the OS
//	bit 63     no-execute
const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagReserve is an allocation flag (stored in an OS-available bit and
	// never written to a page table entry). Allocations with this flag
	// claim address space without backing it with physical frames.
	FlagReserve

	// FlagShared is an allocation flag marking chunks whose frames are
	// owned by the shared memory registry instead of the address space.
	FlagShared

	// flagFreeChunk marks address space metadata records that describe a
	// free range. It is never accepted from callers.
	flagFreeChunk

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	// hwFlagMask selects the flags that are copied into page table entries.
	hwFlagMask = FlagPresent | FlagRW | FlagUserAccessible | FlagWriteThroughCaching |
		FlagDoNotCache | FlagAccessed | FlagDirty | FlagGlobal | FlagNoExecute

	// tableFlagMask selects the flags intermediate tables inherit from a
	// mapping request.
	tableFlagMask = FlagRW | FlagUserAccessible
)
