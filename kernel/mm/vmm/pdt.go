package vmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/cpu"
	"memcore/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// supportedFlags masks out flags the CPU (or the boot configuration)
	// does not allow. vmm.Init drops FlagNoExecute when unavailable.
	supportedFlags = ^PageTableEntryFlag(0)

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNoHugePageSupport is raised when a walk needs to descend through a
	// huge page entry.
	ErrNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All tables are read and written through the direct map so any
// PageDirectoryTable can be modified regardless of which one is active.
//
// Map, Unmap and ChangePageFlags invalidate the TLB entry of the affected
// page on the executing core only; other cores are not notified.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up a new page directory table at the supplied physical frame. The
// frame is cleared, the upper half entries of kernelPDT (if not nil) are
// copied over so kernel mappings remain valid while this table is active and
// the recursive slot is pointed at the table itself.
//
// The copied entries never change afterwards: vmm.Init gives every kernel
// slot below RecursiveSlot a table up front.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame, kernelPDT *PageDirectoryTable) {
	pdt.pdtFrame = pdtFrame

	table := tableAt(pdtFrame)
	kernel.Memset(uintptr(unsafe.Pointer(table)), 0, mm.PageSize)

	if kernelPDT != nil {
		kernelTable := tableAt(kernelPDT.pdtFrame)
		for index := kernelSlotStart; index < entriesPerTable; index++ {
			table[index] = kernelTable[index]
		}
	}

	pdt.installRecursiveSlot()
}

// populateKernelSlots points every empty upper half entry below
// RecursiveSlot at a cleared table so that kernel mappings added later land in
// tables shared with every process address space.
func (pdt PageDirectoryTable) populateKernelSlots() {
	table := tableAt(pdt.pdtFrame)
	for index := kernelSlotStart; index < RecursiveSlot; index++ {
		if table[index].HasFlags(FlagPresent) {
			continue
		}

		frame := mm.AllocFrame()
		kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)

		table[index] = 0
		table[index].SetFrame(frame)
		table[index].SetFlags(FlagPresent | FlagRW)
	}
}

// installRecursiveSlot points the RecursiveSlot entry at the table itself.
func (pdt PageDirectoryTable) installRecursiveSlot() {
	entry := &tableAt(pdt.pdtFrame)[RecursiveSlot]
	*entry = 0
	entry.SetFrame(pdt.pdtFrame)
	entry.SetFlags(FlagPresent | FlagRW)
}

// Frame returns the physical frame of the top-most table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. Missing intermediate tables are allocated via
// mm.AllocFrame and cleared; they inherit the FlagRW and FlagUserAccessible
// bits of the request. Allocation flags (FlagReserve, FlagShared) are never
// written to the entry.
//
// If the page is already mapped, Map leaves the existing entry untouched (its
// frame and flags included).
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) {
	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				return true
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(leafFlags(flags))
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			panic(ErrNoHugePageSupport)
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame := mm.AllocFrame()
			kernel.Memset(mm.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent)
		}

		pte.SetFlags(flags & tableFlagMask)
		return true
	})
}

// MapRegion maps count consecutive pages starting at page to consecutive
// frames starting at frame.
func (pdt PageDirectoryTable) MapRegion(page mm.Page, frame mm.Frame, count uintptr, flags PageTableEntryFlag) {
	for ; count > 0; count, page, frame = count-1, page+1, frame+1 {
		pdt.Map(page, frame, flags)
	}
}

// Unmap removes a mapping previously installed via a call to Map. Unmapping a
// page that is not mapped is a no-op.
func (pdt PageDirectoryTable) Unmap(page mm.Page) {
	if pte := pdt.leafEntry(page.Address()); pte != nil {
		pte.ClearFlags(FlagPresent)
		flushTLBEntryFn(page.Address())
	}
}

// UnmapRegion unmaps count consecutive pages starting at page.
func (pdt PageDirectoryTable) UnmapRegion(page mm.Page, count uintptr) {
	for ; count > 0; count, page = count-1, page+1 {
		pdt.Unmap(page)
	}
}

// ChangePageFlags replaces the flags of an existing mapping keeping its frame.
// It is a no-op if the page is not mapped.
func (pdt PageDirectoryTable) ChangePageFlags(page mm.Page, flags PageTableEntryFlag) {
	if pte := pdt.leafEntry(page.Address()); pte != nil {
		frame := pte.Frame()
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(leafFlags(flags))
		flushTLBEntryFn(page.Address())
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. No tables are created. Huge page
// mappings installed by the bootloader are resolved as well.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
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

// IsMapped returns true if virtAddr is backed by a present mapping.
func (pdt PageDirectoryTable) IsMapped(virtAddr uintptr) bool {
	_, err := pdt.Translate(virtAddr)
	return err == nil
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// leafEntry returns the present last level entry for virtAddr or nil.
func (pdt PageDirectoryTable) leafEntry(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			panic(ErrNoHugePageSupport)
		}

		return true
	})

	return entry
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. The table an entry points to is only visited after walkFn
// returns so walkFn may populate missing entries.
func (pdt PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := tableAt(pdt.pdtFrame)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[pageTableIndex(virtAddr, level)]
		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			table = tableAt(pte.Frame())
		}
	}
}

// tableAt returns the page table stored in frame, reached via the direct map.
func tableAt(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))
}

// pageTableIndex returns the index into the table at the given level that
// virtAddr selects.
func pageTableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// translateEntry returns the physical address of virtAddr given the entry
// that terminates the walk at level.
func translateEntry(pte pageTableEntry, level uint8, virtAddr uintptr) uintptr {
	offsetMask := (uintptr(1) << pageLevelShifts[level]) - 1
	return (uintptr(pte) & ptePhysPageMask &^ offsetMask) + virtAddr&offsetMask
}

// leafFlags returns the entry bits for a mapping requested with flags.
func leafFlags(flags PageTableEntryFlag) PageTableEntryFlag {
	return (FlagPresent | flags&hwFlagMask) & supportedFlags
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
