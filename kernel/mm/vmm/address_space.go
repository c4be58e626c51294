package vmm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/mm"
	"memcore/kernel/sync"
)

var (
	// ErrOutOfAddressSpace is raised when an address space cannot fit an
	// allocation below its upper limit.
	ErrOutOfAddressSpace = &kernel.Error{Module: "vmm", Message: "out of virtual address space"}

	// ErrKernelAddressSpace is raised when Destroy is invoked on the kernel
	// address space.
	ErrKernelAddressSpace = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}

	// sharedMemory owns the frames of chunks allocated with FlagShared.
	sharedMemory SharedMemoryRegistry

	// kernelAddressSpace backs the pointer returned by NewKernelAddressSpace.
	kernelAddressSpace AddressSpace
)

// SharedMemoryRegistry is implemented by the subsystem that owns named
// shared memory blocks.
type SharedMemoryRegistry interface {
	// Lookup returns the physical address and size of a named block and
	// takes a reference to it.
	Lookup(name string) (physAddr, size uintptr, ok bool)

	// Release drops a reference to the block starting at physAddr.
	Release(physAddr uintptr)
}

// SetSharedMemoryRegistry registers the shared memory registry used by
// LoadSharedMemoryByName and by Free for chunks flagged with FlagShared.
func SetSharedMemoryRegistry(registry SharedMemoryRegistry) {
	sharedMemory = registry
}

// AddressSpace manages the virtual address range of the kernel or of a
// process. It hands out page-aligned chunks carved from a monotonically
// increasing cursor, reuses freed chunks first-fit and backs allocations with
// frames from mm.AllocFrame.
//
// Each AddressSpace is guarded by its own spinlock.
type AddressSpace struct {
	mutex sync.Spinlock

	pdt    PageDirectoryTable
	kernel bool

	// nextAddr is the start of the never allocated part of the range
	// [nextAddr, limit).
	nextAddr uintptr
	limit    uintptr

	// firstRegion and lastRegion are the physical addresses of the
	// metadata regions; nextChunk is the first unused record of
	// lastRegion.
	firstRegion uintptr
	lastRegion  uintptr
	nextChunk   uintptr

	// freeHead is the handle of the first free chunk record.
	freeHead uintptr

	// userFlag is added to mappings of shared memory.
	userFlag PageTableEntryFlag
}

// NewKernelAddressSpace returns the kernel address space which uses the PDT
// adopted by Init. Allocations start past the direct map, leaving a
// mm.VMMReserved gap.
func NewKernelAddressSpace() *AddressSpace {
	as := &kernelAddressSpace
	as.pdt = kernelPDT
	as.kernel = true
	as.nextAddr = mm.AlignUp(mm.HigherHalfDirectMap+directMapSize, mm.PageSize) + mm.PageSize + mm.VMMReserved
	as.limit = kernelSpaceLimit
	as.userFlag = 0
	as.initRegions()
	return as
}

// NewAddressSpace returns a process address space. Its root table is a fresh
// frame holding a copy of the kernel's upper half entries; allocations are
// served from the lower half starting at mm.PageSize.
func NewAddressSpace(kernelSpace *AddressSpace) *AddressSpace {
	as := &AddressSpace{
		nextAddr: mm.PageSize,
		limit:    mm.LowerHalfTop,
		userFlag: FlagUserAccessible,
	}

	as.pdt.Init(mm.AllocFrame(), &kernelSpace.pdt)
	as.initRegions()
	return as
}

func (as *AddressSpace) initRegions() {
	as.firstRegion = newRegion()
	as.lastRegion = as.firstRegion
	as.nextChunk = 0
	as.freeHead = 0
}

// PDT returns the page directory table of this address space.
func (as *AddressSpace) PDT() *PageDirectoryTable {
	return &as.pdt
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// Activate loads the root table of this address space into the CPU. It must
// be called with interrupts disabled.
func (as *AddressSpace) Activate() {
	as.pdt.Activate()
}

// Allocate reserves size bytes (rounded up to a page multiple) of address
// space and returns the start address or 0 if size is 0. A free chunk large
// enough is reused first; otherwise the range is carved at the cursor. Unless
// flags include FlagReserve, every page is backed by a fresh zeroed frame and
// mapped with flags.
func (as *AddressSpace) Allocate(size uintptr, flags PageTableEntryFlag) uintptr {
	return as.AllocateAt(0, size, flags)
}

// AllocateAt behaves like Allocate but places the chunk at addr when addr is
// not 0. Fixed placements bypass the free list and fail (returning 0) if addr
// is not page-aligned, lies below the cursor or does not fit. The gap between
// the cursor and addr is kept as a free chunk.
func (as *AddressSpace) AllocateAt(addr, size uintptr, flags PageTableEntryFlag) uintptr {
	if size == 0 {
		return 0
	}

	size = mm.AlignUp(size, mm.PageSize)
	flags &^= flagFreeChunk

	as.mutex.Acquire()

	var handle uintptr
	switch {
	case addr != 0:
		if addr&(mm.PageSize-1) != 0 || addr < as.nextAddr || addr+size > as.limit || addr+size < addr {
			as.mutex.Release()
			return 0
		}

		if gap := addr - as.nextAddr; gap != 0 {
			as.pushFree(as.newChunk(as.nextAddr, gap, 0))
		}

		handle = as.newChunk(addr, size, flags)
		as.nextAddr = addr + size
	default:
		if handle = as.takeFree(size, flags); handle == 0 {
			if as.nextAddr+size > as.limit || as.nextAddr+size < as.nextAddr {
				as.mutex.Release()
				panic(ErrOutOfAddressSpace)
			}

			handle = as.newChunk(as.nextAddr, size, flags)
			as.nextAddr += size
		}
	}

	start := chunkAt(handle).start
	if flags&FlagReserve == 0 {
		for page, count := mm.PageFromAddress(start), size>>mm.PageShift; count > 0; page, count = page+1, count-1 {
			frame := mm.AllocFrame()
			kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
			as.pdt.Map(page, frame, flags)
		}
	}

	as.mutex.Release()
	return start
}

// Free releases the chunk starting at addr. Backing frames are unmapped and
// returned to the frame allocator; chunks flagged FlagShared are unmapped and
// their block is released to the shared memory registry instead, while
// FlagReserve chunks are only unmapped. The range is then kept for reuse.
// Freeing an address that does not start a live chunk is a no-op.
func (as *AddressSpace) Free(addr uintptr) {
	if addr == 0 {
		return
	}

	as.mutex.Acquire()

	var handle uintptr
	visitChunks(as.firstRegion, func(h uintptr, c *chunk) bool {
		if c.flags&flagFreeChunk == 0 && c.start == addr {
			handle = h
			return false
		}
		return true
	})

	if handle != 0 {
		as.release(chunkAt(handle))
		as.pushFree(handle)
	}

	as.mutex.Release()
}

// release unmaps the pages of a live chunk and disposes of their frames
// according to the chunk flags.
func (as *AddressSpace) release(c *chunk) {
	if c.flags&FlagShared != 0 {
		physAddr, err := as.pdt.Translate(c.start)
		as.pdt.UnmapRegion(mm.PageFromAddress(c.start), c.size>>mm.PageShift)
		if err == nil && sharedMemory != nil {
			sharedMemory.Release(physAddr)
		}
		return
	}

	for page, count := mm.PageFromAddress(c.start), c.size>>mm.PageShift; count > 0; page, count = page+1, count-1 {
		if c.flags&FlagReserve == 0 {
			if physAddr, err := as.pdt.Translate(page.Address()); err == nil {
				mm.FreeFrame(mm.FrameFromAddress(physAddr))
			}
		}
		as.pdt.Unmap(page)
	}
}

// newChunk fills the next unused record, allocating a new region if the last
// one is full, and returns its handle.
func (as *AddressSpace) newChunk(start, size uintptr, flags PageTableEntryFlag) uintptr {
	if as.nextChunk == chunksPerRegion {
		next := newRegion()
		regionAt(as.lastRegion).next = next
		as.lastRegion = next
		as.nextChunk = 0
	}

	handle := chunkHandle(as.lastRegion, as.nextChunk)
	as.nextChunk++

	c := chunkAt(handle)
	c.start, c.size, c.flags, c.nextFree = start, size, flags, 0
	return handle
}

// pushFree marks a record as free and links it into the free list.
func (as *AddressSpace) pushFree(handle uintptr) {
	c := chunkAt(handle)
	c.flags = flagFreeChunk
	c.nextFree = as.freeHead
	as.freeHead = handle
}

// takeFree finds the first free chunk of at least size bytes and turns it (or
// its first size bytes) into a live chunk. It returns 0 if no free chunk is
// large enough.
func (as *AddressSpace) takeFree(size uintptr, flags PageTableEntryFlag) uintptr {
	for prev, handle := uintptr(0), as.freeHead; handle != 0; prev, handle = handle, chunkAt(handle).nextFree {
		c := chunkAt(handle)
		if c.size < size {
			continue
		}

		if c.size == size {
			if prev == 0 {
				as.freeHead = c.nextFree
			} else {
				chunkAt(prev).nextFree = c.nextFree
			}

			c.flags, c.nextFree = flags, 0
			return handle
		}

		// Split; the tail stays on the free list
		start := c.start
		c.start += size
		c.size -= size
		return as.newChunk(start, size, flags)
	}

	return 0
}

// MemoryUsed returns the sum of the sizes of all live chunks.
func (as *AddressSpace) MemoryUsed() uintptr {
	var used uintptr

	as.mutex.Acquire()
	visitChunks(as.firstRegion, func(_ uintptr, c *chunk) bool {
		if c.flags&flagFreeChunk == 0 {
			used += c.size
		}
		return true
	})
	as.mutex.Release()

	return used
}

// Map installs a single page mapping in this address space. See
// PageDirectoryTable.Map.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) {
	as.mutex.Acquire()
	as.pdt.Map(page, frame, flags)
	as.mutex.Release()
}

// Unmap removes a single page mapping from this address space.
func (as *AddressSpace) Unmap(page mm.Page) {
	as.mutex.Acquire()
	as.pdt.Unmap(page)
	as.mutex.Release()
}

// ChangePageFlags replaces the flags of an existing mapping.
func (as *AddressSpace) ChangePageFlags(page mm.Page, flags PageTableEntryFlag) {
	as.mutex.Acquire()
	as.pdt.ChangePageFlags(page, flags)
	as.mutex.Release()
}

// Translate returns the physical address virtAddr maps to in this address
// space.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return as.pdt.Translate(virtAddr)
}

// LoadPhysical maps the existing physical range [physAddr, physAddr+size)
// (for instance device memory) into this address space and returns the
// virtual address of physAddr. No frames are allocated and freeing the
// returned address does not release the physical range. It returns 0 if size
// is 0.
func (as *AddressSpace) LoadPhysical(physAddr, size uintptr, flags PageTableEntryFlag) uintptr {
	if size == 0 {
		return 0
	}

	offset := PageOffset(physAddr)
	size = mm.AlignUp(size+offset, mm.PageSize)

	virtAddr := as.AllocateAt(0, size, flags|FlagReserve)

	as.mutex.Acquire()
	as.pdt.MapRegion(mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr), size>>mm.PageShift, flags)
	as.mutex.Release()

	return virtAddr + offset
}

// LoadSharedMemory maps a shared memory block into this address space. The
// caller must hold a reference to the block; it is released when the
// returned address is freed. It returns 0 if physAddr or size is 0.
func (as *AddressSpace) LoadSharedMemory(physAddr, size uintptr) uintptr {
	if physAddr == 0 || size == 0 {
		return 0
	}

	return as.LoadPhysical(physAddr, size, FlagPresent|FlagRW|FlagNoExecute|FlagShared|as.userFlag)
}

// LoadSharedMemoryByName looks up a named block in the registered shared
// memory registry, takes a reference to it and maps it into this address
// space. It returns 0 if no such block exists.
func (as *AddressSpace) LoadSharedMemoryByName(name string) uintptr {
	if sharedMemory == nil {
		return 0
	}

	physAddr, size, ok := sharedMemory.Lookup(name)
	if !ok {
		return 0
	}

	return as.LoadSharedMemory(physAddr, size)
}

// Pointer returns a pointer through which the kernel can access virtAddr of
// this address space regardless of whether it is active, or nil if virtAddr
// is not mapped. The pointer is only valid up to the end of the page
// containing virtAddr.
func (as *AddressSpace) Pointer(virtAddr uintptr) unsafe.Pointer {
	physAddr, err := as.pdt.Translate(virtAddr)
	if err != nil {
		return nil
	}

	return unsafe.Pointer(mm.PhysToVirt(physAddr))
}

// Read copies len(buf) bytes starting at virtAddr into buf and returns the
// number of bytes copied. Copying stops at the first unmapped page.
func (as *AddressSpace) Read(virtAddr uintptr, buf []byte) int {
	return as.copyPages(virtAddr, buf, false)
}

// Write copies buf to virtAddr and returns the number of bytes copied.
// Copying stops at the first unmapped page.
func (as *AddressSpace) Write(virtAddr uintptr, buf []byte) int {
	return as.copyPages(virtAddr, buf, true)
}

func (as *AddressSpace) copyPages(virtAddr uintptr, buf []byte, toSpace bool) int {
	var copied int
	for copied < len(buf) {
		ptr := as.Pointer(virtAddr)
		if ptr == nil {
			break
		}

		n := int(mm.PageSize - PageOffset(virtAddr))
		if rem := len(buf) - copied; n > rem {
			n = rem
		}

		pageBytes := unsafe.Slice((*byte)(ptr), n)
		if toSpace {
			copy(pageBytes, buf[copied:copied+n])
		} else {
			copy(buf[copied:copied+n], pageBytes)
		}

		copied += n
		virtAddr += uintptr(n)
	}

	return copied
}

// Destroy releases every chunk of a process address space together with its
// lower half page tables, its metadata regions and its root table. The
// address space must not be active. Destroying the kernel address space
// panics with ErrKernelAddressSpace.
func (as *AddressSpace) Destroy() {
	if as.kernel {
		panic(ErrKernelAddressSpace)
	}

	as.mutex.Acquire()

	visitChunks(as.firstRegion, func(_ uintptr, c *chunk) bool {
		if c.flags&flagFreeChunk == 0 {
			as.release(c)
		}
		return true
	})

	root := tableAt(as.pdt.pdtFrame)
	for index := 0; index < kernelSlotStart; index++ {
		if root[index].HasFlags(FlagPresent) {
			freeTable(root[index].Frame(), 1)
		}
	}

	for regionPhys := as.firstRegion; regionPhys != 0; {
		next := regionAt(regionPhys).next
		mm.FreeFrame(mm.FrameFromAddress(regionPhys))
		regionPhys = next
	}

	mm.FreeFrame(as.pdt.pdtFrame)
	as.firstRegion, as.lastRegion, as.freeHead = 0, 0, 0
	as.nextAddr = as.limit

	as.mutex.Release()
}

// freeTable releases the table at the given level along with every table it
// references. Leaf frames are not touched.
func freeTable(frame mm.Frame, level uint8) {
	if level < pageLevels-1 {
		table := tableAt(frame)
		for index := 0; index < entriesPerTable; index++ {
			if table[index].HasFlags(FlagPresent) && !table[index].HasFlags(FlagHugePage) {
				freeTable(table[index].Frame(), level+1)
			}
		}
	}

	mm.FreeFrame(frame)
}
