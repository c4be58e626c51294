// Package shm keeps track of named blocks of physically contiguous memory
// that several address spaces map at the same time.
package shm

import (
	"unsafe"

	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
	"memcore/kernel/mm/heap"
	"memcore/kernel/mm/pmm"
	"memcore/kernel/sync"
)

var (
	// ErrNameInUse is raised when creating a block whose name is taken.
	ErrNameInUse = &kernel.Error{Module: "shm", Message: "shared memory name already in use"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocAreaFn = pmm.AllocArea
	freeAreaFn  = pmm.FreeArea
)

// Memory gives access to the memory returned by the registry's allocator.
// vmm.AddressSpace implements it.
type Memory interface {
	Pointer(virtAddr uintptr) unsafe.Pointer
}

// node is the registry record of a block. Blocks are identified by the
// FNV-1a hash of their name; two names with the same hash refer to the same
// block.
type node struct {
	next     uintptr
	physAddr uintptr
	pages    uint32
	refs     uint32
	nameHash uint64
}

// Registry owns named shared memory blocks. Each block carries a reference
// count; its frames return to pmm when the last reference is dropped.
// Registry implements vmm.SharedMemoryRegistry.
//
// The registry lock is never held while calling into the allocator or pmm:
// address spaces call Release with their own lock held, while the allocator
// takes address space locks when it grows.
type Registry struct {
	mutex sync.Spinlock

	alloc heap.Allocator
	mem   Memory

	// head is the address of the first node.
	head uintptr
}

// NewRegistry returns an empty registry whose nodes are allocated from alloc
// and accessed through mem.
func NewRegistry(alloc heap.Allocator, mem Memory) *Registry {
	return &Registry{alloc: alloc, mem: mem}
}

// Create allocates a cleared block of at least size bytes under name and
// returns its physical address. The caller holds the only reference. It
// returns 0 if size is 0 and panics with ErrNameInUse if name is taken.
func (r *Registry) Create(name string, size uintptr) uintptr {
	pages := mm.Pages(size)
	if pages == 0 {
		return 0
	}

	hash := nameHash(name)
	if r.taken(hash) {
		panic(ErrNameInUse)
	}

	physAddr := allocAreaFn(0, pages<<mm.PageShift)
	kernel.Memset(mm.PhysToVirt(physAddr), 0, pages<<mm.PageShift)

	nodeAddr := r.alloc.Malloc(unsafe.Sizeof(node{}))
	n := r.node(nodeAddr)
	n.physAddr, n.pages, n.refs, n.nameHash = physAddr, uint32(pages), 1, hash

	r.mutex.Acquire()
	if r.find(hash) != nil {
		// Lost a race against another Create for the same name
		r.mutex.Release()
		r.alloc.Free(nodeAddr)
		freeAreaFn(physAddr, pages<<mm.PageShift)
		panic(ErrNameInUse)
	}
	n.next = r.head
	r.head = nodeAddr
	r.mutex.Release()

	kfmt.Printf("[shm] created %s: %d pages at 0x%x\n", name, uint64(pages), physAddr)
	return physAddr
}

func (r *Registry) taken(hash uint64) bool {
	r.mutex.Acquire()
	defer r.mutex.Release()
	return r.find(hash) != nil
}

// Lookup implements vmm.SharedMemoryRegistry. It returns the physical address
// and size of the named block and takes a reference to it.
func (r *Registry) Lookup(name string) (physAddr, size uintptr, ok bool) {
	hash := nameHash(name)

	r.mutex.Acquire()
	defer r.mutex.Release()

	n := r.find(hash)
	if n == nil {
		return 0, 0, false
	}

	n.refs++
	return n.physAddr, uintptr(n.pages) << mm.PageShift, true
}

// Release implements vmm.SharedMemoryRegistry. It drops a reference to the
// block starting at physAddr and frees the block once no references remain.
// Unknown addresses are ignored.
func (r *Registry) Release(physAddr uintptr) {
	var nodeAddr uintptr

	r.mutex.Acquire()
	var prev uintptr
	for cur := r.head; cur != 0; prev, cur = cur, r.node(cur).next {
		n := r.node(cur)
		if n.physAddr != physAddr {
			continue
		}

		if n.refs--; n.refs == 0 {
			if prev == 0 {
				r.head = n.next
			} else {
				r.node(prev).next = n.next
			}
			nodeAddr = cur
		}
		break
	}
	r.mutex.Release()

	if nodeAddr != 0 {
		n := r.node(nodeAddr)
		freeAreaFn(n.physAddr, uintptr(n.pages)<<mm.PageShift)
		r.alloc.Free(nodeAddr)
	}
}

// Count returns the number of live blocks.
func (r *Registry) Count() int {
	var count int

	r.mutex.Acquire()
	for cur := r.head; cur != 0; cur = r.node(cur).next {
		count++
	}
	r.mutex.Release()

	return count
}

func (r *Registry) node(addr uintptr) *node {
	return (*node)(r.mem.Pointer(addr))
}

func (r *Registry) find(hash uint64) *node {
	for cur := r.head; cur != 0; cur = r.node(cur).next {
		if n := r.node(cur); n.nameHash == hash {
			return n
		}
	}
	return nil
}

// nameHash returns the 64-bit FNV-1a hash of name.
func nameHash(name string) uint64 {
	const (
		offsetBasis = uint64(14695981039346656037)
		prime       = uint64(1099511628211)
	)

	hash := offsetBasis
	for i := 0; i < len(name); i++ {
		hash ^= uint64(name[i])
		hash *= prime
	}
	return hash
}
