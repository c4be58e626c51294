package shm

import (
	"hash/fnv"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/kernel"
	"memcore/kernel/mm"
	"memcore/kernel/mm/heap"
	"memcore/kernel/mm/pmm"
	"memcore/kernel/mm/vmm"
	"memcore/kernel/mm/vmm/vmmtest"
)

func newTestRegistry(t *testing.T) (*Registry, *heap.Heap) {
	kernelSpace := vmmtest.Boot(t, 16*uintptr(mm.Mb))
	kernelHeap := heap.New(kernelSpace)
	return NewRegistry(kernelHeap, kernelSpace), kernelHeap
}

func physBytes(physAddr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(mm.PhysToVirt(physAddr))), size)
}

func TestNameHash(t *testing.T) {
	for _, name := range []string{"", "a", "framebuffer", "ipc/console/0"} {
		h := fnv.New64a()
		h.Write([]byte(name))
		assert.Equal(t, h.Sum64(), nameHash(name), "name %q", name)
	}
}

func TestNodeLayout(t *testing.T) {
	assert.Equal(t, uintptr(32), unsafe.Sizeof(node{}))
}

func TestRegistryLifecycle(t *testing.T) {
	registry, kernelHeap := newTestRegistry(t)
	alloc := pmm.Allocator()

	assert.Zero(t, registry.Create("empty", 0))

	physAddr := registry.Create("fb", 5000)
	require.NotZero(t, physAddr)
	assert.Zero(t, physAddr%mm.PageSize)
	assert.Equal(t, 1, registry.Count())
	assert.NotZero(t, kernelHeap.MemoryUsed())
	for _, frame := range []mm.Frame{mm.FrameFromAddress(physAddr), mm.FrameFromAddress(physAddr) + 1} {
		assert.True(t, alloc.IsUsed(frame))
	}

	gotAddr, size, ok := registry.Lookup("fb")
	require.True(t, ok)
	assert.Equal(t, physAddr, gotAddr)
	assert.Equal(t, 2*mm.PageSize, size)

	_, _, ok = registry.Lookup("missing")
	assert.False(t, ok)

	// Creator and lookup references
	registry.Release(physAddr)
	assert.Equal(t, 1, registry.Count())
	assert.True(t, alloc.IsUsed(mm.FrameFromAddress(physAddr)))

	registry.Release(physAddr)
	assert.Zero(t, registry.Count())
	assert.False(t, alloc.IsUsed(mm.FrameFromAddress(physAddr)))
	assert.False(t, alloc.IsUsed(mm.FrameFromAddress(physAddr)+1))
	assert.Zero(t, kernelHeap.MemoryUsed())

	_, _, ok = registry.Lookup("fb")
	assert.False(t, ok)

	// Unknown addresses are ignored
	registry.Release(physAddr)
	registry.Release(0)
}

func TestRegistryNameInUse(t *testing.T) {
	registry, _ := newTestRegistry(t)

	registry.Create("fb", mm.PageSize)
	require.PanicsWithValue(t, ErrNameInUse, func() {
		registry.Create("fb", 2*mm.PageSize)
	})

	// The lock was released before panicking
	assert.Equal(t, 1, registry.Count())

	// The name becomes available once the block is gone
	physAddr, _, _ := registry.Lookup("fb")
	registry.Release(physAddr)
	registry.Release(physAddr)
	assert.NotZero(t, registry.Create("fb", mm.PageSize))
}

func TestRegistryBlocksAreCleared(t *testing.T) {
	registry, _ := newTestRegistry(t)

	physAddr := registry.Create("scratch", 2*mm.PageSize)
	kernel.Memset(mm.PhysToVirt(physAddr), 0xAB, 2*mm.PageSize)
	registry.Release(physAddr)

	again := registry.Create("scratch", 2*mm.PageSize)
	require.Equal(t, physAddr, again, "the released area is handed out again")
	assert.Equal(t, make([]byte, 2*mm.PageSize), physBytes(again, 2*mm.PageSize))
}

func TestRegistryUsesPhysicalAreas(t *testing.T) {
	registry, _ := newTestRegistry(t)

	defer func(origAlloc func(uintptr, uintptr) uintptr, origFree func(uintptr, uintptr)) {
		allocAreaFn, freeAreaFn = origAlloc, origFree
	}(allocAreaFn, freeAreaFn)

	var (
		allocSizes []uintptr
		freed      [][2]uintptr
	)
	areaAddr := pmm.AllocArea(0, 3*mm.PageSize)
	allocAreaFn = func(_, size uintptr) uintptr {
		allocSizes = append(allocSizes, size)
		return areaAddr
	}
	freeAreaFn = func(start, size uintptr) { freed = append(freed, [2]uintptr{start, size}) }

	physAddr := registry.Create("ring", 2*mm.PageSize+1)
	assert.Equal(t, areaAddr, physAddr)
	assert.Equal(t, []uintptr{3 * mm.PageSize}, allocSizes)

	registry.Release(physAddr)
	assert.Equal(t, [][2]uintptr{{areaAddr, 3 * mm.PageSize}}, freed)
}

func TestRegistrySharedAcrossAddressSpaces(t *testing.T) {
	registry, kernelHeap := newTestRegistry(t)
	kernelSpace := kernelHeap.AddressSpace()
	vmm.SetSharedMemoryRegistry(registry)

	physAddr := registry.Create("pipe", mm.PageSize)

	producer := vmm.NewAddressSpace(kernelSpace)
	consumer := vmm.NewAddressSpace(kernelSpace)

	producerAddr := producer.LoadSharedMemoryByName("pipe")
	consumerAddr := consumer.LoadSharedMemoryByName("pipe")
	require.NotZero(t, producerAddr)
	require.NotZero(t, consumerAddr)

	msg := []byte("ping")
	require.Equal(t, len(msg), producer.Write(producerAddr+100, msg))

	got := make([]byte, len(msg))
	require.Equal(t, len(msg), consumer.Read(consumerAddr+100, got))
	assert.Equal(t, msg, got)

	// Both address spaces and the creator hold a reference
	producer.Destroy()
	consumer.Free(consumerAddr)
	assert.Equal(t, 1, registry.Count())
	assert.True(t, pmm.Allocator().IsUsed(mm.FrameFromAddress(physAddr)))

	registry.Release(physAddr)
	assert.Zero(t, registry.Count())
	assert.False(t, pmm.Allocator().IsUsed(mm.FrameFromAddress(physAddr)))

	assert.Zero(t, consumer.LoadSharedMemoryByName("pipe"))
	consumer.Destroy()
}

// lockCheckingAllocator fails the test if the registry lock is held while
// the registry calls into the allocator.
type lockCheckingAllocator struct {
	heap.Allocator

	t        *testing.T
	registry *Registry
	calls    int
}

func (a *lockCheckingAllocator) checkUnlocked(op string) {
	a.calls++
	if !a.registry.mutex.TryToAcquire() {
		a.t.Errorf("registry lock held during %s", op)
		return
	}
	a.registry.mutex.Release()
}

func (a *lockCheckingAllocator) Malloc(size uintptr) uintptr {
	a.checkUnlocked("Malloc")
	return a.Allocator.Malloc(size)
}

func (a *lockCheckingAllocator) Free(ptr uintptr) {
	a.checkUnlocked("Free")
	a.Allocator.Free(ptr)
}

func TestRegistryLockNotHeldAcrossCalls(t *testing.T) {
	kernelSpace := vmmtest.Boot(t, 16*uintptr(mm.Mb))
	alloc := &lockCheckingAllocator{Allocator: heap.New(kernelSpace), t: t}
	registry := NewRegistry(alloc, kernelSpace)
	alloc.registry = registry

	defer func(origAlloc func(uintptr, uintptr) uintptr, origFree func(uintptr, uintptr)) {
		allocAreaFn, freeAreaFn = origAlloc, origFree
	}(allocAreaFn, freeAreaFn)

	allocAreaFn = func(startHint, size uintptr) uintptr {
		alloc.checkUnlocked("AllocArea")
		return pmm.AllocArea(startHint, size)
	}
	freeAreaFn = func(start, size uintptr) {
		alloc.checkUnlocked("FreeArea")
		pmm.FreeArea(start, size)
	}

	physAddr := registry.Create("fb", mm.PageSize)
	_, _, ok := registry.Lookup("fb")
	require.True(t, ok)
	registry.Release(physAddr)
	registry.Release(physAddr)

	assert.Zero(t, registry.Count())
	assert.Equal(t, 4, alloc.calls, "AllocArea, Malloc, FreeArea and Free")
}

func TestRegistryCreateRace(t *testing.T) {
	registry, kernelHeap := newTestRegistry(t)

	defer func(origAlloc func(uintptr, uintptr) uintptr, origFree func(uintptr, uintptr)) {
		allocAreaFn, freeAreaFn = origAlloc, origFree
	}(allocAreaFn, freeAreaFn)

	// Another Create for the same name completes while the first one is
	// allocating its area
	var (
		winner uintptr
		freed  []uintptr
	)
	allocAreaFn = func(startHint, size uintptr) uintptr {
		if winner == 0 {
			allocAreaFn = pmm.AllocArea
			winner = registry.Create("fb", mm.PageSize)
		}
		return pmm.AllocArea(startHint, size)
	}
	freeAreaFn = func(start, size uintptr) {
		freed = append(freed, start)
		pmm.FreeArea(start, size)
	}

	require.PanicsWithValue(t, ErrNameInUse, func() {
		registry.Create("fb", mm.PageSize)
	})

	require.NotZero(t, winner)
	require.Len(t, freed, 1)
	assert.NotEqual(t, winner, freed[0])
	assert.False(t, pmm.Allocator().IsUsed(mm.FrameFromAddress(freed[0])))

	physAddr, _, ok := registry.Lookup("fb")
	require.True(t, ok)
	assert.Equal(t, winner, physAddr)
	assert.Equal(t, 1, registry.Count())

	registry.Release(physAddr)
	registry.Release(physAddr)
	assert.Zero(t, kernelHeap.MemoryUsed())
}

func TestRegistryConcurrentGrowAndUnmap(t *testing.T) {
	registry, kernelHeap := newTestRegistry(t)
	kernelSpace := kernelHeap.AddressSpace()
	vmm.SetSharedMemoryRegistry(registry)

	registry.Create("pipe", mm.PageSize)

	const iterations = 20
	var wg sync.WaitGroup
	wg.Add(2)

	// Heap growth takes the address space lock from inside Create
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			kernelHeap.Grow(16 * mm.PageSize)
			registry.Release(registry.Create("scratch", mm.PageSize))
		}
	}()

	// Unmapping a shared block calls Release with the address space lock held
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if virtAddr := kernelSpace.LoadSharedMemoryByName("pipe"); virtAddr != 0 {
				kernelSpace.Free(virtAddr)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry and address space locks deadlocked")
	}

	assert.Equal(t, 1, registry.Count())
}
