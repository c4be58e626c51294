package goruntime

import (
	"testing"
	"unsafe"

	"memcore/kernel/mm"
	"memcore/kernel/mm/vmm"
	"memcore/kernel/mm/vmm/vmmtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootRuntimeHooks(t *testing.T) *vmm.AddressSpace {
	space := vmmtest.Boot(t, 16*uintptr(mm.Mb))
	Init(space)
	t.Cleanup(func() {
		kernelSpace = nil
		allocFrameFn = mm.AllocFrame
	})
	return space
}

func TestHooksBeforeInit(t *testing.T) {
	var (
		reserved bool
		stat     uint64
	)

	assert.Zero(t, uintptr(sysReserve(nil, mm.PageSize, &reserved)))
	assert.True(t, reserved)
	assert.Zero(t, uintptr(sysAlloc(mm.PageSize, &stat)))
	assert.Zero(t, stat)
}

func TestSysReserve(t *testing.T) {
	space := bootRuntimeHooks(t)

	specs := []struct {
		reqSize uintptr
		expSize uintptr
	}{
		// exact multiple of page size
		{4 * mm.PageSize, 4 * mm.PageSize},
		// size should be rounded up to nearest page size
		{2*mm.PageSize - 1, 2 * mm.PageSize},
	}

	for specIndex, spec := range specs {
		usedBefore := space.MemoryUsed()

		var reserved bool
		regionStart := reserveRegion(spec.reqSize)
		sysReserve(nil, 0, &reserved)

		require.NotZero(t, regionStart, "[spec %d]", specIndex)
		assert.True(t, reserved, "[spec %d]", specIndex)
		assert.Zero(t, regionStart&(mm.PageSize-1), "[spec %d] region is not page-aligned", specIndex)
		assert.Equal(t, spec.expSize, space.MemoryUsed()-usedBefore, "[spec %d]", specIndex)

		for offset := uintptr(0); offset < spec.expSize; offset += mm.PageSize {
			_, err := space.Translate(regionStart + offset)
			assert.NotNil(t, err, "[spec %d] reserved page at offset %d is mapped", specIndex, offset)
		}
	}
}

func TestSysMap(t *testing.T) {
	space := bootRuntimeHooks(t)

	regionStart := reserveRegion(8 * mm.PageSize)
	require.NotZero(t, regionStart)

	var allocCount int
	allocFrameFn = func() mm.Frame {
		allocCount++
		return mm.AllocFrame()
	}

	t.Run("unaligned request", func(t *testing.T) {
		var stat uint64
		ptr := sysMap(unsafe.Pointer(regionStart+1), 2*mm.PageSize-1, true, &stat)

		assert.Equal(t, regionStart+mm.PageSize, uintptr(ptr))
		assert.EqualValues(t, 2*mm.PageSize, stat)
		assert.Equal(t, 2, allocCount)

		for _, virtAddr := range []uintptr{regionStart + mm.PageSize, regionStart + 2*mm.PageSize} {
			physAddr, err := space.Translate(virtAddr)
			require.Nil(t, err)
			assert.Equal(t, byte(0), *(*byte)(unsafe.Pointer(mm.PhysToVirt(physAddr))))
		}

		_, err := space.Translate(regionStart)
		assert.NotNil(t, err, "page before the request should stay unmapped")
	})

	t.Run("partially mapped region", func(t *testing.T) {
		allocCount = 0

		var stat uint64
		ptr := sysMap(unsafe.Pointer(regionStart), 4*mm.PageSize, true, &stat)

		assert.Equal(t, regionStart, uintptr(ptr))
		assert.EqualValues(t, 4*mm.PageSize, stat)
		assert.Equal(t, 2, allocCount, "only the unmapped pages need frames")
	})

	t.Run("unreserved region", func(t *testing.T) {
		defer func() {
			assert.Equal(t, errMapUnreserved, recover())
		}()

		sysMap(unsafe.Pointer(regionStart), mm.PageSize, false, nil)
		t.Fatal("expected sysMap to panic")
	})
}

func TestSysAlloc(t *testing.T) {
	space := bootRuntimeHooks(t)

	var stat uint64
	regionStart := allocRegion(3*mm.PageSize - 10)
	require.NotZero(t, regionStart)
	sysAlloc(0, &stat)
	assert.Zero(t, stat)

	for offset := uintptr(0); offset < 3*mm.PageSize; offset += mm.PageSize {
		ptr := space.Pointer(regionStart + offset)
		require.NotNil(t, ptr, "page at offset %d is not mapped", offset)
		assert.Equal(t, uint64(0), *(*uint64)(ptr))
	}

	payload := []byte("go runtime")
	assert.Equal(t, len(payload), space.Write(regionStart, payload))

	physAddr, err := space.Translate(regionStart)
	require.Nil(t, err)
	assert.Equal(t, payload, unsafe.Slice((*byte)(unsafe.Pointer(mm.PhysToVirt(physAddr))), len(payload)))

	sysAlloc(mm.PageSize, &stat)
	assert.EqualValues(t, mm.PageSize, stat)
}
