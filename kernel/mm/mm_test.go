package mm

import "testing"

func TestAlignment(t *testing.T) {
	specs := []struct {
		addr, align  uintptr
		expUp, expDn uintptr
	}{
		{0, PageSize, 0, 0},
		{1, PageSize, PageSize, 0},
		{PageSize, PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize, PageSize},
		{33, 32, 64, 32},
	}

	for specIndex, spec := range specs {
		if got := AlignUp(spec.addr, spec.align); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp(%x, %x) to return %x; got %x", specIndex, spec.addr, spec.align, spec.expUp, got)
		}
		if got := AlignDown(spec.addr, spec.align); got != spec.expDn {
			t.Errorf("[spec %d] expected AlignDown(%x, %x) to return %x; got %x", specIndex, spec.addr, spec.align, spec.expDn, got)
		}
	}

	if got := Pages(0x2001); got != 3 {
		t.Errorf("expected Pages(0x2001) to return 3; got %d", got)
	}

	if got := Size(Gb); got != 1<<30 {
		t.Errorf("expected Gb to be 1<<30; got %d", got)
	}
}

func TestDirectMap(t *testing.T) {
	defer SetDirectMapBase(DirectMapBase())

	SetDirectMapBase(0)
	if got := PhysToVirt(0x1000); got != 0x1000 {
		t.Errorf("expected identity direct map to return 0x1000; got %x", got)
	}

	SetDirectMapBase(HigherHalfDirectMap)
	if exp, got := ToHigherRegion(0x1000), PhysToVirt(0x1000); got != exp {
		t.Errorf("expected PhysToVirt to return %x; got %x", exp, got)
	}

	if got := VirtToPhys(PhysToVirt(0xb8000)); got != 0xb8000 {
		t.Errorf("expected VirtToPhys to invert PhysToVirt; got %x", got)
	}

	if got := ToLowerRegion(ToHigherRegion(0x2000)); got != 0x2000 {
		t.Errorf("expected ToLowerRegion to invert ToHigherRegion; got %x", got)
	}

	if !InHigherRegion(HigherHalfKernelOffset) || InHigherRegion(0x400000) {
		t.Error("InHigherRegion misclassified an address")
	}

	if exp := uintptr(0xffff800280001000); HigherHalfDirectMap != exp {
		t.Errorf("expected HigherHalfDirectMap to be %x; got %x", exp, HigherHalfDirectMap)
	}
}
