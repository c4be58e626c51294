package mmtest

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"memcore/kernel/mm"
)

func TestPhysMem(t *testing.T) {
	prev := mm.DirectMapBase()

	m := NewPhysMem(3*mm.PageSize + 1)
	if exp := 4 * mm.PageSize; m.Size() != exp {
		t.Fatalf("expected size to be rounded up to %d; got %d", exp, m.Size())
	}

	if mm.DirectMapBase()&(mm.PageSize-1) != 0 {
		t.Fatalf("expected direct map base to be page aligned; got %x", mm.DirectMapBase())
	}

	*(*uint64)(unsafe.Pointer(mm.PhysToVirt(mm.PageSize))) = 0xf00dbeef
	if got := binary.LittleEndian.Uint64(m.Bytes(mm.PageSize, 8)); got != 0xf00dbeef {
		t.Fatalf("expected write through the direct map to land in the buffer; got %x", got)
	}

	m.Release()
	if mm.DirectMapBase() != prev {
		t.Fatal("expected Release to restore the previous direct map base")
	}
}

func TestMultibootInfo(t *testing.T) {
	data := MultibootInfo("nx=off", MemRegion{Addr: 0, Length: 0x1000000, Type: MemAvailable})

	le := binary.LittleEndian
	if got := le.Uint32(data); int(got) != len(data) {
		t.Fatalf("expected total size %d; got %d", len(data), got)
	}

	if got := le.Uint32(data[8:]); got != 1 {
		t.Fatalf("expected first tag to be the command line; got type %d", got)
	}

	// header(8) + cmdline tag padded to 16
	if got := le.Uint32(data[24:]); got != 6 {
		t.Fatalf("expected second tag to be the memory map; got type %d", got)
	}

	if got := le.Uint64(data[24+16+8:]); got != 0x1000000 {
		t.Fatalf("expected region length 0x1000000; got %x", got)
	}
}
