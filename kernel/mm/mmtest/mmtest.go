// Package mmtest provides helpers that let the memory core run inside a
// regular Go process: a block of simulated physical memory that the direct
// map points at, and a builder for multiboot information blobs.
package mmtest

import (
	"encoding/binary"
	"runtime"
	"unsafe"

	"memcore/kernel/mm"
)

// PhysMem is a page-aligned Go buffer standing in for physical memory
// [0, Size()). While active, mm.PhysToVirt resolves physical addresses into
// it.
type PhysMem struct {
	buf      []byte
	offset   uintptr
	size     uintptr
	prevBase uintptr
}

// NewPhysMem allocates size bytes of simulated physical memory and points the
// direct map at it. Callers must invoke Release once done.
func NewPhysMem(size uintptr) *PhysMem {
	size = mm.AlignUp(size, mm.PageSize)
	m := &PhysMem{
		buf:      make([]byte, size+mm.PageSize),
		size:     size,
		prevBase: mm.DirectMapBase(),
	}

	start := uintptr(unsafe.Pointer(&m.buf[0]))
	m.offset = mm.AlignUp(start, mm.PageSize) - start
	mm.SetDirectMapBase(start + m.offset)
	return m
}

// Size returns the amount of simulated physical memory.
func (m *PhysMem) Size() uintptr {
	return m.size
}

// Bytes returns the n bytes of simulated physical memory starting at phys.
func (m *PhysMem) Bytes(phys, n uintptr) []byte {
	return m.buf[m.offset+phys : m.offset+phys+n]
}

// Fill sets every byte of simulated physical memory to v.
func (m *PhysMem) Fill(v byte) {
	for i := range m.buf {
		m.buf[i] = v
	}
}

// Release restores the direct map base that was active before NewPhysMem.
func (m *PhysMem) Release() {
	mm.SetDirectMapBase(m.prevBase)
	runtime.KeepAlive(m.buf)
	m.buf = nil
}

// MemRegion describes one entry of a multiboot memory map.
type MemRegion struct {
	Addr   uint64
	Length uint64
	Type   uint32
}

// Multiboot memory map entry types.
const (
	MemAvailable uint32 = 1
	MemReserved  uint32 = 2
)

// MultibootInfo builds a multiboot2 information blob containing a boot
// command line tag (if cmdLine is not empty) and a memory map tag listing
// regions.
func MultibootInfo(cmdLine string, regions ...MemRegion) []byte {
	le := binary.LittleEndian
	data := make([]byte, 8)

	appendTag := func(tagType uint32, payload []byte) {
		var hdr [8]byte
		le.PutUint32(hdr[0:], tagType)
		le.PutUint32(hdr[4:], uint32(8+len(payload)))
		data = append(data, hdr[:]...)
		data = append(data, payload...)
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}

	if cmdLine != "" {
		appendTag(1, append([]byte(cmdLine), 0))
	}

	mmap := make([]byte, 8+24*len(regions))
	le.PutUint32(mmap[0:], 24)
	for i, r := range regions {
		entry := mmap[8+24*i:]
		le.PutUint64(entry[0:], r.Addr)
		le.PutUint64(entry[8:], r.Length)
		le.PutUint32(entry[16:], r.Type)
	}
	appendTag(6, mmap)
	appendTag(0, nil)

	le.PutUint32(data[0:], uint32(len(data)))
	return data
}

// infoBlob keeps the blob most recently passed to InfoPtr reachable while
// multiboot holds its address.
var infoBlob []byte

// InfoPtr returns the address of a blob built by MultibootInfo, suitable for
// multiboot.SetInfoPtr. The blob stays alive until the next InfoPtr call.
func InfoPtr(data []byte) uintptr {
	infoBlob = data
	return uintptr(unsafe.Pointer(&data[0]))
}
