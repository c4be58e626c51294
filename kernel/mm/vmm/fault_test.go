package vmm

import (
	"bytes"
	"strings"
	"testing"

	"memcore/kernel/kfmt"
	"memcore/kernel/mm"
)

func TestDumpPageFault(t *testing.T) {
	setupTestMemory(t)

	pdt := *KernelPDT()
	pdt.Map(mm.PageFromAddress(0x400000), mm.Frame(0x123), FlagRW)

	defer func(orig func() uint64) { readCR2Fn = orig }(readCR2Fn)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		faultAddr  uintptr
		errorCode  uint64
		expReason  string
		expMapping string
	}{
		{0x400010, 0, "read from non-present page", "Mapping: 0x0000000000400010 -> 0x0000000000123010"},
		{0x400010, 1, "page protection violation (read)", "-> 0x0000000000123010"},
		{0x500000, 2, "write to non-present page", "Mapping: virtual address does not point to a mapped physical page"},
		{0x500000, 3, "page protection violation (write)", "Mapping: virtual address"},
		{0x500000, 4, "page-fault in user-mode", "Mapping: virtual address"},
		{0x500000, 8, "page table has reserved bit set", "Mapping: virtual address"},
		{0x500000, 16, "instruction fetch", "Mapping: virtual address"},
		{0x500000, 0xf00, "unknown", "Mapping: virtual address"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		faultAddr := spec.faultAddr
		readCR2Fn = func() uint64 { return uint64(faultAddr) }
		mockRecursiveMapping(t, pdt, faultAddr)

		DumpPageFault(spec.errorCode)

		out := buf.String()
		if !strings.Contains(out, "Page fault while accessing address") {
			t.Errorf("[spec %d] expected output to contain the fault header; got %q", specIndex, out)
		}
		if !strings.Contains(out, "Reason: "+spec.expReason) {
			t.Errorf("[spec %d] expected output to contain reason %q; got %q", specIndex, spec.expReason, out)
		}
		if !strings.Contains(out, spec.expMapping) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, spec.expMapping, out)
		}
	}
}
