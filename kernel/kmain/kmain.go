package kmain

import (
	"memcore/kernel"
	"memcore/kernel/driver/console"
	"memcore/kernel/goruntime"
	"memcore/kernel/kfmt"
	"memcore/kernel/mm/heap"
	"memcore/kernel/mm/pmm"
	"memcore/kernel/mm/shm"
	"memcore/kernel/mm/vmm"
	"memcore/kernel/multiboot"
)

const (
	// The EGA text mode framebuffer.
	egaPhysAddr = uintptr(0xb8000)
	egaWidth    = 80
	egaHeight   = 25
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// setOutputSinkFn is mocked by tests.
	setOutputSinkFn = kfmt.SetOutputSink

	// consoleFBAddrFn returns the address through which the kernel writes to
	// the framebuffer mapped at virtAddr. Tests, whose kernel address space
	// is not the active one, override it.
	consoleFBAddrFn = func(_ *vmm.AddressSpace, virtAddr uintptr) uintptr { return virtAddr }

	// sharedMemory is the registry serving named shared memory blocks.
	sharedMemory *shm.Registry

	earlyConsole  console.Ega
	earlyTerminal console.Terminal
)

// bootOptions holds the memory related settings of the boot command line.
type bootOptions struct {
	// noExecute is cleared by nx=off.
	noExecute bool

	// kernelHeapSize is set by kheap=<KiB>.
	kernelHeapSize uintptr
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain brings up the memory core (the frame allocator, the kernel page
// tables and direct map, the kernel address space and heap, and the shared
// memory registry) and moves the kernel log to the text console.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	opts := parseBootOptions()

	pmm.Init(kernelStart, kernelEnd)
	vmm.Init(pmm.Allocator().MemorySize(), opts.noExecute)

	kernelSpace := vmm.NewKernelAddressSpace()
	initConsole(kernelSpace)

	kernelHeap := heap.New(kernelSpace)
	kernelHeap.Grow(opts.kernelHeapSize)
	heap.Init(kernelHeap)
	goruntime.Init(kernelSpace)

	sharedMemory = shm.NewRegistry(kernelHeap, kernelSpace)
	vmm.SetSharedMemoryRegistry(sharedMemory)
	kfmt.SetPanicReporter(reportMemoryState)

	kfmt.Printf("[kmain] memory core ready: %dKb of %dKb physical memory in use\n",
		uint64(pmm.Allocator().MemoryUsed()>>10), uint64(pmm.Allocator().MemorySize()>>10))

	// Use panicFn instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// reportMemoryState prints the usage of the memory core when the kernel
// panics.
func reportMemoryState() {
	alloc := pmm.Allocator()
	kfmt.Printf("[pmm] %dKb of %dKb in use\n", uint64(alloc.MemoryUsed()>>10), uint64(alloc.MemorySize()>>10))

	kernelHeap := heap.Kernel()
	kfmt.Printf("[heap] %dKb of %dKb in use\n", uint64(kernelHeap.MemoryUsed()>>10), uint64(kernelHeap.Capacity()>>10))

	if sharedMemory != nil {
		kfmt.Printf("[shm] %d shared blocks\n", uint64(sharedMemory.Count()))
	}
}

// initConsole maps the EGA framebuffer into the kernel address space and
// redirects the kernel log to a terminal running on it. Output produced so far
// is replayed from the early ring buffer.
func initConsole(kernelSpace *vmm.AddressSpace) {
	fbVirtAddr := kernelSpace.LoadPhysical(
		egaPhysAddr,
		egaWidth*egaHeight*2,
		vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagDoNotCache,
	)

	earlyConsole.Init(egaWidth, egaHeight, consoleFBAddrFn(kernelSpace, fbVirtAddr))
	earlyTerminal.AttachTo(&earlyConsole)
	earlyTerminal.Clear()

	setOutputSinkFn(&earlyTerminal)
}

// parseBootOptions reads the options recognized by the memory core from the
// boot command line. Unknown options and malformed values are ignored.
func parseBootOptions() bootOptions {
	opts := bootOptions{noExecute: true}

	multiboot.VisitBootCmdLine(func(key, value string) bool {
		switch key {
		case "nx":
			opts.noExecute = value != "off"
		case "kheap":
			if kb, ok := parseUint(value); ok {
				opts.kernelHeapSize = kb << 10
			}
		}
		return true
	})

	return opts
}

// parseUint parses a decimal number without allocating.
func parseUint(s string) (uintptr, bool) {
	if len(s) == 0 {
		return 0, false
	}

	var v uintptr
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}

		next := v*10 + uintptr(s[i]-'0')
		if next/10 != v {
			return 0, false
		}
		v = next
	}

	return v, true
}
