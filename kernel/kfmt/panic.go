package kfmt

import (
	"memcore/kernel"
	"memcore/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// panicReporter prints the state of the memory core below the panic
	// banner. It is cleared before being invoked so a fault while reporting
	// still reaches the halt.
	panicReporter func()
)

// SetPanicReporter registers fn to be invoked by Panic after printing the
// failing module and message. A nil fn disables reporting.
func SetPanicReporter(fn func()) {
	panicReporter = fn
}

// Panic outputs the supplied error (if not nil), lets the registered panic
// reporter dump the state of the memory core and halts the CPU. Calls to
// Panic never return. In the kernel image, calls to the built-in panic are
// redirected here (resolved via runtime.gopanic) which is how the memory core
// turns its fatal *kernel.Error values into a machine halt.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	Printf("\n-----------------------------------\n")
	if err := panicError(e); err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}

	if report := panicReporter; report != nil {
		panicReporter = nil
		report()
	}

	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicError maps the value passed to panic to the kernel error to print.
func panicError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
		return errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		return errRuntimePanic
	}
	return nil
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
