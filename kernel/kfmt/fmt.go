// Package kfmt implements the logging primitives of the memory core: a
// Printf that performs no memory allocations and a Panic that reports an
// unrecoverable error and halts the CPU.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough to hold a padded 64-bit value in base 8.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	// numBuf and charBuf are shared scratch buffers; Printf is only
	// called from code paths that are already serialized.
	numBuf  [numBufSize]byte
	charBuf [1]byte

	// earlyPrintBuffer captures Printf output until a sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output. While nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and replays any
// output captured by the early print buffer.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes a formatted message to the registered output sink. It
// supports the following subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base 10 integer (space padded)
//	%o  base 8 integer (zero padded)
//	%x  base 16 integer, lower-case (zero padded)
//	%t  bool
//
// An optional decimal width may precede the verb. Pointers (%p) and the
// fmt.Stringer interface are not supported since either would pull in the
// reflect package and trigger allocations.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	argIndex := 0

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			write(w, errNoVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case b:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// string to []byte conversions allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, negative = abs(int64(n))
	case int16:
		uval, negative = abs(int64(n))
	case int32:
		uval, negative = abs(int64(n))
	case int64:
		uval, negative = abs(n)
	case int:
		uval, negative = abs(int64(n))
	default:
		write(w, errWrongArgType)
		return
	}

	if width > numBufSize {
		width = numBufSize
	}

	// digits are emitted right to left
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = hexDigits[uval%base]
		uval /= base
		if uval == 0 || pos == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	if negative && padCh == ' ' && pos > 0 {
		pos--
		numBuf[pos] = '-'
	}

	for numBufSize-pos < width && pos > 0 {
		pos--
		numBuf[pos] = padCh
	}

	if negative && padCh != ' ' && pos > 0 {
		pos--
		numBuf[pos] = '-'
	}

	write(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, b byte) {
	charBuf[0] = b
	write(w, charBuf[:])
}

// write hides p from escape analysis. Passing p to the unknown io.Writer
// would otherwise make the compiler move every argument of Printf to the heap.
func write(w io.Writer, p []byte) {
	realWrite(w, noEscape(unsafe.Pointer(&p)))
}

func realWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
		return
	}
	_, _ = earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
