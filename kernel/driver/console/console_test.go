package console

import (
	"testing"
	"unsafe"
)

func newTestConsole(width, height uint16) (*Ega, []uint16) {
	fb := make([]uint16, int(width)*int(height))
	var cons Ega
	cons.Init(width, height, uintptr(unsafe.Pointer(&fb[0])))
	return &cons, fb
}

func TestEgaInit(t *testing.T) {
	cons, fb := newTestConsole(80, 25)

	if w, h := cons.Dimensions(); w != 80 || h != 25 {
		t.Fatalf("expected console dimensions after Init() to be (80, 25); got (%d, %d)", w, h)
	}

	cons.Write('x', White, 3, 2)
	if exp := uint16(White)<<8 | 'x'; fb[2*80+3] != exp {
		t.Fatalf("expected console to write to the supplied framebuffer; got %x", fb[2*80+3])
	}
}

func TestEgaClear(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint16

		// Expected area to be cleared
		expX, expY, expW, expH uint16
	}{
		{
			0, 0, 500, 500,
			0, 0, 80, 25,
		},
		{
			10, 10, 11, 50,
			10, 10, 11, 15,
		},
		{
			10, 10, 110, 1,
			10, 10, 70, 1,
		},
		{
			70, 20, 20, 20,
			70, 20, 10, 5,
		},
		{
			90, 25, 20, 20,
			0, 0, 0, 0,
		},
		{
			12, 12, 5, 6,
			12, 12, 5, 6,
		},
	}

	cons, fb := newTestConsole(80, 25)

	testPat := uint16(0xDEAD)
	clearPat := (uint16(clearColor) << 8) | uint16(clearChar)

nextSpec:
	for specIndex, spec := range specs {
		// Fill FB with test pattern
		for i := 0; i < len(fb); i++ {
			fb[i] = testPat
		}

		cons.Clear(spec.x, spec.y, spec.w, spec.h)

		var x, y uint16
		for y = 0; y < 25; y++ {
			for x = 0; x < 80; x++ {
				cleared := x >= spec.expX && x < spec.expX+spec.expW && y >= spec.expY && y < spec.expY+spec.expH

				exp := testPat
				if cleared {
					exp = clearPat
				}

				if got := fb[(y*80)+x]; got != exp {
					t.Errorf("[spec %d] expected char at (%d, %d) to be %x; got %x", specIndex, x, y, exp, got)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaScroll(t *testing.T) {
	cons, fb := newTestConsole(80, 25)

	specs := []struct {
		dir   ScrollDir
		lines uint16
	}{
		{Up, 0},
		{Up, 1},
		{Down, 1},
		{Up, 2},
		{Down, 2},
		{Up, 26},
	}

nextSpec:
	for specIndex, spec := range specs {
		// Fill FB with the row index
		for y := 0; y < 25; y++ {
			for x := 0; x < 80; x++ {
				fb[(y*80)+x] = uint16(y)
			}
		}

		cons.Scroll(spec.dir, spec.lines)

		for y := 0; y < 25; y++ {
			expRow := y
			if spec.lines <= 25 {
				switch {
				case spec.dir == Up && y < 25-int(spec.lines):
					expRow = y + int(spec.lines)
				case spec.dir == Down && y >= int(spec.lines):
					expRow = y - int(spec.lines)
				}
			}

			for x := 0; x < 80; x++ {
				if got := fb[(y*80)+x]; got != uint16(expRow) {
					t.Errorf("[spec %d] expected row %d to contain row %d; got %d", specIndex, y, expRow, got)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaWriteOutOfBounds(t *testing.T) {
	cons, fb := newTestConsole(80, 25)

	cons.Write('!', White, 80, 0)
	cons.Write('!', White, 0, 25)
	for i, cell := range fb {
		if cell != 0 {
			t.Fatalf("expected out of bounds writes to be ignored; cell %d was modified", i)
		}
	}

	if got := cons.Read(80, 0); got != 0 {
		t.Fatalf("expected out of bounds reads to return 0; got %d", got)
	}
}
