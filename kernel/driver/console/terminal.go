package console

import "memcore/kernel/sync"

const (
	defaultFg = LightGrey
	defaultBg = Black

	tabWidth = 4
)

// Terminal implements a simple terminal that processes LF, CR, TAB and
// backspace characters on top of an Ega console. It implements io.Writer so
// it can serve as the kfmt output sink.
type Terminal struct {
	mutex sync.Spinlock

	cons *Ega

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr Attr
}

// AttachTo links the terminal with the specified console and resets the
// cursor.
func (t *Terminal) AttachTo(cons *Ega) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX = 0
	t.curY = 0

	// Default to lightgrey on black text.
	t.curAttr = makeAttr(defaultFg, defaultBg)
}

// Clear clears the terminal and moves the cursor to the top left corner.
func (t *Terminal) Clear() {
	t.mutex.Acquire()
	defer t.mutex.Release()

	t.cons.Clear(0, 0, t.width, t.height)
	t.curX, t.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (t *Terminal) Position() (uint16, uint16) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Terminal) SetPosition(x, y uint16) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	if x >= t.width {
		x = t.width - 1
	}

	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	for _, b := range data {
		switch b {
		case '\r':
			t.curX = 0
		case '\n':
			t.curX = 0
			t.lf()
		case '\b':
			if t.curX > 0 {
				t.curX--
				t.cons.Write(clearChar, t.curAttr, t.curX, t.curY)
			}
		case '\t':
			for n := tabWidth - t.curX%tabWidth; n > 0; n-- {
				t.put(clearChar)
			}
		default:
			t.put(b)
		}
	}

	return len(data), nil
}

// put writes b at the cursor and advances it.
func (t *Terminal) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	if t.curX++; t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Terminal) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}

func makeAttr(fg, bg Attr) Attr {
	return (bg << 4) | (fg & 0xF)
}
