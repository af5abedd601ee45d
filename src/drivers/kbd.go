package drivers

import (
	"os1/src/cpu"
	"os1/src/proc"
)

// PS/2 keyboard controller ports.
const (
	kbdStatus = 0x64
	kbdData   = 0x60
)

const shiftDelta = 'a' - 'A'

// shifted tracks whether a shift key is currently held; scan codes
// 0x2A/0x36 press and 0xAA/0xB6 release it.
var shifted bool

// scancodes maps set-1 make codes to lowercase characters. Zero means
// the code produces no character.
var scancodes = [0x40]byte{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0E: 8, // backspace
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1C: '\n',
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm',
	0x39: ' ',
}

// translate turns one scan code into a character, tracking shift
// state across calls. ok is false for codes with no character (key
// releases, unmapped keys, the shift keys themselves).
func translate(code uint8) (byte, bool) {
	switch code {
	case 0x2A, 0x36:
		shifted = true
		return 0, false
	case 0xAA, 0xB6:
		shifted = false
		return 0, false
	}
	if int(code) >= len(scancodes) {
		return 0, false
	}
	ch := scancodes[code]
	if ch == 0 {
		return 0, false
	}
	if shifted && ch >= 'a' && ch <= 'z' {
		ch -= shiftDelta
	}
	return ch, true
}

// KeyboardHandler is the IRQ 1 handler body: pull one scan code from
// the controller, translate it, and push the character into the
// focused process's input buffer. Input to a process with no buffer,
// or with no process focused, is dropped.
func KeyboardHandler() {
	if cpu.Inb(kbdStatus)&1 == 0 {
		return
	}
	code := cpu.Inb(kbdData)
	ch, ok := translate(code)
	if !ok {
		return
	}
	p, ok := proc.Lookup(proc.Focused())
	if !ok || p.Kbd == nil {
		return
	}
	p.Kbd.Push(ch)
}
