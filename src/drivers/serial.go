package drivers

import (
	"fmt"

	"os1/src/cpu"
)

// com1 is the first serial port, where QEMU and most lab boards put
// the debug console.
const com1 = 0x3F8

// Serial is a polled UART used for early boot logs and panic dumps.
// No interrupts, no buffering: every byte waits for the transmitter
// to drain, which is exactly the robustness wanted from the channel
// of last resort.
type Serial struct {
	port uint16
}

// SerialInit programs the UART for 8n1 at the standard debug baud
// rate and returns the handle.
func SerialInit(port uint16) *Serial {
	cpu.Outb(port+1, 0x00) // no interrupts
	cpu.Outb(port+3, 0x80) // DLAB on
	cpu.Outb(port+0, 0x03) // divisor low: 38400 baud
	cpu.Outb(port+1, 0x00) // divisor high
	cpu.Outb(port+3, 0x03) // 8n1, DLAB off
	cpu.Outb(port+2, 0xC7) // FIFO on, cleared, 14-byte threshold
	return &Serial{port: port}
}

// WriteByte busy-waits for the transmit holding register, then sends.
func (s *Serial) WriteByte(b byte) {
	for cpu.Inb(s.port+5)&0x20 == 0 {
	}
	cpu.Outb(s.port, b)
}

// Puts writes a string, expanding \n to \r\n for terminals.
func (s *Serial) Puts(str string) {
	for i := 0; i < len(str); i++ {
		if str[i] == '\n' {
			s.WriteByte('\r')
		}
		s.WriteByte(str[i])
	}
}

// bootSerial is the Bootlog sink, wired up by BootlogInit. Until then
// Bootlog is a no-op, so very-early code can log unconditionally.
var bootSerial *Serial

// BootlogInit brings up COM1 and directs Bootlog at it.
func BootlogInit() {
	bootSerial = SerialInit(com1)
}

// Bootlog formats a message to the debug serial port. This is the
// kernel's only logging channel: it works before the VGA console, the
// allocators, and the scheduler exist.
func Bootlog(format string, args ...any) {
	if bootSerial == nil {
		return
	}
	bootSerial.Puts(fmt.Sprintf(format, args...))
}
