package drivers

import (
	"fmt"

	"os1/src/cpu"
)

// PITFreq is the crystal frequency the 8254 timer divides down from.
const PITFreq = 1193182

const (
	pitData = 0x40
	pitCmd  = 0x43
)

var (
	pitHz   int
	jiffies uint64
)

// PITInit programs channel 0 to fire IRQ 0 at (approximately) the
// requested rate. The divisor must fit in 16 bits or the requested
// rate is a configuration bug.
func PITInit(hz int) {
	d := PITFreq / hz
	if d&0xFFFF != d {
		panic(fmt.Sprintf("drivers: PIT divisor %d doesn't fit in 16 bits", d))
	}
	pitHz = PITFreq / d
	Bootlog("pit inited - requested %d hz, actual %d hz\n", hz, pitHz)

	cpu.Outb(pitCmd, 0x36) // channel 0, lo/hi byte, rate generator
	cpu.Outb(pitData, uint8(d))
	cpu.Outb(pitData, uint8(d>>8))
}

// PITHandler is the IRQ 0 handler body: count the tick. The scheduler
// deliberately ignores jiffies -- scheduling is cooperative -- so
// this is the kernel's wall clock and nothing more.
func PITHandler() {
	jiffies++
}

// Jiffies returns the number of timer ticks since boot.
func Jiffies() uint64 { return jiffies }

// Seconds returns whole seconds since boot.
func Seconds() uint64 {
	if pitHz == 0 {
		return 0
	}
	return jiffies / uint64(pitHz)
}
