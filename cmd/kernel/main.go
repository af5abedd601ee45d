// The kernel entry point: the boot shim lands here after setting up a
// flat GDT and capturing the BIOS memory map, and main never returns.
// The memory layout matches the linker script: kernel image below
// 2 MiB, heap at 2 MiB, frame metadata at 4 MiB, managed frames from
// 8 MiB up.
package main

import (
	"os1/src/boot"
	"os1/src/mem"
)

const (
	heapStart = 0x200000
	heapSize  = 0x200000

	frameMeta = 0x400000
	vmStart   = 0x800000

	// memTop is what the e820 table below advertises; a real boot
	// shim overwrites the table with what the BIOS actually reported.
	memTop = 64 << 20
)

func main() {
	cfg := boot.Config{
		HeapStart: heapStart,
		HeapSize:  heapSize,

		FrameBase:      0,
		NFrames:        memTop >> 12,
		FrameWatermark: vmStart,
		E820: []mem.E820Entry{
			{Base: 0, Length: 0x9F000, Type: 1},
			{Base: 0x9F000, Length: 0x61000, Type: 2},
			{Base: 0x100000, Length: memTop - 0x100000, Type: 1},
		},

		// Two PDEs direct-map [0, 8 MiB): the kernel image, heap,
		// frame metadata, and the VGA/PIC/PIT/IDE MMIO all sit below
		// that.
		NumSharedPDEs: vmStart >> 22,

		PITHz:       1000,
		ReaperBatch: 10,
	}

	k := boot.Init(cfg)
	boot.Start(k)
}
