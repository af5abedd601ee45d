// Package cpu declares the raw i386 machine primitives the rest of the
// kernel is built on: port I/O, interrupt-flag control, TLB
// invalidation, and the kernel-to-kernel context switch.
//
// On the real target (GOARCH=386) these are implemented in assembly in
// cpu_386.s. On every other architecture a pure-Go simulation stands in
// (cpu_sim.go): interrupt masking toggles a flag, port I/O hits an
// in-memory port file, and the context switch is unavailable. The
// simulation exists so that the large majority of the kernel -- the
// allocators, the VM walkers, the scheduler bookkeeping, the
// synchronization primitives -- can be exercised by ordinary `go test`
// on a development machine.
package cpu
