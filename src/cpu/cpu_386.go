//go:build 386

package cpu

// Inb reads a single byte from an I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to an I/O port.
func Outb(port uint16, val uint8)

// Inw reads a 16-bit word from an I/O port.
func Inw(port uint16) uint16

// Outw writes a 16-bit word to an I/O port.
func Outw(port uint16, val uint16)

// Inl reads a 32-bit word from an I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit word to an I/O port.
func Outl(port uint16, val uint32)

// Cli clears the interrupt flag, disabling maskable interrupts on
// this CPU. Pairs with Sti. os1 is single-CPU, so this is sufficient
// to make a critical section atomic with respect to interrupt
// handlers; it says nothing about other CPUs.
func Cli()

// Sti sets the interrupt flag, re-enabling maskable interrupts.
func Sti()

// EflagsIF reports whether the interrupt flag is currently set.
func EflagsIF() bool

// Invlpg invalidates the TLB entry for the given virtual address.
func Invlpg(vaddr uintptr)

// LoadCR3 switches the active page directory by loading its physical
// address into CR3. Flushes the entire TLB as a side effect.
func LoadCR3(pdPhys uintptr)

// Halt parks the CPU until the next interrupt. Used by the idle
// process.
func Halt()

// ContextSwitch saves the current kernel register context into
// *oldctx (in the pusha layout documented by proc's context setup) and
// restores the one pointed to by newctx, transferring control there.
// Returns when some other ContextSwitch later switches back to
// oldctx. Must be called with interrupts off; the caller is
// responsible for turning them back on per the off-at-entry/on-by-
// caller context switch ABI.
func ContextSwitch(oldctx, newctx uintptr)
