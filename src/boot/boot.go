// Package boot brings the kernel up in dependency order: interrupts
// masked, heap, physical frames, virtual memory, trap vectors, the
// process subsystem with its three permanent processes (idle, reaper,
// init), then the interrupt hardware -- and finally hands the CPU to
// init, which is the moment interrupts come on (init's fabricated
// context has IF set).
package boot

import (
	"fmt"

	"os1/src/defs"
	"os1/src/drivers"
	"os1/src/heap"
	"os1/src/ksync"
	"os1/src/mem"
	"os1/src/proc"
	"os1/src/vm"
)

// Trap vectors the core owns. IRQs occupy [drivers.FirstIRQVector,
// +16), which lies between these two.
const (
	VecPageFault = 14
	VecSyscall   = 100
)

// TrapHandler services one trap. Its three arguments are
// vector-specific: the faulting address for a page fault; the syscall
// number and two argument words for a syscall; unused for IRQs.
type TrapHandler func(a0, a1, a2 uintptr)

var trapHandlers [256]TrapHandler

// RegisterTrap installs a handler for the given vector, standing in
// for an IDT gate: the assembly stubs funnel every gate into Trap.
func RegisterTrap(vec int, h TrapHandler) {
	trapHandlers[vec] = h
}

// Trap dispatches a trap to its registered handler. An unregistered
// vector is a wiring bug, not a runtime condition.
func Trap(vec int, a0, a1, a2 uintptr) {
	h := trapHandlers[vec]
	if h == nil {
		panic(fmt.Sprintf("boot: trap on unregistered vector %d", vec))
	}
	h(a0, a1, a2)
}

// Config is everything machine-dependent about bring-up, passed in
// explicitly rather than discovered: the boot shim knows the memory
// layout, and tests substitute a harmless one.
type Config struct {
	HeapStart uintptr
	HeapSize  uintptr

	// FrameBase is the physical address of frame index 0; NFrames
	// bounds the FrameInfo table.
	FrameBase      uint64
	NFrames        uint32
	E820           []mem.E820Entry
	FrameWatermark uint64

	// NumSharedPDEs is how many 4 MiB page-directory entries the
	// kernel direct map spans; it must cover the heap, the frame
	// metadata, and every MMIO region the drivers touch.
	NumSharedPDEs uint32

	PITHz       int
	ReaperBatch int

	// InitMain is the body of the init process. Nil gets a banner
	// printer, which is enough to prove the scheduler is alive.
	InitMain func()
}

// Kernel is the handle Init returns: the one top-level instance of
// the formerly-ambient kernel state, per the "single context
// structure" redesign the rewrite adopts.
type Kernel struct {
	Heap *heap.Heap
	Phys *mem.Phys

	Idle   *proc.PCB
	Reaper *proc.PCB
	Init   *proc.PCB
}

// Init performs the ordered bring-up and returns with the ready queue
// holding idle and reaper and init constructed but not yet current;
// no process is current until Start runs init. Interrupts are masked
// throughout.
func Init(cfg Config) *Kernel {
	proc.Off()

	drivers.BootlogInit()
	drivers.Bootlog("os1 booting\n")

	k := &Kernel{}

	// L1: kernel heap.
	k.Heap = heap.Init(cfg.HeapStart, cfg.HeapSize)
	drivers.Bootlog("heap [%#x, %#x)\n", cfg.HeapStart, cfg.HeapStart+cfg.HeapSize)

	// L2: physical frames.
	k.Phys = mem.Init(cfg.FrameBase, cfg.NFrames, cfg.E820, cfg.FrameWatermark)
	drivers.Bootlog("%d frames free\n", k.Phys.GetStats().FreeFrames)

	// L3: virtual memory layout and the shared direct map.
	vm.Init(k.Phys, cfg.NumSharedPDEs)
	drivers.Bootlog("vm: %d shared PDEs, kmap %#x, user %#x\n",
		vm.NumShared(), vm.KmapAddress(), vm.UserAddress())

	// Trap gates.
	RegisterTrap(VecPageFault, func(fa, _, _ uintptr) {
		p := proc.Current()
		if p == nil {
			panic(fmt.Sprintf("boot: page fault at %#x with no current process", fa))
		}
		vm.PageFault(p.AS, fa)
	})
	RegisterTrap(VecSyscall, func(num, a0, a1 uintptr) {
		proc.Syscall(num, a0, a1)
	})

	// L4-L6: the process subsystem and the primitives over it.
	ksync.SetScheduler(proc.Sched{})
	vm.SetProcessLookup(lookup{})
	if cfg.ReaperBatch > 0 {
		proc.ReaperBatch = cfg.ReaperBatch
	}

	initMain := cfg.InitMain
	if initMain == nil {
		initMain = func() {
			drivers.Bootlog("init running\n")
		}
	}

	// Creation order fixes the pids: init first, so the first real
	// pid belongs to it.
	k.Init = proc.New("init", initMain)
	k.Idle = proc.New("idle", proc.Idle)
	k.Reaper = proc.New("reaper", proc.Reaper)

	k.Init.AS = vm.New()
	k.Init.AS.SetOwner(k.Init.Pid)
	k.Init.Kbd = proc.NewKbdbuf(128)

	proc.SetIdle(k.Idle)
	proc.MakeReady(k.Idle)
	proc.MakeReady(k.Reaper)
	proc.Focus(&k.Init.Pid)

	// L7: interrupt hardware. IRQ handlers route through the trap
	// table like everything else.
	drivers.PICInit()
	RegisterTrap(drivers.FirstIRQVector+0, func(_, _, _ uintptr) {
		drivers.PITHandler()
		drivers.PICEOI(0)
	})
	RegisterTrap(drivers.FirstIRQVector+1, func(_, _, _ uintptr) {
		drivers.KeyboardHandler()
		drivers.PICEOI(1)
	})
	if cfg.PITHz > 0 {
		drivers.PITInit(cfg.PITHz)
	}

	return k
}

// Start activates init's address space and hands it the CPU. Never
// returns; the boot stack is abandoned.
func Start(k *Kernel) {
	drivers.Bootlog("handing off to init (pid %d)\n", k.Init.Pid)
	k.Init.AS.Activate()
	proc.Run(k.Init)
}

// lookup adapts the process table to vm.ProcessLookup.
type lookup struct{}

func (lookup) AddressSpaceOf(pid defs.Pid_t) (*vm.AddressSpace, bool) {
	return proc.AddressSpaceOf(pid)
}
