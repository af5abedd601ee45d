// Package proc is the kernel's process control: the PCB, the ready
// queue, the cooperative context switch, the reaper, the process
// table, and focus tracking. It also carries the interrupt-nesting
// counter (Off/On) that the original kernel keeps in a separate
// interrupts module -- os1 folds it in here because that module's own
// comment explains why it can't live on its own:
//
//	"DO NOT USE on/off here b/c there will be circular reference.
//	 Need to use cli/sti here"
//
// on()/off() need to know the current process (to nest the disable
// count per-process and to know whether there is a process at all
// yet), and the current process pointer lives with the scheduler. In
// Rust that's a cycle between two sibling modules within one crate;
// in Go a cycle between two packages doesn't compile at all, so both
// live in this one package instead. See DESIGN.md.
package proc

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	"os1/src/cpu"
	"os1/src/defs"
	"os1/src/ksync"
	"os1/src/stats"
	"os1/src/vm"

	"golang.org/x/arch/x86/x86asm"
)

// State is a PCB's place in the process lifecycle.
type State int

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// kstackWords is the kernel stack size in machine words, matching the
// original's fixed 2048-word (8 KiB on i386) per-process stack.
const kstackWords = 2048

// Accnt is per-process CPU accounting, ported from the original's
// Accnt_t: monotonically increasing nanosecond counters for user and
// system time, updated by whichever code path currently has the
// process scheduled.
type Accnt struct {
	Userns, Sysns int64
}

func (a *Accnt) Utadd(ns int64) { a.Userns += ns }

func (a *Accnt) Systadd(ns int64) { a.Sysns += ns }

// Kbdbuf is a small ring buffer of translated input characters (the
// keyboard driver maps scan codes to characters before pushing), one per process that
// has keyboard focus, filled by the keyboard driver's interrupt
// handler and drained by that process. Unlike the original's
// Circbuf_t, os1's kernel heap already exists at the time any process
// is created, so this is a plain slice-backed ring rather than one
// backed by a lazily-allocated physical page.
type Kbdbuf struct {
	buf        []byte
	head, tail int
	full       bool
}

// NewKbdbuf returns a ring buffer with room for size bytes.
func NewKbdbuf(size int) *Kbdbuf { return &Kbdbuf{buf: make([]byte, size)} }

// Push appends b, silently dropping it if the buffer is full --
// matching a keyboard buffer's usual "drop oldest input" discipline
// isn't worth the complexity here; dropping newest is simplest and
// matches nothing surprising happening to already-buffered input.
func (k *Kbdbuf) Push(b byte) {
	if k.full {
		return
	}
	k.buf[k.tail] = b
	k.tail = (k.tail + 1) % len(k.buf)
	k.full = k.tail == k.head
}

// Pop removes and returns the oldest byte, if any.
func (k *Kbdbuf) Pop() (byte, bool) {
	if k.tail == k.head && !k.full {
		return 0, false
	}
	b := k.buf[k.head]
	k.head = (k.head + 1) % len(k.buf)
	k.full = false
	return b, true
}

// PCB is a process control block: everything the scheduler needs to
// suspend and resume a process, plus the optional per-process
// resources (address space, keyboard focus buffer, CPU accounting)
// that make it a complete process rather than a bare thread of
// control.
type PCB struct {
	Pid   defs.Pid_t
	Name  string
	entry func()

	State State

	stack      []uintptr
	kesp       uintptr // saved stack pointer; address of this field is passed to cpu.ContextSwitch
	disableCnt int

	next *PCB // ready-queue / reaper-queue intrusive link

	AS         *vm.AddressSpace
	Kbd        *Kbdbuf
	Accnt      Accnt
	ExitStatus int
}

// current is the running process; nil only before the first process
// has been switched to. off()/on() must not go through Off/On's
// current-process bookkeeping before current is set, mirroring the
// original's identical bootstrap special case.
var current *PCB

// Current returns the running process, or nil if none has been
// scheduled yet.
func Current() *PCB { return current }

// Off masks interrupts and begins (or extends) a critical section.
// Safe to nest: every Off must be matched by exactly one On, and
// interrupts are only actually re-enabled once the nesting count
// returns to zero. Ported directly from the original's off(): cli() is
// unconditional, but the nesting counter only exists once there is a
// current process to own it.
func Off() {
	cpu.Cli()
	if current != nil {
		current.disableCnt++
	}
}

// On ends one level of critical section begun by Off. Panics if the
// current process's nesting count is already zero -- that means a
// call to On without a matching Off, exactly as fatal in the original.
func On() {
	if current == nil {
		cpu.Sti()
		return
	}
	if current.disableCnt == 0 {
		panic("proc: interrupts are already on")
	}
	current.disableCnt--
	if current.disableCnt == 0 {
		cpu.Sti()
	}
}

// NoInterrupts runs f with interrupts masked, restoring the previous
// nesting level afterward even if f panics.
func NoInterrupts(f func()) {
	Off()
	defer On()
	f()
}

var readyHead, readyTail *PCB

func readyPush(p *PCB) {
	p.next = nil
	if readyTail == nil {
		readyHead, readyTail = p, p
		return
	}
	readyTail.next = p
	readyTail = p
}

func readyPop() *PCB {
	if readyHead == nil {
		return nil
	}
	p := readyHead
	readyHead = p.next
	if readyHead == nil {
		readyTail = nil
	}
	p.next = nil
	return p
}

// ReadyPids snapshots the ready queue front to back, for diagnostics
// and the boot self-check.
func ReadyPids() []defs.Pid_t {
	Off()
	defer On()
	var pids []defs.Pid_t
	for p := readyHead; p != nil; p = p.next {
		pids = append(pids, p.Pid)
	}
	return pids
}

// MakeReady marks p ready and appends it to the ready queue.
// Interrupt-masked: the ready queue is kernel-global state touched
// from interrupt handlers (e.g. a semaphore Up from an ISR) as well as
// ordinary kernel code.
func MakeReady(p *PCB) {
	Off()
	p.State = StateReady
	readyPush(p)
	On()
}

func trampolineEntry() {
	p := current
	p.entry()
	Exit(p)
}

// funcAddr returns fn's entry point. Taking a Go function's code
// address this way (rather than through an assembly thunk) relies on
// the same func-value layout every low-level caller-address trick in
// the ecosystem depends on; it's only ever read here, never called
// through, so there's no closure-context mismatch to worry about.
func funcAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// New builds a process in StateInit with its own kernel stack and
// registers it in the process table, assigning it the next pid. entry
// runs on a fresh stack the first time this process is switched to;
// when entry returns, the process exits. The returned PCB is not yet
// schedulable -- call MakeReady to put it on the ready queue.
func New(name string, entry func()) *PCB {
	p := &PCB{
		Name:  name,
		entry: entry,
		State: StateInit,
		stack: make([]uintptr, kstackWords),
	}
	p.resetContext()

	Off()
	Insert(p)
	On()
	return p
}

// resetContext fabricates the initial pusha-order frame ContextSwitch
// expects to find: eight zeroed general registers, an initial eflags
// with interrupts enabled, and a return address pointing at the
// trampoline that invokes p.entry. See cpu/cpu_386.s's ContextSwitch
// for the exact layout this must match.
func (p *PCB) resetContext() {
	const frameWords = 10 // EDI,ESI,EBP,ESP-placeholder,EBX,EDX,ECX,EAX,EFLAGS,RETADDR
	top := len(p.stack) - frameWords
	for i := 0; i < frameWords-2; i++ {
		p.stack[top+i] = 0
	}
	const eflagsIF = 1 << 9
	p.stack[top+8] = eflagsIF
	p.stack[top+9] = funcAddr(trampolineEntry)
	p.kesp = uintptr(unsafe.Pointer(&p.stack[top]))
}

// Yield switches away from the calling process. If wq is non-nil, the
// caller is parked on wq in StateBlocked; if wq is nil, the caller is
// assumed already handled by its caller (e.g. already terminated, or
// already appended back to the ready queue as StateReady) and Yield
// just picks the next process to run. Must be called with interrupts
// off.
func Yield(wq *ksync.WaitQueue) {
	prev := current
	if wq != nil {
		prev.State = StateBlocked
		wq.PushBack(prev.Pid)
	}

	next := readyPop()
	if next == nil {
		if idle == nil {
			panic("proc: ready queue empty and no idle process")
		}
		next = idle
	}
	next.State = StateRunning
	current = next
	stats.Kernel.Switches.Inc()

	oldctx := uintptr(unsafe.Pointer(&prev.kesp))
	newctx := uintptr(unsafe.Pointer(&next.kesp))
	cpu.ContextSwitch(oldctx, newctx)
}

// ProcYield voluntarily gives up the CPU: the caller goes back on the
// ready queue and the next ready process runs. The caller resumes once
// the queue comes back around to it.
func ProcYield() {
	Off()
	prev := current
	prev.State = StateReady
	readyPush(prev)
	Yield(nil)
	On()
}

// YieldOn implements ksync.Scheduler: park the calling process on wq
// and switch to the next ready process.
func YieldOn(wq *ksync.WaitQueue) {
	Yield(wq)
}

// WakeOne implements ksync.Scheduler: move wq's front process onto the
// ready queue.
func WakeOne(wq *ksync.WaitQueue) bool {
	pid, ok := wq.PopFront()
	if !ok {
		return false
	}
	p, ok := table.get(pid)
	if !ok {
		return false
	}
	MakeReady(p)
	return true
}

// Sched is the ksync.Scheduler this package provides; boot registers
// an instance with ksync.SetScheduler so the synchronization
// primitives can park and wake processes without importing proc.
type Sched struct{}

func (Sched) YieldOn(wq *ksync.WaitQueue) { YieldOn(wq) }

func (Sched) WakeOne(wq *ksync.WaitQueue) bool { return WakeOne(wq) }

func (Sched) Off() { Off() }

func (Sched) On() { On() }

// Exit tears p down: its state becomes terminated, and it is handed
// to the reaper rather than destroyed inline, so that whatever process
// called Exit (which may be p itself, running on p's own
// about-to-be-freed stack) never has to free the stack out from under
// itself.
func Exit(p *PCB) {
	Off()
	p.State = StateTerminated
	reaperAdd(p)
	Yield(nil)
	panic("proc: exited process resumed")
}

var idle *PCB

// SetIdle installs the process Yield falls back to when the ready
// queue is empty. It must never block and never exit.
func SetIdle(p *PCB) { idle = p }

// Idle is the entry point of the idle process: park the CPU until the
// next interrupt, then offer the CPU back in case the interrupt made
// someone ready.
func Idle() {
	for {
		cpu.Halt()
		ProcYield()
	}
}

// --- reaper ---

// ReaperBatch is how many terminated processes accumulate before the
// reaper frees them in one pass. A hard-coded 10 in the original; here
// it is boot-time configuration with the same default.
var ReaperBatch = 10

var (
	reaperSem              = ksync.NewStaticSemaphore(0)
	reaperHead, reaperTail *PCB
)

func reaperAdd(p *PCB) {
	p.next = nil
	if reaperTail == nil {
		reaperHead, reaperTail = p, p
	} else {
		reaperTail.next = p
		reaperTail = p
	}
	reaperSem.Up()
}

// reapBatch drains up to n terminated processes: each is removed from
// the process table, its address space torn down, and its kernel
// stack released. Must be called with interrupts off.
func reapBatch(n int) {
	for i := 0; i < n; i++ {
		if reaperHead == nil {
			break
		}
		p := reaperHead
		reaperHead = p.next
		if reaperHead == nil {
			reaperTail = nil
		}
		table.remove(p.Pid)
		if p.AS != nil {
			p.AS.Clear()
			p.AS.Destroy()
			p.AS = nil
		}
		p.stack = nil
		stats.Kernel.Reaped.Inc()
	}
}

// Reaper is the entry point of the dedicated reaper process: it waits
// for ReaperBatch terminated processes to accumulate, then frees them
// in one batch, matching the original's amortized reaping discipline
// (finalizing one process at a time would mean a context switch's
// worth of overhead per exit).
func Reaper() {
	for {
		batch := ReaperBatch
		for i := 0; i < batch; i++ {
			reaperSem.Down()
		}
		Off()
		reapBatch(batch)
		On()
	}
}

// --- system calls ---

// Syscall numbers, dispatched from the trap gate at vector 100.
const (
	SYS_EXIT = 0
)

// Syscall dispatches a system call trap. Only exit is defined; any
// other number is a fatal kernel error, matching the original's
// single-entry syscall table.
func Syscall(num, a0, a1 uintptr) {
	stats.Kernel.Syscalls.Inc()
	switch num {
	case SYS_EXIT:
		current.ExitStatus = int(a0)
		Exit(current)
	default:
		panic(fmt.Sprintf("proc: unknown syscall %d", num))
	}
}

// Run hands the CPU to p for the first time, abandoning the boot
// thread of control. Interrupts must be off; they come back on when
// p's fabricated context is popped (its saved eflags has IF set).
// Never returns.
func Run(p *PCB) {
	var bootCtx PCB // the boot stack's context is saved here and never resumed
	p.State = StateRunning
	current = p
	cpu.ContextSwitch(
		uintptr(unsafe.Pointer(&bootCtx.kesp)),
		uintptr(unsafe.Pointer(&p.kesp)))
	panic("proc: boot context resumed")
}

// --- process table: a two-level chunked array, pid -> *PCB ---
//
// Chunks of 20 slots, grown one at a time as pids are assigned,
// mirroring the original ProcessTable/ProcessTableNode design (a
// linked list of fixed-size node arrays rather than one flat slice
// that would need to be copied whole on growth).

const chunkSize = 20

type tableNode struct {
	slots [chunkSize]*PCB
}

type processTable struct {
	chunks  []*tableNode
	size    int
	nextPid defs.Pid_t
}

var table = &processTable{nextPid: 1}

func (t *processTable) chunkFor(pid defs.Pid_t, grow bool) *tableNode {
	idx := int(pid-1) / chunkSize
	for idx >= len(t.chunks) {
		if !grow {
			return nil
		}
		t.chunks = append(t.chunks, &tableNode{})
	}
	return t.chunks[idx]
}

func (t *processTable) get(pid defs.Pid_t) (*PCB, bool) {
	n := t.chunkFor(pid, false)
	if n == nil {
		return nil, false
	}
	p := n.slots[int(pid-1)%chunkSize]
	return p, p != nil
}

func (t *processTable) remove(pid defs.Pid_t) {
	n := t.chunkFor(pid, false)
	if n == nil {
		return
	}
	n.slots[int(pid-1)%chunkSize] = nil
	t.size--
}

// Insert assigns p's pid and records it in the table. Must be called
// with interrupts off.
func Insert(p *PCB) {
	pid := table.nextPid
	table.nextPid++
	p.Pid = pid
	n := table.chunkFor(pid, true)
	n.slots[int(pid-1)%chunkSize] = p
	table.size++
}

// Lookup resolves a pid to its PCB. Drivers use it to reach the
// focused process's input buffer; everything else should go through
// the narrower accessors.
func Lookup(pid defs.Pid_t) (*PCB, bool) {
	return table.get(pid)
}

// AddressSpaceOf backs vm.ProcessLookup (boot wraps it in an adapter
// type and registers that with vm.SetProcessLookup): a pid names a live
// process, and a live non-terminated process is eligible as a
// page-share target.
func AddressSpaceOf(pid defs.Pid_t) (*vm.AddressSpace, bool) {
	p, ok := table.get(pid)
	if !ok || p.State == StateTerminated || p.AS == nil {
		return nil, false
	}
	return p.AS, true
}

// --- focus ---

var focused defs.Pid_t

// Focus directs keyboard input to pid, or to the current process if
// pid is nil.
func Focus(pid *defs.Pid_t) {
	Off()
	if pid != nil {
		focused = *pid
	} else if current != nil {
		focused = current.Pid
	}
	On()
}

// Focused returns the pid currently receiving keyboard input.
func Focused() defs.Pid_t {
	Off()
	defer On()
	return focused
}

// --- diagnostics ---

// Panicf formats a fatal kernel error, dumps the caller chain, and
// disassembles up to five instructions of code starting at pc -- the
// diagnostic dump the original prints before halting, so a panic
// leaves enough context behind to debug without a live kernel.
func Panicf(pc uintptr, code []byte, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("panic: %s\n", msg)
	dumpCallers(3)
	dumpDisasm(pc, code)
	panic(msg)
}

func dumpDisasm(pc uintptr, code []byte) {
	off := 0
	for i := 0; i < 5 && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			fmt.Printf("  %#x: <bad instruction>\n", pc+uintptr(off))
			break
		}
		fmt.Printf("  %#x: %s\n", pc+uintptr(off), inst.String())
		off += inst.Len
	}
}

// dumpCallers walks and prints the Go-side caller chain starting
// `skip` frames up from its own caller. Since os1's kernel-proper code
// never runs under the Go runtime (it's freestanding), this only ever
// has real frames to show when Panicf is exercised from host-side
// tests; on real hardware the disassembly dump above carries the
// weight of diagnosing where execution was.
func dumpCallers(skip int) {
	for i := skip; i < skip+16; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			return
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		fmt.Printf("  %s\n      %s:%d\n", name, file, line)
	}
}
