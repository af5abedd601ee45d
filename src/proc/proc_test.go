package proc

import (
	"testing"

	"os1/src/defs"
	"os1/src/ksync"
)

// resetGlobals clears the package-level scheduler state between
// tests. proc intentionally keeps this state at package scope (it
// models the single global process table a kernel has), so tests that
// mutate it must not leak into one another.
func resetGlobals(t *testing.T) {
	t.Helper()
	current = nil
	readyHead, readyTail = nil, nil
	reaperHead, reaperTail = nil, nil
	reaperSem = ksync.NewStaticSemaphore(0)
	table = &processTable{nextPid: 1}
	focused = defs.PID_NONE
	idle = nil
	ksync.SetScheduler(Sched{})
}

func TestNewAssignsIncreasingPids(t *testing.T) {
	resetGlobals(t)
	a := New("a", func() {})
	b := New("b", func() {})
	if a.Pid == b.Pid {
		t.Fatal("two processes got the same pid")
	}
	if b.Pid <= a.Pid {
		t.Fatalf("pids did not increase: a=%d b=%d", a.Pid, b.Pid)
	}
}

func TestNewRegistersInProcessTable(t *testing.T) {
	resetGlobals(t)
	p := New("worker", func() {})
	got, ok := table.get(p.Pid)
	if !ok || got != p {
		t.Fatal("New did not register the process in the table")
	}
}

func TestMakeReadyEnqueuesFIFO(t *testing.T) {
	resetGlobals(t)
	a := New("a", func() {})
	b := New("b", func() {})

	MakeReady(a)
	MakeReady(b)

	first := readyPop()
	second := readyPop()
	if first != a || second != b {
		t.Fatal("ready queue did not preserve FIFO order")
	}
	if a.State != StateReady || b.State != StateReady {
		t.Fatal("MakeReady did not set StateReady")
	}
}

func TestOffOnNesting(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	current = p

	Off()
	Off()
	if p.disableCnt != 2 {
		t.Fatalf("disableCnt = %d, want 2", p.disableCnt)
	}
	On()
	if p.disableCnt != 1 {
		t.Fatalf("disableCnt = %d, want 1 after one On", p.disableCnt)
	}
	On()
	if p.disableCnt != 0 {
		t.Fatalf("disableCnt = %d, want 0", p.disableCnt)
	}
}

func TestOnWithoutOffPanics(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	current = p

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling On with nesting already at zero")
		}
	}()
	On()
}

func TestProcessTableRemoveThenGetFails(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	table.remove(p.Pid)
	if _, ok := table.get(p.Pid); ok {
		t.Fatal("expected process to be gone after remove")
	}
}

func TestProcessTableGrowsAcrossChunks(t *testing.T) {
	resetGlobals(t)
	var last *PCB
	for i := 0; i < chunkSize+5; i++ {
		last = New("p", func() {})
	}
	if got, ok := table.get(last.Pid); !ok || got != last {
		t.Fatal("process allocated past the first chunk was not found")
	}
}

func TestAddressSpaceOfExcludesTerminated(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	p.State = StateTerminated
	if _, ok := AddressSpaceOf(p.Pid); ok {
		t.Fatal("terminated process should not be a valid share target")
	}
}

func TestFocusDefaultsToCurrentProcess(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	current = p
	Focus(nil)
	if Focused() != p.Pid {
		t.Fatalf("Focused() = %d, want %d", Focused(), p.Pid)
	}
}

// Reaper liveness: once a batch's worth of processes terminate, a
// single reap pass removes every one of them from the process table
// and releases their kernel stacks.
func TestReapBatchRemovesTerminatedProcesses(t *testing.T) {
	resetGlobals(t)

	var dead []*PCB
	for i := 0; i < ReaperBatch; i++ {
		p := New("victim", func() {})
		p.State = StateTerminated
		reaperAdd(p)
		dead = append(dead, p)
	}
	survivor := New("survivor", func() {})

	Off()
	reapBatch(ReaperBatch)
	On()

	for _, p := range dead {
		if _, ok := table.get(p.Pid); ok {
			t.Fatalf("pid %d still in the table after reaping", p.Pid)
		}
		if p.stack != nil {
			t.Fatalf("pid %d kernel stack not released", p.Pid)
		}
	}
	if _, ok := table.get(survivor.Pid); !ok {
		t.Fatal("reaper removed a live process")
	}
}

func TestReapBatchStopsAtQueueEnd(t *testing.T) {
	resetGlobals(t)

	p := New("only", func() {})
	p.State = StateTerminated
	reaperAdd(p)

	Off()
	reapBatch(ReaperBatch)
	On()

	if reaperHead != nil || reaperTail != nil {
		t.Fatal("reaper queue not drained")
	}
}

func TestUnknownSyscallPanics(t *testing.T) {
	resetGlobals(t)
	p := New("p", func() {})
	current = p

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an undefined syscall number")
		}
	}()
	Syscall(42, 0, 0)
}

func TestKbdbufFIFO(t *testing.T) {
	k := NewKbdbuf(4)
	k.Push('a')
	k.Push('b')
	if b, ok := k.Pop(); !ok || b != 'a' {
		t.Fatal("expected 'a' first out")
	}
	if b, ok := k.Pop(); !ok || b != 'b' {
		t.Fatal("expected 'b' second out")
	}
	if _, ok := k.Pop(); ok {
		t.Fatal("expected empty buffer")
	}
}

func TestKbdbufDropsWhenFull(t *testing.T) {
	k := NewKbdbuf(2)
	k.Push('a')
	k.Push('b')
	k.Push('c') // dropped: buffer is full
	first, _ := k.Pop()
	second, _ := k.Pop()
	if first != 'a' || second != 'b' {
		t.Fatalf("expected a,b got %c,%c", first, second)
	}
}
