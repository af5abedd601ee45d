// Package ksync provides the kernel's synchronization primitives:
// StaticSemaphore (a countable semaphore with a FIFO blocked-process
// queue, usable from statically-initialized kernel state), the
// generic Semaphore[T] (an RAII-guard wrapper around StaticSemaphore
// that owns the value it protects), Barrier, and Event.
//
// These primitives need to block the calling process and later wake
// it back up, which is scheduler business (src/proc). Importing proc
// directly would create a package cycle -- proc's reaper uses a
// StaticSemaphore internally, and ksync needs to ask the scheduler to
// park and wake processes. Per the same "consolidate global state"
// principle used to resolve the interrupt/process cycle (see
// DESIGN.md), ksync depends only on a small Scheduler interface;
// src/proc implements it and src/boot registers that implementation
// with SetScheduler.
package ksync

import (
	"os1/src/defs"
)

// WaitQueue is a FIFO queue of blocked process ids. It has no
// behavior of its own; it exists purely as the thing a Scheduler
// parks processes on and pops them back off of in order, so that
// every primitive in this package gets FIFO wakeup order.
type WaitQueue struct {
	pids []defs.Pid_t
}

// PushBack appends pid to the back of q. Exported for the same reason
// as PopFront: YieldOn needs to record which process it is parking
// before switching away.
func (q *WaitQueue) PushBack(pid defs.Pid_t) { q.pids = append(q.pids, pid) }

// PopFront removes and returns the pid at the front of q. Exported
// for Scheduler implementations: StaticSemaphore.Up calls into the
// registered Scheduler's WakeOne with the raw queue, and the
// scheduler (src/proc) needs to actually pop it to know which process
// to make ready.
func (q *WaitQueue) PopFront() (defs.Pid_t, bool) {
	if len(q.pids) == 0 {
		return defs.PID_NONE, false
	}
	pid := q.pids[0]
	q.pids = q.pids[1:]
	return pid, true
}

// Len reports the number of processes currently parked on q.
func (q *WaitQueue) Len() int { return len(q.pids) }

// Scheduler is the minimal scheduling surface ksync's blocking
// primitives need: a way to give up the CPU and park the current
// process on a wait queue, and a way to move one parked process back
// onto the ready queue.
type Scheduler interface {
	// YieldOn blocks the calling process, appends it to wq, and
	// switches to another ready process. Returns once some later
	// WakeOne call makes this process ready again and the scheduler
	// runs it. Called with interrupts already masked via Off.
	YieldOn(wq *WaitQueue)
	// WakeOne moves the process at the front of wq onto the ready
	// queue, if any, and reports whether it found one.
	WakeOne(wq *WaitQueue) bool
	// Off and On bracket the critical sections inside every
	// primitive: semaphore counts and wait queues are CPU-global
	// state that an interrupt handler calling Up must never observe
	// half-updated.
	Off()
	On()
}

var sched Scheduler

// SetScheduler installs the scheduler implementation every blocking
// primitive in this package defers to. Called once, by boot.Init,
// before the first process is created.
func SetScheduler(s Scheduler) { sched = s }

// Off masks interrupts through the registered scheduler. Exposed for
// callers that need to close a wake-up race spanning two primitives
// (release a lock, then wait on an event) without importing the
// scheduler package directly.
func Off() { sched.Off() }

// On undoes one Off.
func On() { sched.On() }

// StaticSemaphore is a counting semaphore with a FIFO blocked-process
// queue. Its zero value (count 0, empty queue) is a valid semaphore
// with initial count 0; use NewStaticSemaphore for any other initial
// count. Safe for use as static/global kernel state.
type StaticSemaphore struct {
	count int
	queue WaitQueue
}

// NewStaticSemaphore returns a semaphore initialized to count i.
func NewStaticSemaphore(i int) *StaticSemaphore {
	return &StaticSemaphore{count: i}
}

// Down acquires the semaphore, blocking the caller if the count would
// go negative. A blocked process restores the count before parking:
// the matching Up hands its permit straight to the woken waiter
// instead of incrementing, so the count never goes negative to track
// waiters -- the queue does that.
func (s *StaticSemaphore) Down() {
	sched.Off()
	s.count--
	if s.count < 0 {
		s.count++
		sched.YieldOn(&s.queue)
	}
	sched.On()
}

// Up releases the semaphore. If a process is waiting, it is woken
// directly rather than having the count incremented -- an Up never
// both wakes a waiter and bumps the count.
func (s *StaticSemaphore) Up() {
	sched.Off()
	if !sched.WakeOne(&s.queue) {
		s.count++
	}
	sched.On()
}

// Destroy panics if any process is still waiting on s. It cannot be a
// Go destructor (there is no Drop in Go), so callers that tear down a
// semaphore explicitly must call this themselves, matching the
// original's documented limitation.
func (s *StaticSemaphore) Destroy() {
	if s.queue.Len() > 0 {
		panic("ksync: semaphore destroyed with processes waiting")
	}
}

// Semaphore is a generic RAII-style semaphore that owns the value it
// guards. Down returns a Guard; the guard's Close releases the
// semaphore. Typical use:
//
//	g := sem.Down()
//	defer g.Close()
//	g.Value().Field = ...
type Semaphore[T any] struct {
	inner *StaticSemaphore
	data  T
}

// NewSemaphore wraps val in a semaphore with initial count i.
func NewSemaphore[T any](val T, i int) *Semaphore[T] {
	return &Semaphore[T]{inner: NewStaticSemaphore(i), data: val}
}

// Guard is the RAII handle returned by Semaphore.Down. Close releases
// the semaphore; a Guard must not be used after Close.
type Guard[T any] struct {
	sem *StaticSemaphore
	val *T
}

// Down acquires s and returns a guard over the protected value.
func (s *Semaphore[T]) Down() *Guard[T] {
	s.inner.Down()
	return &Guard[T]{sem: s.inner, val: &s.data}
}

// Value returns a pointer to the guarded value.
func (g *Guard[T]) Value() *T { return g.val }

// Close releases the semaphore this guard was acquired from. Callers
// typically `defer g.Close()` immediately after Down.
func (g *Guard[T]) Close() { g.sem.Up() }

// Destroy tears down the semaphore, panicking if any process is still
// waiting on it.
func (s *Semaphore[T]) Destroy() { s.inner.Destroy() }

// Event lets processes block until some other process calls Notify.
// Built directly atop StaticSemaphore: Wait downs then immediately
// ups the status semaphore, so a single Notify (one Up) wakes the
// first waiter and hands the "signalled" state straight on to the
// next one in FIFO order, rather than only waking one process per
// Notify.
type Event struct {
	status StaticSemaphore
}

// Wait blocks until Notify is called.
func (e *Event) Wait() {
	e.status.Down()
	e.status.Up()
}

// Notify wakes processes blocked in Wait.
func (e *Event) Notify() { e.status.Up() }

// Reset consumes a pending notification so the event can be waited on
// again. If woken waiters are still mid-handoff, Reset blocks until
// the last of them has passed the notification along.
func (e *Event) Reset() { e.status.Down() }

// Barrier lets n processes rendezvous: the first n-1 callers of Reach
// block, and the nth unblocks all of them in FIFO order. The barrier
// is reusable once every process has passed through. Arrivals park on
// the barrier's own queue rather than an Event -- an event leaves a
// stray permit behind after each round, which would let the next
// round's arrivals sail through without waiting (see DESIGN.md).
type Barrier struct {
	count int
	n     int
	queue WaitQueue
}

// NewBarrier returns a barrier for n participants.
func NewBarrier(n int) *Barrier { return &Barrier{n: n} }

// Reach blocks until n processes total have called Reach, then
// releases all of them and resets the barrier for its next use.
func (b *Barrier) Reach() {
	sched.Off()
	if b.count == b.n-1 {
		b.count = 0
		for sched.WakeOne(&b.queue) {
		}
	} else {
		b.count++
		sched.YieldOn(&b.queue)
	}
	sched.On()
}
