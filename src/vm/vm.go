// Package vm implements per-process virtual memory: x86 two-level
// paging (page directory + page tables), the kmap window used to
// temporarily address an arbitrary physical frame, page-fault
// handling, and the cross-process page-share protocol.
//
// Simplification from the original design: rather than reconstruct the
// recursive self-map trick (a PDE pointing back at its own page
// directory, used to address page tables as data), os1 relies on a
// direct map of all physical memory established once at boot by the
// shared PDEs (see Init) -- the same idea as the teacher's
// Physmem_t.Dmap, just extended to cover page-table frames too. The
// direct map is identity (virtual address == physical address for
// every frame the allocator manages), so a physical address doubles as
// a kernel-usable pointer; every page directory and page table this
// package touches is manipulated that way rather than through self-map
// addressing. PDE index numShared, the original's self-map slot, is
// left unmapped. This is recorded as a deliberate deviation in
// DESIGN.md.
package vm

import (
	"fmt"
	"unsafe"

	"os1/src/cpu"
	"os1/src/defs"
	"os1/src/ksync"
	"os1/src/mem"
	"os1/src/stats"
)

const entriesPerTable = 1024

// PDE/PTE flag bits.
const (
	flagPresent      = 1 << 0
	flagWrite        = 1 << 1
	flagUser         = 1 << 2
	flagWriteThrough = 1 << 3
)

const addrMask = uint32(0xFFFFF000)

// kmapSlots is the size of the per-address-space kmap window.
const kmapSlots = 256

// Layout constants, computed once by Init from the number of shared
// (direct-mapped) PDEs installed at boot.
var (
	numShared   uint32
	kmapAddress uintptr
	userAddress uintptr
)

// NumShared reports how many page directory entries, starting at
// index 0, direct-map physical memory.
func NumShared() uint32 { return numShared }

// KmapAddress is the base virtual address of the 256-slot kmap
// window.
func KmapAddress() uintptr { return kmapAddress }

// UserAddress is the first virtual address available to user
// mappings; anything below it is kernel-reserved, and a fault there is
// fatal.
func UserAddress() uintptr { return userAddress }

var phys *mem.Phys

// physBase is the physical address of the allocator's first frame.
// Paging entries hold frame addresses relative to it so they stay
// within 32 bits; on real hardware the base is zero and an entry is
// exactly the x86 PDE/PTE encoding.
var physBase uint64

func toEntry(paddr uintptr) uint32 {
	return uint32(uint64(paddr)-physBase) & addrMask
}

func fromEntry(e uint32) uintptr {
	return uintptr(uint64(e&addrMask) + physBase)
}

// sharedPDEs is the kernel direct map, built once by Init and copied
// verbatim into the head of every page directory, so kernel code and
// data stay addressable no matter which address space is active. The
// page tables behind these entries are owned by no address space and
// never freed.
var sharedPDEs []uint32

// vmmOn records whether an address space has been activated yet.
// Before that, the CPU runs on the boot identity mapping.
var vmmOn bool

// VmmOn reports whether paging has been switched to a process page
// directory.
func VmmOn() bool { return vmmOn }

// ProcessLookup is the minimal view into the process table that
// RequestShare/AcceptShare need: confirming a pid names a live,
// non-terminated process and reaching its address space. src/proc
// supplies the lookup (proc.AddressSpaceOf) and boot.Init registers an
// adapter over it with SetProcessLookup, the same pattern ksync uses
// for its Scheduler to avoid a vm<->proc import cycle.
type ProcessLookup interface {
	AddressSpaceOf(pid defs.Pid_t) (*AddressSpace, bool)
}

var procs ProcessLookup

// SetProcessLookup installs the process-table accessor used by the
// page-share protocol.
func SetProcessLookup(p ProcessLookup) { procs = p }

// Init establishes the shared kernel direct map: sharedCnt page
// directory entries, each backed by a freshly allocated, fully
// populated page table direct-mapping one 4 MiB stretch of physical
// memory. It must be called exactly once, before any AddressSpace is
// created, and records the derived kmap/user address layout. p is the
// physical frame allocator every address space allocates page tables
// from.
func Init(p *mem.Phys, sharedCnt uint32) {
	phys = p
	physBase = p.Base()
	numShared = sharedCnt
	kmapAddress = uintptr(numShared+1) << 22
	userAddress = kmapAddress + kmapSlots*defs.PGSIZE
	vmmOn = false

	sharedPDEs = make([]uint32, numShared)
	for i := uint32(0); i < numShared; i++ {
		ptPhys := phys.Alloc()
		pt := tableAt(ptPhys)
		for j := 0; j < entriesPerTable; j++ {
			frame := uint32(i)<<22 | uint32(j)<<defs.PGSHIFT
			if i == 0 && j == 0 {
				// Frame 0 is never allocated by mem.Phys and must
				// never be direct-mapped present -- a stray write
				// through a nil-ish pointer should fault rather than
				// silently corrupt low memory.
				pt[j] = 0
				continue
			}
			pt[j] = frame&addrMask | flagPresent | flagWrite
		}
		sharedPDEs[i] = toEntry(ptPhys) | flagPresent | flagWrite
	}
}

// tableAt returns the 1024-entry table living at the given physical
// address, addressed through the identity direct map (or the boot
// identity mapping, before paging is on).
func tableAt(paddr uintptr) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(paddr)), entriesPerTable)
}

// AddressSpace is one process's virtual memory: a page directory plus
// the bookkeeping needed for the kmap window and the page-share
// rendezvous protocol. The zero value is not usable; build one with
// New.
type AddressSpace struct {
	pdPhys    uintptr
	kmapIndex uint16
	owner     defs.Pid_t

	lock ksync.StaticSemaphore

	// Page-share rendezvous state, guarded by lock.
	reqPid   defs.Pid_t
	reqPaddr uintptr
	reqBar   ksync.Barrier
	reqWait  ksync.Event
}

// New allocates a fresh page directory, copies in the shared kernel
// PDEs, and returns a ready-to-activate address space with no user
// mappings.
func New() *AddressSpace {
	pdPhys := phys.Alloc()
	pd := tableAt(pdPhys)
	for i := range pd {
		pd[i] = 0
	}
	copy(pd, sharedPDEs)

	as := &AddressSpace{pdPhys: pdPhys}
	as.lock = *ksync.NewStaticSemaphore(1)
	as.reqBar = *ksync.NewBarrier(2)
	return as
}

// SetOwner records the pid whose process owns this address space;
// Unmap uses it to release this process's claim on shared frames.
func (as *AddressSpace) SetOwner(pid defs.Pid_t) { as.owner = pid }

// Owner returns the owning pid recorded by SetOwner.
func (as *AddressSpace) Owner() defs.Pid_t { return as.owner }

func (as *AddressSpace) lockAcquire() { as.lock.Down() }

func (as *AddressSpace) unlock() { as.lock.Up() }

// Map installs a present mapping from virt to phys, allocating and
// populating an intervening page table if none exists yet for virt's
// PDE slot. Mapping an already-present entry is a no-op. lock selects
// whether Map itself acquires as's lock -- callers that already hold
// it (Kmap and AcceptShare) pass false; the page-fault handler does
// not hold it and passes true.
func (as *AddressSpace) Map(phys_ uintptr, virt uintptr, lock bool) {
	if lock {
		as.lockAcquire()
		defer as.unlock()
	}

	pdeIdx := (virt >> 22) & 0x3FF
	pteIdx := (virt >> 12) & 0x3FF

	userFlag := uint32(0)
	if virt >= userAddress {
		userFlag = flagUser
	}

	pd := tableAt(as.pdPhys)
	if pd[pdeIdx]&flagPresent == 0 {
		ptPhys := phys.Alloc()
		pt := tableAt(ptPhys)
		for i := range pt {
			pt[i] = 0
		}
		pd[pdeIdx] = toEntry(ptPhys) | flagPresent | flagWrite | userFlag
	}

	pt := tableAt(fromEntry(pd[pdeIdx]))
	if pt[pteIdx]&flagPresent != 0 {
		return
	}
	pt[pteIdx] = toEntry(phys_) | flagPresent | flagWrite | userFlag
	cpu.Invlpg(virt)
}

// Unmap removes the mapping at virt. The underlying frame is freed
// only if virt lies in user space (kernel mappings, including the
// direct map and kmap window, are not frame-owning); a shared frame
// only loses this address space's claim and survives until its last
// owner unmaps it. If removing this PTE empties its page table, the
// page table frame is freed too.
func (as *AddressSpace) Unmap(virt uintptr, lock bool) {
	if lock {
		as.lockAcquire()
		defer as.unlock()
	}

	pdeIdx := (virt >> 22) & 0x3FF
	pteIdx := (virt >> 12) & 0x3FF

	pd := tableAt(as.pdPhys)
	if pd[pdeIdx]&flagPresent == 0 {
		return
	}
	ptPhys := fromEntry(pd[pdeIdx])
	pt := tableAt(ptPhys)
	if pt[pteIdx]&flagPresent == 0 {
		return
	}

	framePhys := fromEntry(pt[pteIdx])
	pt[pteIdx] = 0
	cpu.Invlpg(virt)

	if virt >= userAddress {
		phys.FreeShared(framePhys, as.owner)
	}

	for _, e := range pt {
		if e&flagPresent != 0 {
			return
		}
	}
	// Page table is now empty; free it, unless virt is below the kmap
	// window, where the (shared) page tables are never torn down.
	if virt >= kmapAddress {
		phys.Free(ptPhys)
		pd[pdeIdx] = 0
	}
}

// Kmap temporarily maps paddr into the 256-slot kmap window and
// returns the virtual address it landed at. When all 256 slots have
// been used, the whole window is unmapped at once and reused from
// slot 0 -- callers must not assume a kmap mapping outlives the next
// 256 calls on this address space.
func (as *AddressSpace) Kmap(paddr uintptr) uintptr {
	as.lockAcquire()
	defer as.unlock()

	if as.kmapIndex == kmapSlots {
		for i := uintptr(0); i < kmapSlots; i++ {
			as.Unmap(kmapAddress+i*defs.PGSIZE, false)
		}
		as.kmapIndex = 0
	}
	virt := kmapAddress + uintptr(as.kmapIndex)*defs.PGSIZE
	as.kmapIndex++
	as.Map(paddr, virt, false)
	return virt
}

// VToP walks the page tables to translate a virtual address, without
// faulting it in. ok is false if there is no present mapping.
func (as *AddressSpace) VToP(virt uintptr, lock bool) (phys_ uintptr, ok bool) {
	if lock {
		as.lockAcquire()
		defer as.unlock()
	}

	pdeIdx := (virt >> 22) & 0x3FF
	pteIdx := (virt >> 12) & 0x3FF

	pd := tableAt(as.pdPhys)
	if pd[pdeIdx]&flagPresent == 0 {
		return 0, false
	}
	pt := tableAt(fromEntry(pd[pdeIdx]))
	if pt[pteIdx]&flagPresent == 0 {
		return 0, false
	}
	offset := virt & uintptr(defs.PGMASK)
	return fromEntry(pt[pteIdx]) + offset, true
}

// Activate installs as as the active address space by loading its
// page directory into CR3. Callers mask interrupts around this the
// way every other CPU-global state change is bracketed.
func (as *AddressSpace) Activate() {
	cpu.LoadCR3(as.pdPhys)
	vmmOn = true
}

// Clear tears down every user mapping (every PDE above the shared
// range), freeing both the frames and the page tables that held them,
// and resets the kmap window. The page directory frame itself is left
// for Destroy.
func (as *AddressSpace) Clear() {
	as.lockAcquire()
	defer as.unlock()

	for pdeIdx := int(numShared) + 1; pdeIdx < entriesPerTable; pdeIdx++ {
		pd := tableAt(as.pdPhys)
		if pd[pdeIdx]&flagPresent == 0 {
			continue
		}
		virtBase := uintptr(pdeIdx) << 22
		for pteIdx := 0; pteIdx < entriesPerTable; pteIdx++ {
			as.Unmap(virtBase+uintptr(pteIdx)*defs.PGSIZE, false)
		}
	}
	as.kmapIndex = 0
}

// Destroy frees the page directory frame. Clear must have already
// released every user mapping; Destroy does not do that itself.
func (as *AddressSpace) Destroy() {
	phys.Free(as.pdPhys)
}

// PageFault services a fault at faultAddr in as. Faults below
// UserAddress are fatal -- there is no kernel-side demand paging.
// Faults at or above UserAddress allocate a fresh zeroed frame and map
// it in, the only fault resolution this teaching kernel implements (no
// copy-on-write, no paging to backing store).
func PageFault(as *AddressSpace, faultAddr uintptr) {
	if faultAddr < userAddress {
		panic(fmt.Sprintf("vm: segmentation violation at %#x", faultAddr))
	}
	stats.Kernel.PageFaults.Inc()
	page := faultAddr &^ uintptr(defs.PGMASK)
	frame := phys.Alloc()
	as.Map(frame, page, true)
	zero := tableAt(frame) // reinterpret the frame as words to zero it
	for i := range zero {
		zero[i] = 0
	}
}

// RequestShare is the source half of the page-share protocol: it
// publishes the physical frame backing vaddr in this address space so
// that targetPid's AcceptShare call can map it too, records the
// caller as a shared owner of the frame (the acceptor records itself
// on its side, so either side unmapping leaves the frame alive for
// the other), then rendezvous with the accepting
// side via a two-party barrier so neither side proceeds until the
// mapping exists on both ends. Returns false without blocking if the
// target pid is dead or vaddr is unmapped.
//
// Lock discipline, preserved from the original: an address-space lock
// is always taken before any frame-metadata lock. The requester holds
// only its own address-space lock; the acceptor takes the requester's
// and then its own, whichever of the two pids is lower, so the two
// locks are not taken in pid order.
func (as *AddressSpace) RequestShare(targetPid defs.Pid_t, vaddr uintptr) bool {
	as.lockAcquire()

	if _, ok := procs.AddressSpaceOf(targetPid); !ok {
		as.unlock()
		return false
	}
	paddr, ok := as.VToP(vaddr, false)
	if !ok {
		as.unlock()
		return false
	}

	phys.Share(paddr, as.owner)
	as.reqPid = targetPid
	as.reqPaddr = paddr
	as.reqWait.Notify()
	as.reqWait.Reset()
	as.unlock()

	as.reqBar.Reach()
	return true
}

// AcceptShare is the target half: it waits for a matching
// RequestShare from srcPid naming this address space's owner, maps
// the shared frame at vaddr, clears the request slot, and rendezvous
// on the requester's barrier. Returns false if srcPid is not a live
// process.
func (as *AddressSpace) AcceptShare(srcPid defs.Pid_t, vaddr uintptr) bool {
	srcAs, ok := procs.AddressSpaceOf(srcPid)
	if !ok {
		return false
	}

	// Wait until the source posts a request for this pid. The
	// Off/On bracket keeps a Notify that lands between releasing the
	// source's lock and parking on the event from being lost.
	for {
		srcAs.lockAcquire()
		if srcAs.reqPid == as.owner {
			break
		}
		ksync.Off()
		srcAs.unlock()
		srcAs.reqWait.Wait()
		ksync.On()
	}

	as.lockAcquire()
	phys.Share(srcAs.reqPaddr, as.owner)
	as.Map(srcAs.reqPaddr, vaddr, false)
	as.unlock()

	srcAs.reqPid = defs.PID_NONE
	srcAs.reqPaddr = 0
	srcAs.unlock()

	srcAs.reqBar.Reach()
	return true
}

// Userdmap8 returns a byte slice viewing n bytes of already-mapped
// user memory starting at uva, addressed through the kernel direct
// map. The slice must not straddle a page boundary (the underlying
// frames need not be contiguous); callers that copy larger ranges
// loop page by page, as the ELF loader does.
func (as *AddressSpace) Userdmap8(uva uintptr, n int) ([]byte, defs.Err_t) {
	if uva < userAddress {
		return nil, defs.E_FAULT
	}
	pageOff := int(uva & uintptr(defs.PGMASK))
	if pageOff+n > defs.PGSIZE {
		return nil, defs.E_INVAL
	}
	page := uva &^ uintptr(defs.PGMASK)
	paddr, ok := as.VToP(page, true)
	if !ok {
		return nil, defs.E_FAULT
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(paddr+uintptr(pageOff))), n), defs.E_NONE
}

// Userreadn reads an n-byte little-endian integer from user memory.
func (as *AddressSpace) Userreadn(uva uintptr, n int) (int, defs.Err_t) {
	buf, err := as.Userdmap8(uva, n)
	if err != defs.E_NONE {
		return 0, err
	}
	var v int
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | int(buf[i])
	}
	return v, defs.E_NONE
}

// Userwriten writes an n-byte little-endian integer to user memory.
func (as *AddressSpace) Userwriten(uva uintptr, n int, val int) defs.Err_t {
	buf, err := as.Userdmap8(uva, n)
	if err != defs.E_NONE {
		return err
	}
	for i := 0; i < n; i++ {
		buf[i] = byte(val)
		val >>= 8
	}
	return defs.E_NONE
}

// Userstr reads a NUL-terminated string from user memory, up to max
// bytes.
func (as *AddressSpace) Userstr(uva uintptr, max int) (string, defs.Err_t) {
	var out []byte
	for len(out) < max {
		pageOff := int(uva & uintptr(defs.PGMASK))
		chunk := defs.PGSIZE - pageOff
		buf, err := as.Userdmap8(uva, chunk)
		if err != defs.E_NONE {
			return "", err
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), defs.E_NONE
			}
			out = append(out, b)
			if len(out) >= max {
				return string(out), defs.E_NONE
			}
		}
		uva += uintptr(chunk)
	}
	return string(out), defs.E_NONE
}
