package heap

import (
	"testing"
	"unsafe"
)

// newTestHeap backs a Heap with a real Go byte slice so the package's
// raw uintptr arithmetic has real memory to operate on, standing in
// for the physical/virtual range the kernel would hand it at boot.
func newTestHeap(t *testing.T, size uintptr) (*Heap, []byte) {
	t.Helper()
	backing := make([]byte, size+2*BlockAlign)
	start := uintptr(unsafe.Pointer(&backing[0]))
	start = (start + BlockAlign - 1) &^ (BlockAlign - 1)
	return Init(start, size), backing
}

func TestMallocRoundsToBlockAlign(t *testing.T) {
	h, _ := newTestHeap(t, 4096)
	p := h.Malloc(1, 1)
	if p == 0 {
		t.Fatal("malloc returned nil")
	}
	if UsableSize(1, 1) != BlockAlign {
		t.Fatalf("usable size = %d, want %d", UsableSize(1, 1), BlockAlign)
	}
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h, _ := newTestHeap(t, 4096)
	before := h.GetStats()

	p := h.Malloc(64, 8)
	h.Free(p, 64)

	after := h.GetStats()
	if after.SizeFree != before.SizeFree {
		t.Fatalf("free space not restored: before=%d after=%d", before.SizeFree, after.SizeFree)
	}
	if after.NumFree != 1 {
		t.Fatalf("expected single coalesced free block, got %d", after.NumFree)
	}
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h, _ := newTestHeap(t, 8192)
	a := h.Malloc(100, 8)
	b := h.Malloc(100, 8)
	if a == b {
		t.Fatal("two live allocations returned the same address")
	}
	asz := UsableSize(100, 8)
	if a < b && b < a+asz {
		t.Fatalf("allocations overlap: a=%#x size=%d b=%#x", a, asz, b)
	}
	if b < a && a < b+asz {
		t.Fatalf("allocations overlap: b=%#x size=%d a=%#x", b, asz, a)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h, _ := newTestHeap(t, 4096)
	p := h.Malloc(32, 8)
	h.Free(p, 32)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	h.Free(p, 32)
}

func TestOutOfMemoryPanics(t *testing.T) {
	h, _ := newTestHeap(t, 64)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on OOM")
		}
	}()
	h.Malloc(1<<20, 8)
}

// Stress: 256 small allocations, then free every even-indexed one.
// The freed blocks are separated by live ones, so none of them can
// coalesce with each other; the free list ends up holding them plus
// the original tail remainder.
func TestAlternatingFreesLeaveLiveBlocksIntact(t *testing.T) {
	const n = 256
	size, align := uintptr(48), uintptr(16)
	h, _ := newTestHeap(t, n*UsableSize(size, align)*2)

	var ptrs [n]uintptr
	for i := range ptrs {
		ptrs[i] = h.Malloc(size, align)
		if ptrs[i]%align != 0 {
			t.Fatalf("allocation %d misaligned: %#x", i, ptrs[i])
		}
	}
	for i := 0; i < n; i += 2 {
		h.Free(ptrs[i], size)
	}

	s := h.GetStats()
	if s.NumFree != n/2+1 {
		t.Fatalf("free blocks = %d, want %d freed + tail remainder", s.NumFree, n/2+1)
	}
	if s.SuccMallocs-s.Frees != n/2 {
		t.Fatalf("live blocks = %d, want %d", s.SuccMallocs-s.Frees, n/2)
	}

	// The surviving odd-indexed blocks keep their full usable size:
	// consecutive survivors sit at least two block-sizes apart (the
	// freed hole between them included).
	live := UsableSize(size, align)
	for i := 3; i < n; i += 2 {
		if ptrs[i]-ptrs[i-2] < 2*live {
			t.Fatalf("live blocks %d and %d overlap: %#x..%#x", i-2, i, ptrs[i-2], ptrs[i])
		}
	}
}

func TestCoalescingMergesFreedNeighbors(t *testing.T) {
	h, _ := newTestHeap(t, 4096)
	a := h.Malloc(64, 8)
	b := h.Malloc(64, 8)
	_ = b

	statsBeforeFree := h.GetStats()
	h.Free(a, 64)
	h.Free(b, 64)
	statsAfterFree := h.GetStats()

	if statsAfterFree.SizeFree <= statsBeforeFree.SizeFree {
		t.Fatal("freeing both blocks did not increase free space")
	}
	// A single contiguous free region should coalesce back to one block
	// spanning the two allocations plus whatever was already free.
	if statsAfterFree.NumFree != 1 {
		t.Fatalf("expected blocks to coalesce into one, got %d free blocks", statsAfterFree.NumFree)
	}
}
