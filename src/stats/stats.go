// Package stats collects kernel-wide counters and can fold them,
// together with allocator occupancy, into a pprof profile for offline
// inspection. There is no Go runtime profiler underneath this kernel
// to piggy-back on, so the profile is constructed directly from
// allocator metadata instead of captured.
package stats

import (
	"io"
	"sync/atomic"

	"github.com/google/pprof/profile"

	"os1/src/heap"
	"os1/src/mem"
)

// Counter is a monotonically increasing event count.
type Counter int64

// Inc adds one to the counter.
func (c *Counter) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Read returns the current count.
func (c *Counter) Read() int64 { return atomic.LoadInt64((*int64)(c)) }

// Kernel holds the scheduler- and fault-path counters the rest of the
// kernel bumps. Single instance, matching the single CPU.
var Kernel struct {
	Switches   Counter
	PageFaults Counter
	Syscalls   Counter
	Reaped     Counter
}

// SnapshotProfile builds a pprof profile out of the current heap and
// frame-allocator state: one sample per memory pool, valued in
// (objects, bytes). The counters above go along as profile comments
// so one artifact carries the whole picture.
func SnapshotProfile(h heap.Stats, m mem.Stats) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	pools := []struct {
		name    string
		objects int64
		bytes   int64
	}{
		{"kheap/used", int64(h.SuccMallocs - h.Frees), int64(h.SizeUsed)},
		{"kheap/free", int64(h.NumFree), int64(h.SizeFree)},
		{"frames/used", int64(m.TotalFrames - m.FreeFrames),
			int64(m.TotalFrames-m.FreeFrames) * 4096},
		{"frames/free", int64(m.FreeFrames), int64(m.FreeFrames) * 4096},
	}

	for i, pool := range pools {
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       pool.name,
			SystemName: pool.name,
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{pool.objects, pool.bytes},
		})
	}

	p.Comments = []string{
		"switches=" + itoa(Kernel.Switches.Read()),
		"pagefaults=" + itoa(Kernel.PageFaults.Read()),
		"syscalls=" + itoa(Kernel.Syscalls.Read()),
		"reaped=" + itoa(Kernel.Reaped.Read()),
	}
	return p
}

// WriteProfile serializes a snapshot to w in the compressed protobuf
// format every pprof consumer reads.
func WriteProfile(w io.Writer, h heap.Stats, m mem.Stats) error {
	return SnapshotProfile(h, m).Write(w)
}

// itoa avoids pulling strconv into a freestanding build for four
// comment lines.
func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
