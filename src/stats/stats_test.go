package stats

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"

	"os1/src/heap"
	"os1/src/mem"
)

func sampleStats() (heap.Stats, mem.Stats) {
	h := heap.Stats{
		NumFree:     2,
		SizeFree:    4096,
		SizeUsed:    8192,
		SuccMallocs: 10,
		Frees:       4,
	}
	m := mem.Stats{TotalFrames: 64, FreeFrames: 48}
	return h, m
}

func TestSnapshotProfileIsValid(t *testing.T) {
	h, m := sampleStats()
	p := SnapshotProfile(h, m)
	if err := p.CheckValid(); err != nil {
		t.Fatalf("profile invalid: %v", err)
	}
	if len(p.Sample) != 4 {
		t.Fatalf("got %d samples, want 4", len(p.Sample))
	}
}

func TestWriteProfileRoundTrips(t *testing.T) {
	h, m := sampleStats()

	var buf bytes.Buffer
	if err := WriteProfile(&buf, h, m); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	parsed, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var heapUsed *profile.Sample
	for _, s := range parsed.Sample {
		if len(s.Location) == 1 && len(s.Location[0].Line) == 1 &&
			s.Location[0].Line[0].Function.Name == "kheap/used" {
			heapUsed = s
		}
	}
	if heapUsed == nil {
		t.Fatal("kheap/used sample missing after round trip")
	}
	if heapUsed.Value[0] != int64(h.SuccMallocs-h.Frees) || heapUsed.Value[1] != int64(h.SizeUsed) {
		t.Fatalf("kheap/used = %v", heapUsed.Value)
	}
}

func TestCounterInc(t *testing.T) {
	var c Counter
	for i := 0; i < 5; i++ {
		c.Inc()
	}
	if c.Read() != 5 {
		t.Fatalf("counter = %d, want 5", c.Read())
	}
}
