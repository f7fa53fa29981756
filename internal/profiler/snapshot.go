package profiler

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

// Thread identifies the unit of execution a stack was sampled on. For the
// goroutine source ID is the goroutine id.
type Thread struct {
	ID   uint64
	Name string
}

// Label is the human-readable name when one is set, else the numeric id.
func (t Thread) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return strconv.FormatUint(t.ID, 10)
}

// Sample is one distinct (thread, stack) key with its occurrence count.
// Stack is ordered outermost frame first.
type Sample struct {
	Thread Thread
	Stack  []symbolizer.Symbol
	Count  uint64
}

// Snapshot is an immutable copy of the sample table. Samples are sorted by
// thread label and then stack, so encoding a snapshot is deterministic.
type Snapshot struct {
	Start   time.Time
	Time    time.Time
	Period  time.Duration
	Samples []Sample
	total   uint64
}

func NewSnapshot(start, at time.Time, period time.Duration, samples []Sample) *Snapshot {
	s := &Snapshot{Start: start, Time: at, Period: period, Samples: samples}
	slices.SortFunc(s.Samples, compareSamples)
	for _, smp := range s.Samples {
		s.total += smp.Count
	}
	return s
}

// Total is the sum of all sample counts.
func (s *Snapshot) Total() uint64 {
	return s.total
}

func (s *Snapshot) Duration() time.Duration {
	if s.Start.IsZero() || s.Time.Before(s.Start) {
		return 0
	}
	return s.Time.Sub(s.Start)
}

func compareSamples(a, b Sample) int {
	if c := strings.Compare(a.Thread.Label(), b.Thread.Label()); c != 0 {
		return c
	}
	if a.Thread.ID != b.Thread.ID {
		if a.Thread.ID < b.Thread.ID {
			return -1
		}
		return 1
	}
	return slices.CompareFunc(a.Stack, b.Stack, func(x, y symbolizer.Symbol) int {
		return strings.Compare(x.Key(), y.Key())
	})
}

type entry struct {
	sample Sample
}

// table is the live sample table. Writers hold mu for a whole batch, so a
// snapshot never sees part of a tick.
type table struct {
	mu      sync.Mutex
	entries map[string]*entry
	start   time.Time
}

func newTable() *table {
	return &table{entries: make(map[string]*entry)}
}

func sampleKey(thread Thread, stack []symbolizer.Symbol) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(thread.ID, 10))
	b.WriteByte(0)
	b.WriteString(thread.Name)
	for _, sym := range stack {
		b.WriteByte(1)
		b.WriteString(sym.Key())
	}
	return b.String()
}

// add records a batch of resolved samples, each counted once. Stacks must be
// outermost first and non-empty.
func (t *table) add(batch []Sample) {
	keys := make([]string, len(batch))
	for i, s := range batch {
		keys[i] = sampleKey(s.Thread, s.Stack)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range batch {
		if e, ok := t.entries[keys[i]]; ok {
			e.sample.Count += s.Count
			continue
		}
		t.entries[keys[i]] = &entry{sample: s}
	}
}

func (t *table) markStart(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		t.start = at
	}
}

func (t *table) snapshot(at time.Time, period time.Duration) *Snapshot {
	t.mu.Lock()
	samples := make([]Sample, 0, len(t.entries))
	for _, e := range t.entries {
		samples = append(samples, Sample{
			Thread: e.sample.Thread,
			Stack:  slices.Clone(e.sample.Stack),
			Count:  e.sample.Count,
		})
	}
	start := t.start
	t.mu.Unlock()
	return NewSnapshot(start, at, period, samples)
}
