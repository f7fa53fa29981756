package pprof

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

// ThreadLabel is the string label carrying the thread of each sample.
const ThreadLabel = "thread"

var ErrEncoding = errors.New("profile encoding failed")

type funcKey struct {
	name string
	file string
}

type locKey struct {
	fn   uint64
	line int
	pc   uint64
}

// BuildPprofProfile converts a snapshot into a pprof profile with one sample
// per distinct (thread, stack). The result has passed CheckValid.
func BuildPprofProfile(snap *profiler.Snapshot, sampleTypeName, sampleTypeUnit string) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:        snap.Period.Nanoseconds(),
		TimeNanos:     snap.Start.UnixNano(),
		DurationNanos: snap.Duration().Nanoseconds(),
	}
	if snap.Start.IsZero() {
		p.TimeNanos = snap.Time.UnixNano()
	}
	// symbols are already resolved, so tools must not try to symbolize again
	mapping := &profile.Mapping{ID: 1, HasFunctions: true, HasFilenames: true, HasLineNumbers: true}
	p.Mapping = []*profile.Mapping{mapping}

	funcs := map[funcKey]*profile.Function{}
	locs := map[locKey]*profile.Location{}

	addFunction := func(sym symbolizer.Symbol) *profile.Function {
		k := funcKey{name: sym.Name, file: sym.File}
		if f, ok := funcs[k]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       sym.Name,
			SystemName: sym.Name,
			Filename:   sym.File,
		}
		funcs[k] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocationFor := func(sym symbolizer.Symbol) *profile.Location {
		fn := addFunction(sym)
		k := locKey{fn: fn.ID, line: sym.Line, pc: sym.PC}
		if loc, ok := locs[k]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: mapping,
			Address: sym.PC,
			Line:    []profile.Line{{Function: fn, Line: int64(sym.Line)}},
		}
		locs[k] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, s := range snap.Samples {
		if len(s.Stack) == 0 {
			continue
		}
		// pprof wants the leaf first; snapshot stacks are outermost first
		stack := make([]*profile.Location, 0, len(s.Stack))
		for i := len(s.Stack) - 1; i >= 0; i-- {
			stack = append(stack, addLocationFor(s.Stack[i]))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: stack,
			Value:    []int64{int64(s.Count)},
			Label:    map[string][]string{ThreadLabel: {s.Thread.Label()}},
		})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return p, nil
}

// WriteProfile serializes p in the gzip-compressed pprof wire format.
func WriteProfile(w io.Writer, p *profile.Profile) error {
	gw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gw); err != nil {
		gw.Close()
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return nil
}

// Encode builds and writes the profile for snap in one step.
func Encode(w io.Writer, snap *profiler.Snapshot) error {
	p, err := BuildPprofProfile(snap, "samples", "count")
	if err != nil {
		return err
	}
	return WriteProfile(w, p)
}
