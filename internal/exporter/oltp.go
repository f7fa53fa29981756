package exporter

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

const (
	ScopeName    = "pprof-endpoint"
	ScopeVersion = "v1"
)

var ErrDanglingIndex = errors.New("dangling dictionary index")

type NowFunc func() uint64 // produces unix nsec

// dictionary interns strings, functions, locations and stacks. Index 0 of
// every table is the zero value, as the OTLP profiles format requires.
type dictionary struct {
	strings   []string
	stringIdx map[string]int32
	functions []*profilespb.Function
	funcIdx   map[[2]int32]int32
	locations []*profilespb.Location
	locIdx    map[string]int32
	stacks    []*profilespb.Stack
	stackIdx  map[string]int32
}

func newDictionary() *dictionary {
	return &dictionary{
		strings:   []string{""},
		stringIdx: map[string]int32{"": 0},
		functions: []*profilespb.Function{{}},
		funcIdx:   map[[2]int32]int32{},
		locations: []*profilespb.Location{{}},
		locIdx:    map[string]int32{},
		stacks:    []*profilespb.Stack{{}},
		stackIdx:  map[string]int32{},
	}
}

func (d *dictionary) str(s string) int32 {
	if i, ok := d.stringIdx[s]; ok {
		return i
	}
	d.strings = append(d.strings, s)
	i := int32(len(d.strings) - 1)
	d.stringIdx[s] = i
	return i
}

func (d *dictionary) function(name, file string) int32 {
	key := [2]int32{d.str(name), d.str(file)}
	if i, ok := d.funcIdx[key]; ok {
		return i
	}
	d.functions = append(d.functions, &profilespb.Function{
		NameStrindex:       key[0],
		SystemNameStrindex: key[0],
		FilenameStrindex:   key[1],
	})
	i := int32(len(d.functions) - 1)
	d.funcIdx[key] = i
	return i
}

func (d *dictionary) location(sym symbolizer.Symbol) int32 {
	key := sym.Key()
	if i, ok := d.locIdx[key]; ok {
		return i
	}
	fnIdx := d.function(sym.Name, sym.File)
	d.locations = append(d.locations, &profilespb.Location{
		Address:      sym.PC,
		MappingIndex: 0,
		Lines: []*profilespb.Line{
			{
				FunctionIndex: fnIdx,
				Line:          int64(sym.Line),
			},
		},
	})
	i := int32(len(d.locations) - 1)
	d.locIdx[key] = i
	return i
}

func (d *dictionary) stack(locs []int32) int32 {
	key := fmt.Sprint(locs)
	if i, ok := d.stackIdx[key]; ok {
		return i
	}
	d.stacks = append(d.stacks, &profilespb.Stack{LocationIndices: locs})
	i := int32(len(d.stacks) - 1)
	d.stackIdx[key] = i
	return i
}

// BuildOltpProfile encodes a snapshot as OTLP profiles data. Stacks are leaf
// first; the thread label is appended as an outermost pseudo-frame so
// viewers group samples by thread.
func BuildOltpProfile(snap *profiler.Snapshot, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	dict := newDictionary()

	sampleType := &profilespb.ValueType{
		TypeStrindex: dict.str("samples"),
		UnitStrindex: dict.str("count"),
	}

	profileSamples := make([]*profilespb.Sample, 0, len(snap.Samples))
	for _, s := range snap.Samples {
		if len(s.Stack) == 0 {
			continue
		}
		locIndices := make([]int32, 0, len(s.Stack)+1)
		for i := len(s.Stack) - 1; i >= 0; i-- {
			locIndices = append(locIndices, dict.location(s.Stack[i]))
		}
		locIndices = append(locIndices, dict.location(symbolizer.Symbol{Name: s.Thread.Label()}))

		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         dict.stack(locIndices),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(snap.Time.UnixNano())},
		})
	}

	id := uuid.New()
	profile := &profilespb.Profile{
		ProfileId:    id[:],
		TimeUnixNano: nowNsec,
		DurationNano: uint64(snap.Duration().Nanoseconds()),
		SampleType:   sampleType,
		Samples:      profileSamples,
		PeriodType: &profilespb.ValueType{
			TypeStrindex: dict.str("cpu"),
			UnitStrindex: dict.str("nanoseconds"),
		},
		Period: snap.Period.Nanoseconds(),
	}

	resource := &resourceV1.Resource{}
	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: resource,
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    ScopeName,
					Version: ScopeVersion,
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  []*profilespb.Mapping{{}},
			LocationTable: dict.locations,
			FunctionTable: dict.functions,
			StackTable:    dict.stacks,
			StringTable:   dict.strings,
		},
	}
}

// ValidateDictionary checks that every index reachable from the samples
// resolves to an entry of its table.
func ValidateDictionary(data *profilespb.ProfilesData) error {
	dict := data.GetDictionary()
	if dict == nil {
		return fmt.Errorf("%w: no dictionary", ErrDanglingIndex)
	}
	check := func(what string, idx int32, n int) error {
		if idx < 0 || int(idx) >= n {
			return fmt.Errorf("%w: %s index %d out of %d", ErrDanglingIndex, what, idx, n)
		}
		return nil
	}
	strs := len(dict.GetStringTable())
	for _, fn := range dict.GetFunctionTable() {
		if err := check("string", fn.GetNameStrindex(), strs); err != nil {
			return err
		}
		if err := check("string", fn.GetFilenameStrindex(), strs); err != nil {
			return err
		}
	}
	for _, loc := range dict.GetLocationTable() {
		if err := check("mapping", loc.GetMappingIndex(), len(dict.GetMappingTable())); err != nil {
			return err
		}
		for _, line := range loc.GetLines() {
			if err := check("function", line.GetFunctionIndex(), len(dict.GetFunctionTable())); err != nil {
				return err
			}
		}
	}
	for _, st := range dict.GetStackTable() {
		for _, li := range st.GetLocationIndices() {
			if err := check("location", li, len(dict.GetLocationTable())); err != nil {
				return err
			}
		}
	}
	for _, rp := range data.GetResourceProfiles() {
		for _, sp := range rp.GetScopeProfiles() {
			for _, p := range sp.GetProfiles() {
				if err := check("string", p.GetSampleType().GetTypeStrindex(), strs); err != nil {
					return err
				}
				for _, s := range p.GetSamples() {
					if err := check("stack", s.GetStackIndex(), len(dict.GetStackTable())); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
