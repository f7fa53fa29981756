package exporter

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
)

// FoldedStack is one line of the folded stack format: frames from the root
// (the thread label) to the leaf, and the weight of that exact stack.
type FoldedStack struct {
	Frames []string
	Value  uint64
}

func (f FoldedStack) Key() string {
	return strings.Join(f.Frames, ";")
}

// FoldSnapshot folds every sample of the snapshot into "thread;outer;...;inner".
// Samples that only differ in line numbers fold into the same stack.
func FoldSnapshot(snap *profiler.Snapshot) []FoldedStack {
	stacks := make([]FoldedStack, 0, len(snap.Samples))
	for _, s := range snap.Samples {
		frames := make([]string, 0, len(s.Stack)+1)
		frames = append(frames, EscapeFrame(s.Thread.Label()))
		for _, sym := range s.Stack {
			frames = append(frames, EscapeFrame(sym.Name))
		}
		stacks = append(stacks, FoldedStack{Frames: frames, Value: s.Count})
	}
	return AggregateFolded(stacks)
}

// AggregateFolded merges stacks with identical frames and sorts the result
// by stack, so the output does not depend on input order.
func AggregateFolded(stacks []FoldedStack) []FoldedStack {
	agg := make(map[string]int, len(stacks))
	var out []FoldedStack
	for _, s := range stacks {
		if len(s.Frames) == 0 {
			continue
		}
		key := s.Key()
		if i, ok := agg[key]; ok {
			out[i].Value += s.Value
			continue
		}
		agg[key] = len(out)
		out = append(out, FoldedStack{Frames: slices.Clone(s.Frames), Value: s.Value})
	}
	slices.SortFunc(out, func(a, b FoldedStack) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

func WriteFolded(w io.Writer, snap *profiler.Snapshot) error {
	return WriteFoldedStacks(w, FoldSnapshot(snap))
}

func WriteFoldedStacks(w io.Writer, stacks []FoldedStack) error {
	bw := bufio.NewWriter(w)
	for _, s := range stacks {
		if _, err := fmt.Fprintf(bw, "%s %d\n", s.Key(), s.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseFolded reads folded lines back. Blank lines are skipped.
func ParseFolded(r io.Reader) ([]FoldedStack, error) {
	var out []FoldedStack
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		i := strings.LastIndexByte(line, ' ')
		if i <= 0 {
			return nil, fmt.Errorf("folded line %d: missing weight", n)
		}
		v, err := strconv.ParseUint(line[i+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("folded line %d: %w", n, err)
		}
		out = append(out, FoldedStack{Frames: strings.Split(line[:i], ";"), Value: v})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// EscapeFrame makes name safe to use as a single folded frame.
func EscapeFrame(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator, duh
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}
