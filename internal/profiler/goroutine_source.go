package profiler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

const (
	initialDumpSize = 64 << 10
	maxDumpSize     = 64 << 20
)

// GoroutineSource samples the goroutines of the current process that are on
// a CPU or waiting for one, through the runtime's traceback of all
// goroutines. Parked goroutines are not sampled. The goroutine calling
// Capture is left out of its own results.
type GoroutineSource struct {
	mu        sync.Mutex
	started   bool
	buf       []byte
	maxDump   int
	truncated sync.Once

	names sync.Map // goroutine id -> name
}

func NewGoroutineSource() *GoroutineSource {
	return &GoroutineSource{maxDump: maxDumpSize}
}

func (g *GoroutineSource) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New("goroutine source already started")
	}
	// parse one traceback up front so a broken runtime is reported at startup
	dump := g.dumpLocked()
	if _, err := parseGoroutineDump(dump); err != nil {
		return fmt.Errorf("goroutine traceback unusable: %w", err)
	}
	g.started = true
	return nil
}

func (g *GoroutineSource) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = false
	g.buf = nil
	return nil
}

func (g *GoroutineSource) Capture() ([]RawSample, error) {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil, errors.New("goroutine source not started")
	}
	dump := g.dumpLocked()
	g.mu.Unlock()

	samples, err := parseGoroutineDump(dump)
	if err != nil {
		return nil, err
	}
	self := currentGoroutineID()
	out := samples[:0]
	for _, s := range samples {
		if s.Thread.ID == self {
			continue
		}
		if name, ok := g.names.Load(s.Thread.ID); ok {
			s.Thread.Name = name.(string)
		}
		out = append(out, s)
	}
	return out, nil
}

// NameGoroutine sets the thread label reported for goroutine id.
func (g *GoroutineSource) NameGoroutine(id uint64, name string) {
	if name == "" {
		g.names.Delete(id)
		return
	}
	g.names.Store(id, name)
}

// LabelCurrentGoroutine names the calling goroutine until release is called.
func (g *GoroutineSource) LabelCurrentGoroutine(name string) (release func()) {
	id := currentGoroutineID()
	g.NameGoroutine(id, name)
	return func() { g.names.Delete(id) }
}

// dumpLocked returns a copy of the traceback of all goroutines. The buffer
// grows until the whole dump fits or reaches maxDump; past that the
// goroutines that did not fit are left out.
func (g *GoroutineSource) dumpLocked() []byte {
	if g.buf == nil {
		g.buf = make([]byte, min(initialDumpSize, g.maxDump))
	}
	for {
		n := runtime.Stack(g.buf, true)
		if n < len(g.buf) {
			return bytes.Clone(g.buf[:n])
		}
		if len(g.buf) >= g.maxDump {
			g.truncated.Do(func() {
				slog.Warn("Goroutine traceback exceeds dump limit, sampling only the goroutines that fit", "limit", g.maxDump)
			})
			return bytes.Clone(trimPartialDump(g.buf[:n]))
		}
		g.buf = make([]byte, min(2*len(g.buf), g.maxDump))
	}
}

// trimPartialDump cuts a traceback that filled its buffer back to the last
// complete goroutine block.
func trimPartialDump(dump []byte) []byte {
	i := bytes.LastIndex(dump, []byte("\n\ngoroutine "))
	if i < 0 {
		return nil
	}
	return dump[:i+1]
}

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, _, _ := parseGoroutineHeader(string(buf[:n]))
	return id
}

// parseGoroutineHeader parses "goroutine 18 [chan receive, 2 minutes]:" into
// the id and the status without its annotations ("chan receive").
func parseGoroutineHeader(line string) (id uint64, state string, ok bool) {
	rest, ok := strings.CutPrefix(line, "goroutine ")
	if !ok {
		return 0, "", false
	}
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0, "", false
	}
	if _, status, found := strings.Cut(rest[end:], "["); found {
		status, _, _ = strings.Cut(status, "]")
		state, _, _ = strings.Cut(status, ",")
	}
	return id, state, true
}

// isActiveState reports whether a goroutine in state is executing or ready
// to execute. Everything else is parked.
func isActiveState(state string) bool {
	switch state {
	case "running", "runnable", "syscall", "preempted", "copystack":
		return true
	}
	return false
}

// parseGoroutineDump splits a traceback of all goroutines into raw samples,
// one per active goroutine. Each goroutine block is a header followed by
// (function, "\tfile:line +0xoff") line pairs, innermost first; the trailing
// "created by" pair is not part of the stack.
func parseGoroutineDump(dump []byte) ([]RawSample, error) {
	var (
		samples []RawSample
		cur     *RawSample
		pending *symbolizer.RawFrame
		creator bool
	)
	flush := func() {
		if cur != nil && len(cur.Frames) > 0 && isActiveState(cur.State) {
			samples = append(samples, *cur)
		}
		cur, pending, creator = nil, nil, false
	}

	s := bufio.NewScanner(bytes.NewReader(dump))
	s.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for s.Scan() {
		line := s.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "goroutine "):
			flush()
			id, state, ok := parseGoroutineHeader(line)
			if !ok {
				return nil, fmt.Errorf("malformed goroutine header %q", line)
			}
			cur = &RawSample{Thread: Thread{ID: id}, State: state}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "\t"):
			if pending == nil {
				continue
			}
			pending.File, pending.Line, pending.PC = parseFileLine(line[1:])
			if !creator {
				cur.Frames = append(cur.Frames, *pending)
			}
			pending = nil
		case strings.HasPrefix(line, "created by "):
			creator = true
			pending = &symbolizer.RawFrame{}
		case strings.HasPrefix(line, "..."):
			// "...additional frames elided..."
			continue
		default:
			pending = &symbolizer.RawFrame{Function: trimArgs(line)}
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading goroutine dump: %w", err)
	}
	flush()
	return samples, nil
}

// trimArgs turns "main.(*T).run(0xc000010000, 0x1)" into "main.(*T).run".
func trimArgs(line string) string {
	if !strings.HasSuffix(line, ")") {
		return line
	}
	if i := strings.LastIndexByte(line, '('); i > 0 {
		return line[:i]
	}
	return line
}

// parseFileLine parses "/path/file.go:123 +0x1d".
func parseFileLine(s string) (file string, line int, pc uint64) {
	loc := s
	if i := strings.LastIndex(s, " +0x"); i >= 0 {
		loc = s[:i]
		pc, _ = strconv.ParseUint(s[i+len(" +0x"):], 16, 64)
	}
	if i := strings.LastIndexByte(loc, ':'); i > 0 {
		if n, err := strconv.Atoi(loc[i+1:]); err == nil {
			return loc[:i], n, pc
		}
	}
	return loc, 0, pc
}
