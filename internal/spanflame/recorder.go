package spanflame

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VladMinzatu/pprof-endpoint/internal/exporter"
)

type Kind int

const (
	Enter Kind = iota
	Exit
)

func (k Kind) String() string {
	if k == Enter {
		return "enter"
	}
	return "exit"
}

// Event is a span boundary observed on a thread.
type Event struct {
	Name   string
	Thread string
	Kind   Kind
	Time   time.Time
}

// ErrClosed is returned when recording into a closed Recorder.
var ErrClosed = errors.New("span recorder closed")

type openSpan struct {
	name  string
	start time.Time
	child time.Duration
}

// Recorder turns span enter/exit events into folded stacks weighted by each
// span's self time in nanoseconds: elapsed time minus the time spent in its
// child spans.
type Recorder struct {
	mu     sync.Mutex
	open   map[string][]openSpan
	buffer Buffer
	closed bool
}

func NewRecorder(buffer Buffer) *Recorder {
	return &Recorder{open: make(map[string][]openSpan), buffer: buffer}
}

func (r *Recorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	stack := r.open[ev.Thread]
	switch ev.Kind {
	case Enter:
		r.open[ev.Thread] = append(stack, openSpan{name: ev.Name, start: ev.Time})
		return nil
	case Exit:
	default:
		return nil
	}

	match := -1
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].name == ev.Name {
			match = i
			break
		}
	}
	if match < 0 {
		slog.Debug("Ignoring exit of span that is not open", "span", ev.Name, "thread", ev.Thread)
		return nil
	}

	// spans left open inside the exiting one are closed with it
	var err error
	for i := len(stack) - 1; i >= match; i-- {
		elapsed := max(ev.Time.Sub(stack[i].start), 0)
		if i > 0 {
			stack[i-1].child += elapsed
		}
		if addErr := r.add(ev.Thread, stack[:i+1], max(elapsed-stack[i].child, 0)); addErr != nil && err == nil {
			err = addErr
		}
	}

	if match == 0 {
		delete(r.open, ev.Thread)
	} else {
		r.open[ev.Thread] = stack[:match]
	}
	return err
}

func (r *Recorder) add(thread string, spans []openSpan, self time.Duration) error {
	if self <= 0 {
		return nil
	}
	frames := make([]string, 0, len(spans)+1)
	frames = append(frames, exporter.EscapeFrame(thread))
	for _, s := range spans {
		frames = append(frames, exporter.EscapeFrame(s.name))
	}
	return r.buffer.Add(frames, uint64(self.Nanoseconds()))
}

// addStack records a weight for a fully known span stack.
func (r *Recorder) addStack(thread string, names []string, self time.Duration) error {
	spans := make([]openSpan, len(names))
	for i, n := range names {
		spans[i].name = n
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.add(thread, spans, self)
}

// Stacks returns the buffered weights as of now. Spans still open are not
// included.
func (r *Recorder) Stacks() ([]exporter.FoldedStack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stacks, err := r.buffer.Stacks()
	if err != nil {
		return nil, err
	}
	out := make([]exporter.FoldedStack, len(stacks))
	for i, s := range stacks {
		out[i] = exporter.FoldedStack{Frames: slices.Clone(s.Frames), Value: s.Value}
	}
	return out, nil
}

// Flush writes the buffered weights as folded lines to w.
func (r *Recorder) Flush(w io.Writer) error {
	stacks, err := r.Stacks()
	if err != nil {
		return err
	}
	return exporter.WriteFoldedStacks(w, stacks)
}

// Close releases the buffer. Later calls do nothing and later records fail
// with ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.open = nil
	return r.buffer.Close()
}
