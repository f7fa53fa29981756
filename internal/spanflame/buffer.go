package spanflame

import (
	"bufio"
	"fmt"
	"os"

	"github.com/VladMinzatu/pprof-endpoint/internal/exporter"
)

// Buffer stores span weights per folded stack. Implementations need not be
// safe for concurrent use; the Recorder serializes access.
type Buffer interface {
	Add(frames []string, weight uint64) error
	// Stacks returns the aggregated contents, sorted by stack.
	Stacks() ([]exporter.FoldedStack, error)
	Close() error
}

type MemoryBuffer struct {
	stacks []exporter.FoldedStack
	index  map[string]int
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{index: make(map[string]int)}
}

func (m *MemoryBuffer) Add(frames []string, weight uint64) error {
	f := exporter.FoldedStack{Frames: frames, Value: weight}
	key := f.Key()
	if i, ok := m.index[key]; ok {
		m.stacks[i].Value += weight
		return nil
	}
	m.index[key] = len(m.stacks)
	m.stacks = append(m.stacks, f)
	return nil
}

func (m *MemoryBuffer) Stacks() ([]exporter.FoldedStack, error) {
	return exporter.AggregateFolded(m.stacks), nil
}

func (m *MemoryBuffer) Close() error { return nil }

// FileBuffer appends one folded line per recorded span to a file and
// aggregates the lines when read back, so memory stays flat no matter how
// many spans are recorded.
type FileBuffer struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

func NewFileBuffer(path string) (*FileBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open span buffer file: %w", err)
	}
	return &FileBuffer{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (b *FileBuffer) Path() string { return b.path }

func (b *FileBuffer) Add(frames []string, weight uint64) error {
	return exporter.WriteFoldedStacks(b.w, []exporter.FoldedStack{{Frames: frames, Value: weight}})
}

func (b *FileBuffer) Stacks() ([]exporter.FoldedStack, error) {
	if err := b.w.Flush(); err != nil {
		return nil, err
	}
	r, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	stacks, err := exporter.ParseFolded(r)
	if err != nil {
		return nil, fmt.Errorf("corrupt span buffer file %s: %w", b.path, err)
	}
	return exporter.AggregateFolded(stacks), nil
}

func (b *FileBuffer) Close() error {
	if err := b.w.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}
