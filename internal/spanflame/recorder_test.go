package spanflame

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/pprof-endpoint/internal/exporter"
)

var t0 = time.Unix(1000, 0)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func record(t *testing.T, r *Recorder, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, r.Record(ev))
	}
}

func weights(t *testing.T, r *Recorder) map[string]uint64 {
	t.Helper()
	stacks, err := r.Stacks()
	require.NoError(t, err)
	out := map[string]uint64{}
	for _, s := range stacks {
		out[s.Key()] = s.Value
	}
	return out
}

func TestRecorder_NestedSpansUseSelfTime(t *testing.T) {
	r := NewRecorder(NewMemoryBuffer())
	record(t, r,
		Event{Name: "handle", Thread: "worker-1", Kind: Enter, Time: at(0)},
		Event{Name: "query", Thread: "worker-1", Kind: Enter, Time: at(10)},
		Event{Name: "query", Thread: "worker-1", Kind: Exit, Time: at(40)},
		Event{Name: "handle", Thread: "worker-1", Kind: Exit, Time: at(100)},
	)

	assert.Equal(t, map[string]uint64{
		"worker-1;handle":       uint64(70 * time.Millisecond),
		"worker-1;handle;query": uint64(30 * time.Millisecond),
	}, weights(t, r))
}

func TestRecorder_ThreadsAreIndependent(t *testing.T) {
	r := NewRecorder(NewMemoryBuffer())
	record(t, r,
		Event{Name: "a", Thread: "1", Kind: Enter, Time: at(0)},
		Event{Name: "b", Thread: "2", Kind: Enter, Time: at(1)},
		Event{Name: "a", Thread: "1", Kind: Exit, Time: at(5)},
		// exit of a span only open on another thread
		Event{Name: "a", Thread: "2", Kind: Exit, Time: at(6)},
		Event{Name: "b", Thread: "2", Kind: Exit, Time: at(9)},
	)

	assert.Equal(t, map[string]uint64{
		"1;a": uint64(5 * time.Millisecond),
		"2;b": uint64(8 * time.Millisecond),
	}, weights(t, r))
}

func TestRecorder_ExitUnwindsOpenInnerSpans(t *testing.T) {
	r := NewRecorder(NewMemoryBuffer())
	record(t, r,
		Event{Name: "outer", Thread: "t", Kind: Enter, Time: at(0)},
		Event{Name: "leaked", Thread: "t", Kind: Enter, Time: at(20)},
		Event{Name: "outer", Thread: "t", Kind: Exit, Time: at(50)},
		Event{Name: "leaked", Thread: "t", Kind: Exit, Time: at(60)},
	)

	assert.Equal(t, map[string]uint64{
		"t;outer":        uint64(20 * time.Millisecond),
		"t;outer;leaked": uint64(30 * time.Millisecond),
	}, weights(t, r))
	assert.Empty(t, r.open)
}

func TestRecorder_FlushWritesFoldedLines(t *testing.T) {
	r := NewRecorder(NewMemoryBuffer())
	record(t, r,
		Event{Name: "x;y", Thread: "main", Kind: Enter, Time: at(0)},
		Event{Name: "x;y", Thread: "main", Kind: Exit, Time: at(2)},
	)

	var buf bytes.Buffer
	require.NoError(t, r.Flush(&buf))
	assert.Equal(t, fmt.Sprintf("main;x_y %d\n", 2*time.Millisecond), buf.String())
}

func TestRecorder_FileAndMemoryBuffersAgree(t *testing.T) {
	fb, err := NewFileBuffer(filepath.Join(t.TempDir(), "spans.folded"))
	require.NoError(t, err)
	fileRec := NewRecorder(fb)
	memRec := NewRecorder(NewMemoryBuffer())

	for i := 0; i < 20; i++ {
		thread := fmt.Sprintf("w%d", i%3)
		evs := []Event{
			{Name: "req", Thread: thread, Kind: Enter, Time: at(i * 10)},
			{Name: fmt.Sprintf("step%d", i%2), Thread: thread, Kind: Enter, Time: at(i*10 + 1)},
			{Name: fmt.Sprintf("step%d", i%2), Thread: thread, Kind: Exit, Time: at(i*10 + 4)},
			{Name: "req", Thread: thread, Kind: Exit, Time: at(i*10 + 9)},
		}
		record(t, fileRec, evs...)
		record(t, memRec, evs...)
	}

	var a, b bytes.Buffer
	require.NoError(t, fileRec.Flush(&a))
	require.NoError(t, memRec.Flush(&b))
	assert.Equal(t, b.String(), a.String())
	assert.NotEmpty(t, a.String())
	require.NoError(t, fileRec.Close())
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	fb, err := NewFileBuffer(filepath.Join(t.TempDir(), "spans.folded"))
	require.NoError(t, err)
	r := NewRecorder(fb)
	record(t, r,
		Event{Name: "req", Thread: "main", Kind: Enter, Time: at(0)},
		Event{Name: "req", Thread: "main", Kind: Exit, Time: at(5)},
	)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err = r.Record(Event{Name: "late", Thread: "main", Kind: Enter, Time: at(6)})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.addStack("main", []string{"late"}, time.Millisecond), ErrClosed)
}

func TestRecorder_ConcurrentRecordAndFlush(t *testing.T) {
	r := NewRecorder(NewMemoryBuffer())

	const perThread = 200
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		thread := fmt.Sprintf("worker-%d", w)
		g.Go(func() error {
			for i := 0; i < perThread; i++ {
				if err := r.Record(Event{Name: "op", Thread: thread, Kind: Enter, Time: at(i * 2)}); err != nil {
					return err
				}
				if err := r.Record(Event{Name: "op", Thread: thread, Kind: Exit, Time: at(i*2 + 1)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for f := 0; f < 2; f++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				var buf bytes.Buffer
				if err := r.Flush(&buf); err != nil {
					return err
				}
				parsed, err := exporter.ParseFolded(&buf)
				if err != nil {
					return err
				}
				for _, s := range parsed {
					if len(s.Frames) != 2 || s.Frames[1] != "op" || !strings.HasPrefix(s.Frames[0], "worker-") {
						return fmt.Errorf("torn line %q", s.Key())
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	w := weights(t, r)
	require.Len(t, w, 4)
	for k, v := range w {
		assert.Equal(t, uint64(perThread)*uint64(time.Millisecond), v, k)
	}
}
