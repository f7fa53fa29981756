package profiler

import "github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"

// Source is the process sampling mechanism. Capture returns one raw sample
// per thread that is executing or ready to execute; resolution happens later,
// on the collector.
type Source interface {
	Start() error
	Stop() error
	Capture() ([]RawSample, error)
}

// RawSample holds an unresolved stack, innermost (leaf) frame first.
type RawSample struct {
	Thread Thread
	// State is the scheduler status of the thread, e.g. "running" or
	// "chan receive". Empty when the source does not report one.
	State  string
	Frames []symbolizer.RawFrame
}
