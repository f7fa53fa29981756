package profiler

import "errors"

var (
	// ErrSamplerUnavailable means the sampling mechanism could not be
	// installed. Only the profiling subsystem should give up on it.
	ErrSamplerUnavailable = errors.New("sampler unavailable")
	ErrAlreadyRunning     = errors.New("collector already running")
)
