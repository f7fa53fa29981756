package profiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

const (
	DefaultSampleHz = 99
	MaxSampleHz     = 1000
)

type Resolver interface {
	ResolveStack(frames []symbolizer.RawFrame) []symbolizer.Symbol
}

// Collector samples all stacks of a Source at a fixed rate and accumulates
// the counts per (thread, stack) in its sample table.
type Collector struct {
	sampleHz int
	period   time.Duration
	source   Source
	resolver Resolver
	table    *table
	now      func() time.Time

	started bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCollector(sampleHz int, source Source, resolver Resolver) (*Collector, error) {
	if sampleHz <= 0 {
		return nil, errors.New("invalid sampleHz; must be > 0")
	}
	if sampleHz > MaxSampleHz {
		return nil, fmt.Errorf("invalid sampleHz; must be <= %d", MaxSampleHz)
	}
	if source == nil || resolver == nil {
		return nil, errors.New("collector needs a source and a resolver")
	}
	return &Collector{
		sampleHz: sampleHz,
		period:   time.Second / time.Duration(sampleHz),
		source:   source,
		resolver: resolver,
		table:    newTable(),
		now:      time.Now,
	}, nil
}

func (c *Collector) SampleHz() int { return c.sampleHz }

func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyRunning
	}

	if err := c.source.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrSamplerUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.table.markStart(c.now())

	c.wg.Add(1)
	go c.loop(ctx)

	slog.Info("Collector started", "sampleHz", c.sampleHz)
	return nil
}

// Stop halts sampling. Accumulated samples are kept.
func (c *Collector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	return c.source.Stop()
}

// Snapshot copies the sample table as of now. Sampling continues unaffected.
func (c *Collector) Snapshot() *Snapshot {
	return c.table.snapshot(c.now(), c.period)
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce()
		}
	}
}

func (c *Collector) sampleOnce() {
	raw, err := c.source.Capture()
	if err != nil {
		slog.Warn("Failed to capture stacks", "error", err)
		return
	}

	batch := make([]Sample, 0, len(raw))
	for _, r := range raw {
		stack := c.resolver.ResolveStack(r.Frames)
		if len(stack) == 0 {
			// every frame was blocklisted
			continue
		}
		// captured leaf first; the table keeps the outermost frame first
		slices.Reverse(stack)
		batch = append(batch, Sample{Thread: r.Thread, Stack: stack, Count: 1})
	}
	c.table.add(batch)
}
