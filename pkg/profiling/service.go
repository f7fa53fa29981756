// Package profiling embeds a sampling profiler and its HTTP report endpoint
// into a long-running Go service.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/pprof-endpoint/internal/config"
	"github.com/VladMinzatu/pprof-endpoint/internal/exporter"
	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
	"github.com/VladMinzatu/pprof-endpoint/internal/server"
	"github.com/VladMinzatu/pprof-endpoint/internal/spanflame"
	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

type (
	Config    = config.Config
	Snapshot  = profiler.Snapshot
	SpanEvent = spanflame.Event
)

const (
	SpanEnter = spanflame.Enter
	SpanExit  = spanflame.Exit
)

// ErrSamplerUnavailable is returned by Start when stack sampling cannot be
// installed. The host service can keep running without profiling.
var ErrSamplerUnavailable = profiler.ErrSamplerUnavailable

const shutdownTimeout = 5 * time.Second

// DefaultConfig returns the configuration used when no option is set.
func DefaultConfig() Config {
	return config.Default()
}

// ParseConfig reads the configuration from command line arguments,
// PPROF_ENDPOINT_* environment variables and an optional -config file.
func ParseConfig(name string, args []string) (*Config, error) {
	return config.Parse(name, args)
}

type Service struct {
	cfg       Config
	source    *profiler.GoroutineSource
	collector *profiler.Collector
	recorder  *spanflame.Recorder
	processor *spanflame.SpanProcessor
	handler   *server.Handler
	server    *server.Server
	pusher    *exporter.Pusher

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config) (_ *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	blocklist, err := symbolizer.NewBlocklist(cfg.BlocklistPatterns())
	if err != nil {
		return nil, err
	}
	resolver, err := symbolizer.NewResolver(blocklist, uint32(cfg.SymbolCacheSize))
	if err != nil {
		return nil, err
	}
	source := profiler.NewGoroutineSource()
	collector, err := profiler.NewCollector(cfg.SampleHz, source, resolver)
	if err != nil {
		return nil, err
	}

	var buffer spanflame.Buffer = spanflame.NewMemoryBuffer()
	if cfg.SpanBackend == config.SpanBackendFile {
		fb, err := spanflame.NewFileBuffer(cfg.SpanFile)
		if err != nil {
			return nil, err
		}
		buffer = fb
	}
	recorder := spanflame.NewRecorder(buffer)
	defer func() {
		if err != nil {
			_ = recorder.Close()
		}
	}()

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	handler, err := server.NewHandler(collector, recorder, server.HandlerOptions{
		Policy:        policy,
		DefaultFormat: server.Format(cfg.DefaultFormat),
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		source:    source,
		collector: collector,
		recorder:  recorder,
		processor: spanflame.NewSpanProcessor(recorder),
		handler:   handler,
		server:    server.NewServer(cfg.Addr, cfg.Path, handler),
	}

	if cfg.OTLPEndpoint != "" {
		s.pusher, err = exporter.NewPusher(cfg.OTLPEndpoint, cfg.OTLPInsecure, cfg.OTLPInterval, collector)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins sampling and serving. A sampler failure is returned wrapping
// ErrSamplerUnavailable and nothing is left running.
func (s *Service) Start() error {
	if err := s.collector.Start(); err != nil {
		return err
	}
	if err := s.server.Start(); err != nil {
		_ = s.collector.Stop()
		return err
	}
	return nil
}

// Run starts the service, pushes to the OTLP receiver if one is configured,
// and shuts everything down once ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.pusher != nil {
		g.Go(func() error { return s.pusher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops serving and sampling and releases the span buffer. Only the
// first call does any work; later calls return its result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("endpoint shutdown: %w", err))
	}
	if err := s.collector.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("collector stop: %w", err))
	}
	if s.pusher != nil {
		if err := s.pusher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	slog.Info("Profiling service stopped")
	return errors.Join(errs...)
}

// Handler serves reports; use it to mount the endpoint on an existing mux
// instead of the service's own listener.
func (s *Service) Handler() http.Handler { return s.handler }

func (s *Service) Addr() string { return s.server.Addr() }

// SpanProcessor feeds OpenTelemetry spans into the tracing report. Register
// it with sdktrace.WithSpanProcessor.
func (s *Service) SpanProcessor() sdktrace.SpanProcessor { return s.processor }

// RecordSpan records a span boundary directly, for code that does not use
// OpenTelemetry.
func (s *Service) RecordSpan(ev SpanEvent) error {
	return s.recorder.Record(ev)
}

// LabelGoroutine names the calling goroutine in reports until release is
// called.
func (s *Service) LabelGoroutine(name string) (release func()) {
	return s.source.LabelCurrentGoroutine(name)
}

func (s *Service) Snapshot() *Snapshot { return s.collector.Snapshot() }
