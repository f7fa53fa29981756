package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/pprof-endpoint/pkg/profiling"
)

func main() {
	cfg, err := profiling.ParseConfig("pprof-endpoint", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	slog.SetDefault(slog.New(zapslog.NewHandler(logger.Core())))

	svc, err := profiling.New(*cfg)
	if err != nil {
		slog.Error("Failed to initialise profiling service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(svc.SpanProcessor()))
	tracer := tp.Tracer("pprof-endpoint/demo")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, profiling.ErrSamplerUnavailable) {
			// the workload keeps running without profiling
			slog.Warn("Profiling disabled", "error", err)
			return nil
		}
		return err
	})
	for i := range 2 {
		name := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			release := svc.LabelGoroutine(name)
			defer release()
			work(gctx, tracer, name)
			return nil
		})
	}
	slog.Info("Demo workload running", "addr", cfg.Addr, "path", cfg.Path)

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if tpErr := tp.Shutdown(shutdownCtx); tpErr != nil {
		slog.Warn("Failed to shut down tracer provider", "error", tpErr)
	}
	if err != nil {
		slog.Error("Profiling service failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func work(ctx context.Context, tracer trace.Tracer, thread string) {
	for ctx.Err() == nil {
		spanCtx, span := tracer.Start(ctx, "batch", trace.WithAttributes(attribute.String("thread.name", thread)))
		deadline := time.Now().Add(20 * time.Millisecond)
		for time.Now().Before(deadline) {
			hotCaller(spanCtx, tracer)
		}
		span.End()
		time.Sleep(5 * time.Millisecond)
	}
}

//go:noinline
func hotFunc() {
	for i := 0; i < 1000; i++ {
		_ = i * i
	}
}

//go:noinline
func hotCaller(ctx context.Context, tracer trace.Tracer) {
	_, span := tracer.Start(ctx, "hotCaller")
	defer span.End()
	hotFunc()
}
