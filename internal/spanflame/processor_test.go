package spanflame

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracer(t *testing.T) (trace.Tracer, *Recorder) {
	t.Helper()
	rec := NewRecorder(NewMemoryBuffer())
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewSpanProcessor(rec)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("spanflame-test"), rec
}

func TestSpanProcessor_ParentChainAndSelfTime(t *testing.T) {
	tracer, rec := newTestTracer(t)

	ctx, outer := tracer.Start(context.Background(), "handle",
		trace.WithTimestamp(at(0)),
		trace.WithAttributes(attribute.String("thread.name", "worker-1")))
	_, inner := tracer.Start(ctx, "query", trace.WithTimestamp(at(10)))
	inner.End(trace.WithTimestamp(at(40)))
	outer.End(trace.WithTimestamp(at(100)))

	assert.Equal(t, map[string]uint64{
		"worker-1;handle":       uint64(70 * time.Millisecond),
		"worker-1;handle;query": uint64(30 * time.Millisecond),
	}, weights(t, rec))
}

func TestSpanProcessor_ThreadIDAttribute(t *testing.T) {
	tracer, rec := newTestTracer(t)

	_, span := tracer.Start(context.Background(), "tick",
		trace.WithTimestamp(at(0)),
		trace.WithAttributes(attribute.Int("thread.id", 17)))
	span.End(trace.WithTimestamp(at(3)))

	assert.Equal(t, map[string]uint64{"17;tick": uint64(3 * time.Millisecond)}, weights(t, rec))
}

func TestSpanProcessor_FallsBackToOSThread(t *testing.T) {
	tracer, rec := newTestTracer(t)

	_, span := tracer.Start(context.Background(), "tick", trace.WithTimestamp(at(0)))
	span.End(trace.WithTimestamp(at(1)))

	stacks, err := rec.Stacks()
	require.NoError(t, err)
	require.Len(t, stacks, 1)
	_, err = strconv.Atoi(stacks[0].Frames[0])
	assert.NoError(t, err, "thread label should be numeric, got %q", stacks[0].Frames[0])
}

func TestThreadLabel_PrefersName(t *testing.T) {
	assert.Equal(t, "io", threadLabel([]attribute.KeyValue{
		attribute.Int("thread.id", 3),
		attribute.String("thread.name", "io"),
	}))
	assert.Equal(t, "3", threadLabel([]attribute.KeyValue{attribute.Int("thread.id", 3)}))
}

func TestSpanProcessor_SpansAfterRecorderClose(t *testing.T) {
	tracer, rec := newTestTracer(t)

	_, span := tracer.Start(context.Background(), "late", trace.WithTimestamp(at(0)))
	require.NoError(t, rec.Close())
	span.End(trace.WithTimestamp(at(10)))

	assert.Empty(t, weights(t, rec))
}
