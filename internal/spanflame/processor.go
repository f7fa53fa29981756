package spanflame

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	ThreadNameKey = attribute.Key("thread.name")
	ThreadIDKey   = attribute.Key("thread.id")
)

type spanState struct {
	thread string
	names  []string
	child  int64
}

// SpanProcessor feeds finished OpenTelemetry spans into a Recorder. The span
// stack comes from the parent chain of spans started through the same
// provider; the thread label from the root span's thread.name or thread.id
// attribute, or the OS thread the root span started on.
type SpanProcessor struct {
	recorder *Recorder

	mu    sync.Mutex
	spans map[trace.SpanID]*spanState
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

func NewSpanProcessor(recorder *Recorder) *SpanProcessor {
	return &SpanProcessor{recorder: recorder, spans: make(map[trace.SpanID]*spanState)}
}

func (p *SpanProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if parent, ok := p.spans[s.Parent().SpanID()]; ok && s.Parent().IsValid() {
		names := make([]string, len(parent.names), len(parent.names)+1)
		copy(names, parent.names)
		p.spans[s.SpanContext().SpanID()] = &spanState{
			thread: parent.thread,
			names:  append(names, s.Name()),
		}
		return
	}
	p.spans[s.SpanContext().SpanID()] = &spanState{
		thread: threadLabel(s.Attributes()),
		names:  []string{s.Name()},
	}
}

func (p *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	id := s.SpanContext().SpanID()
	st, ok := p.spans[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.spans, id)
	elapsed := max(s.EndTime().Sub(s.StartTime()).Nanoseconds(), 0)
	if parent, ok := p.spans[s.Parent().SpanID()]; ok {
		parent.child += elapsed
	}
	p.mu.Unlock()

	err := p.recorder.addStack(st.thread, st.names, time.Duration(max(elapsed-st.child, 0)))
	if err != nil && !errors.Is(err, ErrClosed) {
		slog.Warn("Failed to record span", "span", s.Name(), "error", err)
	}
}

func (p *SpanProcessor) Shutdown(context.Context) error {
	p.mu.Lock()
	clear(p.spans)
	p.mu.Unlock()
	return nil
}

func (p *SpanProcessor) ForceFlush(context.Context) error { return nil }

func threadLabel(attrs []attribute.KeyValue) string {
	var id string
	for _, kv := range attrs {
		switch kv.Key {
		case ThreadNameKey:
			if name := kv.Value.AsString(); name != "" {
				return name
			}
		case ThreadIDKey:
			id = kv.Value.Emit()
		}
	}
	if id != "" {
		return id
	}
	return strconv.Itoa(currentThreadID())
}
