package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/pprof-endpoint/internal/exporter"
	"github.com/VladMinzatu/pprof-endpoint/internal/pprof"
	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
)

const meterName = "github.com/VladMinzatu/pprof-endpoint/internal/server"

// MissingFormatPolicy decides how a request without a format is answered.
type MissingFormatPolicy int

const (
	// PolicyStrict answers 400.
	PolicyStrict MissingFormatPolicy = iota
	// PolicyPermissive serves the default format.
	PolicyPermissive
)

func ParseMissingFormatPolicy(s string) (MissingFormatPolicy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "permissive":
		return PolicyPermissive, nil
	}
	return PolicyStrict, fmt.Errorf("unknown missing-format policy %q; want strict or permissive", s)
}

func (p MissingFormatPolicy) String() string {
	if p == PolicyPermissive {
		return "permissive"
	}
	return "strict"
}

// Reports produces the sampled report served by the endpoint.
type Reports interface {
	Snapshot() *profiler.Snapshot
}

// Spans produces the span flame data served for the tracing formats.
type Spans interface {
	Stacks() ([]exporter.FoldedStack, error)
}

type HandlerOptions struct {
	Policy        MissingFormatPolicy
	DefaultFormat Format
	Flamegraph    exporter.FlamegraphOptions
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

type encodeFunc func(ctx context.Context, w io.Writer) error

// Handler serves one report per GET request in the requested format. The
// whole payload is encoded before anything is written, so a failure never
// leaves a partial response behind.
type Handler struct {
	reports  Reports
	spans    Spans
	opts     HandlerOptions
	encoders map[Format]encodeFunc
	requests metric.Int64Counter
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the endpoint handler. spans may be nil, in which case
// the tracing formats serve an empty report.
func NewHandler(reports Reports, spans Spans, opts HandlerOptions) (*Handler, error) {
	if reports == nil {
		return nil, errors.New("handler needs a report source")
	}
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = FormatFlamegraph
	}
	if _, ok := formatInfos[opts.DefaultFormat]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrInvalidFormat, opts.DefaultFormat)
	}
	if opts.Flamegraph.Width == 0 {
		opts.Flamegraph = exporter.DefaultFlamegraphOptions()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(meterName)
	}
	requests, err := opts.Meter.Int64Counter("pprof.requests",
		metric.WithDescription("Report requests served by the profiling endpoint"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	h := &Handler{reports: reports, spans: spans, opts: opts, requests: requests}
	h.encoders = map[Format]encodeFunc{
		FormatFlamegraph:        h.encodeFlamegraph,
		FormatProto:             h.encodeProto,
		FormatFolded:            h.encodeFolded,
		FormatTracing:           h.encodeTracing,
		FormatTracingFlamegraph: h.encodeTracingFlamegraph,
		FormatOTLP:              h.encodeOTLP,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		h.count(r.Context(), "", "method_not_allowed")
		return
	}

	values, present := r.URL.Query()["format"]
	raw := ""
	if present {
		raw = values[0]
	}
	format, err := ParseFormat(raw, present)
	if errors.Is(err, ErrMissingFormat) && h.opts.Policy == PolicyPermissive {
		format, err = h.opts.DefaultFormat, nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		// raw is caller input and must not become a metric attribute
		h.count(r.Context(), "", "bad_request")
		return
	}

	var buf bytes.Buffer
	err = h.encoders[format](r.Context(), &buf)
	if r.Context().Err() != nil {
		// client went away; nothing to answer
		h.count(r.Context(), string(format), "aborted")
		return
	}
	if err != nil {
		slog.Error("Failed to encode report", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode %s report", format))
		h.count(r.Context(), string(format), "error")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if cd := format.ContentDisposition(); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("Failed to write report", "format", format, "error", err)
	}
	h.count(r.Context(), string(format), "ok")
}

func (h *Handler) count(ctx context.Context, format, outcome string) {
	h.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("outcome", outcome),
	))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

func (h *Handler) encodeFlamegraph(_ context.Context, w io.Writer) error {
	return exporter.WriteFlamegraph(w, exporter.FoldSnapshot(h.reports.Snapshot()), h.opts.Flamegraph)
}

func (h *Handler) encodeProto(_ context.Context, w io.Writer) error {
	return pprof.Encode(w, h.reports.Snapshot())
}

func (h *Handler) encodeFolded(_ context.Context, w io.Writer) error {
	return exporter.WriteFolded(w, h.reports.Snapshot())
}

func (h *Handler) spanStacks() ([]exporter.FoldedStack, error) {
	if h.spans == nil {
		return nil, nil
	}
	return h.spans.Stacks()
}

func (h *Handler) encodeTracing(_ context.Context, w io.Writer) error {
	stacks, err := h.spanStacks()
	if err != nil {
		return err
	}
	return exporter.WriteFoldedStacks(w, stacks)
}

func (h *Handler) encodeTracingFlamegraph(_ context.Context, w io.Writer) error {
	stacks, err := h.spanStacks()
	if err != nil {
		return err
	}
	opts := h.opts.Flamegraph
	opts.Title = "Span Flame Graph"
	opts.CountName = "ns"
	return exporter.WriteFlamegraph(w, stacks, opts)
}

func (h *Handler) encodeOTLP(_ context.Context, w io.Writer) error {
	data := exporter.BuildOltpProfile(h.reports.Snapshot(), func() uint64 { return uint64(time.Now().UnixNano()) })
	if err := exporter.ValidateDictionary(data); err != nil {
		return err
	}
	b, err := proto.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
