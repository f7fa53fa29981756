package server

import (
	"errors"
	"fmt"
	"strings"
)

// Format is a report encoding a client can request.
type Format string

const (
	FormatFlamegraph        Format = "flamegraph"
	FormatProto             Format = "proto"
	FormatFolded            Format = "folded"
	FormatTracing           Format = "tracing"
	FormatTracingFlamegraph Format = "tracing-flamegraph"
	FormatOTLP              Format = "otlp"
)

// Formats lists every supported format in the order they are advertised.
var Formats = []Format{
	FormatFlamegraph,
	FormatProto,
	FormatFolded,
	FormatTracing,
	FormatTracingFlamegraph,
	FormatOTLP,
}

var (
	ErrMissingFormat = errors.New("missing format query parameter")
	ErrInvalidFormat = errors.New("unknown value for format")
)

type formatInfo struct {
	contentType string
	// empty means inline
	filename string
}

var formatInfos = map[Format]formatInfo{
	FormatFlamegraph:        {contentType: "image/svg+xml"},
	FormatProto:             {contentType: "application/octet-stream", filename: "profile.pb"},
	FormatFolded:            {contentType: "text/plain", filename: "folded"},
	FormatTracing:           {contentType: "text/plain", filename: "tfolded"},
	FormatTracingFlamegraph: {contentType: "image/svg+xml"},
	FormatOTLP:              {contentType: "application/octet-stream", filename: "profile.otlp.pb"},
}

// ParseFormat maps the raw query value to a Format. present tells an absent
// parameter apart from an empty one.
func ParseFormat(raw string, present bool) (Format, error) {
	if !present {
		return "", ErrMissingFormat
	}
	f := Format(raw)
	if _, ok := formatInfos[f]; !ok {
		return "", fmt.Errorf("%w: %q; supported values: %s", ErrInvalidFormat, raw, supportedFormats())
	}
	return f, nil
}

func (f Format) ContentType() string {
	return formatInfos[f].contentType
}

// ContentDisposition is "attachment; filename=..." for downloadable formats
// and "" for formats shown inline.
func (f Format) ContentDisposition() string {
	if name := formatInfos[f].filename; name != "" {
		return "attachment; filename=" + name
	}
	return ""
}

func supportedFormats() string {
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
