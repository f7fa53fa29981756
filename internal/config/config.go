package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
	"github.com/VladMinzatu/pprof-endpoint/internal/server"
	"github.com/VladMinzatu/pprof-endpoint/internal/symbolizer"
)

const (
	EnvVarPrefix = "PPROF_ENDPOINT"

	SpanBackendMemory = "memory"
	SpanBackendFile   = "file"

	defaultOTLPInterval = 30 * time.Second
)

// Help strings for command line arguments
var (
	addrHelp          = "Listen address of the profiling endpoint."
	pathHelp          = "URL path the profiling endpoint is served on."
	sampleHzHelp      = fmt.Sprintf("Stack sampling frequency in Hz (1..%d).", profiler.MaxSampleHz)
	blocklistHelp     = "Comma-separated glob patterns of packages whose frames are dropped."
	missingFormatHelp = "How requests without a format are answered: strict (400) or permissive (default format)."
	defaultFormatHelp = "Format served for requests without a format under the permissive policy."
	spanBackendHelp   = "Span flame buffer backend: memory or file."
	spanFileHelp      = "Path of the span flame buffer file when -span-backend=file."
	symbolCacheHelp   = "Number of resolved functions kept in the symbol cache."
	otlpEndpointHelp  = "OTLP profiles receiver (host:port) to push to. Empty disables pushing."
	otlpIntervalHelp  = "Interval between OTLP pushes."
	otlpInsecureHelp  = "Disable TLS for the OTLP push connection."
	verboseHelp       = "Enable debug logging."
	configHelp        = "Optional config file with one 'flag value' pair per line."
)

type Config struct {
	Addr            string
	Path            string
	SampleHz        int
	Blocklist       string
	MissingFormat   string
	DefaultFormat   string
	SpanBackend     string
	SpanFile        string
	SymbolCacheSize uint
	OTLPEndpoint    string
	OTLPInterval    time.Duration
	OTLPInsecure    bool
	Verbose         bool
}

func Default() Config {
	return Config{
		Addr:            server.DefaultAddr,
		Path:            server.DefaultPath,
		SampleHz:        profiler.DefaultSampleHz,
		Blocklist:       strings.Join(symbolizer.DefaultBlocklist, ","),
		MissingFormat:   server.PolicyStrict.String(),
		DefaultFormat:   string(server.FormatFlamegraph),
		SpanBackend:     SpanBackendMemory,
		SymbolCacheSize: symbolizer.DefaultCacheSize,
		OTLPInterval:    defaultOTLPInterval,
	}
}

// RegisterFlags binds every option to fs, using the current values of c as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&c.Addr, "addr", c.Addr, addrHelp)
	fs.StringVar(&c.Blocklist, "blocklist", c.Blocklist, blocklistHelp)
	fs.StringVar(&c.DefaultFormat, "default-format", c.DefaultFormat, defaultFormatHelp)
	fs.StringVar(&c.MissingFormat, "missing-format", c.MissingFormat, missingFormatHelp)
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, otlpEndpointHelp)
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", c.OTLPInsecure, otlpInsecureHelp)
	fs.DurationVar(&c.OTLPInterval, "otlp-interval", c.OTLPInterval, otlpIntervalHelp)
	fs.StringVar(&c.Path, "path", c.Path, pathHelp)
	fs.IntVar(&c.SampleHz, "sample-hz", c.SampleHz, sampleHzHelp)
	fs.StringVar(&c.SpanBackend, "span-backend", c.SpanBackend, spanBackendHelp)
	fs.StringVar(&c.SpanFile, "span-file", c.SpanFile, spanFileHelp)
	fs.UintVar(&c.SymbolCacheSize, "symbol-cache-size", c.SymbolCacheSize, symbolCacheHelp)
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "Shorthand for -verbose.")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, verboseHelp)
}

// Parse reads flags from args, then PPROF_ENDPOINT_* environment variables,
// then the optional -config file, and validates the result.
func Parse(name string, args []string) (*Config, error) {
	c := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.RegisterFlags(fs)
	fs.String("config", "", configHelp)

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.SampleHz <= 0 || c.SampleHz > profiler.MaxSampleHz {
		return fmt.Errorf("invalid sample-hz %d; must be in 1..%d", c.SampleHz, profiler.MaxSampleHz)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("invalid path %q; must start with /", c.Path)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := server.ParseFormat(c.DefaultFormat, true); err != nil {
		return fmt.Errorf("invalid default-format: %w", err)
	}
	if _, err := symbolizer.NewBlocklist(c.BlocklistPatterns()); err != nil {
		return err
	}
	switch c.SpanBackend {
	case SpanBackendMemory:
	case SpanBackendFile:
		if c.SpanFile == "" {
			return errors.New("span-file is required when span-backend is file")
		}
	default:
		return fmt.Errorf("invalid span-backend %q; want %s or %s", c.SpanBackend, SpanBackendMemory, SpanBackendFile)
	}
	if c.SymbolCacheSize == 0 || c.SymbolCacheSize > 1<<24 {
		return fmt.Errorf("invalid symbol-cache-size %d", c.SymbolCacheSize)
	}
	if c.OTLPEndpoint != "" && c.OTLPInterval <= 0 {
		return fmt.Errorf("invalid otlp-interval %s; must be > 0", c.OTLPInterval)
	}
	return nil
}

func (c *Config) BlocklistPatterns() []string {
	var out []string
	for _, p := range strings.Split(c.Blocklist, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Policy() (server.MissingFormatPolicy, error) {
	return server.ParseMissingFormatPolicy(c.MissingFormat)
}
