package symbolizer

import (
	"errors"
	"path/filepath"
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	"github.com/zeebo/xxh3"
)

const DefaultCacheSize = 4096

type resolvedFunc struct {
	name     string
	pkg      string
	excluded bool
}

// Resolver turns raw captured frames into symbols and applies the
// blocklist. Per-function results are cached, so the blocklist and the
// demangler run once per distinct function rather than once per frame.
type Resolver struct {
	blocklist *Blocklist
	cache     *lru.SyncedLRU[string, resolvedFunc]
}

func NewResolver(blocklist *Blocklist, cacheSize uint32) (*Resolver, error) {
	if cacheSize == 0 {
		return nil, errors.New("invalid cacheSize; must be > 0")
	}
	cache, err := lru.NewSynced[string, resolvedFunc](cacheSize, hashString)
	if err != nil {
		return nil, err
	}
	return &Resolver{blocklist: blocklist, cache: cache}, nil
}

// Resolve returns the symbol for f and false if f lies in an excluded library.
func (r *Resolver) Resolve(f RawFrame) (Symbol, bool) {
	key := cacheKey(f)
	fn, ok := r.cache.Get(key)
	if !ok {
		fn = r.resolveFunc(f)
		r.cache.Add(key, fn)
	}
	if fn.excluded {
		return Symbol{}, false
	}
	return Symbol{
		Name:    fn.name,
		Package: fn.pkg,
		File:    f.File,
		Line:    f.Line,
		PC:      f.PC,
	}, true
}

// ResolveStack resolves frames in the order given and drops excluded ones.
// The result is nil when every frame was excluded.
func (r *Resolver) ResolveStack(frames []RawFrame) []Symbol {
	var out []Symbol
	for _, f := range frames {
		if sym, ok := r.Resolve(f); ok {
			out = append(out, sym)
		}
	}
	return out
}

// cacheKey is the function name for Go symbols. Other symbols are matched
// against the object they came from, so the same name in two objects gets
// two entries.
func cacheKey(f RawFrame) string {
	if isMangled(f.Function) || PackageOf(f.Function) == "" {
		return f.Function + "\x00" + f.File
	}
	return f.Function
}

func (r *Resolver) resolveFunc(f RawFrame) resolvedFunc {
	name := f.Function
	if isMangled(name) {
		name = demangle.Filter(name)
	}
	pkg := PackageOf(name)
	library := pkg
	if library == "" && f.File != "" {
		// not a Go symbol, so match on the object it came from
		library = strings.TrimSuffix(filepath.Base(f.File), filepath.Ext(f.File))
	}
	if name == "" {
		name = "<unknown>"
	}
	return resolvedFunc{
		name:     name,
		pkg:      pkg,
		excluded: r.blocklist.Match(library),
	}
}

// PackageOf extracts the import path from a fully qualified Go function
// name, e.g. "github.com/a/b.(*T).M" -> "github.com/a/b". Names that are not
// Go qualified yield "".
func PackageOf(name string) string {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot <= 0 {
		return ""
	}
	return name[:slash+1+dot]
}

func isMangled(name string) bool {
	return strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "_R")
}

// Xxh3 turned out to be the fastest hash function for strings in the FreeLRU benchmarks.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}
