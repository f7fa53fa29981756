package symbolizer

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultBlocklist drops frames that belong to the Go runtime and the
// standard library internals the runtime parks goroutines in.
var DefaultBlocklist = []string{"runtime", "runtime/**", "internal/**", "syscall"}

// Blocklist matches library (package) names against glob patterns. Path
// segments are separated by '/', so "runtime/*" does not match "runtime".
type Blocklist struct {
	patterns []string
	globs    []glob.Glob
}

func NewBlocklist(patterns []string) (*Blocklist, error) {
	b := &Blocklist{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist pattern %q: %w", p, err)
		}
		b.patterns = append(b.patterns, p)
		b.globs = append(b.globs, g)
	}
	return b, nil
}

func (b *Blocklist) Patterns() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.patterns...)
}

// Match reports whether a frame from the given library must be excluded.
func (b *Blocklist) Match(library string) bool {
	if b == nil || library == "" {
		return false
	}
	for _, g := range b.globs {
		if g.Match(library) {
			return true
		}
	}
	return false
}
