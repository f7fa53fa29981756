package symbolizer

import "fmt"

// RawFrame is a frame as captured, before resolution. Function is the
// symbol exactly as the capture mechanism reported it.
type RawFrame struct {
	Function string
	File     string
	Line     int
	PC       uint64
}

type Symbol struct {
	Name    string
	Package string
	File    string
	Line    int
	PC      uint64
}

// Key identifies a resolved frame for deduplication across samples.
func (s Symbol) Key() string {
	return fmt.Sprintf("%s\x00%s:%d", s.Name, s.File, s.Line)
}
