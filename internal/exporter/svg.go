package exporter

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
)

const (
	flameFontSize   = 12
	flameFontWidth  = 0.59
	flameXPad       = 10
	flameHeaderSize = 40
	flameFooterSize = 20
)

type FlamegraphOptions struct {
	Title       string
	Width       int
	FrameHeight int
	// Frames narrower than MinWidth pixels are left out, as flamegraph.pl does.
	MinWidth  float64
	CountName string
}

func DefaultFlamegraphOptions() FlamegraphOptions {
	return FlamegraphOptions{
		Title:       "Flame Graph",
		Width:       1200,
		FrameHeight: 16,
		MinWidth:    0.1,
		CountName:   "samples",
	}
}

type flameNode struct {
	name     string
	value    uint64
	children map[string]*flameNode
}

func (n *flameNode) child(name string) *flameNode {
	if n.children == nil {
		n.children = make(map[string]*flameNode)
	}
	c, ok := n.children[name]
	if !ok {
		c = &flameNode{name: name}
		n.children[name] = c
	}
	return c
}

// sortedChildren returns children in alphabetical order, which is the
// order flamegraph.pl lays out siblings in.
func (n *flameNode) sortedChildren() []*flameNode {
	out := make([]*flameNode, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *flameNode) int { return strings.Compare(a.name, b.name) })
	return out
}

func (n *flameNode) depth() int {
	d := 0
	for _, c := range n.children {
		d = max(d, c.depth()+1)
	}
	return d
}

// buildFlameTree merges stacks by common prefix. Every node's value is the
// sum of the stacks passing through it.
func buildFlameTree(stacks []FoldedStack) *flameNode {
	root := &flameNode{name: "all"}
	for _, s := range stacks {
		if s.Value == 0 || len(s.Frames) == 0 {
			continue
		}
		root.value += s.Value
		n := root
		for _, f := range s.Frames {
			n = n.child(f)
			n.value += s.Value
		}
	}
	return root
}

// WriteFlamegraph renders stacks as a self-contained SVG icicle graph: the
// root spans the full width at the top and each level below partitions its
// parent's width by the children's totals.
func WriteFlamegraph(w io.Writer, stacks []FoldedStack, opts FlamegraphOptions) error {
	def := DefaultFlamegraphOptions()
	if opts.Width <= 2*flameXPad {
		opts.Width = def.Width
	}
	if opts.FrameHeight <= 0 {
		opts.FrameHeight = def.FrameHeight
	}
	if opts.CountName == "" {
		opts.CountName = def.CountName
	}

	root := buildFlameTree(stacks)
	levels := root.depth() + 1
	height := flameHeaderSize + levels*opts.FrameHeight + flameFooterSize

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, `<?xml version="1.0" standalone="no"?>
<!DOCTYPE svg PUBLIC "-//W3C//DTD SVG 1.1//EN" "http://www.w3.org/Graphics/SVG/1.1/DTD/svg11.dtd">
<svg version="1.1" width="%d" height="%d" viewBox="0 0 %d %d" xmlns="http://www.w3.org/2000/svg">
<rect x="0" y="0" width="%d" height="%d" fill="#f8f8f8"/>
<text x="%d" y="24" font-size="17" font-family="Verdana" text-anchor="middle">%s</text>
`, opts.Width, height, opts.Width, height, opts.Width, height, opts.Width/2, html.EscapeString(opts.Title))

	if root.value == 0 {
		fmt.Fprintf(bw, `<text x="%d" y="%d" font-size="%d" font-family="Verdana" text-anchor="middle">No samples</text>
`, opts.Width/2, flameHeaderSize+opts.FrameHeight, flameFontSize)
	} else {
		scale := float64(opts.Width-2*flameXPad) / float64(root.value)
		drawFlameNode(bw, root, root.value, flameXPad, flameHeaderSize, scale, opts)
	}

	fmt.Fprint(bw, "</svg>\n")
	return bw.Flush()
}

func drawFlameNode(w io.Writer, n *flameNode, total uint64, x float64, y int, scale float64, opts FlamegraphOptions) {
	width := float64(n.value) * scale
	if width < opts.MinWidth {
		return
	}

	name := html.EscapeString(n.name)
	pct := 100 * float64(n.value) / float64(total)
	fmt.Fprintf(w, `<g><title>%s (%d %s, %.2f%%)</title><rect x="%.1f" y="%d" width="%.1f" height="%d" fill="%s" rx="2" ry="2"/>`,
		name, n.value, opts.CountName, pct, x, y, width, opts.FrameHeight-1, frameColor(n.name))
	if label := fitLabel(n.name, width); label != "" {
		fmt.Fprintf(w, `<text x="%.1f" y="%d" font-size="%d" font-family="Verdana">%s</text>`,
			x+3, y+opts.FrameHeight-4, flameFontSize, html.EscapeString(label))
	}
	fmt.Fprint(w, "</g>\n")

	childX := x
	for _, c := range n.sortedChildren() {
		drawFlameNode(w, c, total, childX, y+opts.FrameHeight, scale, opts)
		childX += float64(c.value) * scale
	}
}

// fitLabel truncates name to the frame width, or returns "" when not even
// two characters fit.
func fitLabel(name string, width float64) string {
	chars := int((width - 6) / (flameFontSize * flameFontWidth))
	if chars < 3 {
		return ""
	}
	r := []rune(name)
	if len(r) <= chars {
		return name
	}
	return string(r[:chars-2]) + ".."
}

// frameColor derives a warm color from the frame name so identical input
// always renders identically.
func frameColor(name string) string {
	h := xxh3.HashString(name)
	v1 := float64(h&0xff) / 255
	v2 := float64((h>>8)&0xff) / 255
	v3 := float64((h>>16)&0xff) / 255
	r := 205 + int(50*v3)
	g := int(230 * v1)
	b := int(55 * v2)
	return fmt.Sprintf("rgb(%d,%d,%d)", r, g, b)
}
