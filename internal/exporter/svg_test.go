package exporter

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type svgDoc struct {
	Width  int    `xml:"width,attr"`
	Height int    `xml:"height,attr"`
	Groups []svgG `xml:"g"`
}

type svgG struct {
	Title string `xml:"title"`
	Rect  struct {
		X     float64 `xml:"x,attr"`
		Y     float64 `xml:"y,attr"`
		Width float64 `xml:"width,attr"`
		Fill  string  `xml:"fill,attr"`
	} `xml:"rect"`
	Text string `xml:"text"`
}

func (g svgG) name() string {
	i := strings.LastIndex(g.Title, " (")
	return g.Title[:i]
}

func renderFlamegraph(t *testing.T, stacks []FoldedStack) ([]byte, svgDoc) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFlamegraph(&buf, stacks, DefaultFlamegraphOptions()))
	var doc svgDoc
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc), buf.String())
	return buf.Bytes(), doc
}

func TestWriteFlamegraph_WidthsFollowPrefixTotals(t *testing.T) {
	stacks := []FoldedStack{
		{Frames: []string{"t", "a", "b"}, Value: 3},
		{Frames: []string{"t", "a", "c"}, Value: 1},
		{Frames: []string{"u", "x"}, Value: 4},
	}
	_, doc := renderFlamegraph(t, stacks)

	byName := map[string]svgG{}
	for _, g := range doc.Groups {
		byName[g.name()] = g
	}
	require.Len(t, byName, 7) // all, t, a, b, c, u, x

	full := float64(1200 - 2*flameXPad)
	assert.InDelta(t, full, byName["all"].Rect.Width, 0.1)
	assert.InDelta(t, full/2, byName["t"].Rect.Width, 0.1)
	assert.InDelta(t, full/2, byName["u"].Rect.Width, 0.1)
	assert.InDelta(t, full/2, byName["a"].Rect.Width, 0.1)
	assert.InDelta(t, full*3/8, byName["b"].Rect.Width, 0.1)
	assert.InDelta(t, full/8, byName["c"].Rect.Width, 0.1)

	// children partition the parent left to right, one level further down
	assert.InDelta(t, byName["a"].Rect.X, byName["b"].Rect.X, 0.1)
	assert.InDelta(t, byName["b"].Rect.X+byName["b"].Rect.Width, byName["c"].Rect.X, 0.1)
	assert.Greater(t, byName["b"].Rect.Y, byName["a"].Rect.Y)
	assert.Greater(t, byName["a"].Rect.Y, byName["t"].Rect.Y)
	assert.Equal(t, "a (4 samples, 50.00%)", byName["a"].Title)
}

func TestWriteFlamegraph_Deterministic(t *testing.T) {
	stacks := []FoldedStack{
		{Frames: []string{"t", "main", "work"}, Value: 7},
		{Frames: []string{"t", "main", "idle"}, Value: 2},
		{Frames: []string{"v", "main"}, Value: 1},
	}
	a, _ := renderFlamegraph(t, stacks)
	reversed := []FoldedStack{stacks[2], stacks[1], stacks[0]}
	b, _ := renderFlamegraph(t, reversed)
	assert.Equal(t, a, b)
	assert.Equal(t, frameColor("main"), frameColor("main"))
}

func TestWriteFlamegraph_EscapesAndEmpty(t *testing.T) {
	_, doc := renderFlamegraph(t, []FoldedStack{{Frames: []string{"t", "std::vector<int>::push_back&"}, Value: 1}})
	found := false
	for _, g := range doc.Groups {
		if g.name() == "std::vector<int>::push_back&" {
			found = true
		}
	}
	assert.True(t, found)

	out, doc := renderFlamegraph(t, nil)
	assert.Empty(t, doc.Groups)
	assert.Contains(t, string(out), "No samples")
}

func TestFitLabel(t *testing.T) {
	assert.Equal(t, "", fitLabel("main.work", 10))
	assert.Equal(t, "main.work", fitLabel("main.work", 500))
	label := fitLabel("github.com/some/very/long/package.Function", 80)
	assert.True(t, strings.HasSuffix(label, ".."))
}
