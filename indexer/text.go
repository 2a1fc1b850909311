package indexer

import (
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readingOrder rebuilds page text from positioned glyphs: glyphs are grouped
// into lines by baseline, lines run top to bottom and glyphs left to right.
func readingOrder(glyphs []pdf.Text) string {
	type line struct {
		y      float64
		size   float64
		glyphs []pdf.Text
	}

	var lines []*line
	for _, g := range glyphs {
		if g.S == "" || g.S == "\n" {
			continue
		}
		var target *line
		for _, l := range lines {
			if math.Abs(l.y-g.Y) <= lineTolerance(l.size, g.FontSize) {
				target = l
				break
			}
		}
		if target == nil {
			target = &line{y: g.Y, size: g.FontSize}
			lines = append(lines, target)
		}
		target.glyphs = append(target.glyphs, g)
	}

	// PDF y grows upward, so the top line has the largest y.
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].y > lines[j].y })

	var b strings.Builder
	for i, l := range lines {
		sort.SliceStable(l.glyphs, func(a, c int) bool { return l.glyphs[a].X < l.glyphs[c].X })
		if i > 0 {
			b.WriteByte('\n')
		}
		var prevEnd float64
		for k, g := range l.glyphs {
			if k > 0 && g.X-prevEnd > 0.3*fontSize(g) && !strings.HasPrefix(g.S, " ") {
				b.WriteByte(' ')
			}
			b.WriteString(g.S)
			w := g.W
			if w <= 0 {
				w = 0.5 * fontSize(g) * float64(len([]rune(g.S)))
			}
			prevEnd = g.X + w
		}
	}
	return strings.TrimSpace(b.String())
}

func lineTolerance(a, b float64) float64 {
	t := 0.5 * math.Max(a, b)
	if t < 2 {
		t = 2
	}
	return t
}

func fontSize(g pdf.Text) float64 {
	if g.FontSize <= 0 {
		return 10
	}
	return g.FontSize
}

// pageText extracts a page's text in reading order. If positioned content
// cannot be decoded it falls back to appearance order and reports degraded.
func pageText(p pdf.Page) (text string, degraded bool) {
	glyphs, ok := pageGlyphs(p)
	if ok {
		return readingOrder(glyphs), false
	}
	plain, err := plainText(p)
	if err != nil {
		return "", true
	}
	return strings.TrimSpace(plain), true
}

func pageGlyphs(p pdf.Page) (glyphs []pdf.Text, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			glyphs, ok = nil, false
		}
	}()
	return p.Content().Text, true
}

func plainText(p pdf.Page) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = "", errPanicked
		}
	}()
	return p.GetPlainText(nil)
}
