package indexer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var markerPattern = regexp.MustCompile(`\[--- Page (\d+) (START|END) ---\]`)

// StartMarker returns the delimiter written before page n's text.
func StartMarker(n int) string { return fmt.Sprintf("[--- Page %d START ---]", n) }

// EndMarker returns the delimiter written after page n's text.
func EndMarker(n int) string { return fmt.Sprintf("[--- Page %d END ---]", n) }

func writePage(b *strings.Builder, n int, text string) {
	b.WriteByte('\n')
	b.WriteString(StartMarker(n))
	b.WriteByte('\n')
	b.WriteString(text)
	b.WriteByte('\n')
	b.WriteString(EndMarker(n))
	b.WriteByte('\n')
}

// Marker is one page delimiter found in a transcript.
type Marker struct {
	Page  int
	Start bool
	Pos   int
}

// ScanMarkers returns the page delimiters in text in the order they appear.
func ScanMarkers(text string) []Marker {
	var out []Marker
	for _, m := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		out = append(out, Marker{
			Page:  n,
			Start: text[m[4]:m[5]] == "START",
			Pos:   m[0],
		})
	}
	return out
}

// PageAt returns the page whose START marker most closely precedes offset
// pos in text, or 0 when there is none.
func PageAt(text string, pos int) int {
	page := 0
	for _, m := range ScanMarkers(text) {
		if m.Pos > pos {
			break
		}
		if m.Start {
			page = m.Page
		}
	}
	return page
}
