// Package indexer turns a PDF into a page-marked text blob plus a per-page
// image map that answers can cite back into.
package indexer

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrDocumentNotFound is returned when a document path does not exist.
	ErrDocumentNotFound = errors.New("docqa: document not found")

	// ErrDocumentUnreadable is returned when the input is not a usable PDF
	// (corrupt, wrong format, or zero pages).
	ErrDocumentUnreadable = errors.New("docqa: document unreadable")
)

// Page is a single indexed page. Pages are immutable once indexed.
type Page struct {
	Number   int      `json:"number" yaml:"number"`
	Text     string   `json:"text" yaml:"text"`
	Images   [][]byte `json:"-" yaml:"-"`
	Regions  int      `json:"regions" yaml:"regions"`   // cropped figure regions; 0 means a whole-page render
	Degraded bool     `json:"degraded" yaml:"degraded"` // some extraction step failed and was skipped
}

// DocumentIndex is the result of indexing one document.
type DocumentIndex struct {
	Key   string // cache identity (path|mtime|size or sha256:<hex>)
	Name  string
	Hash  string // sha256 of the document bytes
	Pages []Page

	text   string
	images map[int][][]byte
}

// NewDocumentIndex assembles an index from pages that are already numbered
// 1..len(pages) in document order.
func NewDocumentIndex(key, name, hash string, pages []Page) *DocumentIndex {
	idx := &DocumentIndex{
		Key:    key,
		Name:   name,
		Hash:   hash,
		Pages:  pages,
		images: make(map[int][][]byte, len(pages)),
	}

	var b strings.Builder
	for _, p := range pages {
		writePage(&b, p.Number, p.Text)
		if len(p.Images) > 0 {
			idx.images[p.Number] = p.Images
		}
	}
	idx.text = b.String()
	return idx
}

// Empty returns an index with no pages. The engine falls back to it when a
// document cannot be loaded so greeting-only chat keeps working.
func Empty() *DocumentIndex {
	return &DocumentIndex{images: map[int][][]byte{}}
}

// Text returns the concatenated page-marked transcript.
func (d *DocumentIndex) Text() string { return d.text }

// PageCount returns the number of indexed pages.
func (d *DocumentIndex) PageCount() int { return len(d.Pages) }

// IsEmpty reports whether the index holds no pages.
func (d *DocumentIndex) IsEmpty() bool { return d == nil || len(d.Pages) == 0 }

// HasPage reports whether n has an entry in the image map.
func (d *DocumentIndex) HasPage(n int) bool {
	if d == nil {
		return false
	}
	_, ok := d.images[n]
	return ok
}

// Images returns the image list stored for page n, or nil.
func (d *DocumentIndex) Images(n int) [][]byte {
	if d == nil {
		return nil
	}
	return d.images[n]
}

// Degraded returns the numbers of pages where some extraction step failed.
func (d *DocumentIndex) Degraded() []int {
	var out []int
	for _, p := range d.Pages {
		if p.Degraded {
			out = append(out, p.Number)
		}
	}
	sort.Ints(out)
	return out
}

// PageDegraded reports whether page n is marked degraded.
func (d *DocumentIndex) PageDegraded(n int) bool {
	if d == nil || n < 1 || n > len(d.Pages) {
		return false
	}
	return d.Pages[n-1].Degraded
}
