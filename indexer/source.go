package indexer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Source decodes raw document bytes.
type Source interface {
	Open(data []byte) (Document, error)
}

// Document exposes the per-page content the indexer needs. Implementations
// may panic on malformed content; the indexer recovers per page.
type Document interface {
	PageCount() int
	// Text returns the page text in reading order. degraded is true when
	// only a lower-quality extraction was possible.
	Text(page int) (text string, degraded bool)
	MediaBox(page int) Rect
	// ImageRegions returns the painted boxes of embedded images.
	ImageRegions(page int) ([]Rect, error)
}

var disablePdfcpuConfigDir sync.Once

// pdfcpuConfig returns a fresh in-memory pdfcpu configuration. pdfcpu's
// config directory is disabled: creating it exits the process when the
// home directory is not writable.
func pdfcpuConfig() *model.Configuration {
	disablePdfcpuConfigDir.Do(func() { model.ConfigPath = "disable" })
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PDFSource decodes PDFs with pdfcpu (validation) and ledongthuc/pdf
// (content).
type PDFSource struct{}

func (PDFSource) Open(data []byte) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, r)
		}
	}()

	n, err := api.PageCount(bytes.NewReader(data), pdfcpuConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: zero pages", ErrDocumentUnreadable)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	if reader.NumPage() == 0 {
		return nil, fmt.Errorf("%w: zero pages", ErrDocumentUnreadable)
	}
	return &pdfDocument{r: reader}, nil
}

type pdfDocument struct {
	r *pdf.Reader
}

func (d *pdfDocument) PageCount() int { return d.r.NumPage() }

func (d *pdfDocument) Text(page int) (string, bool) {
	p := d.r.Page(page)
	if p.V.IsNull() {
		return "", true
	}
	return pageText(p)
}

func (d *pdfDocument) MediaBox(page int) Rect {
	p := d.r.Page(page)
	if p.V.IsNull() {
		return letterBox
	}
	return mediaBox(p)
}

func (d *pdfDocument) ImageRegions(page int) ([]Rect, error) {
	p := d.r.Page(page)
	if p.V.IsNull() {
		return nil, nil
	}
	return imageRegions(p)
}
