package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Config controls rasterisation and region selection.
type Config struct {
	PageScale     float64 `json:"page_scale" yaml:"page_scale" mapstructure:"page_scale"`             // whole-page fallback, 2 => 144 dpi
	CropScale     float64 `json:"crop_scale" yaml:"crop_scale" mapstructure:"crop_scale"`             // figure crops, 3 => 216 dpi
	MinRegion     float64 `json:"min_region" yaml:"min_region" mapstructure:"min_region"`             // points; regions must exceed it on both axes
	RegionPadding float64 `json:"region_padding" yaml:"region_padding" mapstructure:"region_padding"` // points added on every side
	PdftoppmPath  string  `json:"pdftoppm_path" yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	Workers       int     `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the rendering settings the indexer was tuned with.
func DefaultConfig() Config {
	return Config{
		PageScale:     2,
		CropScale:     3,
		MinRegion:     50,
		RegionPadding: 5,
		Workers:       runtime.NumCPU(),
	}
}

// Snapshotter persists rendered indexes keyed by content hash.
type Snapshotter interface {
	LoadIndex(ctx context.Context, hash string) (name string, pages []Page, found bool, err error)
	SaveIndex(ctx context.Context, hash, name string, pages []Page) error
}

// Indexer builds DocumentIndexes and caches them per document identity.
type Indexer struct {
	cfg       Config
	source    Source
	renderer  Renderer
	cache     *Cache
	snapshots Snapshotter
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithSource replaces the PDF decoder.
func WithSource(s Source) Option { return func(ix *Indexer) { ix.source = s } }

// WithSnapshotter enables persisting indexes across restarts.
func WithSnapshotter(s Snapshotter) Option { return func(ix *Indexer) { ix.snapshots = s } }

// New creates an Indexer. A nil renderer uses pdftoppm.
func New(cfg Config, r Renderer, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.PageScale <= 0 {
		cfg.PageScale = def.PageScale
	}
	if cfg.CropScale <= 0 {
		cfg.CropScale = def.CropScale
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if r == nil {
		r = &PdftoppmRenderer{Binary: cfg.PdftoppmPath}
	}
	ix := &Indexer{
		cfg:      cfg,
		source:   PDFSource{},
		renderer: r,
		cache:    NewCache(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Cache returns the indexer's result cache.
func (ix *Indexer) Cache() *Cache { return ix.cache }

// FileKey returns the cache identity of a file on disk.
func FileKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s|%d|%d", path, info.ModTime().UnixNano(), info.Size())
}

// BytesKey returns the cache identity of an in-memory document.
func BytesKey(data []byte) string {
	return "sha256:" + contentHash(data)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IndexFile indexes the PDF at path. Repeated calls for an unchanged file
// return the cached index.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (*DocumentIndex, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDocumentUnreadable, path)
	}

	key := FileKey(abs, info)
	if idx, ok := ix.cache.Get(key); ok {
		slog.Debug("indexer: cache hit", "key", key)
		return idx, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	idx, err := ix.build(ctx, key, filepath.Base(abs), abs, data)
	if err != nil {
		return nil, err
	}
	ix.cache.InvalidatePath(abs)
	ix.cache.Put(key, idx)
	return idx, nil
}

// IndexBytes indexes an in-memory PDF, for uploads.
func (ix *Indexer) IndexBytes(ctx context.Context, name string, data []byte) (*DocumentIndex, error) {
	key := BytesKey(data)
	if idx, ok := ix.cache.Get(key); ok {
		slog.Debug("indexer: cache hit", "key", key)
		return idx, nil
	}

	// pdftoppm needs a file on disk.
	tmp, err := os.CreateTemp("", "docqa-upload-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	idx, err := ix.build(ctx, key, name, tmp.Name(), data)
	if err != nil {
		return nil, err
	}
	ix.cache.Put(key, idx)
	return idx, nil
}

func (ix *Indexer) build(ctx context.Context, key, name, path string, data []byte) (*DocumentIndex, error) {
	start := time.Now()
	hash := contentHash(data)

	if ix.snapshots != nil {
		snapName, pages, found, err := ix.snapshots.LoadIndex(ctx, hash)
		if err != nil {
			slog.Warn("indexer: loading snapshot failed", "hash", hash, "error", err)
		} else if found {
			if name == "" {
				name = snapName
			}
			slog.Info("indexer: restored from snapshot", "name", name, "pages", len(pages))
			return NewDocumentIndex(key, name, hash, pages), nil
		}
	}

	doc, err := ix.source.Open(data)
	if err != nil {
		return nil, err
	}

	n := doc.PageCount()
	plans := make([]pagePlan, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plans = append(plans, ix.plan(doc, i))
	}

	pages, err := ix.render(ctx, path, plans)
	if err != nil {
		return nil, err
	}

	slog.Info("indexer: document indexed",
		"name", name,
		"pages", len(pages),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if ix.snapshots != nil {
		if err := ix.snapshots.SaveIndex(ctx, hash, name, pages); err != nil {
			slog.Warn("indexer: saving snapshot failed", "hash", hash, "error", err)
		}
	}
	return NewDocumentIndex(key, name, hash, pages), nil
}

// pagePlan is the decoded part of a page, before rasterising.
type pagePlan struct {
	page    Page
	box     Rect
	regions []Rect
}

func (ix *Indexer) plan(doc Document, n int) pagePlan {
	p := pagePlan{page: Page{Number: n}, box: letterBox}

	text, degraded, err := safeText(doc, n)
	if err != nil {
		slog.Warn("indexer: text extraction failed", "page", n, "error", err)
	}
	p.page.Text = text
	p.page.Degraded = degraded

	regions, box, err := safeRegions(doc, n)
	if err != nil {
		slog.Warn("indexer: image detection failed, using whole page", "page", n, "error", err)
		p.page.Degraded = true
		return p
	}
	p.box = box
	p.regions = selectRegions(regions, box, ix.cfg.MinRegion, ix.cfg.RegionPadding)
	return p
}

func safeText(doc Document, n int) (text string, degraded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, degraded, err = "", true, fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	text, degraded = doc.Text(n)
	return text, degraded, nil
}

func safeRegions(doc Document, n int) (regions []Rect, box Rect, err error) {
	defer func() {
		if r := recover(); r != nil {
			regions, box, err = nil, letterBox, fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	box = doc.MediaBox(n)
	regions, err = doc.ImageRegions(n)
	return regions, box, err
}

// render rasterises every planned page. Pages render concurrently; the
// result keeps document order. A page that cannot be rasterised at all is
// kept, degraded and without images; only cancellation fails the document.
func (ix *Indexer) render(ctx context.Context, path string, plans []pagePlan) ([]Page, error) {
	pages := make([]Page, len(plans))

	sem := make(chan struct{}, ix.cfg.Workers)
	var wg sync.WaitGroup
	for i := range plans {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem; wg.Done() }()
			pages[i] = ix.renderPage(ctx, path, plans[i])
		}(i)
	}
	wg.Wait()

	// Renders fail once ctx ends; those pages must not be kept or snapshotted.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (ix *Indexer) renderPage(ctx context.Context, path string, p pagePlan) Page {
	page := p.page
	for i := range p.regions {
		clip := p.regions[i]
		img, err := ix.renderer.Render(ctx, RenderRequest{
			Path:     path,
			Page:     page.Number,
			Scale:    ix.cfg.CropScale,
			MediaBox: p.box,
			Clip:     &clip,
		})
		if err != nil {
			slog.Warn("indexer: region render failed", "page", page.Number, "region", i, "error", err)
			page.Degraded = true
			continue
		}
		page.Images = append(page.Images, img)
	}
	page.Regions = len(page.Images)

	if len(page.Images) == 0 {
		img, err := ix.renderer.Render(ctx, RenderRequest{
			Path:     path,
			Page:     page.Number,
			Scale:    ix.cfg.PageScale,
			MediaBox: p.box,
		})
		if err != nil {
			slog.Warn("indexer: page render failed, page has no images", "page", page.Number, "error", err)
			page.Degraded = true
			return page
		}
		page.Images = [][]byte{img}
	}

	slog.Debug("indexer: page rendered", "page", page.Number, "images", len(page.Images), "regions", page.Regions)
	return page
}
