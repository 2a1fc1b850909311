package indexer

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// pointsPerInch is the PDF user-space unit density.
const pointsPerInch = 72.0

// RenderRequest describes one rasterisation of a page or a page region.
type RenderRequest struct {
	Path     string  // PDF file on disk
	Page     int     // 1-based
	Scale    float64 // 1.0 renders at 72 dpi
	MediaBox Rect
	Clip     *Rect // nil renders the whole page
}

// DPI returns the resolution the request renders at.
func (r RenderRequest) DPI() int {
	return int(math.Round(r.Scale * pointsPerInch))
}

// CropPixels converts Clip from PDF points (origin bottom-left) to a pixel
// rectangle (origin top-left) at the request's resolution.
func (r RenderRequest) CropPixels() (x, y, w, h int) {
	if r.Clip == nil {
		return 0, 0, 0, 0
	}
	k := float64(r.DPI()) / pointsPerInch
	c := *r.Clip
	x = int(math.Floor((c.X0 - r.MediaBox.X0) * k))
	y = int(math.Floor((r.MediaBox.Y1 - c.Y1) * k))
	w = int(math.Ceil(c.Width() * k))
	h = int(math.Ceil(c.Height() * k))
	return x, y, w, h
}

// Renderer rasterises PDF pages to PNG.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// PdftoppmRenderer renders pages by running poppler's pdftoppm.
type PdftoppmRenderer struct {
	Binary string // defaults to "pdftoppm" on PATH
}

func (p *PdftoppmRenderer) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "docqa-page-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	page := strconv.Itoa(req.Page)
	args := []string{
		"-png",
		"-f", page,
		"-l", page,
		"-r", strconv.Itoa(req.DPI()),
		"-singlefile",
	}
	if req.Clip != nil {
		x, y, w, h := req.CropPixels()
		args = append(args,
			"-x", strconv.Itoa(x),
			"-y", strconv.Itoa(y),
			"-W", strconv.Itoa(w),
			"-H", strconv.Itoa(h),
		)
	}
	args = append(args, req.Path, prefix)

	bin := p.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(out))
	}

	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}
