package indexer

import (
	"errors"
	"math"

	"github.com/ledongthuc/pdf"
)

var errPanicked = errors.New("pdf decoder panicked")

// maxFormDepth bounds recursion into nested form XObjects.
const maxFormDepth = 8

// Rect is an axis-aligned box in PDF points, origin bottom-left.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Pad grows r by d on every side.
func (r Rect) Pad(d float64) Rect {
	return Rect{r.X0 - d, r.Y0 - d, r.X1 + d, r.Y1 + d}
}

// Intersect clips r to b. The result may be empty.
func (r Rect) Intersect(b Rect) Rect {
	out := Rect{
		X0: math.Max(r.X0, b.X0),
		Y0: math.Max(r.Y0, b.Y0),
		X1: math.Min(r.X1, b.X1),
		Y1: math.Min(r.Y1, b.Y1),
	}
	if out.X1 < out.X0 {
		out.X1 = out.X0
	}
	if out.Y1 < out.Y0 {
		out.Y1 = out.Y0
	}
	return out
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// letterBox is used when a page carries no usable MediaBox.
var letterBox = Rect{0, 0, 612, 792}

// matrix is a PDF affine transform [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m×n, i.e. m applied first, then n.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// unitBox maps the unit square through m, which is where an image XObject
// paints, and returns its bounding box.
func (m matrix) unitBox() Rect {
	r := Rect{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, c := range [][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		x, y := m.apply(c[0], c[1])
		r.X0 = math.Min(r.X0, x)
		r.Y0 = math.Min(r.Y0, y)
		r.X1 = math.Max(r.X1, x)
		r.Y1 = math.Max(r.Y1, y)
	}
	return r
}

func matrixFrom(v pdf.Value) (matrix, bool) {
	if v.Kind() != pdf.Array || v.Len() != 6 {
		return identity, false
	}
	var m matrix
	for i := range m {
		m[i] = v.Index(i).Float64()
	}
	return m, true
}

// mediaBox returns the page's MediaBox, following inheritance up the page
// tree.
func mediaBox(p pdf.Page) Rect {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			r := Rect{
				X0: math.Min(box.Index(0).Float64(), box.Index(2).Float64()),
				Y0: math.Min(box.Index(1).Float64(), box.Index(3).Float64()),
				X1: math.Max(box.Index(0).Float64(), box.Index(2).Float64()),
				Y1: math.Max(box.Index(1).Float64(), box.Index(3).Float64()),
			}
			if !r.Empty() {
				return r
			}
		}
	}
	return letterBox
}

// imageRegions walks the page content stream and returns the painted box of
// every image XObject, in paint order.
func imageRegions(p pdf.Page) (regions []Rect, err error) {
	defer func() {
		if r := recover(); r != nil {
			regions, err = nil, errPanicked
		}
	}()
	contents := p.V.Key("Contents")
	if contents.IsNull() {
		return nil, nil
	}
	w := &regionWalker{}
	w.walk(contents, p.Resources(), identity, 0)
	return w.regions, nil
}

type regionWalker struct {
	regions []Rect
}

func (w *regionWalker) walk(strm, resources pdf.Value, base matrix, depth int) {
	ctm := base
	var saved []matrix

	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		switch op {
		case "q":
			saved = append(saved, ctm)
		case "Q":
			if n := len(saved); n > 0 {
				ctm = saved[n-1]
				saved = saved[:n-1]
			}
		case "cm":
			if stk.Len() >= 6 {
				var m matrix
				for i := 5; i >= 0; i-- {
					m[i] = stk.Pop().Float64()
				}
				ctm = m.mul(ctm)
			}
		case "Do":
			name := stk.Pop().Name()
			xobj := resources.Key("XObject").Key(name)
			switch xobj.Key("Subtype").Name() {
			case "Image":
				w.regions = append(w.regions, ctm.unitBox())
			case "Form":
				if depth < maxFormDepth {
					formRes := xobj.Key("Resources")
					if formRes.IsNull() {
						formRes = resources
					}
					fm, _ := matrixFrom(xobj.Key("Matrix"))
					w.walk(xobj, formRes, fm.mul(ctm), depth+1)
				}
			}
		}
		for stk.Len() > 0 {
			stk.Pop()
		}
	})
}

// selectRegions keeps the regions strictly larger than minSize in both
// dimensions, pads them and clips them to the page box.
func selectRegions(regions []Rect, box Rect, minSize, padding float64) []Rect {
	var out []Rect
	for _, r := range regions {
		if r.Width() <= minSize || r.Height() <= minSize {
			continue
		}
		clipped := r.Pad(padding).Intersect(box)
		if clipped.Empty() {
			continue
		}
		out = append(out, clipped)
	}
	return out
}
