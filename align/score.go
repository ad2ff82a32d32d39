package align

import "image"

// sample is one template pixel taking part in the score.
type sample struct {
	off     int // byte offset within the row
	row     int
	w       float64
	r, g, b float64
}

type sampleSet struct {
	px     []sample
	weight float64 // Σw·255²·3
}

// samples picks template pixels on a stride grid over the scored region:
// columns [0, W·ColumnFraction), rows [FixedHeaderHeight, H). When the
// template is no taller than the header band the mask is dropped.
func (m *Matcher) samples(t *image.RGBA, stride int) sampleSet {
	w, h := t.Rect.Dx(), t.Rect.Dy()
	cols := max(1, int(float64(w)*m.opts.ColumnFraction))
	top := m.opts.FixedHeaderHeight
	if top >= h {
		top = 0
	}

	var s sampleSet
	for y := top; y < h; y += stride {
		for x := 0; x < cols; x += stride {
			i := t.PixOffset(t.Rect.Min.X+x, t.Rect.Min.Y+y)
			r, g, b := t.Pix[i], t.Pix[i+1], t.Pix[i+2]
			wt := 1 + m.opts.SaturationWeight*saturation(r, g, b)
			s.px = append(s.px, sample{
				off: x * 4,
				row: y,
				w:   wt,
				r:   float64(r),
				g:   float64(g),
				b:   float64(b),
			})
			s.weight += wt
		}
	}
	s.weight *= 255 * 255 * 3
	return s
}

// score is the normalised weighted SSD of the template placed at row y of
// page: 0 for identical pixels, 1 for maximal difference.
func (s sampleSet) score(page *image.RGBA, y int) float64 {
	if s.weight == 0 {
		return 0
	}
	var sum float64
	base := page.PixOffset(page.Rect.Min.X, page.Rect.Min.Y+y)
	for _, p := range s.px {
		i := base + p.row*page.Stride + p.off
		dr := float64(page.Pix[i]) - p.r
		dg := float64(page.Pix[i+1]) - p.g
		db := float64(page.Pix[i+2]) - p.b
		sum += p.w * (dr*dr + dg*dg + db*db)
	}
	return sum / s.weight
}

// saturation is (max−min)/max of the channels, 0 for black.
func saturation(r, g, b uint8) float64 {
	hi := max(r, g, b)
	if hi == 0 {
		return 0
	}
	lo := min(r, g, b)
	return float64(hi-lo) / float64(hi)
}
