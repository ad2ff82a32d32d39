package refimage

import (
	"image"
	"log/slog"
)

// Defaults for header detection. Navigation bars are typically dark, so
// a dark top band means the reference was taken at the top of the page.
const (
	DefaultLuminanceThreshold = 80.0
	DefaultBandHeight         = 60
)

// CaptureType tells the orchestrator how to reproduce a reference.
type CaptureType string

const (
	// CaptureViewport: the reference shows the page top; a plain
	// viewport screenshot reproduces it.
	CaptureViewport CaptureType = "viewport"
	// CaptureScrollMatch: the reference is scrolled; a full-page capture
	// must be aligned against it.
	CaptureScrollMatch CaptureType = "scroll_match"
)

// Analysis summarises a reference image.
type Analysis struct {
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	HeaderVisible bool        `json:"header_visible"`
	MeanLuminance float64     `json:"mean_luminance"`
	CaptureType   CaptureType `json:"capture_type"`
	Format        string      `json:"format"`
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLuminanceThreshold sets the band luminance below which the header
// is considered visible. Default: 80.
func WithLuminanceThreshold(v float64) Option {
	return func(a *Analyzer) {
		if v > 0 {
			a.threshold = v
		}
	}
}

// WithBandHeight sets how many top rows are sampled. Default: 60.
func WithBandHeight(rows int) Option {
	return func(a *Analyzer) {
		if rows > 0 {
			a.band = rows
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// Analyzer classifies references by their top band.
type Analyzer struct {
	threshold float64
	band      int
	logger    *slog.Logger
}

// NewAnalyzer creates an Analyzer with default thresholds.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		threshold: DefaultLuminanceThreshold,
		band:      DefaultBandHeight,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// MeanLuminance is the mean Rec.601 luma of rows [0, min(band, H)) and
// the central half of the columns, on a 0-255 scale.
func (a *Analyzer) MeanLuminance(img image.Image) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	x0, x1 := b.Min.X+w/4, b.Min.X+3*w/4
	if x1 <= x0 {
		x0, x1 = b.Min.X, b.Max.X
	}
	y1 := b.Min.Y + min(a.band, h)

	// Weights scaled by 1000 keep the sum exact for uniform bands.
	var sum, n int64
	for y := b.Min.Y; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += 299*int64(r>>8) + 587*int64(g>>8) + 114*int64(bl>>8)
			n++
		}
	}
	return float64(sum) / float64(n*1000)
}

// IsHeaderVisible reports whether img already depicts the top of the
// page. A mean exactly at the threshold counts as not visible.
func (a *Analyzer) IsHeaderVisible(img image.Image) bool {
	return a.MeanLuminance(img) < a.threshold
}

// Analyze decodes data and classifies it.
func (a *Analyzer) Analyze(data []byte) (Analysis, error) {
	img, format, err := Decode(data)
	if err != nil {
		return Analysis{}, err
	}
	return a.analyzeImage(img, format), nil
}

// AnalyzeImage classifies an already decoded reference.
func (a *Analyzer) AnalyzeImage(img image.Image) Analysis {
	return a.analyzeImage(img, "")
}

func (a *Analyzer) analyzeImage(img image.Image, format string) Analysis {
	b := img.Bounds()
	lum := a.MeanLuminance(img)
	an := Analysis{
		Width:         b.Dx(),
		Height:        b.Dy(),
		MeanLuminance: lum,
		HeaderVisible: lum < a.threshold,
		CaptureType:   CaptureScrollMatch,
		Format:        format,
	}
	if an.HeaderVisible {
		an.CaptureType = CaptureViewport
	}
	a.logger.Debug("refimage: analyzed", "width", an.Width, "height", an.Height,
		"luminance", lum, "capture_type", an.CaptureType)
	return an
}
