package align

import (
	"log/slog"
	"runtime"
)

// Defaults for the search. They are tuned for marketing and product pages
// captured by feedback tools and are all overridable.
const (
	// DefaultFixedHeaderHeight is the number of template rows ignored
	// because sticky headers render the same at every scroll offset.
	DefaultFixedHeaderHeight = 80
	// DefaultColumnFraction keeps the left part of the template, where
	// imagery is stable; text on the right reflows between builds.
	DefaultColumnFraction = 0.5
	// DefaultSaturationWeight makes saturated pixels up to 3x more
	// influential than gray backgrounds.
	DefaultSaturationWeight = 2.0
	DefaultCoarseStep       = 10
	DefaultCoarseStride     = 4
	DefaultFineStride       = 2
	// DefaultConfidenceThreshold marks results below it as low confidence.
	DefaultConfidenceThreshold = 0.75
)

// Options tune the matcher.
type Options struct {
	FixedHeaderHeight   int     `yaml:"fixed_header_height" json:"fixed_header_height"`
	ColumnFraction      float64 `yaml:"column_fraction" json:"column_fraction"`
	SaturationWeight    float64 `yaml:"saturation_weight" json:"saturation_weight"`
	CoarseStep          int     `yaml:"coarse_step" json:"coarse_step"`
	CoarseStride        int     `yaml:"coarse_stride" json:"coarse_stride"`
	FineStride          int     `yaml:"fine_stride" json:"fine_stride"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	Workers             int     `yaml:"workers" json:"workers"`
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		FixedHeaderHeight:   DefaultFixedHeaderHeight,
		ColumnFraction:      DefaultColumnFraction,
		SaturationWeight:    DefaultSaturationWeight,
		CoarseStep:          DefaultCoarseStep,
		CoarseStride:        DefaultCoarseStride,
		FineStride:          DefaultFineStride,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		Workers:             runtime.NumCPU(),
	}
}

// withDefaults fills zero fields. A negative FixedHeaderHeight disables
// the mask and a negative SaturationWeight disables weighting.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FixedHeaderHeight == 0 {
		o.FixedHeaderHeight = d.FixedHeaderHeight
	}
	if o.FixedHeaderHeight < 0 {
		o.FixedHeaderHeight = 0
	}
	if o.ColumnFraction <= 0 || o.ColumnFraction > 1 {
		o.ColumnFraction = d.ColumnFraction
	}
	if o.SaturationWeight == 0 {
		o.SaturationWeight = d.SaturationWeight
	}
	if o.SaturationWeight < 0 {
		o.SaturationWeight = 0
	}
	if o.CoarseStep <= 0 {
		o.CoarseStep = d.CoarseStep
	}
	if o.CoarseStride <= 0 {
		o.CoarseStride = d.CoarseStride
	}
	if o.FineStride <= 0 {
		o.FineStride = d.FineStride
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	return o
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithOptions replaces the tuning. Zero fields take their defaults.
func WithOptions(o Options) Option {
	return func(m *Matcher) { m.opts = o.withDefaults() }
}

// WithWorkers bounds the scoring goroutines across all concurrent
// searches. Default: runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.opts.Workers = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}
