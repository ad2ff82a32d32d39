// Package align locates a reference screenshot inside a full-page capture.
//
// The search is a weighted sum of squared RGB differences between the
// template and each candidate window of the page, run coarse-to-fine. Only
// the left columns of the template below the sticky-header band take
// part, and saturated pixels count more than gray ones.
package align

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one search.
type Result struct {
	OffsetY    int     `json:"offset_y"`
	Confidence float64 `json:"confidence"`
	// TemplateHeight is the template height after normalisation to the
	// page width, clamped to the page height.
	TemplateHeight int `json:"template_height"`
	// Searched is false when the template could not be searched (taller
	// than the page); Confidence is then 0 and meaningless.
	Searched      bool    `json:"searched"`
	LowConfidence bool    `json:"low_confidence"`
	BestScore     float64 `json:"best_score"`
}

// Matcher runs template searches. It is safe for concurrent use; all
// searches in flight share one pool of Options.Workers scoring slots.
type Matcher struct {
	opts   Options
	logger *slog.Logger

	slots chan struct{}
	busy  atomic.Int32
	peak  atomic.Int32
}

// New creates a Matcher with default tuning.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		opts:   DefaultOptions(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.slots = make(chan struct{}, m.opts.Workers)
	return m
}

// acquire takes a scoring slot. The returned func gives it back.
func (m *Matcher) acquire(ctx context.Context) (func(), error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n := m.busy.Add(1)
	for p := m.peak.Load(); n > p && !m.peak.CompareAndSwap(p, n); p = m.peak.Load() {
	}
	return func() {
		m.busy.Add(-1)
		<-m.slots
	}, nil
}

// Options returns the effective tuning.
func (m *Matcher) Options() Options { return m.opts }

// Match finds the vertical offset of tmpl in full. A template wider or
// narrower than the page is first scaled to the page width. The only
// error is ctx cancellation.
func (m *Matcher) Match(ctx context.Context, full, tmpl image.Image) (Result, error) {
	start := time.Now()
	page := ToRGBA(full)
	wf, hf := page.Rect.Dx(), page.Rect.Dy()
	wt, ht := tmpl.Bounds().Dx(), tmpl.Bounds().Dy()
	if wf == 0 || hf == 0 || wt == 0 || ht == 0 {
		return Result{}, nil
	}

	th := ht
	if wt != wf {
		th = ScaledHeight(wt, ht, wf)
	}
	if th > hf {
		m.logger.Debug("align: template taller than page", "template_height", th, "page_height", hf)
		return Result{TemplateHeight: hf}, nil
	}

	var t *image.RGBA
	if wt != wf {
		t = Resize(tmpl, wf, th)
	} else {
		t = ToRGBA(tmpl)
	}

	maxY := hf - th
	coarse := m.samples(t, m.opts.CoarseStride)
	fine := m.samples(t, m.opts.FineStride)

	best, err := m.scan(ctx, page, coarse, 0, maxY, m.opts.CoarseStep)
	if err != nil {
		return Result{}, err
	}
	lo, hi := max(0, best.y-m.opts.CoarseStep), min(maxY, best.y+m.opts.CoarseStep)
	best, err = m.scan(ctx, page, fine, lo, hi, 1)
	if err != nil {
		return Result{}, err
	}

	conf := math.Max(0, math.Min(1, 1-best.score))
	res := Result{
		OffsetY:        best.y,
		Confidence:     conf,
		TemplateHeight: th,
		Searched:       true,
		LowConfidence:  conf < m.opts.ConfidenceThreshold,
		BestScore:      best.score,
	}
	m.logger.Debug("align: matched", "offset_y", res.OffsetY, "confidence", conf,
		"low_confidence", res.LowConfidence, "elapsed", time.Since(start))
	return res, nil
}

type candidate struct {
	y     int
	score float64
}

// better orders candidates by score, then by offset.
func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score < o.score
	}
	return c.y < o.y
}

// scan scores offsets lo, lo+step, ... and always includes hi. Offsets
// are split into contiguous chunks, each scored while holding a slot.
func (m *Matcher) scan(ctx context.Context, page *image.RGBA, s sampleSet, lo, hi, step int) (candidate, error) {
	var offsets []int
	for y := lo; y <= hi; y += step {
		offsets = append(offsets, y)
	}
	if offsets[len(offsets)-1] != hi {
		offsets = append(offsets, hi)
	}

	workers := min(m.opts.Workers, len(offsets))
	chunk := (len(offsets) + workers - 1) / workers
	bests := make([]candidate, 0, workers)
	for i := 0; i < len(offsets); i += chunk {
		bests = append(bests, candidate{y: -1, score: math.Inf(1)})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range bests {
		part := offsets[i*chunk : min((i+1)*chunk, len(offsets))]
		g.Go(func() error {
			done, err := m.acquire(ctx)
			if err != nil {
				return err
			}
			defer done()
			local := candidate{y: -1, score: math.Inf(1)}
			for _, y := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				c := candidate{y: y, score: s.score(page, y)}
				if local.y < 0 || c.better(local) {
					local = c
				}
			}
			bests[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidate{}, fmt.Errorf("align: search: %w", err)
	}

	best := bests[0]
	for _, c := range bests[1:] {
		if c.better(best) {
			best = c
		}
	}
	return best, nil
}
