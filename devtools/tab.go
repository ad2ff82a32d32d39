package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

const (
	// MobileBreakpoint is the width under which device metrics are
	// emulated as a mobile device.
	MobileBreakpoint = 768

	// DefaultNavigationTimeout is the soft ceiling for the load event.
	DefaultNavigationTimeout = 8 * time.Second

	cleanupTimeout = 3 * time.Second

	eventLoadFired = "Page.loadEventFired"
)

// dimensionsExpr is the only script this package evaluates. It reads
// layout metrics and has no side effects.
const dimensionsExpr = `JSON.stringify({
	width: window.innerWidth,
	height: window.innerHeight,
	documentHeight: Math.max(
		document.documentElement ? document.documentElement.scrollHeight : 0,
		document.body ? document.body.scrollHeight : 0)
})`

// Format is a screenshot encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Dimensions are the rendered layout metrics of the page in CSS pixels.
type Dimensions struct {
	Width          int `json:"width"`
	Height         int `json:"height"`
	DocumentHeight int `json:"documentHeight"`
}

// Navigation reports how a navigation ended.
type Navigation struct {
	URL       string
	Confirmed bool // load event observed before the ceiling
	Elapsed   time.Duration
}

// TabOption configures a Tab.
type TabOption func(*Tab)

// WithNavigationTimeout sets the load-event ceiling. Default: 8s.
func WithNavigationTimeout(d time.Duration) TabOption {
	return func(t *Tab) {
		if d > 0 {
			t.navTimeout = d
		}
	}
}

// WithTabLogger sets a custom logger.
func WithTabLogger(l *slog.Logger) TabOption {
	return func(t *Tab) { t.logger = l }
}

// Tab is the per-job handle on one browser tab. Viewport emulation and
// navigation are tab-global, so a Tab must be owned by one job at a
// time and closed when the job ends: Close clears any device metrics
// override it applied before closing the channel.
type Tab struct {
	conn       *Conn
	target     Target
	navTimeout time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	viewportSet bool
	width       int
	height      int
	pageEnabled bool

	closeOnce sync.Once
	closeErr  error
}

// Open dials the target's command channel and returns a Tab on it.
func Open(ctx context.Context, target *Target, connOpts []ConnOption, opts ...TabOption) (*Tab, error) {
	conn, err := Dial(ctx, target.WebSocketDebuggerURL, connOpts...)
	if err != nil {
		return nil, err
	}
	return NewTab(conn, *target, opts...), nil
}

// NewTab wraps an open Conn.
func NewTab(conn *Conn, target Target, opts ...TabOption) *Tab {
	t := &Tab{
		conn:       conn,
		target:     target,
		navTimeout: DefaultNavigationTimeout,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Target returns the target this tab is attached to.
func (t *Tab) Target() Target { return t.target }

// SetViewport overrides the device metrics to width x height.
func (t *Tab) SetViewport(ctx context.Context, width, height int) error {
	if err := t.applyMetrics(ctx, width, height); err != nil {
		return err
	}
	t.mu.Lock()
	t.width, t.height = width, height
	t.mu.Unlock()
	return nil
}

func (t *Tab) applyMetrics(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("devtools: invalid viewport %dx%d", width, height)
	}
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            width < MobileBreakpoint,
	}.Call(t.conn.Context(ctx))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.viewportSet = true
	t.mu.Unlock()
	return nil
}

// ClearViewport removes the device metrics override.
func (t *Tab) ClearViewport(ctx context.Context) error {
	if err := (proto.EmulationClearDeviceMetricsOverride{}).Call(t.conn.Context(ctx)); err != nil {
		return err
	}
	t.mu.Lock()
	t.viewportSet = false
	t.mu.Unlock()
	return nil
}

// Navigate loads pageURL and waits for the load event up to the
// navigation ceiling. A missing load event is not an error: the returned
// Navigation has Confirmed=false and the caller proceeds.
func (t *Tab) Navigate(ctx context.Context, pageURL string) (Navigation, error) {
	nav := Navigation{URL: pageURL}
	bound := t.conn.Context(ctx)

	if !t.pageEnabled {
		if err := (proto.PageEnable{}).Call(bound); err != nil {
			return nav, err
		}
		t.pageEnabled = true
	}

	// Subscribe before navigating so a fast load is not missed.
	events, unsubscribe := t.conn.Subscribe(eventLoadFired)
	defer unsubscribe()

	start := time.Now()
	res, err := proto.PageNavigate{URL: pageURL}.Call(bound)
	if err != nil {
		return nav, err
	}
	if res.ErrorText != "" {
		return nav, &CommandError{Method: "Page.navigate", Message: res.ErrorText}
	}

	timer := time.NewTimer(t.navTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-events:
		if !ok {
			return nav, ErrClosed
		}
		nav.Confirmed = true
	case <-timer.C:
		t.logger.Warn("devtools: load event not observed, capturing anyway",
			"url", pageURL, "ceiling", t.navTimeout, "error", ErrNavigationTimeout)
	case <-ctx.Done():
		return nav, fmt.Errorf("devtools: navigate: %w", ctx.Err())
	}
	nav.Elapsed = time.Since(start)
	return nav, nil
}

// Dimensions reads viewport and document size with one read-only
// evaluation.
func (t *Tab) Dimensions(ctx context.Context) (Dimensions, error) {
	var dims Dimensions
	res, err := proto.RuntimeEvaluate{
		Expression:    dimensionsExpr,
		ReturnByValue: true,
	}.Call(t.conn.Context(ctx))
	if err != nil {
		return dims, err
	}
	if res.ExceptionDetails != nil {
		return dims, &CommandError{Method: "Runtime.evaluate", Message: res.ExceptionDetails.Text}
	}
	if res.Result == nil {
		return dims, &CommandError{Method: "Runtime.evaluate", Message: "empty result"}
	}
	if err := json.Unmarshal([]byte(res.Result.Value.Str()), &dims); err != nil {
		return dims, fmt.Errorf("devtools: decode dimensions: %w", err)
	}
	return dims, nil
}

// CaptureScreenshot returns the encoded pixels of the viewport, or of
// the whole document when fullPage is set. A full-page capture grows the
// device metrics to the document height, captures from the document
// top, then restores the requested viewport.
func (t *Tab) CaptureScreenshot(ctx context.Context, format Format, fullPage bool) ([]byte, error) {
	if format == "" {
		format = FormatPNG
	}
	req := proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormat(format)}

	if fullPage {
		dims, err := t.Dimensions(ctx)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		width, height := t.width, t.height
		t.mu.Unlock()
		if width == 0 {
			width = dims.Width
		}
		docHeight := max(dims.DocumentHeight, dims.Height)

		if err := t.applyMetrics(ctx, width, docHeight); err != nil {
			return nil, err
		}
		if height > 0 {
			defer func() {
				if err := t.applyMetrics(ctx, width, height); err != nil {
					t.logger.Warn("devtools: restore viewport failed", "error", err)
				}
			}()
		}

		req.CaptureBeyondViewport = true
		req.Clip = &proto.PageViewport{
			X:      0,
			Y:      0,
			Width:  float64(width),
			Height: float64(docHeight),
			Scale:  1,
		}
	}

	res, err := req.Call(t.conn.Context(ctx))
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Close clears the viewport override if one is active and closes the
// command channel. Safe to call more than once.
func (t *Tab) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		dirty := t.viewportSet
		t.mu.Unlock()

		if dirty && t.conn.Err() == nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := t.ClearViewport(ctx); err != nil {
				t.logger.Warn("devtools: clear viewport on close", "target", t.target.ID, "error", err)
			}
			cancel()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
