package devtools_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"slices"
	"testing"
	"time"

	"github.com/hazyhaar/scrollshot/devtools"
	"github.com/hazyhaar/scrollshot/devtools/devtoolstest"
	"github.com/hazyhaar/scrollshot/internal/testimage"
)

func newTab(t *testing.T, b *devtoolstest.Browser, opts ...devtools.TabOption) *devtools.Tab {
	t.Helper()
	tab := devtools.NewTab(devtools.NewConn(b.Pipe()), devtools.Target{ID: "page-1", Type: "page"}, opts...)
	t.Cleanup(func() { tab.Close() })
	return tab
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode screenshot: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestTab_ViewportRoundTrip(t *testing.T) {
	tab := newTab(t, newBrowser())
	ctx := context.Background()

	if err := tab.SetViewport(ctx, 1024, 768); err != nil {
		t.Fatal(err)
	}
	dims, err := tab.Dimensions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dims.Width != 1024 || dims.Height != 768 {
		t.Fatalf("got %dx%d, want 1024x768", dims.Width, dims.Height)
	}
	if dims.DocumentHeight != 2000 {
		t.Fatalf("got document height %d, want 2000", dims.DocumentHeight)
	}
}

func TestTab_SetViewportRejectsEmpty(t *testing.T) {
	tab := newTab(t, newBrowser())
	if err := tab.SetViewport(context.Background(), 0, 768); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestTab_NavigateConfirmed(t *testing.T) {
	b := newBrowser()
	tab := newTab(t, b)

	nav, err := tab.Navigate(context.Background(), "https://example.com/products")
	if err != nil {
		t.Fatal(err)
	}
	if !nav.Confirmed {
		t.Fatal("expected load event to confirm navigation")
	}
	if b.URL() != "https://example.com/products" {
		t.Fatalf("browser at %q", b.URL())
	}
	if calls := b.Calls(); calls[0] != "Page.enable" {
		t.Fatalf("first call %q, want Page.enable", calls[0])
	}
}

func TestTab_NavigateWithoutLoadEventProceeds(t *testing.T) {
	b := newBrowser()
	b.NeverLoad()
	tab := newTab(t, b, devtools.WithNavigationTimeout(50*time.Millisecond))
	ctx := context.Background()

	nav, err := tab.Navigate(ctx, "https://example.com/spa")
	if err != nil {
		t.Fatalf("navigation without load event must not fail: %v", err)
	}
	if nav.Confirmed {
		t.Fatal("expected unconfirmed navigation")
	}

	// Capture still works afterwards.
	if _, err := tab.CaptureScreenshot(ctx, devtools.FormatPNG, false); err != nil {
		t.Fatal(err)
	}
}

func TestTab_NavigateErrorText(t *testing.T) {
	b := newBrowser()
	b.SetNavigateError("net::ERR_NAME_NOT_RESOLVED")
	tab := newTab(t, b)

	_, err := tab.Navigate(context.Background(), "https://nowhere.invalid")
	var ce *devtools.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CommandError", err)
	}
	if ce.Method != "Page.navigate" || ce.Message != "net::ERR_NAME_NOT_RESOLVED" {
		t.Fatalf("unexpected error %+v", ce)
	}
}

func TestTab_CaptureViewport(t *testing.T) {
	tab := newTab(t, newBrowser())
	ctx := context.Background()
	if err := tab.SetViewport(ctx, 400, 600); err != nil {
		t.Fatal(err)
	}

	data, err := tab.CaptureScreenshot(ctx, devtools.FormatJPEG, false)
	if err != nil {
		t.Fatal(err)
	}
	if w, h := decodeSize(t, data); w != 400 || h != 600 {
		t.Fatalf("got %dx%d, want 400x600", w, h)
	}
}

func TestTab_CaptureFullPage(t *testing.T) {
	b := newBrowser()
	b.ScrollTo(900)
	tab := newTab(t, b)
	ctx := context.Background()
	if err := tab.SetViewport(ctx, 400, 600); err != nil {
		t.Fatal(err)
	}

	data, err := tab.CaptureScreenshot(ctx, devtools.FormatPNG, true)
	if err != nil {
		t.Fatal(err)
	}
	if w, h := decodeSize(t, data); w != 400 || h != 2000 {
		t.Fatalf("got %dx%d, want 400x2000", w, h)
	}

	// Captured from the document top regardless of scroll position.
	shot, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	want := testimage.Page(400, 2000).RGBAAt(10, 5)
	r, g, bl, _ := shot.At(10, 5).RGBA()
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(bl>>8) != want.B {
		t.Fatalf("pixel (10,5) = %d,%d,%d, want %v", r>>8, g>>8, bl>>8, want)
	}

	// The requested viewport is restored.
	if w, h, override := b.Viewport(); w != 400 || h != 600 || !override {
		t.Fatalf("viewport after full-page capture %dx%d override=%v", w, h, override)
	}
}

func TestTab_CloseClearsViewport(t *testing.T) {
	b := newBrowser()
	tab := devtools.NewTab(devtools.NewConn(b.Pipe()), devtools.Target{ID: "page-1"})
	if err := tab.SetViewport(context.Background(), 375, 667); err != nil {
		t.Fatal(err)
	}

	if err := tab.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tab.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, _, override := b.Viewport(); override {
		t.Fatal("viewport override leaked past Close")
	}
	n := 0
	for _, c := range b.Calls() {
		if c == "Emulation.clearDeviceMetricsOverride" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("clear sent %d times, want 1", n)
	}
}

func TestTab_CloseWithoutViewport(t *testing.T) {
	b := newBrowser()
	tab := devtools.NewTab(devtools.NewConn(b.Pipe()), devtools.Target{ID: "page-1"})
	if err := tab.Close(); err != nil {
		t.Fatal(err)
	}
	if slices.Contains(b.Calls(), "Emulation.clearDeviceMetricsOverride") {
		t.Fatal("clear sent although no override was applied")
	}
}

func TestTab_OverWebSocket(t *testing.T) {
	b := newBrowser()
	srv := devtoolstest.Serve(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := devtools.NewDiscoverer(devtools.WithHost(srv.Host()))
	target, err := d.Discover(ctx, []int{srv.Port()}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	tab, err := devtools.Open(ctx, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tab.Close()

	if err := tab.SetViewport(ctx, 1024, 768); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.Navigate(ctx, "https://example.com"); err != nil {
		t.Fatal(err)
	}
	dims, err := tab.Dimensions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dims.Width != 1024 || dims.Height != 768 {
		t.Fatalf("got %dx%d, want 1024x768", dims.Width, dims.Height)
	}
}
