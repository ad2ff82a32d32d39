package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"strconv"

	"github.com/hazyhaar/scrollshot/capture/internal/screen"
)

// ScreenBackend captures the visible display at the OS level. It cannot
// emulate a viewport, navigate or capture beyond the screen, so it only
// serves references taken at the page top on a page already on screen.
type ScreenBackend struct {
	display  int
	displays func() int
	grab     func(int) (*image.RGBA, error)
	logger   *slog.Logger
}

// NewScreenBackend captures display index display (0 = primary).
func NewScreenBackend(display int, logger *slog.Logger) *ScreenBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenBackend{
		display:  display,
		displays: screen.Displays,
		grab:     screen.Grab,
		logger:   logger,
	}
}

func (b *ScreenBackend) Name() string { return "screen" }

func (b *ScreenBackend) Check(ctx context.Context) error {
	if n := b.displays(); b.display >= n {
		return fmt.Errorf("%w: have %d, want index %d", screen.ErrNoDisplay, n, b.display)
	}
	return nil
}

func (b *ScreenBackend) Open(ctx context.Context) (Session, error) {
	if err := b.Check(ctx); err != nil {
		return nil, err
	}
	return &screenSession{b: b}, nil
}

type screenSession struct{ b *ScreenBackend }

func (s *screenSession) Key() string { return "screen:" + strconv.Itoa(s.b.display) }

func (s *screenSession) Capabilities() Capabilities { return Capabilities{} }

func (s *screenSession) SetViewport(context.Context, int, int) error { return nil }

func (s *screenSession) Navigate(context.Context, string) (bool, error) { return false, nil }

func (s *screenSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if fullPage {
		return nil, ErrFullPageUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := s.b.grab(s.b.display)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("capture: encode screen: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *screenSession) Close() error { return nil }
