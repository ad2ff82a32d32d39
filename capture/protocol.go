package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/scrollshot/devtools"
)

// ProtocolOption configures a ProtocolBackend.
type ProtocolOption func(*ProtocolBackend)

// WithDiscoverer sets the endpoint discoverer (host, HTTP client).
func WithDiscoverer(d *devtools.Discoverer) ProtocolOption {
	return func(b *ProtocolBackend) { b.discoverer = d }
}

// WithPorts sets the candidate debugging ports, tried in order.
func WithPorts(ports ...int) ProtocolOption {
	return func(b *ProtocolBackend) {
		if len(ports) > 0 {
			b.ports = ports
		}
	}
}

// WithDiscoverTimeout bounds each port request. Default: 2s.
func WithDiscoverTimeout(d time.Duration) ProtocolOption {
	return func(b *ProtocolBackend) { b.discoverTimeout = d }
}

// WithConnOptions passes options to every command channel.
func WithConnOptions(opts ...devtools.ConnOption) ProtocolOption {
	return func(b *ProtocolBackend) { b.connOpts = append(b.connOpts, opts...) }
}

// WithTabOptions passes options to every tab.
func WithTabOptions(opts ...devtools.TabOption) ProtocolOption {
	return func(b *ProtocolBackend) { b.tabOpts = append(b.tabOpts, opts...) }
}

// WithFormat sets the screenshot encoding. Default: PNG.
func WithFormat(f devtools.Format) ProtocolOption {
	return func(b *ProtocolBackend) { b.format = f }
}

// WithDedicatedTabs opens a fresh tab per session and closes it after,
// so parallel jobs on one browser do not share viewport state.
func WithDedicatedTabs() ProtocolOption {
	return func(b *ProtocolBackend) { b.dedicated = true }
}

// WithProtocolLogger sets a custom logger.
func WithProtocolLogger(l *slog.Logger) ProtocolOption {
	return func(b *ProtocolBackend) { b.logger = l }
}

// ProtocolBackend captures through a browser's debugging protocol.
type ProtocolBackend struct {
	discoverer      *devtools.Discoverer
	ports           []int
	discoverTimeout time.Duration
	connOpts        []devtools.ConnOption
	tabOpts         []devtools.TabOption
	format          devtools.Format
	dedicated       bool
	logger          *slog.Logger
}

// NewProtocolBackend creates a backend querying the default ports on
// localhost.
func NewProtocolBackend(opts ...ProtocolOption) *ProtocolBackend {
	b := &ProtocolBackend{
		ports:           devtools.DefaultPorts,
		discoverTimeout: devtools.DefaultDiscoverTimeout,
		format:          devtools.FormatPNG,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.discoverer == nil {
		b.discoverer = devtools.NewDiscoverer(devtools.WithDiscoverLogger(b.logger))
	}
	return b
}

func (b *ProtocolBackend) Name() string { return "devtools" }

// Check discovers a page target without connecting to it.
func (b *ProtocolBackend) Check(ctx context.Context) error {
	_, err := b.discoverer.Discover(ctx, b.ports, b.discoverTimeout)
	return err
}

// Open discovers a target and attaches a tab to it.
func (b *ProtocolBackend) Open(ctx context.Context) (Session, error) {
	target, err := b.discoverer.Discover(ctx, b.ports, b.discoverTimeout)
	if err != nil {
		return nil, err
	}

	owned := false
	if b.dedicated {
		t, err := b.discoverer.NewTarget(ctx, target.Port, "about:blank")
		if err != nil {
			return nil, err
		}
		target, owned = t, true
	}

	tab, err := devtools.Open(ctx, target, b.connOpts, append([]devtools.TabOption{devtools.WithTabLogger(b.logger)}, b.tabOpts...)...)
	if err != nil {
		if owned {
			b.closeTarget(target)
		}
		return nil, err
	}
	return &protocolSession{b: b, tab: tab, target: target, owned: owned}, nil
}

func (b *ProtocolBackend) closeTarget(t *devtools.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), devtools.DefaultDiscoverTimeout)
	defer cancel()
	if err := b.discoverer.CloseTarget(ctx, t); err != nil {
		b.logger.Warn("capture: close dedicated tab", "target", t.ID, "error", err)
	}
}

type protocolSession struct {
	b      *ProtocolBackend
	tab    *devtools.Tab
	target *devtools.Target
	owned  bool

	once sync.Once
	err  error
}

func (s *protocolSession) Key() string {
	return "devtools:" + strconv.Itoa(s.target.Port) + "/" + s.target.ID
}

func (s *protocolSession) Capabilities() Capabilities {
	return Capabilities{Viewport: true, Navigate: true, FullPage: true}
}

func (s *protocolSession) SetViewport(ctx context.Context, width, height int) error {
	return s.tab.SetViewport(ctx, width, height)
}

func (s *protocolSession) Navigate(ctx context.Context, url string) (bool, error) {
	nav, err := s.tab.Navigate(ctx, url)
	if err != nil {
		return false, err
	}
	return nav.Confirmed, nil
}

func (s *protocolSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	data, err := s.tab.CaptureScreenshot(ctx, s.b.format, fullPage)
	if err != nil {
		return nil, fmt.Errorf("capture: screenshot: %w", err)
	}
	return data, nil
}

func (s *protocolSession) Close() error {
	s.once.Do(func() {
		s.err = s.tab.Close()
		if s.owned {
			s.b.closeTarget(s.target)
		}
	})
	return s.err
}
