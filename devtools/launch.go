package devtools

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/go-rod/rod/lib/launcher"
)

// Launched is a local browser started by Launch.
type Launched struct {
	Host string
	Port int

	l      *launcher.Launcher
	logger *slog.Logger
}

// Launch starts a local Chrome with remote debugging enabled and opens
// one blank page target on it. It is the fallback when no running
// browser answers on the candidate ports.
func Launch(ctx context.Context, headless bool, logger *slog.Logger) (*Launched, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := launcher.New().Context(ctx).Headless(headless)
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("devtools: launch: %w", err)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("devtools: launch: parse %q: %w", wsURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("devtools: launch: port of %q: %w", wsURL, err)
	}

	lb := &Launched{Host: u.Hostname(), Port: port, l: l, logger: logger}

	// The launcher starts Chrome without a window; give discovery a page.
	d := NewDiscoverer(WithHost(lb.Host), WithDiscoverLogger(logger))
	if _, err := d.NewTarget(ctx, port, "about:blank"); err != nil {
		lb.Close()
		return nil, err
	}

	logger.Info("devtools: launched local chrome", "host", lb.Host, "port", port, "headless", headless)
	return lb, nil
}

// Close kills the browser and removes its profile directory.
func (lb *Launched) Close() {
	if lb.l == nil {
		return
	}
	lb.l.Kill()
	lb.l.Cleanup()
	lb.l = nil
	lb.logger.Info("devtools: local chrome stopped", "port", lb.Port)
}
