// Package devtools is a minimal client for the browser debugging protocol.
//
// It discovers a debuggable page over the HTTP /json endpoint, opens the
// page's WebSocket command channel and issues the handful of typed
// commands needed to emulate a viewport, navigate and capture pixels.
// Command payloads are the generated go-rod proto structs; the channel,
// id correlation and timeouts are implemented here.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultPorts are tried when the caller gives no candidate ports.
var DefaultPorts = []int{9222, 9223}

// DefaultDiscoverTimeout bounds a single /json request.
const DefaultDiscoverTimeout = 2 * time.Second

// Target is one entry of the /json listing.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`

	// Port is the debugging port the target was discovered on.
	Port int `json:"-"`
}

// IsPage reports whether the target is a page with an open command channel.
func (t Target) IsPage() bool {
	return t.Type == "page" && t.WebSocketDebuggerURL != ""
}

// Discoverer queries debugging endpoints on a host.
type Discoverer struct {
	host   string
	client *http.Client
	logger *slog.Logger
}

// DiscoverOption configures a Discoverer.
type DiscoverOption func(*Discoverer)

// WithHost sets the host to query. Default: "localhost".
func WithHost(host string) DiscoverOption {
	return func(d *Discoverer) { d.host = host }
}

// WithHTTPClient sets the HTTP client used for discovery.
func WithHTTPClient(c *http.Client) DiscoverOption {
	return func(d *Discoverer) { d.client = c }
}

// WithDiscoverLogger sets a custom logger.
func WithDiscoverLogger(l *slog.Logger) DiscoverOption {
	return func(d *Discoverer) { d.logger = l }
}

// NewDiscoverer creates a Discoverer for localhost.
func NewDiscoverer(opts ...DiscoverOption) *Discoverer {
	d := &Discoverer{
		host:   "localhost",
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Discover queries each port in order and returns the first page target
// of the first port that lists at least one. Ports after a success are
// never queried.
func (d *Discoverer) Discover(ctx context.Context, ports []int, perPortTimeout time.Duration) (*Target, error) {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	if perPortTimeout <= 0 {
		perPortTimeout = DefaultDiscoverTimeout
	}

	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		targets, err := d.fetchTargets(ctx, port, perPortTimeout)
		if err != nil {
			d.logger.Debug("devtools: port unavailable", "port", port, "error", err)
			continue
		}
		for _, t := range targets {
			if t.IsPage() {
				d.logger.Debug("devtools: target found", "port", port, "id", t.ID, "url", t.URL)
				return &t, nil
			}
		}
		d.logger.Debug("devtools: no page targets", "port", port, "listed", len(targets))
	}
	return nil, ErrNoDebugTarget
}

// ListTargets returns every target listed on port.
func (d *Discoverer) ListTargets(ctx context.Context, port int) ([]Target, error) {
	return d.fetchTargets(ctx, port, DefaultDiscoverTimeout)
}

// NewTarget opens a fresh tab on the browser listening on port.
func (d *Discoverer) NewTarget(ctx context.Context, port int, pageURL string) (*Target, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	u := d.endpoint(port, "/json/new") + "?" + url.QueryEscape(pageURL)

	ctx, cancel := context.WithTimeout(ctx, DefaultDiscoverTimeout)
	defer cancel()

	// Chrome 111+ rejects GET on /json/new.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return nil, fmt.Errorf("devtools: new target request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools: new target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools: new target: status %d", resp.StatusCode)
	}

	var t Target
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&t); err != nil {
		return nil, fmt.Errorf("devtools: decode new target: %w", err)
	}
	t.Port = port
	return &t, nil
}

// CloseTarget closes a tab previously opened with NewTarget.
func (d *Discoverer) CloseTarget(ctx context.Context, t *Target) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultDiscoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint(t.Port, "/json/close/"+t.ID), nil)
	if err != nil {
		return fmt.Errorf("devtools: close target request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("devtools: close target: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools: close target: status %d", resp.StatusCode)
	}
	return nil
}

func (d *Discoverer) fetchTargets(ctx context.Context, port int, timeout time.Duration) ([]Target, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint(port, "/json"), nil)
	if err != nil {
		return nil, fmt.Errorf("devtools: target list request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools: target list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools: target list: status %d", resp.StatusCode)
	}

	var targets []Target
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&targets); err != nil {
		return nil, fmt.Errorf("devtools: decode targets: %w", err)
	}
	for i := range targets {
		targets[i].Port = port
	}
	return targets, nil
}

func (d *Discoverer) endpoint(port int, path string) string {
	return "http://" + net.JoinHostPort(d.host, strconv.Itoa(port)) + path
}
