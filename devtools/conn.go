package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/cdp"
)

// Default bounds for the command channel.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

// Transport is a message-oriented duplex channel. *cdp.WebSocket from
// go-rod satisfies it; tests plug in an in-memory pipe.
type Transport interface {
	Send(msg []byte) error
	Read() ([]byte, error)
	Close() error
}

// ConnOption configures a Conn.
type ConnOption func(*connConfig)

type connConfig struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
}

func defaultConnConfig() connConfig {
	return connConfig{
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		logger:         slog.Default(),
	}
}

// WithConnectTimeout bounds the WebSocket handshake. Default: 5s.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithCommandTimeout bounds each command round-trip. Default: 10s.
func WithCommandTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithConnLogger sets a custom logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *connConfig) { c.logger = l }
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type request struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Conn is one command channel to one target. Commands are issued one at
// a time: a call holds the channel until its reply arrives, so viewport
// and navigation state change in a deterministic order.
type Conn struct {
	ws     Transport
	cfg    connConfig
	logger *slog.Logger

	callMu sync.Mutex
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	subs    map[string][]chan json.RawMessage
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial opens the WebSocket command channel at wsURL.
func Dial(ctx context.Context, wsURL string, opts ...ConnOption) (*Conn, error) {
	cfg := defaultConnConfig()
	for _, o := range opts {
		o(&cfg)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	ws := &cdp.WebSocket{}
	if err := ws.Connect(dialCtx, wsURL, nil); err != nil {
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, wsURL)
		}
		return nil, fmt.Errorf("devtools: connect %s: %w", wsURL, err)
	}
	return NewConn(ws, opts...), nil
}

// NewConn wraps an already connected transport and starts reading from it.
func NewConn(t Transport, opts ...ConnOption) *Conn {
	cfg := defaultConnConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c := &Conn{
		ws:      t,
		cfg:     cfg,
		logger:  cfg.logger,
		pending: make(map[int64]chan reply),
		subs:    make(map[string][]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends one command and waits for its reply. It satisfies the
// go-rod proto.Client interface, so typed requests can be issued with
// proto.X{...}.Call(conn).
func (c *Conn) Call(ctx context.Context, sessionID, method string, params any) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("devtools: marshal %s: %w", method, err)
	}

	if err := c.ws.Send(data); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("devtools: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.commandTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		var ce *CommandError
		if errors.As(r.err, &ce) {
			ce.Method = method
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, method, c.cfg.commandTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("devtools: %s: %w", method, ctx.Err())
	}
}

// Subscribe delivers the params of every event named method until the
// returned cancel func is called or the channel closes. Slow readers
// drop events.
func (c *Conn) Subscribe(method string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 16)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[method] = append(c.subs[method], ch)
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[method]
			for i, s := range list {
				if s == ch {
					c.subs[method] = append(list[:i], list[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// Done is closed once the channel is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the channel. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
		c.shutdown(ErrClosed)
	})
	return c.closeErr
}

// Context binds ctx to the connection for proto calls.
func (c *Conn) Context(ctx context.Context) *BoundConn {
	return &BoundConn{Conn: c, ctx: ctx}
}

// BoundConn is a Conn carrying the context that proto.X.Call should use.
type BoundConn struct {
	*Conn
	ctx context.Context
}

// GetContext implements proto.Contextable.
func (b *BoundConn) GetContext() context.Context { return b.ctx }

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		data, err := c.ws.Read()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("devtools: undecodable message", "error", err, "size", len(data))
			continue
		}

		switch {
		case msg.ID != 0:
			c.deliver(msg)
		case msg.Method != "":
			c.publish(msg.Method, msg.Params)
		}
	}
}

func (c *Conn) deliver(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("devtools: reply for unknown id", "id", msg.ID)
		return
	}

	var r reply
	if msg.Error != nil {
		r.err = &CommandError{Code: msg.Error.Code, Message: msg.Error.Message}
	} else {
		r.result = msg.Result
	}
	ch <- r
}

func (c *Conn) publish(method string, params json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[method] {
		select {
		case ch <- params:
		default:
			c.logger.Debug("devtools: event dropped", "method", method)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
	for method, list := range c.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(c.subs, method)
	}
	close(c.done)
}
