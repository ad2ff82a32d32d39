package devtoolstest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/websocket"
)

// Pipe is an in-memory transport connected to b. It satisfies
// devtools.Transport.
type Pipe struct {
	b      *Browser
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

// Pipe opens a new in-memory channel to the browser.
func (b *Browser) Pipe() *Pipe {
	return &Pipe{
		b:      b,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Send hands one command to the browser.
func (p *Pipe) Send(msg []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.b.handle(msg, p.emit)
	return nil
}

// Read blocks until the browser emits a message or the pipe closes.
func (p *Pipe) Read() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

// Close closes the pipe. Safe to call more than once.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *Pipe) emit(msg []byte) {
	select {
	case p.in <- msg:
	case <-p.closed:
	}
}

// Server exposes a Browser over HTTP discovery and WebSocket.
type Server struct {
	*httptest.Server
	b *Browser

	mu    sync.Mutex
	hits  int
	pages []target
}

type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Serve starts an HTTP server listing one page target backed by b. The
// server is closed with t's cleanup.
func Serve(t testing.TB, b *Browser) *Server {
	t.Helper()
	s := &Server{b: b}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /json", s.handleList)
	mux.HandleFunc("GET /json/list", s.handleList)
	mux.HandleFunc("PUT /json/new", s.handleNew)
	mux.HandleFunc("GET /json/close/{id}", s.handleClose)
	mux.Handle("/devtools/page/", websocket.Server{Handler: s.handleWS})

	s.Server = httptest.NewServer(mux)
	s.pages = []target{s.page("page-1", "about:blank")}
	t.Cleanup(s.Close)
	return s
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Listener.Addr().String())
	return host
}

// Hits returns how many /json listings were served.
func (s *Server) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// Pages returns the IDs of the open page targets.
func (s *Server) Pages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pages))
	for _, p := range s.pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Server) page(id, url string) target {
	return target{
		ID:                   id,
		Type:                 "page",
		Title:                "fake",
		URL:                  url,
		WebSocketDebuggerURL: "ws://" + s.Listener.Addr().String() + "/devtools/page/" + id,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits++
	list := append([]target(nil), s.pages...)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p := s.page("page-"+strconv.Itoa(len(s.pages)+1), r.URL.RawQuery)
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pages {
		if p.ID == id {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			io.WriteString(w, "Target is closing")
			return
		}
	}
	http.Error(w, "No such target id: "+id, http.StatusNotFound)
}

func (s *Server) handleWS(ws *websocket.Conn) {
	defer ws.Close()
	if !strings.HasPrefix(ws.Request().URL.Path, "/devtools/page/") {
		return
	}

	var sendMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	emit := func(msg []byte) {
		select {
		case <-done:
			return
		default:
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		websocket.Message.Send(ws, string(msg))
	}

	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			return
		}
		s.b.handle(data, emit)
	}
}
