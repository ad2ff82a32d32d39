package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/scrollshot/artifact"
	"github.com/hazyhaar/scrollshot/idgen"
	"github.com/hazyhaar/scrollshot/internal/testimage"
)

// fakeBackend hands out fakeSessions rendering page.
type fakeBackend struct {
	name     string
	page     *image.RGBA
	caps     Capabilities
	key      string // empty: one key per session
	openErr  error
	checkErr error

	// per-session behaviour
	viewportErr error
	navigate    func(ctx context.Context, url string) (bool, error)
	shotErr     error

	opened   atomic.Int32
	mu       sync.Mutex
	sessions []*fakeSession

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeBackend(page *image.RGBA) *fakeBackend {
	return &fakeBackend{
		name: "fake",
		page: page,
		caps: Capabilities{Viewport: true, Navigate: true, FullPage: true},
		key:  "fake:tab",
	}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Check(context.Context) error { return b.checkErr }

func (b *fakeBackend) Open(ctx context.Context) (Session, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	n := b.opened.Add(1)
	key := b.key
	if key == "" {
		key = fmt.Sprintf("fake:%d", n)
	}
	s := &fakeSession{b: b, key: key}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) all() []*fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeSession(nil), b.sessions...)
}

type fakeSession struct {
	b   *fakeBackend
	key string

	mu       sync.Mutex
	width    int
	height   int
	shots    []bool // fullPage flag per Screenshot
	closes   int
	inFlight bool
}

func (s *fakeSession) Key() string { return s.key }

func (s *fakeSession) Capabilities() Capabilities { return s.b.caps }

func (s *fakeSession) SetViewport(ctx context.Context, w, h int) error {
	if s.b.viewportErr != nil {
		return s.b.viewportErr
	}
	s.mu.Lock()
	s.width, s.height = w, h
	if !s.inFlight {
		s.inFlight = true
		if n := s.b.active.Add(1); n > s.b.maxActive.Load() {
			s.b.maxActive.Store(n)
		}
	}
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (s *fakeSession) Navigate(ctx context.Context, url string) (bool, error) {
	if s.b.navigate != nil {
		return s.b.navigate(ctx, url)
	}
	return true, nil
}

func (s *fakeSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	s.mu.Lock()
	s.shots = append(s.shots, fullPage)
	h := s.height
	s.mu.Unlock()
	if s.b.shotErr != nil {
		return nil, s.b.shotErr
	}
	if fullPage {
		return testimage.PNG(s.b.page), nil
	}
	return testimage.PNG(testimage.Crop(s.b.page, 0, min(h, s.b.page.Bounds().Dy()))), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.inFlight {
		s.inFlight = false
		s.b.active.Add(-1)
	}
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) screenshots() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.shots...)
}

// memUploader keeps artifacts in memory.
type memUploader struct {
	mu      sync.Mutex
	putErr  error
	metaErr error
	objects map[string][]byte
	meta    []artifact.Metadata
}

func newMemUploader() *memUploader {
	return &memUploader{objects: make(map[string][]byte)}
}

func (u *memUploader) Put(_ context.Context, data []byte, key, _ string) (string, error) {
	if u.putErr != nil {
		return "", u.putErr
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.objects[key]; ok {
		return "", fmt.Errorf("key %s exists", key)
	}
	u.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (u *memUploader) WriteMetadata(_ context.Context, m artifact.Metadata) error {
	if u.metaErr != nil {
		return u.metaErr
	}
	u.mu.Lock()
	u.meta = append(u.meta, m)
	u.mu.Unlock()
	return nil
}

func (u *memUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for k := range u.objects {
		out = append(out, k)
	}
	return out
}

// memJobs is a JobSource and FailureRecorder.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[string]Job
	recordErr error
	results   map[string]Record
	failures  map[string]FailureReason
}

func newMemJobs(jobs ...Job) *memJobs {
	m := &memJobs{
		jobs:     make(map[string]Job),
		results:  make(map[string]Record),
		failures: make(map[string]FailureReason),
	}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) GetJob(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	return j, nil
}

func (m *memJobs) RecordResult(_ context.Context, id string, rec Record) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.mu.Lock()
	m.results[id] = rec
	m.mu.Unlock()
	return nil
}

func (m *memJobs) RecordFailure(_ context.Context, id string, reason FailureReason, _ string) error {
	m.mu.Lock()
	m.failures[id] = reason
	m.mu.Unlock()
	return nil
}

func (m *memJobs) result(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	return r, ok
}

func (m *memJobs) failure(id string) FailureReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

// scrolledPage is a 400x2000 page without a dark header.
func scrolledPage() *image.RGBA { return testimage.Page(400, 2000) }

// headerPage has a black navigation bar over its first 60 rows.
func headerPage() *image.RGBA {
	p := testimage.Page(400, 2000)
	testimage.Fill(p, image.Rect(0, 0, 400, 60), color.Black)
	return p
}

func job(id string, ref []byte) Job {
	return Job{
		ID:             id,
		PageURL:        "https://shop.example/products",
		ReferenceData:  ref,
		ViewportWidth:  400,
		ViewportHeight: 600,
	}
}

func newTestOrchestrator(t *testing.T, b Backend, up Uploader, rec Recorder, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithBackend(b),
		WithUploader(up),
		WithRecorder(rec),
		WithKeyGenerator(idgen.Sequence("k")),
	}
	if src, ok := rec.(JobSource); ok {
		base = append(base, WithJobSource(src))
	}
	o, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}
