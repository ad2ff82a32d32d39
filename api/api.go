// Package api serves the job store and the capture orchestrator over
// HTTP.
//
//	GET  /healthz
//	GET  /jobs?status=&limit=
//	POST /jobs
//	GET  /jobs/{id}
//	POST /jobs/{id}/capture
//	POST /jobs/{id}/enqueue
//	GET  /jobs/{id}/trail
//	GET  /jobs/{id}/artifacts
//	GET  /artifacts/*
//
// Everything but /healthz sits behind Basic auth when a password hash is
// configured. Responses are gzip-compressed when the client accepts it.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/hazyhaar/scrollshot/artifact"
	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/jobqueue"
	"github.com/hazyhaar/scrollshot/jobstore"
	"github.com/hazyhaar/scrollshot/kit"
	"github.com/hazyhaar/scrollshot/observability"
	"github.com/hazyhaar/scrollshot/refimage"
)

// maxBody bounds request bodies; inline references are base64 PNGs.
const maxBody = 32 << 20

// Option configures a Server.
type Option func(*Server)

// WithQueue enables POST /jobs/{id}/enqueue.
func WithQueue(q *jobqueue.Queue) Option { return func(s *Server) { s.queue = q } }

// WithEvents enables GET /jobs/{id}/trail.
func WithEvents(l *observability.EventLog) Option { return func(s *Server) { s.events = l } }

// WithArtifacts enables GET /jobs/{id}/artifacts and serves the store
// root under /artifacts/.
func WithArtifacts(a *artifact.LocalStore) Option { return func(s *Server) { s.artifacts = a } }

// WithBasicAuth protects the API with user and a bcrypt password hash.
func WithBasicAuth(user, hash string) Option {
	return func(s *Server) { s.user, s.hash = user, hash }
}

// WithReferenceRoot lets POST /jobs name local reference files under
// root. Without it the API accepts only URLs and reference_base64.
func WithReferenceRoot(root string) Option { return func(s *Server) { s.refRoot = root } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server holds the API dependencies.
type Server struct {
	jobs      *jobstore.Store
	orch      *capture.Orchestrator
	queue     *jobqueue.Queue
	events    *observability.EventLog
	artifacts *artifact.LocalStore
	user      string
	hash      string
	refRoot   string
	logger    *slog.Logger
}

// New creates a Server over jobs and orch.
func New(jobs *jobstore.Store, orch *capture.Orchestrator, opts ...Option) *Server {
	s := &Server{jobs: jobs, orch: orch, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, compressed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(s.logger))
	r.Use(SecurityHeaders)
	r.Use(MaxBody(maxBody))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.hash != "" {
			r.Use(BasicAuth(s.user, s.hash, s.logger))
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/capture", s.handleCapture)
			r.Post("/{id}/enqueue", s.handleEnqueue)
			r.Get("/{id}/trail", s.handleTrail)
			r.Get("/{id}/artifacts", s.handleArtifacts)
		})

		if s.artifacts != nil {
			r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServerFS(os.DirFS(s.artifacts.Root()))))
		}
	})

	return gzhttp.GzipHandler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.orch.Backend().Name()})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := jobstore.Status(r.URL.Query().Get("status"))
	switch status {
	case "", jobstore.StatusPending, jobstore.StatusRecorded, jobstore.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + strconv.Quote(string(status))})
		return
	}
	entries, err := s.jobs.List(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*jobstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// createJobRequest is the body of POST /jobs. The reference is either a
// path/URL or inline base64 bytes.
type createJobRequest struct {
	capture.Job
	ReferenceBase64 string `json:"reference_base64,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job := req.Job
	if req.ReferenceBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ReferenceBase64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reference_base64: " + err.Error()})
			return
		}
		job.ReferenceData = data
	}
	if len(job.ReferenceData) == 0 && job.Reference != "" {
		if _, err := refimage.Resolve(job.Reference, s.refRoot); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if job.ID != "" {
		if _, err := s.jobs.Get(r.Context(), job.ID); err == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "job " + job.ID + " already exists"})
			return
		}
	}
	if err := s.jobs.Create(r.Context(), &job); err != nil {
		if errors.Is(err, capture.ErrInvalidJob) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	e, err := s.jobs.Get(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	e, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleCapture runs the job synchronously. Failed runs answer 422 with
// the full result so the caller sees the reason and the state trail.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := kit.WithJobID(r.Context(), id)

	res := s.orch.RunID(ctx, id)
	switch {
	case res.OK():
		writeJSON(w, http.StatusOK, res)
	case res.Reason == capture.ReasonJobUnavailable && errors.Is(res.Err, jobstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "queue not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.queue.Publish(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event log not configured"})
		return
	}
	trail, err := s.events.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if trail == nil {
		trail = []observability.Transition{}
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "artifact store not configured"})
		return
	}
	list, err := s.artifacts.ListByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []artifact.Metadata{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
