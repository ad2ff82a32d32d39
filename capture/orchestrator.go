package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/scrollshot/align"
	"github.com/hazyhaar/scrollshot/artifact"
	"github.com/hazyhaar/scrollshot/idgen"
	"github.com/hazyhaar/scrollshot/observability"
	"github.com/hazyhaar/scrollshot/refimage"
)

const (
	// DefaultBudget bounds one job end to end.
	DefaultBudget = 60 * time.Second

	cleanupTimeout = 5 * time.Second
)

// Uploader persists artifacts and their metadata.
type Uploader interface {
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
	WriteMetadata(ctx context.Context, m artifact.Metadata) error
}

// Artifact describes the captured image handed to the Uploader.
type Artifact struct {
	Data        []byte `json:"-"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	ByteSize    int    `json:"byte_size"`
	Key         string `json:"key,omitempty"`
}

// Result is the outcome of one job. Low alignment confidence is reported
// in Alignment and never turns a job into a failure.
type Result struct {
	JobID               string                     `json:"job_id"`
	State               State                      `json:"state"`
	Reason              FailureReason              `json:"reason,omitempty"`
	Error               string                     `json:"error,omitempty"`
	Err                 error                      `json:"-"`
	Backend             string                     `json:"backend,omitempty"`
	Analysis            *refimage.Analysis         `json:"analysis,omitempty"`
	Alignment           *align.Result              `json:"alignment,omitempty"`
	NavigationConfirmed bool                       `json:"navigation_confirmed"`
	Artifact            *Artifact                  `json:"artifact,omitempty"`
	PublicURL           string                     `json:"public_url,omitempty"`
	Duration            time.Duration              `json:"duration_ns"`
	Trail               []observability.Transition `json:"trail"`
}

// OK reports whether the job reached StateRecorded.
func (r *Result) OK() bool { return r.State == StateRecorded }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBackend sets the capture backend. Required.
func WithBackend(b Backend) Option { return func(o *Orchestrator) { o.backend = b } }

// WithUploader sets the artifact store. Required.
func WithUploader(u Uploader) Option { return func(o *Orchestrator) { o.uploader = u } }

// WithRecorder sets where results are recorded. Default: NopRecorder.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithJobSource sets the job lookup used by RunID and RunBatch.
func WithJobSource(s JobSource) Option { return func(o *Orchestrator) { o.source = s } }

// WithAnalyzer sets the reference analyzer.
func WithAnalyzer(a *refimage.Analyzer) Option { return func(o *Orchestrator) { o.analyzer = a } }

// WithMatcher sets the alignment matcher.
func WithMatcher(m *align.Matcher) Option { return func(o *Orchestrator) { o.matcher = m } }

// WithBudget bounds each job. Default: 60s.
func WithBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.budget = d
		}
	}
}

// WithWorkers bounds parallel jobs in RunBatch. Default: 1.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMetrics records one capture sample per job.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithEvents persists the state trail of every job.
func WithEvents(l *observability.EventLog) Option { return func(o *Orchestrator) { o.events = l } }

// WithKeyGenerator sets the generator for artifact keys. Default:
// timestamped short IDs.
func WithKeyGenerator(g idgen.Generator) Option { return func(o *Orchestrator) { o.keys = g } }

// WithReferenceLoader sets how Job.Reference is fetched. Default:
// refimage.Load.
func WithReferenceLoader(fn func(ctx context.Context, src string) ([]byte, error)) Option {
	return func(o *Orchestrator) { o.loadRef = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// Orchestrator runs capture jobs.
type Orchestrator struct {
	backend  Backend
	uploader Uploader
	recorder Recorder
	source   JobSource
	analyzer *refimage.Analyzer
	matcher  *align.Matcher
	metrics  *observability.Metrics
	events   *observability.EventLog
	keys     idgen.Generator
	loadRef  func(ctx context.Context, src string) ([]byte, error)
	budget   time.Duration
	workers  int
	logger   *slog.Logger

	locks tabLocks
}

// New creates an Orchestrator. A backend and an uploader are required.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		recorder: NopRecorder{},
		keys:     idgen.Timestamped(idgen.Short(8)),
		loadRef:  refimage.Load,
		budget:   DefaultBudget,
		workers:  1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.backend == nil {
		return nil, errors.New("capture: no backend configured")
	}
	if o.uploader == nil {
		return nil, errors.New("capture: no uploader configured")
	}
	if o.analyzer == nil {
		o.analyzer = refimage.NewAnalyzer(refimage.WithLogger(o.logger))
	}
	if o.matcher == nil {
		o.matcher = align.New(align.WithLogger(o.logger))
	}
	return o, nil
}

// Backend returns the backend in use.
func (o *Orchestrator) Backend() Backend { return o.backend }

// Run drives job to StateRecorded or StateFailed. It never returns a nil
// Result; failures are described by Result.Reason and Result.Err.
func (o *Orchestrator) Run(ctx context.Context, job Job) *Result {
	start := time.Now()
	m := newMachine(job.ID)
	res := &Result{JobID: job.ID, Backend: o.backend.Name()}
	log := o.logger.With("job_id", job.ID)

	b := newJobBudget(ctx, o.budget)
	defer b.stop()

	if err := o.run(b, job, m, res, log); err != nil {
		reason := ReasonOf(err)
		if b.expired() {
			reason = ReasonJobTimeout
		}
		if reason == "" {
			reason = ReasonInternal
		}
		m.fail(reason, err)
		res.Reason, res.Err, res.Error = reason, err, err.Error()
		log.Warn("capture: job failed", "state", m.trail[len(m.trail)-1].From, "reason", reason, "error", err)
		o.recordFailure(ctx, job.ID, reason, err)
	} else {
		log.Info("capture: job recorded", "url", res.PublicURL, "duration", time.Since(start))
	}

	res.State = m.state
	res.Trail = m.trail
	res.Duration = time.Since(start)
	o.observe(ctx, res)
	return res
}

// RunID loads jobID from the job source and runs it.
func (o *Orchestrator) RunID(ctx context.Context, jobID string) *Result {
	if o.source == nil {
		return o.unavailable(ctx, jobID, errors.New("capture: no job source configured"))
	}
	job, err := o.source.GetJob(ctx, jobID)
	if err != nil {
		return o.unavailable(ctx, jobID, err)
	}
	return o.Run(ctx, job)
}

func (o *Orchestrator) unavailable(ctx context.Context, jobID string, err error) *Result {
	m := newMachine(jobID)
	m.fail(ReasonJobUnavailable, err)
	res := &Result{
		JobID:   jobID,
		State:   m.state,
		Reason:  ReasonJobUnavailable,
		Err:     err,
		Error:   err.Error(),
		Backend: o.backend.Name(),
		Trail:   m.trail,
	}
	o.logger.Warn("capture: job unavailable", "job_id", jobID, "error", err)
	o.observe(ctx, res)
	return res
}

func (o *Orchestrator) run(b *jobBudget, job Job, m *machine, res *Result, log *slog.Logger) error {
	ctx := b.ctx
	if err := job.Validate(); err != nil {
		return &Error{Reason: ReasonInvalidJob, Err: err}
	}

	ref, format, err := o.reference(ctx, job)
	if err != nil {
		return &Error{Reason: ReasonReferenceInvalid, Err: err}
	}
	an := o.analyzer.AnalyzeImage(ref)
	an.Format = format
	res.Analysis = &an

	sess, release, err := o.acquire(b, log)
	if err != nil {
		return err
	}
	defer release()
	ctx = b.ctx
	caps := sess.Capabilities()

	if caps.Viewport {
		if err := sess.SetViewport(ctx, job.ViewportWidth, job.ViewportHeight); err != nil {
			return &Error{Reason: protocolReason(err), Err: err}
		}
	} else {
		log.Debug("capture: backend does not emulate viewports", "backend", o.backend.Name())
	}
	if err := m.advance(StateViewportSet, fmt.Sprintf("%dx%d", job.ViewportWidth, job.ViewportHeight)); err != nil {
		return err
	}

	if caps.Navigate {
		confirmed, err := sess.Navigate(ctx, job.PageURL)
		if err != nil {
			return &Error{Reason: protocolReason(err), Err: err}
		}
		res.NavigationConfirmed = confirmed
		if !confirmed {
			log.Warn("capture: navigation unconfirmed, capturing anyway", "url", job.PageURL)
		}
	}
	if err := m.advance(StateNavigated, job.PageURL); err != nil {
		return err
	}

	var art *Artifact
	if an.HeaderVisible {
		art, err = o.viewportShot(ctx, sess, release, res)
		if err != nil {
			return err
		}
		if err := m.advance(StateCropped, "viewport"); err != nil {
			return err
		}
	} else {
		if !caps.FullPage {
			return &Error{Reason: ReasonFullPageUnsupported, Err: ErrFullPageUnsupported}
		}
		data, err := sess.Screenshot(ctx, true)
		release()
		if err != nil {
			return &Error{Reason: protocolReason(err), Err: err}
		}
		if err := m.advance(StateFullPageCaptured, fmt.Sprintf("%d bytes", len(data))); err != nil {
			return err
		}

		full, _, err := refimage.Decode(data)
		if err != nil {
			return &Error{Reason: ReasonProtocolCommand, Err: fmt.Errorf("capture: decode full page: %w", err)}
		}
		ar, err := o.matcher.Match(ctx, full, ref)
		if err != nil {
			return &Error{Reason: protocolReason(err), Err: err}
		}
		res.Alignment = &ar
		if ar.LowConfidence {
			log.Warn("capture: low alignment confidence", "offset_y", ar.OffsetY, "confidence", ar.Confidence)
		}
		if err := m.advance(StateAligned, fmt.Sprintf("offset=%d confidence=%.3f", ar.OffsetY, ar.Confidence)); err != nil {
			return err
		}

		art, err = cropArtifact(full, ar)
		if err != nil {
			return &Error{Reason: ReasonInternal, Err: err}
		}
		if err := m.advance(StateCropped, fmt.Sprintf("rows %d-%d", ar.OffsetY, ar.OffsetY+ar.TemplateHeight)); err != nil {
			return err
		}
	}
	res.Artifact = art

	art.Key = idgen.ArtifactKey(o.keys, job.ID, extFor(art.ContentType))
	url, err := o.uploader.Put(ctx, art.Data, art.Key, art.ContentType)
	if err != nil {
		return &Error{Reason: ReasonUploadFailure, Err: err}
	}
	res.PublicURL = url
	if err := m.advance(StateUploaded, url); err != nil {
		return err
	}

	meta := artifact.Metadata{
		JobID:       job.ID,
		Type:        string(an.CaptureType),
		SourceURL:   job.PageURL,
		PublicURL:   url,
		ByteSize:    int64(len(art.Data)),
		SHA256:      artifact.Digest(art.Data),
		ContentType: art.ContentType,
		CreatedAt:   time.Now(),
	}
	art.Data = nil
	if err := o.uploader.WriteMetadata(ctx, meta); err != nil {
		return &Error{Reason: ReasonMetadataWrite, Err: err}
	}

	if err := o.recorder.RecordResult(ctx, job.ID, Record{Type: meta.Type, PublicURL: url}); err != nil {
		return &Error{Reason: ReasonRecordFailure, Err: err}
	}
	return m.advance(StateRecorded, "")
}

// acquire opens a session and takes its tab lock. The budget is paused
// while the lock is awaited, so a job queued behind another on the same
// tab is not charged for the wait; the wait itself ends only with the
// parent context. release closes the session, which clears any viewport
// override, then drops the lock. It runs once however many times it is
// called.
func (o *Orchestrator) acquire(b *jobBudget, log *slog.Logger) (Session, func(), error) {
	sess, err := o.backend.Open(b.ctx)
	if err != nil {
		return nil, nil, &Error{Reason: protocolReason(err), Err: err}
	}
	b.pause()
	unlock, err := o.locks.lock(b.parent, sess.Key())
	if err != nil {
		closeSession(sess, log)
		return nil, nil, &Error{Reason: protocolReason(err), Err: err}
	}
	b.resume()
	release := sync.OnceFunc(func() {
		closeSession(sess, log)
		unlock()
	})
	return sess, release, nil
}

func closeSession(sess Session, log *slog.Logger) {
	if err := sess.Close(); err != nil {
		log.Warn("capture: release session", "key", sess.Key(), "error", err)
	}
}

func (o *Orchestrator) viewportShot(ctx context.Context, sess Session, release func(), res *Result) (*Artifact, error) {
	data, err := sess.Screenshot(ctx, false)
	release()
	if err != nil {
		return nil, &Error{Reason: protocolReason(err), Err: err}
	}
	w, h, err := refimage.Dimensions(data)
	if err != nil {
		return nil, &Error{Reason: ReasonProtocolCommand, Err: fmt.Errorf("capture: decode viewport: %w", err)}
	}
	res.Alignment = &align.Result{OffsetY: 0, TemplateHeight: h}
	ct := http.DetectContentType(data)
	return &Artifact{
		Data:        data,
		Width:       w,
		Height:      h,
		Format:      extFor(ct),
		ContentType: ct,
		ByteSize:    len(data),
	}, nil
}

func cropArtifact(full image.Image, ar align.Result) (*Artifact, error) {
	crop, err := align.Crop(full, ar.OffsetY, ar.TemplateHeight)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, fmt.Errorf("capture: encode crop: %w", err)
	}
	b := crop.Bounds()
	return &Artifact{
		Data:        buf.Bytes(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      "png",
		ContentType: "image/png",
		ByteSize:    buf.Len(),
	}, nil
}

func (o *Orchestrator) reference(ctx context.Context, job Job) (image.Image, string, error) {
	data := job.ReferenceData
	if len(data) == 0 {
		var err error
		if data, err = o.loadRef(ctx, job.Reference); err != nil {
			return nil, "", err
		}
	}
	return refimage.Decode(data)
}

func (o *Orchestrator) recordFailure(ctx context.Context, jobID string, reason FailureReason, cause error) {
	fr, ok := o.recorder.(FailureRecorder)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := fr.RecordFailure(ctx, jobID, reason, cause.Error()); err != nil {
		o.logger.Error("capture: record failure", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) observe(ctx context.Context, res *Result) {
	if o.events != nil {
		o.events.LogTrail(context.WithoutCancel(ctx), res.Trail)
	}
	if o.metrics == nil {
		return
	}
	s := observability.CaptureSample{
		JobID:    res.JobID,
		Backend:  res.Backend,
		Outcome:  string(res.State),
		Reason:   string(res.Reason),
		Duration: res.Duration,
	}
	if res.Alignment != nil {
		s.Searched = res.Alignment.Searched
		s.Confidence = res.Alignment.Confidence
		s.LowConfidence = res.Alignment.LowConfidence
	}
	// Only jobs that reached navigation can be unconfirmed.
	for _, t := range res.Trail {
		if t.To == string(StateNavigated) {
			s.NavigationUnconfirmed = !res.NavigationConfirmed
			break
		}
	}
	o.metrics.RecordCapture(s)
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return "png"
}

// jobBudget is the time a job may spend working. It runs from the start
// of the job and stands still while the job waits for its tab.
type jobBudget struct {
	parent  context.Context
	left    time.Duration
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

func newJobBudget(parent context.Context, d time.Duration) *jobBudget {
	b := &jobBudget{parent: parent, left: d}
	b.resume()
	return b
}

// resume starts the clock on what is left and replaces ctx.
func (b *jobBudget) resume() {
	b.started = time.Now()
	b.ctx, b.cancel = context.WithTimeout(b.parent, b.left)
}

// pause stops the clock and cancels ctx until the next resume.
func (b *jobBudget) pause() {
	b.left = max(b.left-time.Since(b.started), 0)
	b.cancel()
}

// expired reports whether the current period ran out of budget.
func (b *jobBudget) expired() bool {
	return errors.Is(b.ctx.Err(), context.DeadlineExceeded)
}

func (b *jobBudget) stop() { b.cancel() }

// tabLocks serialises jobs per session key.
type tabLocks struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func (l *tabLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]chan struct{})
	}
	ch, ok := l.m[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.m[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("capture: wait for %s: %w", key, ctx.Err())
	}
}
