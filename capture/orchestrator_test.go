package capture

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scrollshot/devtools"
	"github.com/hazyhaar/scrollshot/idgen"
	"github.com/hazyhaar/scrollshot/internal/testimage"
	"github.com/hazyhaar/scrollshot/refimage"
)

func trailStates(r *Result) []State {
	out := make([]State, 0, len(r.Trail))
	for _, t := range r.Trail {
		out = append(out, State(t.To))
	}
	return out
}

func TestRun_ScrollMatch(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 900, 600))
	b := newFakeBackend(page)
	up := newMemUploader()
	jobs := newMemJobs()
	o := newTestOrchestrator(t, b, up, jobs)

	res := o.Run(context.Background(), job("job-1", ref))
	if !res.OK() {
		t.Fatalf("state = %s, reason %s: %v", res.State, res.Reason, res.Err)
	}

	want := []State{StateViewportSet, StateNavigated, StateFullPageCaptured, StateAligned, StateCropped, StateUploaded, StateRecorded}
	if got := trailStates(res); !slices.Equal(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if res.Alignment == nil || !res.Alignment.Searched {
		t.Fatalf("alignment = %+v, want a search", res.Alignment)
	}
	if d := res.Alignment.OffsetY - 900; d < -1 || d > 1 {
		t.Errorf("offset = %d, want 900", res.Alignment.OffsetY)
	}
	if res.Alignment.Confidence < 0.99 {
		t.Errorf("confidence = %f", res.Alignment.Confidence)
	}
	if res.Artifact.Width != 400 || res.Artifact.Height != 600 {
		t.Errorf("artifact %dx%d, want 400x600", res.Artifact.Width, res.Artifact.Height)
	}
	if res.Artifact.Data != nil {
		t.Error("artifact bytes should be released after upload")
	}

	sessions := b.all()
	if len(sessions) != 1 || sessions[0].closeCount() != 1 {
		t.Fatalf("session closes = %d, want 1", sessions[0].closeCount())
	}
	if shots := sessions[0].screenshots(); !slices.Equal(shots, []bool{true}) {
		t.Errorf("screenshots = %v, want one full page", shots)
	}

	rec, ok := jobs.result("job-1")
	if !ok || rec.Type != string(refimage.CaptureScrollMatch) || rec.PublicURL != res.PublicURL {
		t.Errorf("record = %+v", rec)
	}
	if len(up.meta) != 1 || up.meta[0].SourceURL != "https://shop.example/products" || up.meta[0].ByteSize == 0 {
		t.Errorf("metadata = %+v", up.meta)
	}

	w, h, err := refimage.Dimensions(up.objects[res.Artifact.Key])
	if err != nil || w != 400 || h != 600 {
		t.Errorf("uploaded %dx%d (%v)", w, h, err)
	}
}

func TestRun_HeaderVisibleSkipsAlignment(t *testing.T) {
	page := headerPage()
	ref := testimage.PNG(testimage.Crop(page, 0, 600))
	b := newFakeBackend(page)
	jobs := newMemJobs()
	o := newTestOrchestrator(t, b, newMemUploader(), jobs)

	res := o.Run(context.Background(), job("job-top", ref))
	if !res.OK() {
		t.Fatalf("state = %s: %v", res.State, res.Err)
	}
	want := []State{StateViewportSet, StateNavigated, StateCropped, StateUploaded, StateRecorded}
	if got := trailStates(res); !slices.Equal(got, want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
	if res.Alignment.Searched || res.Alignment.OffsetY != 0 {
		t.Errorf("alignment = %+v, want unsearched offset 0", res.Alignment)
	}
	if shots := b.all()[0].screenshots(); !slices.Equal(shots, []bool{false}) {
		t.Errorf("screenshots = %v, want one viewport shot", shots)
	}
	if rec, _ := jobs.result("job-top"); rec.Type != string(refimage.CaptureViewport) {
		t.Errorf("record type = %q", rec.Type)
	}
}

func TestRun_NavigationUnconfirmedStillCaptures(t *testing.T) {
	page := scrolledPage()
	b := newFakeBackend(page)
	b.navigate = func(context.Context, string) (bool, error) { return false, nil }
	o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs())

	res := o.Run(context.Background(), job("job-slow", testimage.PNG(testimage.Crop(page, 500, 600))))
	if !res.OK() {
		t.Fatalf("state = %s: %v", res.State, res.Err)
	}
	if res.NavigationConfirmed {
		t.Error("navigation should be reported unconfirmed")
	}
}

func TestRun_FailuresReleaseSession(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 700, 600))

	tests := []struct {
		name      string
		setup     func(*fakeBackend, *memUploader, *memJobs)
		reason    FailureReason
		lastState State
	}{
		{
			name:      "viewport",
			setup:     func(b *fakeBackend, _ *memUploader, _ *memJobs) { b.viewportErr = &devtools.CommandError{Method: "Emulation.setDeviceMetricsOverride", Message: "nope"} },
			reason:    ReasonProtocolCommand,
			lastState: StatePending,
		},
		{
			name:      "navigate",
			setup:     func(b *fakeBackend, _ *memUploader, _ *memJobs) { b.navigate = func(context.Context, string) (bool, error) { return false, devtools.ErrClosed } },
			reason:    ReasonProtocolCommand,
			lastState: StateViewportSet,
		},
		{
			name:      "screenshot",
			setup:     func(b *fakeBackend, _ *memUploader, _ *memJobs) { b.shotErr = devtools.ErrCommandTimeout },
			reason:    ReasonProtocolCommand,
			lastState: StateNavigated,
		},
		{
			name:      "full page unsupported",
			setup:     func(b *fakeBackend, _ *memUploader, _ *memJobs) { b.caps.FullPage = false },
			reason:    ReasonFullPageUnsupported,
			lastState: StateNavigated,
		},
		{
			name:      "upload",
			setup:     func(_ *fakeBackend, u *memUploader, _ *memJobs) { u.putErr = errors.New("disk full") },
			reason:    ReasonUploadFailure,
			lastState: StateCropped,
		},
		{
			name:      "metadata",
			setup:     func(_ *fakeBackend, u *memUploader, _ *memJobs) { u.metaErr = errors.New("locked") },
			reason:    ReasonMetadataWrite,
			lastState: StateUploaded,
		},
		{
			name:      "record",
			setup:     func(_ *fakeBackend, _ *memUploader, j *memJobs) { j.recordErr = errors.New("store down") },
			reason:    ReasonRecordFailure,
			lastState: StateUploaded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(page)
			up := newMemUploader()
			jobs := newMemJobs()
			tt.setup(b, up, jobs)
			o := newTestOrchestrator(t, b, up, jobs)

			res := o.Run(context.Background(), job("job-x", ref))
			if res.State != StateFailed || res.Reason != tt.reason {
				t.Fatalf("state %s reason %s, want failed %s (err %v)", res.State, res.Reason, tt.reason, res.Err)
			}
			last := res.Trail[len(res.Trail)-1]
			if State(last.From) != tt.lastState || last.Reason != string(tt.reason) {
				t.Errorf("last transition = %+v, want from %s", last, tt.lastState)
			}
			if n := b.all()[0].closeCount(); n != 1 {
				t.Errorf("session closed %d times, want 1", n)
			}
			if got := jobs.failure("job-x"); got != tt.reason {
				t.Errorf("recorded failure = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestRun_FailsBeforeOpeningBackend(t *testing.T) {
	page := scrolledPage()

	t.Run("invalid job", func(t *testing.T) {
		b := newFakeBackend(page)
		o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs())
		j := job("job-bad", testimage.PNG(page))
		j.PageURL = ""
		res := o.Run(context.Background(), j)
		if res.Reason != ReasonInvalidJob || !errors.Is(res.Err, ErrInvalidJob) {
			t.Fatalf("reason = %s, err %v", res.Reason, res.Err)
		}
		if b.opened.Load() != 0 {
			t.Error("backend opened for an invalid job")
		}
	})

	t.Run("invalid reference", func(t *testing.T) {
		b := newFakeBackend(page)
		o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs())
		res := o.Run(context.Background(), job("job-ref", []byte("not an image")))
		if res.Reason != ReasonReferenceInvalid {
			t.Fatalf("reason = %s, err %v", res.Reason, res.Err)
		}
		if b.opened.Load() != 0 {
			t.Error("backend opened for an invalid reference")
		}
	})

	t.Run("no debug target", func(t *testing.T) {
		b := newFakeBackend(page)
		b.openErr = devtools.ErrNoDebugTarget
		o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs())
		res := o.Run(context.Background(), job("job-nt", testimage.PNG(testimage.Crop(page, 100, 600))))
		if res.Reason != ReasonNoDebugTarget {
			t.Fatalf("reason = %s", res.Reason)
		}
	})

	t.Run("connect timeout", func(t *testing.T) {
		b := newFakeBackend(page)
		b.openErr = devtools.ErrConnectTimeout
		o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs())
		res := o.Run(context.Background(), job("job-ct", testimage.PNG(testimage.Crop(page, 100, 600))))
		if res.Reason != ReasonConnectTimeout || !res.Reason.Retryable() {
			t.Fatalf("reason = %s", res.Reason)
		}
	})
}

func TestRun_ReferenceLoadedFromSource(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 1200, 600))
	var asked string
	loader := func(_ context.Context, src string) ([]byte, error) {
		asked = src
		return ref, nil
	}
	o := newTestOrchestrator(t, newFakeBackend(page), newMemUploader(), newMemJobs(), WithReferenceLoader(loader))

	j := job("job-src", nil)
	j.Reference = "https://feedback.example/shot.png"
	res := o.Run(context.Background(), j)
	if !res.OK() {
		t.Fatalf("state = %s: %v", res.State, res.Err)
	}
	if asked != j.Reference {
		t.Errorf("loader asked for %q", asked)
	}
	if res.Alignment.OffsetY < 1199 || res.Alignment.OffsetY > 1201 {
		t.Errorf("offset = %d, want 1200", res.Alignment.OffsetY)
	}
}

func TestRun_RerunUsesFreshKey(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 300, 600))
	up := newMemUploader()
	o := newTestOrchestrator(t, newFakeBackend(page), up, newMemJobs())

	first := o.Run(context.Background(), job("job-re", ref))
	second := o.Run(context.Background(), job("job-re", ref))
	if !first.OK() || !second.OK() {
		t.Fatalf("runs: %s / %s", first.State, second.State)
	}
	if first.PublicURL == second.PublicURL {
		t.Fatalf("both runs uploaded to %s", first.PublicURL)
	}
	if n := len(up.keys()); n != 2 {
		t.Errorf("stored objects = %d, want 2", n)
	}
}

func TestRun_BudgetExpiry(t *testing.T) {
	page := scrolledPage()
	b := newFakeBackend(page)
	b.navigate = func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	jobs := newMemJobs()
	o := newTestOrchestrator(t, b, newMemUploader(), jobs, WithBudget(50*time.Millisecond))

	start := time.Now()
	res := o.Run(context.Background(), job("job-hang", testimage.PNG(testimage.Crop(page, 100, 600))))
	if res.Reason != ReasonJobTimeout {
		t.Fatalf("reason = %s, err %v", res.Reason, res.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("budget not enforced: %s", time.Since(start))
	}
	if n := b.all()[0].closeCount(); n != 1 {
		t.Errorf("session closed %d times", n)
	}
	if jobs.failure("job-hang") != ReasonJobTimeout {
		t.Error("timeout not recorded against the job")
	}
}

func TestRunBatch_TimeoutDoesNotBlockSiblings(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 400, 600))
	hang := job("job-hang", ref)
	hang.PageURL = "https://shop.example/hang"
	ok := job("job-ok", ref)
	jobs := newMemJobs(hang, ok)

	b := newFakeBackend(page)
	b.navigate = func(ctx context.Context, url string) (bool, error) {
		if url == hang.PageURL {
			<-ctx.Done()
			return false, ctx.Err()
		}
		return true, nil
	}
	o := newTestOrchestrator(t, b, newMemUploader(), jobs, WithBudget(100*time.Millisecond))

	results := o.RunBatch(context.Background(), []string{"job-hang", "job-missing", "job-ok"})
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Reason != ReasonJobTimeout {
		t.Errorf("hang: %s %s", results[0].State, results[0].Reason)
	}
	if results[1].Reason != ReasonJobUnavailable {
		t.Errorf("missing: %s %s", results[1].State, results[1].Reason)
	}
	if !results[2].OK() {
		t.Errorf("ok: %s %s %v", results[2].State, results[2].Reason, results[2].Err)
	}
}

func TestRunBatch_TabWaitIsNotChargedToBudget(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 400, 600))
	hang := job("job-hang", ref)
	hang.PageURL = "https://shop.example/hang"
	queued := job("job-queued", nil)
	queued.Reference = "queued.png"
	jobs := newMemJobs(hang, queued)

	hanging := make(chan struct{})
	b := newFakeBackend(page)
	b.navigate = func(ctx context.Context, url string) (bool, error) {
		if url == hang.PageURL {
			close(hanging)
			<-ctx.Done()
			return false, ctx.Err()
		}
		return true, nil
	}
	// The queued job only asks for the tab once the hung job holds it.
	loadAfterHang := func(ctx context.Context, _ string) ([]byte, error) {
		select {
		case <-hanging:
			return ref, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	const budget = time.Second
	o := newTestOrchestrator(t, b, newMemUploader(), jobs,
		WithWorkers(2), WithBudget(budget), WithReferenceLoader(loadAfterHang))

	start := time.Now()
	results := o.RunBatch(context.Background(), []string{"job-hang", "job-queued"})
	if results[0].Reason != ReasonJobTimeout {
		t.Errorf("hang: %s %s", results[0].State, results[0].Reason)
	}
	if !results[1].OK() {
		t.Fatalf("queued job: %s %s %v", results[1].State, results[1].Reason, results[1].Err)
	}
	if elapsed := time.Since(start); elapsed < budget {
		t.Errorf("queued job finished after %s, before the hung job released the tab", elapsed)
	}
	if jobs.failure("job-queued") != "" {
		t.Errorf("queued job recorded failure %s", jobs.failure("job-queued"))
	}
}

func TestJobBudget_PauseStopsTheClock(t *testing.T) {
	b := newJobBudget(context.Background(), 100*time.Millisecond)
	defer b.stop()
	time.Sleep(40 * time.Millisecond)
	b.pause()
	if b.ctx.Err() == nil {
		t.Fatal("paused budget context still live")
	}
	time.Sleep(150 * time.Millisecond)
	b.resume()
	if b.ctx.Err() != nil {
		t.Fatal("time spent paused was charged")
	}
	if dl, ok := b.ctx.Deadline(); !ok || time.Until(dl) > 70*time.Millisecond {
		t.Errorf("remaining budget = %s, want about 60ms", time.Until(dl))
	}
	<-b.ctx.Done()
	if !b.expired() {
		t.Error("expired() = false after the deadline")
	}
}

func TestRunBatch_SameTabSerialises(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 400, 600))
	var ids []string
	var js []Job
	for _, id := range []string{"a", "b", "c", "d"} {
		ids = append(ids, id)
		js = append(js, job(id, ref))
	}
	b := newFakeBackend(page)
	o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs(js...),
		WithWorkers(4), WithKeyGenerator(idgen.Timestamped(idgen.Short(8))))

	for _, r := range o.RunBatch(context.Background(), ids) {
		if !r.OK() {
			t.Fatalf("%s: %s %v", r.JobID, r.State, r.Err)
		}
	}
	if m := b.maxActive.Load(); m != 1 {
		t.Errorf("max concurrent jobs on one tab = %d, want 1", m)
	}
}

func TestRunBatch_IndependentTabsRunInParallel(t *testing.T) {
	page := scrolledPage()
	ref := testimage.PNG(testimage.Crop(page, 400, 600))
	var ids []string
	var js []Job
	for _, id := range []string{"a", "b", "c"} {
		ids = append(ids, id)
		js = append(js, job(id, ref))
	}

	release := make(chan struct{})
	var mu sync.Mutex
	waiting := 0
	b := newFakeBackend(page)
	b.key = ""
	b.navigate = func(ctx context.Context, _ string) (bool, error) {
		mu.Lock()
		waiting++
		if waiting == 3 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	o := newTestOrchestrator(t, b, newMemUploader(), newMemJobs(js...),
		WithWorkers(3), WithBudget(5*time.Second), WithKeyGenerator(idgen.Timestamped(idgen.Short(8))))

	for _, r := range o.RunBatch(context.Background(), ids) {
		if !r.OK() {
			t.Fatalf("%s: %s %v", r.JobID, r.Reason, r.Err)
		}
	}
}

func TestNew_RequiresBackendAndUploader(t *testing.T) {
	if _, err := New(WithUploader(newMemUploader())); err == nil {
		t.Error("missing backend accepted")
	}
	if _, err := New(WithBackend(newFakeBackend(scrolledPage()))); err == nil {
		t.Error("missing uploader accepted")
	}
}

func TestSnapshot(t *testing.T) {
	page := scrolledPage()
	b := newFakeBackend(page)
	o := newTestOrchestrator(t, b, newMemUploader(), NopRecorder{})

	snap, err := o.Snapshot(context.Background(), SnapshotRequest{URL: "https://shop.example/", Width: 400, Height: 600})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Width != 400 || snap.Height != 600 || snap.ContentType != "image/png" {
		t.Errorf("snapshot %dx%d %s", snap.Width, snap.Height, snap.ContentType)
	}

	full, err := o.Snapshot(context.Background(), SnapshotRequest{URL: "https://shop.example/", Width: 400, Height: 600, FullPage: true})
	if err != nil {
		t.Fatal(err)
	}
	if full.Height != 2000 {
		t.Errorf("full page height = %d", full.Height)
	}
	for _, s := range b.all() {
		if s.closeCount() != 1 {
			t.Errorf("session %s closed %d times", s.key, s.closeCount())
		}
	}

	_, err = o.Snapshot(context.Background(), SnapshotRequest{URL: "", Width: 400, Height: 600})
	if ReasonOf(err) != ReasonInvalidJob {
		t.Errorf("empty URL: %v", err)
	}

	b.caps.FullPage = false
	_, err = o.Snapshot(context.Background(), SnapshotRequest{URL: "https://shop.example/", Width: 400, Height: 600, FullPage: true})
	if ReasonOf(err) != ReasonFullPageUnsupported {
		t.Errorf("full page on viewport-only backend: %v", err)
	}
}

func TestReasonRetryable(t *testing.T) {
	for _, r := range []FailureReason{ReasonNoDebugTarget, ReasonConnectTimeout, ReasonProtocolCommand, ReasonJobTimeout, ReasonUploadFailure} {
		if !r.Retryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	for _, r := range []FailureReason{ReasonInvalidJob, ReasonReferenceInvalid, ReasonFullPageUnsupported, ReasonJobUnavailable} {
		if r.Retryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}

func TestError_ReasonPrefixedOnce(t *testing.T) {
	cause := errors.New("refimage: decode: unknown format")
	inner := &Error{Reason: ReasonReferenceInvalid, Err: cause}
	outer := &Error{Reason: ReasonReferenceInvalid, Err: inner}
	if got, want := outer.Error(), "capture: reference_invalid: refimage: decode: unknown format"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	timeout := &Error{Reason: ReasonJobTimeout, Err: inner}
	if got := timeout.Error(); got != "capture: job_timeout: capture: reference_invalid: refimage: decode: unknown format" {
		t.Errorf("distinct reasons: got %q", got)
	}
	if !errors.Is(outer, cause) {
		t.Error("cause lost")
	}
}
