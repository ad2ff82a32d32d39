package jobstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/dbopen"
	"github.com/hazyhaar/scrollshot/idgen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), dbopen.OpenMemory(t), WithIDGenerator(idgen.Sequence("job")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestCreateGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := &capture.Job{
		PageURL:        "https://shop.example/",
		ReferenceData:  []byte{1, 2, 3},
		ViewportWidth:  1442,
		ViewportHeight: 1056,
	}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID != "job-1" {
		t.Fatalf("generated ID = %q", j.ID)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PageURL != j.PageURL || got.ViewportWidth != 1442 || len(got.ReferenceData) != 3 {
		t.Errorf("job = %+v", got)
	}

	e, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusPending || e.Runs != 0 || e.CreatedAt.IsZero() {
		t.Errorf("entry = %+v", e)
	}

	if err := s.Create(ctx, &capture.Job{ID: "job-1", PageURL: "https://x.example/", Reference: "r.png", ViewportWidth: 1, ViewportHeight: 1}); err == nil {
		t.Error("duplicate ID accepted")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := testStore(t)
	err := s.Create(context.Background(), &capture.Job{PageURL: "not a url", Reference: "r.png", ViewportWidth: 800, ViewportHeight: 600})
	if !errors.Is(err, capture.ErrInvalidJob) {
		t.Fatalf("err = %v", err)
	}
	err = s.Create(context.Background(), &capture.Job{PageURL: "https://shop.example/", ViewportWidth: 800, ViewportHeight: 600})
	if !errors.Is(err, capture.ErrInvalidJob) {
		t.Fatalf("missing reference: %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := s.RecordResult(context.Background(), "nope", capture.Record{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record unknown: %v", err)
	}
}

func TestRecordResultAndFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	j := &capture.Job{ID: "home", PageURL: "https://shop.example/", Reference: "home.png", ViewportWidth: 800, ViewportHeight: 600}
	if err := s.Create(ctx, j); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordResult(ctx, "home", capture.Record{Type: "scroll_match", PublicURL: "https://cdn.example/home/1.png"}); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Get(ctx, "home")
	if e.Status != StatusRecorded || e.PublicURL != "https://cdn.example/home/1.png" || e.ResultType != "scroll_match" || e.Runs != 1 {
		t.Fatalf("after result: %+v", e)
	}

	if err := s.RecordFailure(ctx, "home", capture.ReasonJobTimeout, "budget exceeded"); err != nil {
		t.Fatal(err)
	}
	e, _ = s.Get(ctx, "home")
	if e.Status != StatusFailed || e.FailureReason != "job_timeout" || e.Runs != 2 {
		t.Fatalf("after failure: %+v", e)
	}
	if e.PublicURL == "" {
		t.Error("failure erased the earlier upload URL")
	}

	failed, err := s.List(ctx, StatusFailed, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("list failed: %d, %v", len(failed), err)
	}
	pending, _ := s.List(ctx, StatusPending, 0)
	if len(pending) != 0 {
		t.Errorf("pending = %d", len(pending))
	}
}

const jobsYAML = `
defaults:
  viewport_width: 1442
  viewport_height: 1056
jobs:
  - id: home
    page_url: https://shop.example/
    reference: shots/home.png
  - page_url: https://shop.example/cart
    reference: https://feedback.example/cart.png
    viewport_width: 390
    viewport_height: 844
`

func TestImportYAML(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.ImportYAML(ctx, strings.NewReader(jobsYAML))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d", n)
	}
	home, err := s.GetJob(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	if home.ViewportWidth != 1442 || home.ViewportHeight != 1056 {
		t.Errorf("defaults not applied: %+v", home)
	}
	cart, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if cart.ViewportWidth != 390 {
		t.Errorf("explicit viewport overridden: %+v", cart)
	}

	// Re-import resets a recorded job to pending.
	if err := s.RecordResult(ctx, "home", capture.Record{Type: "viewport", PublicURL: "u"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ImportYAML(ctx, strings.NewReader(jobsYAML)); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Get(ctx, "home")
	if e.Status != StatusPending {
		t.Errorf("status after re-import = %s", e.Status)
	}
	all, _ := s.List(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("jobs after re-import = %d, want 3 (the unnamed job got a new ID)", len(all))
	}
}

func TestImportYAML_InvalidWritesNothing(t *testing.T) {
	s := testStore(t)
	bad := `
jobs:
  - id: ok
    page_url: https://shop.example/
    reference: a.png
    viewport_width: 800
    viewport_height: 600
  - id: broken
    page_url: https://shop.example/
    reference: b.png
`
	if _, err := s.ImportYAML(context.Background(), strings.NewReader(bad)); !errors.Is(err, capture.ErrInvalidJob) {
		t.Fatalf("err = %v", err)
	}
	all, _ := s.List(context.Background(), "", 0)
	if len(all) != 0 {
		t.Errorf("partial import: %d jobs", len(all))
	}
}

func TestStoreSatisfiesCaptureInterfaces(t *testing.T) {
	var s any = testStore(t)
	if _, ok := s.(capture.JobSource); !ok {
		t.Error("not a JobSource")
	}
	if _, ok := s.(capture.FailureRecorder); !ok {
		t.Error("not a FailureRecorder")
	}
	if _, ok := s.(capture.Recorder); !ok {
		t.Error("not a Recorder")
	}
}
