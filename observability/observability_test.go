package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/scrollshot/dbopen"
	"github.com/hazyhaar/scrollshot/idgen"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestMetricsFlushOnClose(t *testing.T) {
	db := openDB(t)
	m := NewMetrics(db, WithFlushInterval(time.Hour))

	m.RecordCapture(CaptureSample{
		JobID:      "job-1",
		Backend:    "protocol",
		Outcome:    "recorded",
		Duration:   1500 * time.Millisecond,
		Searched:   true,
		Confidence: 0.93,
	})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	m.Close()

	ctx := context.Background()
	all, err := m.Query(ctx, "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d datapoints, want 3", len(all))
	}

	conf, err := m.Query(ctx, MetricAlignConfidence, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(conf) != 1 || conf[0].Value != 0.93 || conf[0].Labels["low"] != "false" {
		t.Fatalf("unexpected confidence datapoint %+v", conf)
	}

	dur, _ := m.Query(ctx, MetricCaptureDurationMs, time.Time{}, 0)
	if len(dur) != 1 || dur[0].Value != 1500 || dur[0].Labels["backend"] != "protocol" {
		t.Fatalf("unexpected duration datapoint %+v", dur)
	}
}

func TestMetricsFlushOnFullBuffer(t *testing.T) {
	db := openDB(t)
	m := NewMetrics(db, WithBufferSize(2), WithFlushInterval(time.Hour))
	defer m.Close()

	m.Record(&Metric{Name: "a", Value: 1})
	m.Record(&Metric{Name: "a", Value: 2})

	got, err := m.Query(context.Background(), "a", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d datapoints before close, want 2", len(got))
	}
}

func TestMetricsUnconfirmedNavigation(t *testing.T) {
	db := openDB(t)
	m := NewMetrics(db)
	m.RecordCapture(CaptureSample{JobID: "job-2", Outcome: "failed", Reason: "job_timeout", NavigationUnconfirmed: true})
	m.Close()

	got, _ := m.Query(context.Background(), MetricNavUnconfirmed, time.Time{}, 0)
	if len(got) != 1 || got[0].Labels["job_id"] != "job-2" {
		t.Fatalf("got %+v", got)
	}
	total, _ := m.Query(context.Background(), MetricCaptureTotal, time.Time{}, 0)
	if len(total) != 1 || total[0].Labels["reason"] != "job_timeout" {
		t.Fatalf("got %+v", total)
	}
}

func TestMetricsCleanup(t *testing.T) {
	db := openDB(t)
	m := NewMetrics(db)
	m.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour), Value: 1})
	m.Record(&Metric{Name: "new", Value: 1})
	m.Flush()

	n, err := m.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	m.Close()
}

func TestEventLogTrail(t *testing.T) {
	db := openDB(t)
	l := NewEventLog(db, WithEventIDGenerator(idgen.Sequence("evt")))
	ctx := context.Background()
	now := time.Now()

	l.LogTrail(ctx, []Transition{
		{JobID: "job-1", From: "pending", To: "viewport_set", At: now},
		{JobID: "job-1", From: "viewport_set", To: "failed", Reason: "protocol_command_error", Detail: "boom", At: now},
	})
	l.LogTrail(ctx, []Transition{{JobID: "job-2", From: "pending", To: "failed", At: now}})

	trail, err := l.Trail(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("got %d transitions, want 2", len(trail))
	}
	if trail[0].To != "viewport_set" || trail[1].Reason != "protocol_command_error" {
		t.Fatalf("unexpected trail %+v", trail)
	}
}

func TestHeartbeat(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	ws, err := LatestHeartbeat(ctx, db, "worker-1", time.Minute)
	if err != nil || ws != nil {
		t.Fatalf("got %+v, %v before any beat", ws, err)
	}

	h := NewHeartbeat(db, "worker-1", time.Hour, nil)
	h.JobDone()
	h.JobDone()
	if err := h.Beat(ctx); err != nil {
		t.Fatal(err)
	}

	ws, err = LatestHeartbeat(ctx, db, "worker-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ws == nil || !ws.Alive || ws.JobsDone != 2 {
		t.Fatalf("unexpected status %+v", ws)
	}

	ws, _ = LatestHeartbeat(ctx, db, "worker-1", -time.Second)
	if ws.Alive {
		t.Fatal("expected stale worker")
	}
}
