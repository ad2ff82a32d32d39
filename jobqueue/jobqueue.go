// Package jobqueue is a visibility-timeout queue of capture job IDs
// backed by SQLite.
//
// A claimed entry is hidden for the visibility window. A worker that
// finishes acks it; one that crashes or overruns leaves it to reappear
// and be claimed again. Entries redelivered more than MaxAttempts times
// are dropped and reported through OnDiscard.
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scrollshot/dbopen"
)

// Schema creates the queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_queue (
	job_id      TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	visible_at  INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_capture_queue_visible ON capture_queue (queue, visible_at);
`

// Entry is one queued job.
type Entry struct {
	JobID      string
	Queue      string
	VisibleAt  time.Time
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Options configures a Queue.
type Options struct {
	// Queue names a logical queue; several share the table. Default "".
	Queue string
	// Visibility is how long a claim hides an entry. It should exceed
	// the per-job budget. Default: 90s.
	Visibility time.Duration
	// PollInterval is the idle delay of Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts bounds deliveries; 0 means unlimited. Default: 3.
	MaxAttempts int
	// Concurrency bounds in-flight handlers in Run. Default: 1.
	Concurrency int
	// RetryDelay hides a nacked entry before redelivery. Default: 0.
	RetryDelay time.Duration
	// OnDiscard is told about entries dropped after MaxAttempts.
	OnDiscard func(ctx context.Context, e *Entry)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the queue table if missing.
func (q *Queue) EnsureTable(ctx context.Context) error {
	return dbopen.Migrate(ctx, q.db, Schema)
}

// Publish makes jobID visible now. Publishing a job already queued resets
// its attempt count.
func (q *Queue) Publish(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db, `
		INSERT INTO capture_queue (job_id, queue, visible_at, enqueued_at) VALUES (?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET visible_at = excluded.visible_at, attempts = 0, last_error = ''`,
		jobID, q.opts.Queue, now, now,
	)
	if err != nil {
		return fmt.Errorf("jobqueue: publish %s: %w", jobID, err)
	}
	return nil
}

// Claim hides and returns the oldest visible entry, or nil when none is
// visible.
func (q *Queue) Claim(ctx context.Context) (*Entry, error) {
	entries, err := q.ClaimN(ctx, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// ClaimN claims up to n visible entries at once.
func (q *Queue) ClaimN(ctx context.Context, n int) ([]*Entry, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE capture_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE job_id IN (
			SELECT job_id FROM capture_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, enqueued_at ASC
			LIMIT ?
		)
		RETURNING job_id, queue, visible_at, enqueued_at, attempts, last_error`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var vis, enq int64
		if err := rows.Scan(&e.JobID, &e.Queue, &vis, &enq, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("jobqueue: claim scan: %w", err)
		}
		e.VisibleAt = time.UnixMilli(vis)
		e.EnqueuedAt = time.UnixMilli(enq)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	return out, nil
}

// Ack removes a processed entry.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM capture_queue WHERE job_id = ? AND queue = ?`, jobID, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("jobqueue: ack %s: %w", jobID, err)
	}
	return nil
}

// Nack makes an entry visible again after RetryDelay and records cause.
func (q *Queue) Nack(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	visible := time.Now().Add(q.opts.RetryDelay).UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE capture_queue SET visible_at = ?, last_error = ? WHERE job_id = ? AND queue = ?`,
		visible, msg, jobID, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("jobqueue: nack %s: %w", jobID, err)
	}
	return nil
}

// Extend hides a claimed entry for extra more time.
func (q *Queue) Extend(ctx context.Context, jobID string, extra time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE capture_queue SET visible_at = ? WHERE job_id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), jobID, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("jobqueue: extend %s: %w", jobID, err)
	}
	return nil
}

// Len counts entries, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM capture_queue WHERE queue = ?`, q.opts.Queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: len: %w", err)
	}
	return n, nil
}

// Handler processes one claimed entry. nil acks it, an error nacks it.
type Handler func(ctx context.Context, e *Entry) error

// ErrStopped is returned by Run when its context ends.
var ErrStopped = errors.New("jobqueue: stopped")

// Run claims entries and hands them to handler with at most Concurrency
// in flight. It blocks until ctx ends, then waits for in-flight handlers.
// Acks and nacks use a fresh context so work finished during shutdown is
// not redelivered.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	log := q.opts.Logger
	log.Info("jobqueue: consumer started", "queue", q.opts.Queue,
		"concurrency", q.opts.Concurrency, "visibility", q.opts.Visibility)

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobqueue: consumer stopping", "queue", q.opts.Queue)
			return ErrStopped
		case <-timer.C:
		}

		free := q.opts.Concurrency - len(sem)
		entries, err := q.ClaimN(ctx, max(free, 1))
		if err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			log.Warn("jobqueue: claim failed", "error", err, "queue", q.opts.Queue)
		}

		for _, e := range entries {
			if q.opts.MaxAttempts > 0 && e.Attempts > q.opts.MaxAttempts {
				log.Warn("jobqueue: max attempts exceeded, discarding",
					"job_id", e.JobID, "attempts", e.Attempts, "last_error", e.LastError)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(context.WithoutCancel(ctx), e)
				}
				_ = q.Ack(context.WithoutCancel(ctx), e.JobID)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = q.Nack(context.WithoutCancel(ctx), e.JobID, ctx.Err())
				continue
			}

			wg.Add(1)
			go func(e *Entry) {
				defer wg.Done()
				defer func() { <-sem }()
				bg := context.WithoutCancel(ctx)
				if err := handler(ctx, e); err != nil {
					log.Warn("jobqueue: handler failed, nacking", "job_id", e.JobID, "attempt", e.Attempts, "error", err)
					_ = q.Nack(bg, e.JobID, err)
					return
				}
				_ = q.Ack(bg, e.JobID)
			}(e)
		}

		// Claim again at once while work keeps coming.
		if len(entries) > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(q.opts.PollInterval)
		}
	}
}
