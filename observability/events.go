package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scrollshot/idgen"
)

// Transition is one recorded state change of a capture job.
type Transition struct {
	JobID  string    `json:"job_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// EventLog persists job state trails.
type EventLog struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets the generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// WithEventLogger sets a custom logger.
func WithEventLogger(lg *slog.Logger) EventLogOption {
	return func(l *EventLog) { l.logger = lg }
}

// NewEventLog creates an EventLog on db. Init must have run on db.
func NewEventLog(db *sql.DB, opts ...EventLogOption) *EventLog {
	l := &EventLog{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogTrail writes the transitions of one job in a single transaction.
// Errors are logged, not returned: a failing store never fails a capture.
func (l *EventLog) LogTrail(ctx context.Context, trail []Transition) {
	if len(trail) == 0 {
		return
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.logger.Error("observability: event log begin", "error", err)
		return
	}
	for _, t := range trail {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO capture_events (event_id, job_id, from_state, to_state, reason, detail, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			l.newID(), t.JobID, t.From, t.To, t.Reason, t.Detail, t.At.UnixMilli())
		if err != nil {
			tx.Rollback()
			l.logger.Error("observability: event log insert", "error", err, "job_id", t.JobID)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Error("observability: event log commit", "error", err)
	}
}

// Trail returns the recorded transitions of jobID, oldest first. Several
// runs of the same job are concatenated.
func (l *EventLog) Trail(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, reason, detail, created_at
		FROM capture_events WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("observability: trail %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.JobID, &t.From, &t.To, &t.Reason, &t.Detail, &at); err != nil {
			return nil, fmt.Errorf("observability: trail scan: %w", err)
		}
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}
