// Package jobstore is the local ticketing store for capture jobs: job
// definitions plus the last recorded outcome of each.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/dbopen"
	"github.com/hazyhaar/scrollshot/idgen"
)

// Schema creates the jobs table.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_jobs (
	id              TEXT PRIMARY KEY,
	page_url        TEXT NOT NULL,
	reference       TEXT NOT NULL DEFAULT '',
	reference_data  BLOB,
	viewport_width  INTEGER NOT NULL,
	viewport_height INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	result_type     TEXT NOT NULL DEFAULT '',
	public_url      TEXT NOT NULL DEFAULT '',
	failure_reason  TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	runs            INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_jobs_status ON capture_jobs(status, created_at);
`

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("jobstore: job not found")

// Status is the outcome of the last run of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRecorded Status = "recorded"
	StatusFailed   Status = "failed"
)

// Entry is a stored job with its last outcome.
type Entry struct {
	capture.Job
	Status         Status    `json:"status"`
	ResultType     string    `json:"result_type,omitempty"`
	PublicURL      string    `json:"public_url,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
	Runs           int       `json:"runs"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the job store handle. It implements capture.JobSource,
// capture.Recorder and capture.FailureRecorder.
type Store struct {
	DB     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the generator for jobs created without an ID.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps db and applies the schema.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if err := dbopen.Migrate(ctx, db, Schema); err != nil {
		return nil, fmt.Errorf("jobstore: %w", err)
	}
	s := &Store{
		DB:     db,
		newID:  idgen.Prefixed("job_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Create stores a new job. An empty ID is generated and written back.
func (s *Store) Create(ctx context.Context, j *capture.Job) error {
	if j.ID == "" {
		j.ID = s.newID()
	}
	if err := j.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO capture_jobs
			(id, page_url, reference, reference_data, viewport_width, viewport_height, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.PageURL, j.Reference, j.ReferenceData, j.ViewportWidth, j.ViewportHeight, now, now,
	)
	if err != nil {
		return fmt.Errorf("jobstore: create %s: %w", j.ID, err)
	}
	s.logger.Debug("jobstore: job created", "job_id", j.ID, "url", j.PageURL)
	return nil
}

// GetJob returns the definition of id.
func (s *Store) GetJob(ctx context.Context, id string) (capture.Job, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return capture.Job{}, err
	}
	return e.Job, nil
}

const selectEntry = `
	SELECT id, page_url, reference, reference_data, viewport_width, viewport_height,
	       status, result_type, public_url, failure_reason, failure_message, runs,
	       created_at, updated_at
	FROM capture_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var created, updated int64
	err := sc.Scan(
		&e.ID, &e.PageURL, &e.Reference, &e.ReferenceData, &e.ViewportWidth, &e.ViewportHeight,
		&e.Status, &e.ResultType, &e.PublicURL, &e.FailureReason, &e.FailureMessage, &e.Runs,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return e, nil
}

// Get returns the stored job with its last outcome.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(s.DB.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	return e, nil
}

// List returns jobs oldest first, filtered by status when non-empty.
// limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	query := selectEntry
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordResult marks id recorded with the artifact of its last run.
func (s *Store) RecordResult(ctx context.Context, id string, rec capture.Record) error {
	return s.update(ctx, id, `
		UPDATE capture_jobs SET status = ?, result_type = ?, public_url = ?,
			failure_reason = '', failure_message = '', runs = runs + 1, updated_at = ?
		WHERE id = ?`,
		StatusRecorded, rec.Type, rec.PublicURL, time.Now().UnixMilli(), id)
}

// RecordFailure marks id failed. A previous public URL is kept: an
// earlier successful upload stays valid.
func (s *Store) RecordFailure(ctx context.Context, id string, reason capture.FailureReason, message string) error {
	return s.update(ctx, id, `
		UPDATE capture_jobs SET status = ?, failure_reason = ?, failure_message = ?,
			runs = runs + 1, updated_at = ?
		WHERE id = ?`,
		StatusFailed, string(reason), message, time.Now().UnixMilli(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.DB, query, args...)
	if err != nil {
		return fmt.Errorf("jobstore: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// importFile is the YAML layout accepted by ImportYAML.
type importFile struct {
	Defaults struct {
		ViewportWidth  int `yaml:"viewport_width"`
		ViewportHeight int `yaml:"viewport_height"`
	} `yaml:"defaults"`
	Jobs []capture.Job `yaml:"jobs"`
}

// ImportYAML reads a job list and upserts every job in one transaction.
// A job already stored gets its definition replaced and its status reset
// to pending. Nothing is written if any job is invalid.
//
//	defaults:
//	  viewport_width: 1442
//	  viewport_height: 1056
//	jobs:
//	  - id: home
//	    page_url: https://shop.example/
//	    reference: shots/home.png
func (s *Store) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var f importFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("jobstore: import: %w", err)
	}

	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.ID == "" {
			j.ID = s.newID()
		}
		if j.ViewportWidth == 0 {
			j.ViewportWidth = f.Defaults.ViewportWidth
		}
		if j.ViewportHeight == 0 {
			j.ViewportHeight = f.Defaults.ViewportHeight
		}
		if err := j.Validate(); err != nil {
			return 0, fmt.Errorf("jobstore: import job %d (%s): %w", i, j.ID, err)
		}
	}

	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, j := range f.Jobs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO capture_jobs
					(id, page_url, reference, viewport_width, viewport_height, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?)
				ON CONFLICT(id) DO UPDATE SET
					page_url = excluded.page_url, reference = excluded.reference,
					reference_data = NULL,
					viewport_width = excluded.viewport_width, viewport_height = excluded.viewport_height,
					status = 'pending', updated_at = excluded.updated_at`,
				j.ID, j.PageURL, j.Reference, j.ViewportWidth, j.ViewportHeight, now, now,
			)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", j.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jobstore: import: %w", err)
	}
	s.logger.Info("jobstore: imported jobs", "count", len(f.Jobs))
	return len(f.Jobs), nil
}
