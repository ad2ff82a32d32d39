// Package observability records capture telemetry in SQLite: buffered
// metric datapoints, the per-job state trail and worker heartbeats.
//
// Writes are asynchronous where they sit on the capture path. A full
// buffer is flushed inline; a failing store is logged, never returned to
// the capture.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Metric names written by RecordCapture.
const (
	MetricCaptureDurationMs = "capture_duration_ms"
	MetricCaptureTotal      = "capture_total"
	MetricAlignConfidence   = "align_confidence"
	MetricNavUnconfirmed    = "navigation_unconfirmed_total"
)

// Metric is one datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// CaptureSample summarises one finished capture job.
type CaptureSample struct {
	JobID                 string
	Backend               string
	Outcome               string // terminal state
	Reason                string // failure reason, empty on success
	Duration              time.Duration
	Searched              bool
	Confidence            float64
	LowConfidence         bool
	NavigationUnconfirmed bool
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithBufferSize sets how many datapoints are held before a flush.
// Default: 100.
func WithBufferSize(n int) MetricsOption {
	return func(m *Metrics) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush. Default: 5s.
func WithFlushInterval(d time.Duration) MetricsOption {
	return func(m *Metrics) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithMetricsLogger sets a custom logger.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(m *Metrics) { m.logger = l }
}

// Metrics buffers datapoints and writes them in batches.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetrics starts a flusher writing to db. Init must have run on db.
func NewMetrics(db *sql.DB, opts ...MetricsOption) *Metrics {
	m := &Metrics{
		db:            db,
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.buffer = make([]*Metric, 0, m.bufferSize)
	go m.flushLoop()
	return m
}

// Record queues a datapoint.
func (m *Metrics) Record(metric *Metric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, metric)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// RecordCapture queues the datapoints describing one finished job.
func (m *Metrics) RecordCapture(s CaptureSample) {
	now := time.Now()
	labels := map[string]string{"backend": s.Backend, "outcome": s.Outcome}
	if s.Reason != "" {
		labels["reason"] = s.Reason
	}
	m.Record(&Metric{Name: MetricCaptureTotal, Timestamp: now, Value: 1, Labels: labels, Unit: "count"})
	m.Record(&Metric{Name: MetricCaptureDurationMs, Timestamp: now, Value: float64(s.Duration.Milliseconds()), Labels: labels, Unit: "milliseconds"})
	if s.Searched {
		m.Record(&Metric{
			Name:      MetricAlignConfidence,
			Timestamp: now,
			Value:     s.Confidence,
			Labels:    map[string]string{"job_id": s.JobID, "low": strconv.FormatBool(s.LowConfidence)},
			Unit:      "ratio",
		})
	}
	if s.NavigationUnconfirmed {
		m.Record(&Metric{Name: MetricNavUnconfirmed, Timestamp: now, Value: 1, Labels: map[string]string{"job_id": s.JobID}, Unit: "count"})
	}
}

// Query returns datapoints named name (all when empty) newest first.
func (m *Metrics) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.UnixMilli()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var mt Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&mt.Name, &ts, &mt.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		mt.Timestamp = time.UnixMilli(ts)
		mt.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &mt.Labels)
		}
		out = append(out, &mt)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retention.
func (m *Metrics) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?",
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes buffered datapoints now.
func (m *Metrics) Flush() {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

// Close flushes and stops the flusher. Safe to call more than once.
func (m *Metrics) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.Flush()
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("observability: metrics begin", "error", err, "dropped", len(m.buffer))
		m.buffer = m.buffer[:0]
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		m.logger.Error("observability: metrics prepare", "error", err)
		m.buffer = m.buffer[:0]
		return
	}
	defer stmt.Close()

	for _, mt := range m.buffer {
		var labels sql.NullString
		if len(mt.Labels) > 0 {
			if b, err := json.Marshal(mt.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, mt.Name, mt.Timestamp.UnixMilli(), mt.Value, labels, mt.Unit); err != nil {
			m.logger.Error("observability: metrics insert", "error", err, "metric", mt.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		m.logger.Error("observability: metrics commit", "error", err)
	}
	m.buffer = m.buffer[:0]
}
