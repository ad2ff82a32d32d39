package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Heartbeat writes periodic liveness rows for a queue worker.
type Heartbeat struct {
	db       *sql.DB
	name     string
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger

	jobsDone atomic.Int64
}

// NewHeartbeat creates a writer for the worker called name.
func NewHeartbeat(db *sql.DB, name string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		db:       db,
		name:     name,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		logger:   logger,
	}
}

// JobDone counts one finished job in the next beat.
func (h *Heartbeat) JobDone() { h.jobsDone.Add(1) }

// Beat writes one row now.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp, jobs_done, goroutines_count, memory_alloc_mb)
		VALUES (?,?,?,?,?,?,?)`,
		h.name, h.hostname, h.pid, time.Now().UnixMilli(), h.jobsDone.Load(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately, then every interval until ctx ends.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("observability: heartbeat failed", "worker", h.name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WorkerStatus is the latest heartbeat of a worker.
type WorkerStatus struct {
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	PID      int       `json:"pid"`
	LastBeat time.Time `json:"last_beat"`
	JobsDone int64     `json:"jobs_done"`
	Alive    bool      `json:"alive"`
}

// LatestHeartbeat returns the last beat of name, or nil when it never beat.
// A worker is alive when its last beat is younger than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, name string, staleAfter time.Duration) (*WorkerStatus, error) {
	var ws WorkerStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, jobs_done
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, name).
		Scan(&ws.Name, &ws.Hostname, &ws.PID, &ts, &ws.JobsDone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	ws.LastBeat = time.UnixMilli(ts)
	ws.Alive = time.Since(ws.LastBeat) <= staleAfter
	return &ws, nil
}
