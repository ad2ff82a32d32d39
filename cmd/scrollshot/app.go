package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/scrollshot/align"
	"github.com/hazyhaar/scrollshot/artifact"
	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/config"
	"github.com/hazyhaar/scrollshot/dbopen"
	"github.com/hazyhaar/scrollshot/devtools"
	"github.com/hazyhaar/scrollshot/jobqueue"
	"github.com/hazyhaar/scrollshot/jobstore"
	"github.com/hazyhaar/scrollshot/observability"
	"github.com/hazyhaar/scrollshot/refimage"
)

// app opens shared resources on first use and closes them once.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	metrics  *observability.Metrics
	jobs     *jobstore.Store
	store    *artifact.LocalStore
	launched *devtools.Launched
}

func (a *app) Close() {
	if a.metrics != nil {
		a.metrics.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.launched != nil {
		a.launched.Close()
	}
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := dbopen.Open(a.cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	if err := observability.Init(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	a.db = db
	a.metrics = observability.NewMetrics(db, observability.WithMetricsLogger(a.logger))
	return db, nil
}

func (a *app) jobStore(ctx context.Context) (*jobstore.Store, error) {
	if a.jobs != nil {
		return a.jobs, nil
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	a.jobs, err = jobstore.New(ctx, db, jobstore.WithLogger(a.logger))
	return a.jobs, err
}

func (a *app) artifactStore(ctx context.Context) (*artifact.LocalStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	a.store, err = artifact.NewLocalStore(ctx, a.cfg.Artifacts.Root, a.cfg.Artifacts.BaseURL, db, artifact.WithLogger(a.logger))
	return a.store, err
}

func (a *app) queue(ctx context.Context) (*jobqueue.Queue, error) {
	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	qc := a.cfg.Queue
	q := jobqueue.New(db, jobqueue.Options{
		Queue:        qc.Name,
		Visibility:   qc.Visibility,
		PollInterval: qc.PollInterval,
		MaxAttempts:  qc.MaxAttempts,
		Concurrency:  a.cfg.Capture.Workers,
		RetryDelay:   qc.RetryDelay,
		OnDiscard: func(_ context.Context, e *jobqueue.Entry) {
			a.logger.Error("scrollshot: job dropped after max attempts",
				"job_id", e.JobID, "attempts", e.Attempts, "last_error", e.LastError)
		},
		Logger: a.logger,
	})
	if err := q.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (a *app) analyzer() *refimage.Analyzer {
	return refimage.NewAnalyzer(
		refimage.WithLuminanceThreshold(a.cfg.Reference.LuminanceThreshold),
		refimage.WithBandHeight(a.cfg.Reference.BandHeight),
		refimage.WithLogger(a.logger),
	)
}

func (a *app) matcher() *align.Matcher {
	return align.New(align.WithOptions(a.cfg.Align), align.WithLogger(a.logger))
}

func (a *app) protocolBackend(host string, ports ...int) *capture.ProtocolBackend {
	dt := a.cfg.DevTools
	opts := []capture.ProtocolOption{
		capture.WithDiscoverer(devtools.NewDiscoverer(devtools.WithHost(host), devtools.WithDiscoverLogger(a.logger))),
		capture.WithPorts(ports...),
		capture.WithDiscoverTimeout(dt.DiscoverTimeout),
		capture.WithConnOptions(
			devtools.WithConnectTimeout(dt.ConnectTimeout),
			devtools.WithCommandTimeout(dt.CommandTimeout),
			devtools.WithConnLogger(a.logger),
		),
		capture.WithTabOptions(
			devtools.WithNavigationTimeout(dt.NavigationTimeout),
			devtools.WithTabLogger(a.logger),
		),
		capture.WithFormat(devtools.Format(dt.Format)),
		capture.WithProtocolLogger(a.logger),
	}
	if dt.DedicatedTabs {
		opts = append(opts, capture.WithDedicatedTabs())
	}
	return capture.NewProtocolBackend(opts...)
}

// backend picks a running browser, else a launched one, else the screen
// when enabled.
func (a *app) backend(ctx context.Context) (capture.Backend, error) {
	dt := a.cfg.DevTools
	protocol := a.protocolBackend(dt.Host, dt.Ports...)
	b, err := capture.SelectBackend(ctx, protocol)
	if err == nil {
		return b, nil
	}

	if dt.Launch {
		lb, lerr := devtools.Launch(ctx, !dt.Headful, a.logger)
		if lerr == nil {
			a.launched = lb
			return a.protocolBackend(lb.Host, lb.Port), nil
		}
		err = errors.Join(err, lerr)
	}
	if a.cfg.Screen.Enabled {
		screen := capture.NewScreenBackend(a.cfg.Screen.Display, a.logger)
		b, serr := capture.SelectBackend(ctx, screen)
		if serr == nil {
			a.logger.Warn("scrollshot: no browser, falling back to screen capture", "error", err)
			return b, nil
		}
		err = errors.Join(err, serr)
	}
	return nil, &capture.Error{Reason: capture.ReasonNoDebugTarget, Err: err}
}

// orchestrator builds an orchestrator on the selected backend. extra
// options come last and may override the uploader and recorder.
func (a *app) orchestrator(ctx context.Context, extra ...capture.Option) (*capture.Orchestrator, error) {
	b, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	opts := []capture.Option{
		capture.WithBackend(b),
		capture.WithAnalyzer(a.analyzer()),
		capture.WithMatcher(a.matcher()),
		capture.WithBudget(a.cfg.Capture.Budget),
		capture.WithWorkers(a.cfg.Capture.Workers),
		capture.WithLogger(a.logger),
	}
	return capture.New(append(opts, extra...)...)
}

// storedOrchestrator runs jobs from the job store and uploads to the
// artifact store, with metrics and the event log.
func (a *app) storedOrchestrator(ctx context.Context, extra ...capture.Option) (*capture.Orchestrator, error) {
	jobs, err := a.jobStore(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	opts := []capture.Option{
		capture.WithJobSource(jobs),
		capture.WithRecorder(jobs),
		capture.WithUploader(store),
		capture.WithMetrics(a.metrics),
		capture.WithEvents(observability.NewEventLog(a.db, observability.WithEventLogger(a.logger))),
	}
	o, err := a.orchestrator(ctx, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("scrollshot: %w", err)
	}
	return o, nil
}
