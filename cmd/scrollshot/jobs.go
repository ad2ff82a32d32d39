package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/jobstore"
	"github.com/hazyhaar/scrollshot/observability"
)

const workerName = "scrollshot-worker"

// jobIDs returns args, or every pending job when pending is set.
func jobIDs(ctx context.Context, a *app, args []string, pending bool) ([]string, error) {
	if !pending {
		if len(args) == 0 {
			return nil, fmt.Errorf("give job IDs or --pending")
		}
		return args, nil
	}
	jobs, err := a.jobStore(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := jobs.List(ctx, jobstore.StatusPending, 0)
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), args...)
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func newRunCmd(a *app) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "run [JOB_ID...]",
		Short: "Run stored jobs now, printing one result line per job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids, err := jobIDs(ctx, a, args, pending)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				a.logger.Info("scrollshot: nothing to run")
				return nil
			}
			o, err := a.storedOrchestrator(ctx)
			if err != nil {
				return err
			}

			// On failure every result goes into the single failure line.
			results := o.RunBatch(ctx, ids)
			var failed []*capture.Result
			for _, res := range results {
				if !res.OK() {
					failed = append(failed, res)
				}
			}
			switch {
			case len(failed) == 1 && len(results) == 1:
				return &resultsError{err: resultErr(failed[0]), results: results}
			case len(failed) > 0:
				return &resultsError{err: fmt.Errorf("%d of %d jobs failed", len(failed), len(results)), results: results}
			}
			for _, res := range results {
				if err := writeJSONLine(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "also run every pending job in the store")
	return cmd
}

func newEnqueueCmd(a *app) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "enqueue [JOB_ID...]",
		Short: "Queue stored jobs for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ids, err := jobIDs(ctx, a, args, pending)
			if err != nil {
				return err
			}
			jobs, err := a.jobStore(ctx)
			if err != nil {
				return err
			}
			q, err := a.queue(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := jobs.Get(ctx, id); err != nil {
					return err
				}
				if err := q.Publish(ctx, id); err != nil {
					return err
				}
			}
			n, err := q.Len(ctx)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int{"queued": len(ids), "queue_length": n})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "also queue every pending job in the store")
	return cmd
}

func newWorkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume the job queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), a)
		},
	}
}

func runWorker(ctx context.Context, a *app) error {
	o, err := a.storedOrchestrator(ctx)
	if err != nil {
		return err
	}
	q, err := a.queue(ctx)
	if err != nil {
		return err
	}
	hb := observability.NewHeartbeat(a.db, workerName, a.cfg.Queue.Heartbeat, a.logger)
	a.logger.Info("scrollshot: worker started", "backend", o.Backend().Name(), "workers", a.cfg.Capture.Workers)
	err = o.Work(ctx, q, hb)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage stored capture jobs",
	}

	var id, url, reference, viewport string
	add := &cobra.Command{
		Use:   "add",
		Short: "Store one job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			width, height, err := parseViewport(viewport)
			if err != nil {
				return &capture.Error{Reason: capture.ReasonInvalidJob, Err: err}
			}
			jobs, err := a.jobStore(cmd.Context())
			if err != nil {
				return err
			}
			j := capture.Job{ID: id, PageURL: url, Reference: reference, ViewportWidth: width, ViewportHeight: height}
			if err := jobs.Create(cmd.Context(), &j); err != nil {
				if errors.Is(err, capture.ErrInvalidJob) {
					return &capture.Error{Reason: capture.ReasonInvalidJob, Err: err}
				}
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), j)
		},
	}
	add.Flags().StringVar(&id, "id", "", "job ID (generated when empty)")
	add.Flags().StringVar(&url, "url", "", "page URL (required)")
	add.Flags().StringVar(&reference, "reference", "", "reference screenshot path or URL (required)")
	add.Flags().StringVar(&viewport, "viewport", "1442x1056", "viewport as WIDTHxHEIGHT")
	_ = add.MarkFlagRequired("url")
	_ = add.MarkFlagRequired("reference")

	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert jobs from a YAML file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			jobs, err := a.jobStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := jobs.ImportYAML(cmd.Context(), in)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int{"imported": n})
		},
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored jobs, one JSON line each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.jobStore(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := jobs.List(cmd.Context(), jobstore.Status(status), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := writeJSONLine(cmd.OutOrStdout(), e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter: pending, recorded or failed")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (0 = all)")

	cmd.AddCommand(add, imp, list)
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue length, worker liveness and recent capture metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			q, err := a.queue(ctx)
			if err != nil {
				return err
			}
			n, err := q.Len(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"queue_length": n}

			ws, err := observability.LatestHeartbeat(ctx, a.db, workerName, staleAfter)
			if err != nil {
				return err
			}
			if ws != nil {
				out["worker"] = ws
			}

			samples, err := a.metrics.Query(ctx, observability.MetricCaptureTotal, time.Now().Add(-24*time.Hour), 0)
			if err != nil {
				return err
			}
			outcomes := map[string]int{}
			for _, s := range samples {
				outcomes[s.Labels["outcome"]]++
			}
			out["captures_24h"] = outcomes
			return writeJSONLine(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", time.Minute, "heartbeat age after which the worker counts as down")
	return cmd
}
