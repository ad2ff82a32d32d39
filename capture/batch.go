package capture

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/scrollshot/jobqueue"
	"github.com/hazyhaar/scrollshot/observability"
)

// RunBatch runs the jobs named by ids with at most Workers in flight and
// returns their results in input order. A failing job never stops its
// siblings; jobs sharing a tab still run one at a time.
func (o *Orchestrator) RunBatch(ctx context.Context, ids []string) []*Result {
	results := make([]*Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for i, id := range ids {
		g.Go(func() error {
			results[i] = o.RunID(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	o.logger.Info("capture: batch done", "jobs", len(ids), "failed", failed)
	return results
}

// Work consumes job IDs from q until ctx ends. Retryable failures are
// nacked for redelivery; others are acked, their failure already
// recorded. hb may be nil.
func (o *Orchestrator) Work(ctx context.Context, q *jobqueue.Queue, hb *observability.Heartbeat) error {
	if hb != nil {
		go hb.Run(ctx)
	}
	return q.Run(ctx, func(ctx context.Context, e *jobqueue.Entry) error {
		res := o.RunID(ctx, e.JobID)
		if hb != nil {
			hb.JobDone()
		}
		if res.OK() || !res.Reason.Retryable() {
			return nil
		}
		return fmt.Errorf("capture: %s: %s", res.Reason, res.Error)
	})
}
