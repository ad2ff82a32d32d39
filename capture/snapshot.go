package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/scrollshot/refimage"
)

// SnapshotRequest asks for a plain screenshot without a reference.
type SnapshotRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Width    int    `json:"width" validate:"min=1,max=10000"`
	Height   int    `json:"height" validate:"min=1,max=10000"`
	FullPage bool   `json:"full_page"`
}

// Snapshot is an encoded screenshot.
type Snapshot struct {
	Data                []byte        `json:"-"`
	ContentType         string        `json:"content_type"`
	Width               int           `json:"width"`
	Height              int           `json:"height"`
	NavigationConfirmed bool          `json:"navigation_confirmed"`
	Backend             string        `json:"backend"`
	Duration            time.Duration `json:"duration_ns"`
}

// Snapshot sets the viewport, navigates and captures, under the same
// budget, tab lock and cleanup as Run. Errors carry a FailureReason.
func (o *Orchestrator) Snapshot(ctx context.Context, req SnapshotRequest) (*Snapshot, error) {
	start := time.Now()
	if err := validate.Struct(req); err != nil {
		return nil, &Error{Reason: ReasonInvalidJob, Err: fmt.Errorf("%w: %v", ErrInvalidJob, err)}
	}
	log := o.logger.With("url", req.URL)

	b := newJobBudget(ctx, o.budget)
	defer b.stop()
	fail := func(err error) (*Snapshot, error) {
		if b.expired() {
			return nil, &Error{Reason: ReasonJobTimeout, Err: err}
		}
		if ReasonOf(err) != "" {
			return nil, err
		}
		return nil, &Error{Reason: protocolReason(err), Err: err}
	}

	sess, release, err := o.acquire(b, log)
	if err != nil {
		return fail(err)
	}
	defer release()
	ctx = b.ctx
	caps := sess.Capabilities()
	if req.FullPage && !caps.FullPage {
		return fail(ErrFullPageUnsupported)
	}

	if caps.Viewport {
		if err := sess.SetViewport(ctx, req.Width, req.Height); err != nil {
			return fail(err)
		}
	}
	snap := &Snapshot{Backend: o.backend.Name()}
	if caps.Navigate {
		if snap.NavigationConfirmed, err = sess.Navigate(ctx, req.URL); err != nil {
			return fail(err)
		}
		if !snap.NavigationConfirmed {
			log.Warn("capture: navigation unconfirmed, capturing anyway")
		}
	}

	data, err := sess.Screenshot(ctx, req.FullPage)
	release()
	if err != nil {
		return fail(err)
	}
	w, h, err := refimage.Dimensions(data)
	if err != nil {
		return fail(fmt.Errorf("capture: decode screenshot: %w", err))
	}
	snap.Data, snap.Width, snap.Height = data, w, h
	snap.ContentType = http.DetectContentType(data)
	snap.Duration = time.Since(start)
	log.Info("capture: snapshot taken", "width", w, "height", h, "full_page", req.FullPage)
	return snap, nil
}
