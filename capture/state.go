package capture

import (
	"fmt"
	"slices"
	"time"

	"github.com/hazyhaar/scrollshot/observability"
)

// State is a step of a capture job.
type State string

const (
	StatePending          State = "pending"
	StateViewportSet      State = "viewport_set"
	StateNavigated        State = "navigated"
	StateFullPageCaptured State = "full_page_captured"
	StateAligned          State = "aligned"
	StateCropped          State = "cropped"
	StateUploaded         State = "uploaded"
	StateRecorded         State = "recorded"
	StateFailed           State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateRecorded || s == StateFailed }

// Forward transitions. Navigated goes straight to Cropped when the
// reference already shows the page top. Any non-terminal state may fail.
var transitions = map[State][]State{
	StatePending:          {StateViewportSet},
	StateViewportSet:      {StateNavigated},
	StateNavigated:        {StateFullPageCaptured, StateCropped},
	StateFullPageCaptured: {StateAligned},
	StateAligned:          {StateCropped},
	StateCropped:          {StateUploaded},
	StateUploaded:         {StateRecorded},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// machine tracks one job's state and the trail of transitions.
type machine struct {
	jobID string
	state State
	trail []observability.Transition
	now   func() time.Time
}

func newMachine(jobID string) *machine {
	return &machine{jobID: jobID, state: StatePending, now: time.Now}
}

func (m *machine) advance(to State, detail string) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	m.trail = append(m.trail, observability.Transition{
		JobID:  m.jobID,
		From:   string(m.state),
		To:     string(to),
		Detail: detail,
		At:     m.now(),
	})
	m.state = to
	return nil
}

// fail moves to StateFailed. A job already terminal keeps its state.
func (m *machine) fail(reason FailureReason, err error) {
	if m.state.Terminal() {
		return
	}
	t := observability.Transition{
		JobID:  m.jobID,
		From:   string(m.state),
		To:     string(StateFailed),
		Reason: string(reason),
		At:     m.now(),
	}
	if err != nil {
		t.Detail = err.Error()
	}
	m.trail = append(m.trail, t)
	m.state = StateFailed
}
