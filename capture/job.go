// Package capture reproduces the scrolled region of a reference
// screenshot on a live page.
//
// An Orchestrator drives one job through a fixed state machine: set the
// viewport, navigate, capture either the plain viewport (reference taken
// at the page top) or the full page, align the reference against it,
// crop, upload and record. Browser access goes through a Backend chosen
// once by capability check; a Session is held by one job at a time and
// released on every exit path.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/hazyhaar/scrollshot/devtools"
)

// Job is one capture request. It is read-only to the orchestrator.
type Job struct {
	ID      string `json:"id" yaml:"id" validate:"required,max=200"`
	PageURL string `json:"page_url" yaml:"page_url" validate:"required,url"`
	// Reference is a file path or http(s) URL of the reference image.
	Reference string `json:"reference,omitempty" yaml:"reference" validate:"required_without=ReferenceData"`
	// ReferenceData holds the reference bytes when given inline.
	ReferenceData  []byte `json:"-" yaml:"-"`
	ViewportWidth  int    `json:"viewport_width" yaml:"viewport_width" validate:"min=1,max=10000"`
	ViewportHeight int    `json:"viewport_height" yaml:"viewport_height" validate:"min=1,max=10000"`
}

var validate = validator.New()

// Validate checks the job fields.
func (j Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// Record is what the ticketing store keeps about a finished capture.
type Record struct {
	Type      string `json:"type"`
	PublicURL string `json:"public_url"`
}

// JobSource resolves job IDs.
type JobSource interface {
	GetJob(ctx context.Context, id string) (Job, error)
}

// Recorder stores the outcome of a job.
type Recorder interface {
	RecordResult(ctx context.Context, jobID string, rec Record) error
}

// FailureRecorder is implemented by recorders that also keep failures.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, jobID string, reason FailureReason, message string) error
}

// NopRecorder discards records. It serves one-off CLI captures.
type NopRecorder struct{}

func (NopRecorder) RecordResult(context.Context, string, Record) error { return nil }

// FailureReason names why a job ended in StateFailed.
type FailureReason string

const (
	ReasonInvalidJob          FailureReason = "invalid_job"
	ReasonJobUnavailable      FailureReason = "job_unavailable"
	ReasonNoDebugTarget       FailureReason = "no_debug_target"
	ReasonConnectTimeout      FailureReason = "connect_timeout"
	ReasonProtocolCommand     FailureReason = "protocol_command_error"
	ReasonReferenceInvalid    FailureReason = "reference_invalid"
	ReasonFullPageUnsupported FailureReason = "full_page_unsupported"
	ReasonUploadFailure       FailureReason = "upload_failure"
	ReasonMetadataWrite       FailureReason = "metadata_write_failure"
	ReasonRecordFailure       FailureReason = "record_failure"
	ReasonJobTimeout          FailureReason = "job_timeout"
	ReasonInternal            FailureReason = "internal_error"
)

// Retryable reports whether running the job again may succeed.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonInvalidJob, ReasonJobUnavailable, ReasonReferenceInvalid, ReasonFullPageUnsupported, ReasonInternal:
		return false
	}
	return true
}

var (
	// ErrInvalidJob wraps job validation failures.
	ErrInvalidJob = errors.New("capture: invalid job")
	// ErrFullPageUnsupported is returned when the selected backend
	// cannot capture beyond the viewport.
	ErrFullPageUnsupported = errors.New("capture: backend cannot capture the full page")
	// ErrIllegalTransition is a state machine misuse.
	ErrIllegalTransition = errors.New("capture: illegal state transition")
	// ErrNoBackend is returned by SelectBackend when every check fails.
	ErrNoBackend = errors.New("capture: no usable capture backend")
)

// Error is a job failure with its reason.
type Error struct {
	Reason FailureReason
	Err    error
}

// Error prefixes the cause with the reason once, however deep the same
// reason is nested.
func (e *Error) Error() string {
	var inner *Error
	if errors.As(e.Err, &inner) && inner.Reason == e.Reason {
		return e.Err.Error()
	}
	return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason carried by err, or "" if none.
func ReasonOf(err error) FailureReason {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// protocolReason maps a backend error to a failure reason.
func protocolReason(err error) FailureReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonJobTimeout
	case errors.Is(err, devtools.ErrNoDebugTarget), errors.Is(err, ErrNoBackend):
		return ReasonNoDebugTarget
	case errors.Is(err, devtools.ErrConnectTimeout):
		return ReasonConnectTimeout
	case errors.Is(err, ErrFullPageUnsupported):
		return ReasonFullPageUnsupported
	}
	return ReasonProtocolCommand
}
