package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/scrape-flow/workflow"
)

// Status is the run-level outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Error kinds reported alongside a failed status.
const (
	KindConfig     = "config"
	KindDriver     = "driver"
	KindNotFound   = "element_not_found"
	KindTimeout    = "timeout"
	KindAuthInput  = "auth_input"
	KindCancelled  = "cancelled"
	KindExtraction = "extraction"
	KindWrite      = "write"
	KindInternal   = "internal"
)

// TargetResult is the outcome of one data_extraction entry.
type TargetResult struct {
	Target      string `json:"target"`
	Destination string `json:"destination"`
	Rows        int    `json:"rows"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result describes one pipeline run. It never carries secret values.
type Result struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	Status   Status `json:"status"`
	// FailedIndex is set when the action sequence failed; -1 means the
	// navigation to login_url failed before action 0.
	FailedIndex *int                `json:"failed_index,omitempty"`
	FailedKind  workflow.ActionKind `json:"failed_kind,omitempty"`
	ErrorKind   string              `json:"error_kind,omitempty"`
	Error       string              `json:"error,omitempty"`
	Targets     []TargetResult      `json:"targets"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`

	// Err is the typed failure; not serialized.
	Err error `json:"-"`
}

// OK reports whether the run succeeded and every target was written.
func (r *Result) OK() bool {
	if r.Status != StatusSuccess {
		return false
	}
	for _, t := range r.Targets {
		if t.Error != "" {
			return false
		}
	}
	return true
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Result) fail(err error) {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
	r.ErrorKind = Classify(err)
}

// Classify names the taxonomy entry err belongs to.
func Classify(err error) string {
	var (
		cerr *workflow.ConfigError
		derr *workflow.DriverError
		nf   *workflow.ElementNotFoundError
		terr *workflow.TimeoutError
		aerr *workflow.AuthInputError
		xerr *workflow.ExtractionError
		werr *workflow.WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &aerr):
		return KindAuthInput
	case errors.As(err, &cerr):
		return KindConfig
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &terr):
		return KindTimeout
	case errors.As(err, &derr):
		return KindDriver
	case errors.As(err, &xerr):
		return KindExtraction
	case errors.As(err, &werr):
		return KindWrite
	default:
		return KindInternal
	}
}
