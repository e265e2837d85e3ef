package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dsdreports/internal/config"
	"dsdreports/internal/export"
	"dsdreports/internal/retry"
	"dsdreports/internal/watcher"
)

// Kind classifies what a report's extract is used for downstream.
type Kind string

const (
	KindSales      Kind = "sales"
	KindStoreCount Kind = "storecount"
	KindOther      Kind = "other"
)

// Job is one configured report retrieval.
type Job struct {
	Sequence   int    `json:"sequence"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Kind       Kind   `json:"kind"`
	PeriodDays int    `json:"period_days,omitempty"`
}

// JobsFromConfig keeps configuration order.
func JobsFromConfig(reports []config.ReportConfig) []Job {
	jobs := make([]Job, len(reports))
	for i, r := range reports {
		jobs[i] = Job{
			Sequence:   r.Sequence,
			Name:       r.Name,
			URL:        r.URL,
			Kind:       Kind(r.Kind),
			PeriodDays: r.PeriodDays,
		}
	}
	return jobs
}

// Status of a finished job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Error kinds recorded for failed jobs.
const (
	ErrKindNavigation    = "navigation"
	ErrKindExportTrigger = "export-trigger"
	ErrKindTimeout       = "download-timeout"
	ErrKindRetry         = "retry-exhausted"
	ErrKindRename        = "rename"
	ErrKindCancelled     = "cancelled"
	ErrKindPanic         = "panic"
	ErrKindUnknown       = "unknown"
)

// JobError wraps a job failure with the stage it happened in.
type JobError struct {
	Sequence int
	Stage    string
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d failed at %s: %v", e.Sequence, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// JobOutcome is the record of one attempted job.
type JobOutcome struct {
	Job       Job                    `json:"job"`
	Status    Status                 `json:"status"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Locator   string                 `json:"locator,omitempty"`
	Attempts  int                    `json:"attempts,omitempty"`
	State     export.State           `json:"export_state,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Elapsed   time.Duration          `json:"elapsed"`
	Artifact  *watcher.NamedArtifact `json:"artifact,omitempty"`

	Err error `json:"-"`
}

// Failed reports whether the job produced no artifact.
func (o JobOutcome) Failed() bool { return o.Status == StatusFailed }

// Classify maps a job error to its error kind.
func Classify(err error) string {
	var (
		trig      *export.TriggerError
		timeout   *watcher.DownloadTimeout
		exhausted *retry.RetryExhausted
		jobErr    *JobError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindCancelled
	case errors.As(err, &trig):
		return ErrKindExportTrigger
	case errors.As(err, &timeout):
		return ErrKindTimeout
	case errors.As(err, &jobErr) && jobErr.Stage == ErrKindNavigation:
		return ErrKindNavigation
	case errors.As(err, &jobErr) && jobErr.Stage == ErrKindRename:
		return ErrKindRename
	case errors.As(err, &jobErr) && jobErr.Stage == ErrKindPanic:
		return ErrKindPanic
	case errors.As(err, &exhausted):
		return ErrKindRetry
	default:
		return ErrKindUnknown
	}
}

// Result is the ordered output of one run.
type Result struct {
	// Artifacts is parallel to the configured jobs; failed jobs leave nil.
	Artifacts []*watcher.NamedArtifact `json:"artifacts"`
	Outcomes  []JobOutcome             `json:"outcomes"`
}

// Produced returns the non-nil artifacts in job order.
func (r *Result) Produced() []*watcher.NamedArtifact {
	var out []*watcher.NamedArtifact
	for _, a := range r.Artifacts {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Failed returns the outcomes of failed jobs.
func (r *Result) Failed() []JobOutcome {
	var out []JobOutcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// ArtifactFor returns the artifact of the job with the given sequence.
func (r *Result) ArtifactFor(seq int) *watcher.NamedArtifact {
	for i, o := range r.Outcomes {
		if o.Job.Sequence == seq {
			return r.Artifacts[i]
		}
	}
	return nil
}

// PeriodPaths maps the period of each produced store-count extract to its path.
func (r *Result) PeriodPaths() map[int]string {
	out := make(map[int]string)
	for i, o := range r.Outcomes {
		if o.Job.Kind == KindStoreCount && r.Artifacts[i] != nil {
			out[o.Job.PeriodDays] = r.Artifacts[i].Path
		}
	}
	return out
}

// OfKind returns the produced artifacts of jobs of kind k, in job order.
func (r *Result) OfKind(k Kind) []*watcher.NamedArtifact {
	var out []*watcher.NamedArtifact
	for i, o := range r.Outcomes {
		if o.Job.Kind == k && r.Artifacts[i] != nil {
			out = append(out, r.Artifacts[i])
		}
	}
	return out
}
