// Package runner executes the configured report jobs in order on the one
// shared session. A job that fails at any stage is recorded and the run
// moves on to the next one.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/export"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/retry"
	"dsdreports/internal/session"
	"dsdreports/internal/watcher"
)

// TracerName names the runner's spans.
const TracerName = "dsdreports.runner"

// Observer is told about job progress. Implementations must not block.
type Observer interface {
	JobStarted(ctx context.Context, job Job)
	JobFinished(ctx context.Context, outcome JobOutcome)
}

// Options pace and bound the jobs.
type Options struct {
	JobInterval     time.Duration
	NavSettle       time.Duration
	DownloadTimeout time.Duration
}

// OptionsFromConfig combines runner and watcher settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		JobInterval:     cfg.Runner.JobInterval,
		NavSettle:       cfg.Runner.NavSettle,
		DownloadTimeout: cfg.Watcher.DownloadTimeout,
	}
}

// Runner drives report jobs on a session.
type Runner struct {
	sess    *session.Session
	trigger *export.Trigger
	watcher *watcher.Watcher
	policy  retry.Policy
	opts    Options
	limiter *rate.Limiter
	clock   clock.Clock

	tracer    trace.Tracer
	metrics   *infrastructure.BusinessMetrics
	observers []Observer
	logger    *slog.Logger
}

// New creates a Runner. The session is used strictly sequentially.
func New(sess *session.Session, trigger *export.Trigger, w *watcher.Watcher, policy retry.Policy, opts Options, logger *slog.Logger) *Runner {
	limit := rate.Inf
	if opts.JobInterval > 0 {
		limit = rate.Every(opts.JobInterval)
	}
	clk := policy.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Runner{
		sess:    sess,
		trigger: trigger,
		watcher: w,
		policy:  policy,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		clock:   clk,
		tracer:  otel.Tracer(TracerName),
		logger:  infrastructure.WithComponent(logger, "runner"),
	}
}

// WithMetrics records job and download metrics.
func (r *Runner) WithMetrics(m *infrastructure.BusinessMetrics) *Runner {
	r.metrics = m
	return r
}

// AddObserver registers o for job events.
func (r *Runner) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Run attempts every job exactly once, in order, and returns the artifacts
// with nil holes for failed jobs.
func (r *Runner) Run(ctx context.Context, jobs []Job) *Result {
	runDate := r.clock.Now()
	res := &Result{
		Artifacts: make([]*watcher.NamedArtifact, len(jobs)),
		Outcomes:  make([]JobOutcome, len(jobs)),
	}

	r.logger.InfoContext(ctx, "Starting report jobs",
		slog.Int("jobs", len(jobs)),
		slog.String("session_id", r.sess.ID),
		slog.String("download_dir", r.sess.DownloadDir))

	for i, job := range jobs {
		outcome := r.runJob(ctx, job, runDate)
		res.Outcomes[i] = outcome
		res.Artifacts[i] = outcome.Artifact
	}

	r.logger.InfoContext(ctx, "Report jobs finished",
		slog.Int("produced", len(res.Produced())),
		slog.Int("failed", len(res.Failed())))
	return res
}

func (r *Runner) runJob(ctx context.Context, job Job, runDate time.Time) (outcome JobOutcome) {
	ctx, span := r.tracer.Start(ctx, "report.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("report.sequence", job.Sequence),
			attribute.String("report.name", job.Name),
			attribute.String("report.kind", string(job.Kind)),
		))
	defer span.End()

	ctx = infrastructure.WithJob(ctx, job.Sequence, job.Name)
	start := r.clock.Now()
	outcome = JobOutcome{Job: job, StartedAt: start}

	for _, o := range r.observers {
		o.JobStarted(ctx, job)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "Job panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			outcome.Artifact = nil
			r.fail(&outcome, &JobError{Sequence: job.Sequence, Stage: ErrKindPanic, Err: fmt.Errorf("%v", p)})
		}
		outcome.Elapsed = r.clock.Now().Sub(start)

		if outcome.Failed() {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.ErrorKind)
			r.logger.ErrorContext(ctx, "Report job failed",
				slog.String("error_kind", outcome.ErrorKind),
				slog.String("locator", outcome.Locator),
				slog.Int("attempts", outcome.Attempts),
				slog.Duration("elapsed", outcome.Elapsed),
				slog.String("error", outcome.Error))
		} else {
			span.SetStatus(codes.Ok, "")
			r.logger.InfoContext(ctx, "Report job succeeded",
				slog.String("artifact", outcome.Artifact.Path),
				slog.Int64("size_bytes", outcome.Artifact.SizeBytes),
				slog.Duration("elapsed", outcome.Elapsed))
		}
		r.metrics.RecordJob(ctx, job.Sequence, string(outcome.Status), outcome.ErrorKind, outcome.Elapsed)
		for _, o := range r.observers {
			o.JobFinished(ctx, outcome)
		}
	}()

	named, state, err := r.retrieve(ctx, job, runDate)
	outcome.State = state
	if err != nil {
		r.fail(&outcome, err)
		return outcome
	}
	outcome.Status = StatusSucceeded
	outcome.Artifact = named
	return outcome
}

// retrieve runs navigate → export → await → rename.
func (r *Runner) retrieve(ctx context.Context, job Job, runDate time.Time) (*watcher.NamedArtifact, export.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	surface := r.sess.Surface
	if err := r.policy.Run(ctx, "navigate", job.URL, func(ctx context.Context) error {
		return surface.Navigate(ctx, job.URL)
	}); err != nil {
		return nil, "", &JobError{Sequence: job.Sequence, Stage: ErrKindNavigation, Err: err}
	}
	r.logger.DebugContext(ctx, "Report page opened", slog.String("url", job.URL))

	if r.opts.NavSettle > 0 {
		if err := r.clock.Sleep(ctx, r.opts.NavSettle); err != nil {
			return nil, export.Navigated, err
		}
	}

	known, err := r.watcher.Snapshot(r.sess.DownloadDir)
	if err != nil {
		return nil, export.Navigated, err
	}

	requestedAt := r.clock.Now()
	state, err := r.trigger.Request(ctx, surface)
	if err != nil {
		return nil, state, err
	}

	artifact, err := r.watcher.Await(ctx, r.sess.DownloadDir, known, r.opts.DownloadTimeout)
	if err != nil {
		return nil, state, err
	}
	r.metrics.RecordDownload(ctx, artifact.SizeBytes, artifact.LastObservedAt.Sub(requestedAt))

	named, err := r.watcher.Rename(artifact, job.Sequence, runDate)
	if err != nil {
		return nil, state, &JobError{Sequence: job.Sequence, Stage: ErrKindRename, Err: err}
	}
	return named, state, nil
}

func (r *Runner) fail(o *JobOutcome, err error) {
	o.Status = StatusFailed
	o.Err = err
	o.Error = err.Error()
	o.ErrorKind = Classify(err)

	var exhausted *retry.RetryExhausted
	if errors.As(err, &exhausted) {
		o.Locator = exhausted.Locator
		o.Attempts = exhausted.Attempts
	}
}
