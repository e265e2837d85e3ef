package ledger

import (
	"context"
	"log/slog"

	"dsdreports/internal/infrastructure"
	"dsdreports/internal/runner"
)

// Recorder writes job outcomes of one run to the ledger as they finish.
// Write failures are logged; they never affect the run.
type Recorder struct {
	store  *Store
	runID  string
	logger *slog.Logger
}

// NewRecorder creates a Recorder for runID.
func NewRecorder(store *Store, runID string, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, runID: runID, logger: infrastructure.WithComponent(logger, "ledger")}
}

func (r *Recorder) JobStarted(context.Context, runner.Job) {}

func (r *Recorder) JobFinished(ctx context.Context, o runner.JobOutcome) {
	if err := r.store.SaveJob(context.WithoutCancel(ctx), RecordFromOutcome(r.runID, o)); err != nil {
		r.logger.WarnContext(ctx, "Failed to record job", slog.String("error", err.Error()))
	}
}

// RecordFromOutcome flattens a job outcome into a ledger row.
func RecordFromOutcome(runID string, o runner.JobOutcome) JobRecord {
	rec := JobRecord{
		RunID:       runID,
		Sequence:    o.Job.Sequence,
		Name:        o.Job.Name,
		Kind:        string(o.Job.Kind),
		Status:      string(o.Status),
		ErrorKind:   o.ErrorKind,
		Error:       o.Error,
		Locator:     o.Locator,
		Attempts:    o.Attempts,
		ExportState: string(o.State),
		StartedAt:   o.StartedAt,
		Elapsed:     o.Elapsed,
	}
	if o.Artifact != nil {
		rec.ArtifactPath = o.Artifact.Path
		rec.SizeBytes = o.Artifact.SizeBytes
	}
	return rec
}

var _ runner.Observer = (*Recorder)(nil)
