// Package status exposes the progress of the current run over HTTP.
package status

import (
	"context"
	"sync"
	"time"

	"dsdreports/internal/infrastructure"
	"dsdreports/internal/runner"
	"dsdreports/internal/websocket"
)

// Run phases.
const (
	PhaseStarting    = "starting"
	PhaseRetrieving  = "retrieving"
	PhaseReconciling = "reconciling"
	PhaseAnalyzing   = "analyzing"
	PhaseRendering   = "rendering"
	PhaseArchiving   = "archiving"
	PhaseDispatching = "dispatching"
	PhaseDone        = "done"
	PhaseFailed      = "failed"
)

// Publisher receives live events.
type Publisher interface {
	Publish(eventType string, data any, traceID string)
}

// JobView is the status of one job.
type JobView struct {
	Sequence  int    `json:"sequence"`
	Name      string `json:"name"`
	State     string `json:"state"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// Snapshot is the tracker state at one point in time.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	Jobs      []JobView `json:"jobs"`
	Produced  int       `json:"produced"`
	Failed    int       `json:"failed"`
}

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Tracker records job progress for the status endpoint and forwards it to
// an optional publisher.
type Tracker struct {
	mu        sync.RWMutex
	runID     string
	phase     string
	startedAt time.Time
	jobs      []JobView
	index     map[int]int

	pub Publisher
}

// NewTracker lists jobs as pending.
func NewTracker(runID string, startedAt time.Time, jobs []runner.Job, pub Publisher) *Tracker {
	t := &Tracker{
		runID:     runID,
		phase:     PhaseStarting,
		startedAt: startedAt,
		index:     make(map[int]int, len(jobs)),
		pub:       pub,
	}
	for i, j := range jobs {
		t.jobs = append(t.jobs, JobView{Sequence: j.Sequence, Name: j.Name, State: JobPending})
		t.index[j.Sequence] = i
	}
	return t
}

// SetPhase moves the run to phase.
func (t *Tracker) SetPhase(ctx context.Context, phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.publish(ctx, websocket.TypeRunStatus, map[string]string{"phase": phase})
}

func (t *Tracker) JobStarted(ctx context.Context, job runner.Job) {
	t.update(job.Sequence, func(v *JobView) { v.State = JobRunning })
	t.publish(ctx, websocket.TypeJobStarted, map[string]any{"sequence": job.Sequence, "name": job.Name})
}

func (t *Tracker) JobFinished(ctx context.Context, o runner.JobOutcome) {
	var view JobView
	t.update(o.Job.Sequence, func(v *JobView) {
		v.State = JobSucceeded
		if o.Failed() {
			v.State = JobFailed
		}
		v.ErrorKind = o.ErrorKind
		v.Error = o.Error
		v.ElapsedMS = o.Elapsed.Milliseconds()
		if o.Artifact != nil {
			v.Artifact = o.Artifact.Path
		}
		view = *v
	})
	t.publish(ctx, websocket.TypeJobFinished, view)
}

func (t *Tracker) update(seq int, fn func(*JobView)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[seq]
	if !ok {
		return
	}
	fn(&t.jobs[i])
}

func (t *Tracker) publish(ctx context.Context, eventType string, data any) {
	if t.pub == nil {
		return
	}
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = t.runID
	}
	t.pub.Publish(eventType, data, traceID)
}

// Snapshot copies the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		RunID:     t.runID,
		Phase:     t.phase,
		StartedAt: t.startedAt,
		Jobs:      append([]JobView(nil), t.jobs...),
	}
	for _, j := range t.jobs {
		switch j.State {
		case JobSucceeded:
			s.Produced++
		case JobFailed:
			s.Failed++
		}
	}
	return s
}

var _ runner.Observer = (*Tracker)(nil)
