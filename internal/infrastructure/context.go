package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	jobKey
)

// JobRef identifies the report job a context belongs to.
type JobRef struct {
	Sequence int
	Report   string
}

// GenerateTraceID returns a new run identifier.
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID tags ctx with the run identifier.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the run identifier carried by ctx, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithJob tags ctx with the report job being retrieved.
func WithJob(ctx context.Context, sequence int, report string) context.Context {
	return context.WithValue(ctx, jobKey, JobRef{Sequence: sequence, Report: report})
}

// JobFromContext returns the job set by WithJob.
func JobFromContext(ctx context.Context) (JobRef, bool) {
	if ctx == nil {
		return JobRef{}, false
	}
	job, ok := ctx.Value(jobKey).(JobRef)
	return job, ok
}

// WithComponent returns logger tagged with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}
