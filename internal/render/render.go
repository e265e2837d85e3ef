// Package render turns tables into documents for the notification step.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"dsdreports/internal/exporter"
	"dsdreports/internal/infrastructure"
)

// ErrEmptyTable is returned for a table without rows.
var ErrEmptyTable = errors.New("table has no rows")

// RenderError reports a document that could not be produced. It is not
// retried.
type RenderError struct {
	Format string
	Out    string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s to %s: %v", e.Format, e.Out, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Document is one table to render.
type Document struct {
	Title string
	Table *exporter.Table
	// Out is the target path without extension; each renderer adds its own.
	Out string
}

// Renderer writes a document in one format and returns the written path.
type Renderer interface {
	Format() string
	Render(ctx context.Context, doc Document) (string, error)
}

// Batch renders documents with a bounded number in flight.
type Batch struct {
	renderers []Renderer
	limit     int
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
}

// NewBatch creates a Batch running at most limit renders at once.
func NewBatch(limit int, metrics *infrastructure.BusinessMetrics, logger *slog.Logger, renderers ...Renderer) *Batch {
	if limit < 1 {
		limit = 1
	}
	return &Batch{
		renderers: renderers,
		limit:     limit,
		metrics:   metrics,
		logger:    infrastructure.WithComponent(logger, "render"),
	}
}

// Output is the result of one document in one format.
type Output struct {
	Title  string
	Format string
	Path   string
	Err    error
}

// Render renders every document with every renderer. A failed document
// does not stop the others; outputs keep document then renderer order.
func (b *Batch) Render(ctx context.Context, docs []Document) []Output {
	outputs := make([]Output, len(docs)*len(b.renderers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.limit)
	for i, doc := range docs {
		for j, r := range b.renderers {
			slot := i*len(b.renderers) + j
			g.Go(func() error {
				path, err := r.Render(gctx, doc)
				outputs[slot] = Output{Title: doc.Title, Format: r.Format(), Path: path, Err: err}
				b.metrics.RecordDocument(gctx, r.Format(), err == nil)
				if err != nil {
					b.logger.ErrorContext(gctx, "Render failed",
						slog.String("title", doc.Title),
						slog.String("format", r.Format()),
						slog.String("error", err.Error()))
				} else {
					b.logger.InfoContext(gctx, "Rendered document",
						slog.String("title", doc.Title),
						slog.String("path", path))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return outputs
}

// Paths returns the written paths of successful outputs.
func Paths(outputs []Output) []string {
	var out []string
	for _, o := range outputs {
		if o.Err == nil && o.Path != "" {
			out = append(out, o.Path)
		}
	}
	return out
}

func checkTable(format, out string, t *exporter.Table) error {
	if t == nil || len(t.Rows) == 0 {
		return &RenderError{Format: format, Out: out, Err: ErrEmptyTable}
	}
	return nil
}
