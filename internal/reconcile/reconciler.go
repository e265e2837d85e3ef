package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
	"dsdreports/internal/infrastructure"
)

// RequiredPeriods are the extracts a reconciliation needs, in join order.
var RequiredPeriods = config.StoreCountPeriods

// ErrReconciliationSkipped means not every period extract was produced.
// No partial merge is written in that case.
var ErrReconciliationSkipped = errors.New("store-count reconciliation skipped")

// Reconciler merges the produced store-count extracts of a run.
type Reconciler struct {
	cols    Columns
	writer  *exporter.CSVWriter
	metrics *infrastructure.BusinessMetrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler writing through w.
func NewReconciler(cols Columns, w *exporter.CSVWriter, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cols:    cols,
		writer:  w,
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "reconcile"),
	}
}

// Missing lists the required periods absent from paths.
func Missing(paths map[int]string) []int {
	var missing []int
	for _, p := range RequiredPeriods {
		if paths[p] == "" {
			missing = append(missing, p)
		}
	}
	return missing
}

// Reconcile reads the 30, 60 and 90 day extracts named in paths, merges
// them and writes the result to out. If any period is missing it returns
// ErrReconciliationSkipped without reading anything.
func (r *Reconciler) Reconcile(ctx context.Context, paths map[int]string, out string) (*MergedCountTable, string, error) {
	ctx, span := otel.Tracer("dsdreports.reconcile").Start(ctx, "storecount.reconcile")
	defer span.End()

	if missing := Missing(paths); len(missing) > 0 {
		have := make([]int, 0, len(paths))
		for p := range paths {
			have = append(have, p)
		}
		sort.Ints(have)
		r.logger.WarnContext(ctx, "Skipping store-count reconciliation",
			slog.Any("missing_periods", missing),
			slog.Any("produced_periods", have))
		r.metrics.RecordReconciliation(ctx, "skipped", 0)
		return nil, "", fmt.Errorf("%w: missing periods %v", ErrReconciliationSkipped, missing)
	}

	tables := make([]*PeriodCountTable, len(RequiredPeriods))
	for i, period := range RequiredPeriods {
		t, err := exporter.ReadCSV(paths[period])
		if err != nil {
			r.metrics.RecordReconciliation(ctx, "failed", 0)
			return nil, "", err
		}
		counts, err := CountStores(t, period, r.cols)
		if err != nil {
			r.metrics.RecordReconciliation(ctx, "failed", 0)
			return nil, "", fmt.Errorf("period %d (%s): %w", period, paths[period], err)
		}
		r.logger.DebugContext(ctx, "Counted stores",
			slog.Int("period_days", period),
			slog.Int("rows", len(t.Rows)),
			slog.Int("keys", len(counts.Counts)))
		tables[i] = counts
	}

	merged := MergePeriods(tables[0], tables[1:]...)
	written, err := r.writer.WriteTable(out, merged.Table(r.cols.Distributor, r.cols.Product))
	if err != nil {
		r.metrics.RecordReconciliation(ctx, "failed", 0)
		return nil, "", fmt.Errorf("write merged store counts: %w", err)
	}

	span.SetAttributes(attribute.Int("storecount.keys", len(merged.Rows)))
	r.metrics.RecordReconciliation(ctx, "merged", len(merged.Rows))
	r.logger.InfoContext(ctx, "Store counts reconciled",
		slog.Int("keys", len(merged.Rows)),
		slog.String("output", written))
	return merged, written, nil
}
