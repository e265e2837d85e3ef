package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"dsdreports/internal/analysis"
	"dsdreports/internal/archive"
	"dsdreports/internal/browser"
	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/export"
	"dsdreports/internal/exporter"
	"dsdreports/internal/files"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/ledger"
	"dsdreports/internal/notify"
	"dsdreports/internal/reconcile"
	"dsdreports/internal/render"
	"dsdreports/internal/retry"
	"dsdreports/internal/runner"
	"dsdreports/internal/session"
	"dsdreports/internal/status"
	"dsdreports/internal/watcher"
)

// CombinedTitle is the document title of the merged store counts.
const CombinedTitle = "Store Counts"

// Deps are the collaborators of one run. Surface and Dispatcher are
// required; the rest may be nil.
type Deps struct {
	Config  *config.Config
	Paths   *config.Paths
	Surface browser.Surface
	// Printer enables PDF rendering.
	Printer    render.Printer
	Dispatcher notify.Dispatcher
	Archiver   *archive.Archiver
	Ledger     *ledger.Store
	Tracker    *status.Tracker
	Clock      clock.Clock
	Metrics    *infrastructure.BusinessMetrics
	Logger     *slog.Logger
}

// Report describes a finished run.
type Report struct {
	RunID       string
	StartedAt   time.Time
	Outcomes    []runner.JobOutcome
	Failed      []runner.JobOutcome
	Produced    int
	Combined    string
	Labeled     []string
	EDA         string
	Documents   []render.Output
	Archived    []archive.Object
	Attachments []string
	Dispatched  bool
}

// Pipeline runs retrieval and everything after it for one run.
type Pipeline struct {
	d      Deps
	files  *files.Manager
	csv    *exporter.CSVWriter
	logger *slog.Logger
}

// NewPipeline checks deps and fills defaults.
func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Config == nil || d.Paths == nil {
		return nil, errors.New("pipeline needs config and paths")
	}
	if d.Surface == nil {
		return nil, errors.New("pipeline needs a browser surface")
	}
	if d.Dispatcher == nil {
		return nil, errors.New("pipeline needs a dispatcher")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = infrastructure.GetLogger()
	}
	if d.Archiver == nil {
		d.Archiver = archive.New(nil, "", d.Logger)
	}
	return &Pipeline{
		d:      d,
		files:  files.NewManager(d.Paths, d.Logger),
		csv:    exporter.NewCSVWriter(d.Paths, d.Logger),
		logger: infrastructure.WithComponent(d.Logger, "pipeline"),
	}, nil
}

// Execute authenticates and runs every stage. Only a failed login or a
// cancelled context is returned as an error; later stages degrade.
func (p *Pipeline) Execute(ctx context.Context, runID string) (*Report, error) {
	cfg := p.d.Config
	ctx = infrastructure.WithTraceID(ctx, runID)
	rep := &Report{RunID: runID, StartedAt: p.d.Clock.Now()}

	p.beginRun(ctx, rep)

	policy := retry.FromConfig(cfg.Retry, cfg.Dashboard.OverlaySelectors, p.d.Logger)
	policy.Clock = p.d.Clock
	policy.Metrics = p.d.Metrics

	sess, err := p.authenticate(ctx, policy)
	if err != nil {
		p.setPhase(ctx, status.PhaseFailed)
		p.finishRun(ctx, rep, err)
		return rep, err
	}

	p.setPhase(ctx, status.PhaseRetrieving)
	locs, err := export.LocatorsFromConfig(cfg.Dashboard)
	if err != nil {
		p.finishRun(ctx, rep, err)
		return rep, err
	}
	trig := export.NewTrigger(locs, policy, p.d.Logger)
	w := watcher.New(watcher.OptionsFromConfig(cfg.Watcher), p.d.Clock, p.files, p.d.Logger)

	run := runner.New(sess, trig, w, policy, runner.OptionsFromConfig(cfg), p.d.Logger).WithMetrics(p.d.Metrics)
	if p.d.Ledger != nil {
		run.AddObserver(ledger.NewRecorder(p.d.Ledger, runID, p.d.Logger))
	}
	if p.d.Tracker != nil {
		run.AddObserver(p.d.Tracker)
	}
	res := run.Run(ctx, runner.JobsFromConfig(cfg.Reports))
	rep.Outcomes = res.Outcomes
	rep.Failed = res.Failed()
	rep.Produced = len(res.Produced())

	if err := ctx.Err(); err != nil {
		p.finishRun(ctx, rep, err)
		return rep, err
	}

	p.setPhase(ctx, status.PhaseReconciling)
	rep.Combined = p.reconcile(ctx, res)
	rep.Labeled = p.labelTotals(ctx, res)

	p.setPhase(ctx, status.PhaseAnalyzing)
	rep.EDA = p.analyze(ctx, res, policy, w, rep.StartedAt)

	p.setPhase(ctx, status.PhaseRendering)
	rep.Documents = p.render(ctx, res, rep.Combined)

	rep.Attachments = attachments(rep.Documents, rep.EDA)

	p.setPhase(ctx, status.PhaseArchiving)
	rep.Archived = p.archive(ctx, rep.StartedAt, res, rep)

	p.setPhase(ctx, status.PhaseDispatching)
	svc := notify.NewService(p.d.Dispatcher, p.files, p.d.Metrics, p.d.Logger)
	msg := notify.MessageFromConfig(cfg.Mail, rep.Attachments)
	msg.Body = messageBody(msg.Body, rep.Failed)
	if err := svc.Send(ctx, msg); err == nil {
		rep.Dispatched = true
	}

	p.summarize(ctx, rep)
	p.setPhase(ctx, status.PhaseDone)
	p.finishRun(ctx, rep, nil)
	return rep, nil
}

func (p *Pipeline) authenticate(ctx context.Context, policy retry.Policy) (*session.Session, error) {
	opts, err := session.OptionsFromConfig(p.d.Config.Dashboard)
	if err != nil {
		return nil, err
	}
	mgr := session.NewManager(opts, p.d.Surface, p.d.Paths.DownloadsDir, policy, p.d.Logger)
	return mgr.Authenticate(ctx, session.Credentials{
		Username: p.d.Config.Dashboard.Username,
		Password: p.d.Config.Dashboard.Password,
	})
}

// reconcile merges the period extracts when all three were produced.
func (p *Pipeline) reconcile(ctx context.Context, res *runner.Result) string {
	rec := reconcile.NewReconciler(reconcile.ColumnsFromConfig(p.d.Config.StoreCounts), p.csv, p.d.Metrics, p.d.Logger)
	_, written, err := rec.Reconcile(ctx, res.PeriodPaths(), p.d.Paths.CombinedCountCSV)
	switch {
	case errors.Is(err, reconcile.ErrReconciliationSkipped):
		return ""
	case err != nil:
		p.logger.ErrorContext(ctx, "Store-count reconciliation failed", slog.String("error", err.Error()))
		return ""
	}
	return written
}

// labelTotals rewrites each sales extract with its boundary rows labeled.
func (p *Pipeline) labelTotals(ctx context.Context, res *runner.Result) []string {
	cols := reconcile.SalesColumnsFromConfig(p.d.Config.Sales)
	var labeled []string
	for _, a := range res.OfKind(runner.KindSales) {
		t, err := exporter.ReadCSV(a.Path)
		if err != nil {
			p.logger.WarnContext(ctx, "Cannot read sales extract", slog.String("path", a.Path), slog.String("error", err.Error()))
			continue
		}
		rows, err := reconcile.LabelTotals(t, cols)
		if err != nil {
			p.logger.WarnContext(ctx, "Total labeling skipped", slog.String("path", a.Path), slog.String("error", err.Error()))
			continue
		}
		if _, err := p.csv.WriteTable(a.Path, t); err != nil {
			p.logger.ErrorContext(ctx, "Cannot rewrite sales extract", slog.String("path", a.Path), slog.String("error", err.Error()))
			continue
		}
		p.logger.DebugContext(ctx, "Labeled totals", slog.String("path", a.Path), slog.Int("rows", len(rows)))
		labeled = append(labeled, a.Path)
	}
	return labeled
}

func (p *Pipeline) analyze(ctx context.Context, res *runner.Result, policy retry.Policy, w *watcher.Watcher, date time.Time) string {
	cfg := p.d.Config.Analysis
	if !cfg.Enabled {
		return ""
	}
	opts, err := analysis.OptionsFromConfig(cfg)
	if err != nil {
		p.logger.ErrorContext(ctx, "Analysis misconfigured", slog.String("error", err.Error()))
		return ""
	}
	an := analysis.New(opts, policy, w, p.d.Logger)
	var source string
	if a := res.ArtifactFor(an.SourceSequence()); a != nil {
		source = a.Path
	}
	out, err := an.Run(ctx, p.d.Surface, p.d.Paths.DownloadsDir, source, date, p.d.Paths.ReportsDir)
	if err != nil {
		p.logger.WarnContext(ctx, "Analysis report unavailable", slog.String("error", err.Error()))
		return ""
	}
	return out
}

// render prints every produced extract, and the merged store counts, as
// PDF. The merged table is also written as a workbook.
func (p *Pipeline) render(ctx context.Context, res *runner.Result, combined string) []render.Output {
	cfg := p.d.Config.Render
	if !cfg.Enabled {
		return nil
	}

	var docs []render.Document
	for i, a := range res.Artifacts {
		if a == nil {
			continue
		}
		if doc, ok := p.document(ctx, res.Outcomes[i].Job.Name, a.Path); ok {
			docs = append(docs, doc)
		}
	}
	var combinedDoc []render.Document
	if combined != "" {
		if doc, ok := p.document(ctx, CombinedTitle, combined); ok {
			docs = append(docs, doc)
			combinedDoc = append(combinedDoc, doc)
		}
	}

	var outputs []render.Output
	if p.d.Printer != nil {
		pdf := render.NewBatch(cfg.Concurrency, p.d.Metrics, p.d.Logger, render.NewPDFRenderer(p.d.Printer))
		outputs = append(outputs, pdf.Render(ctx, docs)...)
	}
	if cfg.Workbook && len(combinedDoc) > 0 {
		wb := render.NewBatch(1, p.d.Metrics, p.d.Logger, render.NewWorkbookRenderer())
		outputs = append(outputs, wb.Render(ctx, combinedDoc)...)
	}
	return outputs
}

func (p *Pipeline) document(ctx context.Context, title, path string) (render.Document, bool) {
	t, err := exporter.ReadCSV(path)
	if err != nil {
		p.logger.WarnContext(ctx, "Cannot read table for rendering", slog.String("path", path), slog.String("error", err.Error()))
		return render.Document{}, false
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return render.Document{Title: title, Table: t, Out: filepath.Join(p.d.Paths.ReportsDir, base)}, true
}

func attachments(docs []render.Output, eda string) []string {
	out := render.Paths(docs)
	if eda != "" {
		out = append(out, eda)
	}
	return out
}

func (p *Pipeline) archive(ctx context.Context, date time.Time, res *runner.Result, rep *Report) []archive.Object {
	if !p.d.Archiver.Enabled() {
		return nil
	}
	var paths []string
	for _, a := range res.Produced() {
		paths = append(paths, a.Path)
	}
	if rep.Combined != "" {
		paths = append(paths, rep.Combined)
	}
	paths = append(paths, rep.Attachments...)

	objs, err := p.d.Archiver.Upload(ctx, date, paths)
	if err != nil {
		p.logger.WarnContext(ctx, "Archive incomplete", slog.Int("uploaded", len(objs)), slog.String("error", err.Error()))
	}
	return objs
}

// messageBody appends the reports that could not be retrieved to body.
func messageBody(body string, failed []runner.JobOutcome) string {
	if len(failed) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	if body != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%d report(s) could not be retrieved:\n", len(failed))
	for _, o := range failed {
		fmt.Fprintf(&b, "- #%d %s: %s\n", o.Job.Sequence, o.Job.Name, o.ErrorKind)
	}
	return b.String()
}

// summarize logs the outcome, naming every failed job and why.
func (p *Pipeline) summarize(ctx context.Context, rep *Report) {
	for _, o := range rep.Failed {
		p.logger.WarnContext(ctx, "Report not retrieved",
			slog.Int("sequence", o.Job.Sequence),
			slog.String("report", o.Job.Name),
			slog.String("error_kind", o.ErrorKind),
			slog.String("locator", o.Locator),
			slog.Int("attempts", o.Attempts),
			slog.Duration("elapsed", o.Elapsed),
			slog.String("error", o.Error))
	}
	p.logger.InfoContext(ctx, "Run summary",
		slog.Int("jobs", len(rep.Outcomes)),
		slog.Int("produced", rep.Produced),
		slog.Int("failed", len(rep.Failed)),
		slog.Bool("reconciled", rep.Combined != ""),
		slog.Int("labeled", len(rep.Labeled)),
		slog.Bool("analysis", rep.EDA != ""),
		slog.Int("documents", len(render.Paths(rep.Documents))),
		slog.Int("archived", len(rep.Archived)),
		slog.Int("attachments", len(rep.Attachments)),
		slog.Bool("dispatched", rep.Dispatched))
}

func (p *Pipeline) setPhase(ctx context.Context, phase string) {
	if p.d.Tracker != nil {
		p.d.Tracker.SetPhase(ctx, phase)
	}
}

func (p *Pipeline) beginRun(ctx context.Context, rep *Report) {
	if p.d.Ledger == nil {
		return
	}
	if err := p.d.Ledger.BeginRun(ctx, rep.RunID, rep.StartedAt); err != nil {
		p.logger.ErrorContext(ctx, "Cannot record run start", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) finishRun(ctx context.Context, rep *Report, runErr error) {
	if p.d.Ledger == nil {
		return
	}
	sum := ledger.Summary{
		Status:     ledger.RunCompleted,
		Produced:   rep.Produced,
		Failed:     len(rep.Failed),
		Reconciled: rep.Combined != "",
		Dispatched: rep.Dispatched,
	}
	if runErr != nil {
		sum.Status = ledger.RunFailed
		sum.Note = runErr.Error()
	} else if len(rep.Failed) > 0 {
		sum.Note = fmt.Sprintf("%d of %d reports not retrieved", len(rep.Failed), len(rep.Outcomes))
	}
	if err := p.d.Ledger.FinishRun(context.WithoutCancel(ctx), rep.RunID, p.d.Clock.Now(), sum); err != nil {
		p.logger.ErrorContext(ctx, "Cannot record run end", slog.String("error", err.Error()))
	}
}
