package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"dsdreports/internal/archive"
	"dsdreports/internal/browser"
	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/ledger"
	"dsdreports/internal/notify"
	"dsdreports/internal/reconcile"
	"dsdreports/internal/render"
	"dsdreports/internal/runner"
	"dsdreports/internal/status"
	"dsdreports/internal/validation"
	"dsdreports/internal/websocket"
)

const (
	VERSION = "1.4.0"
	AppName = "dsdreports"
)

// Application holds the process-wide services shared by every command.
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics
	Ledger        *ledger.Store
}

// NewApplication loads configuration from configFile (optional) and the
// environment, then starts logging, telemetry and the run ledger.
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging, paths.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION))
	paths.LogPathResolution(logger)

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	store, err := ledger.Open(paths.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}

	return &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
		Ledger:        store,
	}, nil
}

// Run performs one retrieval run against the live dashboard.
func (a *Application) Run(ctx context.Context) (*Report, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := infrastructure.GenerateTraceID()
	ctx = infrastructure.WithTraceID(ctx, runID)
	logger := a.Logger.With(slog.String("run_id", runID))

	if err := validation.NewFileValidator(logger).Preflight(a.Config, a.Paths); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	dispatcher, err := notify.NewDispatcher(ctx, a.Config.Mail, logger)
	if err != nil {
		return nil, err
	}
	archiver, err := archive.FromConfig(ctx, a.Config.Archive, logger)
	if err != nil {
		return nil, err
	}
	defer archiver.Close()

	tracker, srv := a.startStatus(ctx, runID, logger)
	if srv != nil {
		defer srv.Stop(ctx)
	}

	surface, err := browser.NewChromeSurface(a.Config.Browser, a.Paths.DownloadsDir, logger)
	if err != nil {
		return nil, err
	}
	defer surface.Close()

	deps := Deps{
		Config:     a.Config,
		Paths:      a.Paths,
		Surface:    surface,
		Dispatcher: dispatcher,
		Archiver:   archiver,
		Ledger:     a.Ledger,
		Tracker:    tracker,
		Metrics:    a.Metrics,
		Logger:     logger,
	}
	if a.Config.Render.Enabled {
		deps.Printer = render.NewChromePrinter(surface.Context())
	}
	p, err := NewPipeline(deps)
	if err != nil {
		return nil, err
	}

	rep, err := p.Execute(ctx, runID)
	a.writeMetrics(logger)
	return rep, err
}

// startStatus starts the status server when enabled. A failed listen
// keeps the tracker so the run still reports phases to the hub.
func (a *Application) startStatus(ctx context.Context, runID string, logger *slog.Logger) (*status.Tracker, *status.Server) {
	if !a.Config.Status.Enabled {
		return nil, nil
	}
	hub := websocket.NewHub(logger)
	tracker := status.NewTracker(runID, time.Now(), runner.JobsFromConfig(a.Config.Reports), hub)
	srv := status.NewServer(a.Config.Status.Addr, tracker, hub, a.Ledger, a.OTelProviders.PrometheusHTTP, logger)
	if _, err := srv.Start(ctx); err != nil {
		logger.WarnContext(ctx, "Status server unavailable", slog.String("error", err.Error()))
		return tracker, nil
	}
	return tracker, srv
}

// Reconcile merges three store-count extracts outside of a run.
func (a *Application) Reconcile(ctx context.Context, periodPaths map[int]string, out string) (string, error) {
	if out == "" {
		out = a.Paths.CombinedCountCSV
	}
	cols := reconcile.ColumnsFromConfig(a.Config.StoreCounts)
	v := validation.NewFileValidator(a.Logger)
	var errs []error
	for _, period := range reconcile.RequiredPeriods {
		path, ok := periodPaths[period]
		if !ok {
			errs = append(errs, fmt.Errorf("no extract for the %d day period", period))
			continue
		}
		errs = append(errs, v.ValidateCSVFile(path, cols.Distributor, cols.Product, cols.Store))
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	rec := reconcile.NewReconciler(
		cols,
		exporter.NewCSVWriter(a.Paths, a.Logger),
		a.Metrics,
		a.Logger)
	_, written, err := rec.Reconcile(ctx, periodPaths, out)
	return written, err
}

// History prints the most recent runs.
func (a *Application) History(ctx context.Context, n int, w io.Writer) error {
	runs, err := a.Ledger.RecentRuns(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tPRODUCED\tFAILED\tRECONCILED\tDISPATCHED\tNOTE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%t\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Status,
			r.Produced, r.Failed, r.Reconciled, r.Dispatched, r.Note)
	}
	return tw.Flush()
}

func (a *Application) writeMetrics(logger *slog.Logger) {
	if !a.Config.Telemetry.WriteTextfile {
		return
	}
	if err := a.OTelProviders.WriteTextfile(a.Paths.MetricsTextfile); err != nil {
		logger.Warn("Failed to write metrics textfile", slog.String("error", err.Error()))
	}
}

// Close flushes telemetry and closes the ledger and log file.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.OTelProviders != nil {
		errs = append(errs, a.OTelProviders.Shutdown(ctx))
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	errs = append(errs, infrastructure.CloseLogFile())
	return errors.Join(errs...)
}
