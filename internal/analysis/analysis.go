// Package analysis runs the exploratory-analysis dashboard over one sales
// extract and keeps the PDF it produces. The step is best-effort: the run
// continues without the document when it fails.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"dsdreports/internal/browser"
	"dsdreports/internal/config"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/retry"
	"dsdreports/internal/watcher"
)

// Stages of the analysis step.
const (
	StageNavigate = "navigate"
	StageUpload   = "upload"
	StageAnalyze  = "analyze"
	StageDownload = "download"
	StageAwait    = "await"
	StageRename   = "rename"
)

// ErrNoSource means the configured source extract was not produced.
var ErrNoSource = errors.New("analysis source extract not available")

// Error is a failed analysis step.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analysis %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options locate the dashboard's controls.
type Options struct {
	URL              string
	SourceSequence   int
	UploadLocators   []browser.Locator
	AnalyzeLocators  []browser.Locator
	DownloadLocators []browser.Locator
	// ReadyTimeout bounds the wait for the download control after analyze.
	ReadyTimeout    time.Duration
	DownloadTimeout time.Duration
}

// OptionsFromConfig parses the configured locators.
func OptionsFromConfig(cfg config.AnalysisConfig) (Options, error) {
	upload, err := browser.ParseLocators(cfg.UploadLocators)
	if err != nil {
		return Options{}, fmt.Errorf("upload locators: %w", err)
	}
	analyze, err := browser.ParseLocators(cfg.AnalyzeLocators)
	if err != nil {
		return Options{}, fmt.Errorf("analyze locators: %w", err)
	}
	download, err := browser.ParseLocators(cfg.DownloadLocators)
	if err != nil {
		return Options{}, fmt.Errorf("download locators: %w", err)
	}
	return Options{
		URL:              cfg.URL,
		SourceSequence:   cfg.SourceSequence,
		UploadLocators:   upload,
		AnalyzeLocators:  analyze,
		DownloadLocators: download,
		ReadyTimeout:     cfg.ReadyTimeout,
		DownloadTimeout:  cfg.DownloadTimeout,
	}, nil
}

// Analyzer drives the dashboard on an existing surface.
type Analyzer struct {
	opts    Options
	policy  retry.Policy
	watcher *watcher.Watcher
	logger  *slog.Logger
}

// New creates an Analyzer. Only .pdf files are considered downloads.
func New(opts Options, policy retry.Policy, w *watcher.Watcher, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		opts:    opts,
		policy:  policy,
		watcher: w.WithExtensions(".pdf"),
		logger:  infrastructure.WithComponent(logger, "analysis"),
	}
}

// SourceSequence is the report whose extract gets analyzed.
func (a *Analyzer) SourceSequence() int { return a.opts.SourceSequence }

// Run uploads source, waits for the analysis and moves the resulting PDF to
// outDir as Report_{YYYY-MM-DD}_EDA.pdf. It returns the final path.
func (a *Analyzer) Run(ctx context.Context, surface browser.Surface, downloadDir, source string, date time.Time, outDir string) (string, error) {
	if source == "" {
		return "", &Error{Stage: StageUpload, Err: ErrNoSource}
	}

	if err := a.policy.Run(ctx, StageNavigate, a.opts.URL, func(ctx context.Context) error {
		return surface.Navigate(ctx, a.opts.URL)
	}); err != nil {
		return "", &Error{Stage: StageNavigate, Err: err}
	}

	known, err := a.watcher.Snapshot(downloadDir)
	if err != nil {
		return "", &Error{Stage: StageAwait, Err: err}
	}

	if _, err := a.policy.Upload(ctx, surface, StageUpload, a.opts.UploadLocators, source); err != nil {
		return "", &Error{Stage: StageUpload, Err: err}
	}
	a.logger.InfoContext(ctx, "Extract uploaded", slog.String("source", filepath.Base(source)))

	if _, err := a.policy.Click(ctx, surface, StageAnalyze, a.opts.AnalyzeLocators); err != nil {
		return "", &Error{Stage: StageAnalyze, Err: err}
	}

	// The download control only appears once the analysis is done.
	ready := a.policy
	if a.opts.ReadyTimeout > 0 {
		ready.PresenceTimeout = a.opts.ReadyTimeout
	}
	if _, err := ready.Click(ctx, surface, StageDownload, a.opts.DownloadLocators); err != nil {
		return "", &Error{Stage: StageDownload, Err: err}
	}

	artifact, err := a.watcher.Await(ctx, downloadDir, known, a.opts.DownloadTimeout)
	if err != nil {
		return "", &Error{Stage: StageAwait, Err: err}
	}

	base := fmt.Sprintf("Report_%s_EDA", date.Format("2006-01-02"))
	path, err := a.watcher.RenameTo(artifact, outDir, base, ".pdf")
	if err != nil {
		return "", &Error{Stage: StageRename, Err: err}
	}
	a.logger.InfoContext(ctx, "Analysis document saved",
		slog.String("path", path),
		slog.Int64("size_bytes", artifact.SizeBytes))
	return path, nil
}
