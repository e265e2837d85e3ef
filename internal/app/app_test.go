package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/browser/browsertest"
	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
	"dsdreports/internal/ledger"
	"dsdreports/internal/notify"
	"dsdreports/internal/reconcile"
	"dsdreports/internal/runner"
	"dsdreports/internal/session"
	"dsdreports/internal/status"
)

var runDay = time.Date(2024, 3, 9, 6, 30, 0, 0, time.UTC)

const (
	entryURL  = "https://dash.example/Home?DashboardID=1"
	homeURL   = "https://dash.example/Home?DashboardID=185125"
	reportURL = "https://dash.example/Home?DashboardID=100120&ReportID="
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (d *recordingDispatcher) Mode() string { return "test" }

func (d *recordingDispatcher) Dispatch(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return d.err
}

// extracts maps a report ID to the CSV its export button produces.
var extracts = map[string]string{
	"1": "Location,ProductName,Cases\nNorth,Lager,10\nNorth,Stout,4\nSouth,Lager,7\n",
	"2": "Location,ProductName,Cases\nEast,Cider,3\n",
	"3": "Location,ProductName,Cases\nWest,Lager,1\nWest,IPA,2\n",
	"4": "Location,ProductName,Cases\nNorth,Lager,5\n",
	"5": "Distributor Location,Product Name,Retailer\nNorth,Lager,Shop A\nNorth,Lager,Shop B\n",
	"6": "Distributor Location,Product Name,Retailer\nNorth,Lager,Shop A\nSouth,Stout,Shop C\n",
	"7": "Distributor Location,Product Name,Retailer\nNorth,Lager,Shop A\nNorth,Lager,Shop B\nNorth,Lager,Shop D\n",
}

type fixture struct {
	cfg        *config.Config
	paths      *config.Paths
	surface    *browsertest.Surface
	dispatcher *recordingDispatcher
	store      *ledger.Store
	tracker    *status.Tracker
	pipeline   *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()

	cfg := config.Default()
	cfg.Dashboard.EntryURL = entryURL
	cfg.Dashboard.Username = "alice"
	cfg.Dashboard.Password = "s3cret"
	cfg.Dashboard.UsernameLocators = []string{"id:username"}
	cfg.Dashboard.PasswordLocators = []string{"id:password"}
	cfg.Dashboard.SubmitLocators = []string{"id:loginButton"}
	cfg.Dashboard.PostLoginLocators = nil
	cfg.Dashboard.LoginTimeout = 10 * time.Second
	cfg.Dashboard.ExportLocators = []string{"id:ActionButtonExport"}
	cfg.Runner.JobInterval = 0
	cfg.Retry.InterAttemptDelay = time.Second
	cfg.Reports = nil
	for _, r := range config.DefaultReports() {
		r.URL = fmt.Sprintf("%s%d", reportURL, r.Sequence)
		cfg.Reports = append(cfg.Reports, r)
	}

	paths, err := config.GetPaths(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())

	s := browsertest.New("about:blank")
	s.Add("id:username", nil)
	s.Add("id:password", nil)
	s.Add("id:loginButton", &browsertest.Element{OnClick: func() { s.SetURL(homeURL) }})
	s.Add("id:ActionButtonExport", &browsertest.Element{
		OnClick: func() {
			url, _ := s.Location(context.Background())
			id := url[strings.LastIndex(url, "=")+1:]
			require.NoError(t, os.WriteFile(filepath.Join(paths.DownloadsDir, "Report.csv"), []byte(extracts[id]), 0644))
		},
	})

	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := status.NewTracker("run-1", runDay, runner.JobsFromConfig(cfg.Reports), nil)
	d := &recordingDispatcher{}
	p, err := NewPipeline(Deps{
		Config:     cfg,
		Paths:      paths,
		Surface:    s,
		Dispatcher: d,
		Ledger:     store,
		Tracker:    tracker,
		Clock:      clock.NewFake(runDay),
		Logger:     logger,
	})
	require.NoError(t, err)

	return &fixture{cfg: cfg, paths: paths, surface: s, dispatcher: d, store: store, tracker: tracker, pipeline: p}
}

func TestPipelineFullRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.pipeline.Execute(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, 7, rep.Produced)
	assert.Empty(t, rep.Failed)

	// Store counts merged over the union of keys.
	assert.Equal(t, f.paths.CombinedCountCSV, rep.Combined)
	merged, err := exporter.ReadCSV(rep.Combined)
	require.NoError(t, err)
	assert.Equal(t, []string{"Distributor Location", "Product Name", "storeCount_30days", "storeCount_60days", "storeCount_90days"}, merged.Header)
	assert.Equal(t, [][]string{
		{"North", "Lager", "2", "1", "3"},
		{"South", "Stout", "", "1", ""},
	}, merged.Rows)

	// Sales extracts carry Total on their location boundaries.
	assert.Len(t, rep.Labeled, 4)
	sales, err := exporter.ReadCSV(filepath.Join(f.paths.DownloadsDir, "1_2024-03-09.csv"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"North", "Total", "10"},
		{"North", "Stout", "4"},
		{"South", "Total", "7"},
	}, sales.Rows)

	// Without a printer only the merged workbook is rendered.
	workbook := filepath.Join(f.paths.ReportsDir, "combined_storecounts.xlsx")
	assert.Equal(t, []string{workbook}, rep.Attachments)
	assert.FileExists(t, workbook)

	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, []string{workbook}, f.dispatcher.sent[0].Attachments)
	assert.Equal(t, "Automated DSD Reports", f.dispatcher.sent[0].Subject)
	assert.True(t, rep.Dispatched)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, 7, run.Produced)
	assert.True(t, run.Reconciled)
	assert.True(t, run.Dispatched)

	jobs, err := f.store.Jobs(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 7)

	snap := f.tracker.Snapshot()
	assert.Equal(t, status.PhaseDone, snap.Phase)
	assert.Equal(t, 7, snap.Produced)
}

func TestPipelineSkipsReconciliationWhenPeriodMissing(t *testing.T) {
	f := newFixture(t)
	f.surface.NavigateErr[reportURL+"6"] = errors.New("net::ERR_CONNECTION_RESET")

	rep, err := f.pipeline.Execute(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 6, rep.Produced)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 6, rep.Failed[0].Job.Sequence)
	assert.Equal(t, runner.ErrKindNavigation, rep.Failed[0].ErrorKind)

	assert.Empty(t, rep.Combined)
	assert.NoFileExists(t, f.paths.CombinedCountCSV)
	assert.Empty(t, rep.Attachments)

	// The message still goes out without attachments.
	require.Len(t, f.dispatcher.sent, 1)
	assert.Empty(t, f.dispatcher.sent[0].Attachments)
	assert.Contains(t, f.dispatcher.sent[0].Body, "1 report(s) could not be retrieved")
	assert.Contains(t, f.dispatcher.sent[0].Body, "- #6 Store Counts 60 Days: navigation")

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.False(t, run.Reconciled)
	assert.Contains(t, run.Note, "1 of 7")
}

func TestPipelineAuthFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.surface.Add("id:loginButton", nil)

	rep, err := f.pipeline.Execute(context.Background(), "run-1")
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, session.ReasonNoPostLoginSignal, authErr.Reason)

	assert.Empty(t, rep.Outcomes)
	assert.Empty(t, f.dispatcher.sent)
	for _, call := range f.surface.CallLog() {
		assert.False(t, strings.HasPrefix(call, "navigate "+reportURL), call)
	}

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RunFailed, run.Status)
	assert.Equal(t, status.PhaseFailed, f.tracker.Snapshot().Phase)
}

func TestPipelineDispatchFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = &notify.DispatchError{Mode: "test", Err: errors.New("quota exceeded")}

	rep, err := f.pipeline.Execute(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, rep.Dispatched)
	require.Len(t, f.dispatcher.sent, 1)

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, run.Dispatched)
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(Deps{})
	assert.Error(t, err)

	paths, err := config.GetPaths(t.TempDir())
	require.NoError(t, err)
	_, err = NewPipeline(Deps{Config: config.Default(), Paths: paths})
	assert.Error(t, err)

	_, err = NewPipeline(Deps{Config: config.Default(), Paths: paths, Surface: browsertest.New("about:blank")})
	assert.Error(t, err)
}

func TestHistoryPrintsRecentRuns(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.BeginRun(ctx, "run-a", runDay))
	require.NoError(t, store.FinishRun(ctx, "run-a", runDay.Add(time.Minute), ledger.Summary{Status: ledger.RunCompleted, Produced: 7, Reconciled: true}))
	require.NoError(t, store.BeginRun(ctx, "run-b", runDay.Add(24*time.Hour)))

	a := &Application{Ledger: store}
	var buf bytes.Buffer
	require.NoError(t, a.History(ctx, 5, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "RUN")
	assert.Contains(t, lines[1], "run-b")
	assert.Contains(t, lines[1], ledger.RunRunning)
	assert.Contains(t, lines[2], "run-a")
	assert.Contains(t, lines[2], "completed")
}

func TestReconcileCommandWritesMergedTable(t *testing.T) {
	dir := t.TempDir()
	paths, err := config.GetPaths(dir)
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())

	periods := map[int]string{}
	for period, id := range map[int]string{30: "5", 60: "6", 90: "7"} {
		p := filepath.Join(dir, id+".csv")
		require.NoError(t, os.WriteFile(p, []byte(extracts[id]), 0644))
		periods[period] = p
	}

	a := &Application{Config: config.Default(), Paths: paths, Logger: quietLogger()}
	written, err := a.Reconcile(context.Background(), periods, "")
	require.NoError(t, err)
	assert.Equal(t, paths.CombinedCountCSV, written)
	assert.FileExists(t, written)

	delete(periods, 60)
	_, err = a.Reconcile(context.Background(), periods, filepath.Join(dir, "out.csv"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out.csv"))
}

func TestMessageBody(t *testing.T) {
	assert.Equal(t, "Reports attached.", messageBody("Reports attached.", nil))

	failed := []runner.JobOutcome{{
		Job:       runner.Job{Sequence: 3, Name: "Weekly Volume"},
		ErrorKind: runner.ErrKindTimeout,
	}}
	assert.Equal(t, "1 report(s) could not be retrieved:\n- #3 Weekly Volume: download-timeout\n", messageBody("", failed))
	assert.Contains(t, messageBody("Hi", failed), "Hi\n\n1 report(s)")
}

func TestReconcileRejectsExtractWithoutStoreColumn(t *testing.T) {
	dir := t.TempDir()
	paths, err := config.GetPaths(dir)
	require.NoError(t, err)

	periods := map[int]string{}
	for _, period := range reconcile.RequiredPeriods {
		p := filepath.Join(dir, fmt.Sprintf("%d.csv", period))
		require.NoError(t, os.WriteFile(p, []byte("Distributor Location,Product Name\nNorth,Lager\n"), 0644))
		periods[period] = p
	}

	a := &Application{Config: config.Default(), Paths: paths, Logger: quietLogger()}
	_, err = a.Reconcile(context.Background(), periods, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lacks columns Retailer")
	assert.NoFileExists(t, paths.CombinedCountCSV)
}
