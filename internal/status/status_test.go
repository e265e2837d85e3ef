package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/ledger"
	"dsdreports/internal/runner"
	"dsdreports/internal/watcher"
	"dsdreports/internal/websocket"
)

var runStart = time.Date(2024, 3, 9, 6, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any, traceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType+"@"+traceID)
}

func twoJobs() []runner.Job {
	return []runner.Job{
		{Sequence: 1, Name: "Sales Summary", Kind: runner.KindSales},
		{Sequence: 5, Name: "Store Counts 30 Days", Kind: runner.KindStoreCount, PeriodDays: 30},
	}
}

func TestTrackerFollowsJobs(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := NewTracker("run-1", runStart, twoJobs(), pub)

	tr.SetPhase(ctx, PhaseRetrieving)
	tr.JobStarted(ctx, twoJobs()[0])
	assert.Equal(t, JobRunning, tr.Snapshot().Jobs[0].State)

	tr.JobFinished(ctx, runner.JobOutcome{
		Job:      twoJobs()[0],
		Status:   runner.StatusSucceeded,
		Elapsed:  1500 * time.Millisecond,
		Artifact: &watcher.NamedArtifact{Path: "/dl/1_2024-03-09.csv"},
	})
	tr.JobFinished(ctx, runner.JobOutcome{
		Job:       twoJobs()[1],
		Status:    runner.StatusFailed,
		ErrorKind: runner.ErrKindTimeout,
		Error:     "no download",
		Err:       errors.New("no download"),
	})
	tr.JobFinished(ctx, runner.JobOutcome{Job: runner.Job{Sequence: 99}, Status: runner.StatusFailed})

	snap := tr.Snapshot()
	assert.Equal(t, PhaseRetrieving, snap.Phase)
	assert.Equal(t, 1, snap.Produced)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, JobView{Sequence: 1, Name: "Sales Summary", State: JobSucceeded, Artifact: "/dl/1_2024-03-09.csv", ElapsedMS: 1500}, snap.Jobs[0])
	assert.Equal(t, runner.ErrKindTimeout, snap.Jobs[1].ErrorKind)

	assert.Equal(t, []string{
		websocket.TypeRunStatus + "@run-1",
		websocket.TypeJobStarted + "@run-1",
		websocket.TypeJobFinished + "@run-1",
		websocket.TypeJobFinished + "@run-1",
		websocket.TypeJobFinished + "@run-1",
	}, pub.events)
}

func TestServerRoutes(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tr := NewTracker("run-1", runStart, twoJobs(), nil)
	tr.SetPhase(context.Background(), PhaseReconciling)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_total"}))
	srv := NewServer("127.0.0.1:0", tr, websocket.NewHub(logger), nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Run       Snapshot         `json:"run"`
		Websocket map[string]int64 `json:"websocket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-1", body.Run.RunID)
	assert.Equal(t, PhaseReconciling, body.Run.Phase)
	assert.Len(t, body.Run.Jobs, 2)
	assert.Contains(t, body.Websocket, "active_clients")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), "report_jobs_total")
}

func TestServerStartStop(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", NewTracker("r", runStart, nil, nil), nil, nil, nil, logger)

	addr, err := srv.Start(context.Background())
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerRunHistory(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.BeginRun(ctx, "run-1", runStart))
	require.NoError(t, store.SaveJob(ctx, ledger.JobRecord{RunID: "run-1", Sequence: 1, Name: "Sales Summary", Kind: "sales", Status: "succeeded", StartedAt: runStart}))
	require.NoError(t, store.FinishRun(ctx, "run-1", runStart.Add(time.Minute), ledger.Summary{Status: ledger.RunCompleted, Produced: 1}))

	srv := NewServer("127.0.0.1:0", NewTracker("run-2", runStart, nil, nil), nil, store, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(path string) (int, map[string]json.RawMessage) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/runs?limit=5")
	assert.Equal(t, http.StatusOK, code)
	var runs []ledger.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	code, body = get("/runs/run-1")
	assert.Equal(t, http.StatusOK, code)
	var jobs []ledger.JobRecord
	require.NoError(t, json.Unmarshal(body["jobs"], &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "Sales Summary", jobs[0].Name)

	code, body = get("/runs/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `"/errors/not-found"`, string(body["type"]))

	code, _ = get("/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get("/nowhere")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerRunHistoryUnavailableWithoutLedger(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", NewTracker("r", runStart, nil, nil), nil, nil, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLateWebsocketClientReceivesSnapshot(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tr := NewTracker("run-3", runStart, twoJobs(), nil)
	tr.SetPhase(context.Background(), PhaseRendering)

	hub := websocket.NewHub(logger)
	hub.Start()
	defer hub.Stop()
	srv := NewServer("127.0.0.1:0", tr, hub, nil, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var hello websocket.Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, websocket.TypeConnection, hello.Type)

	var ev struct {
		Type string   `json:"type"`
		Data Snapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, websocket.TypeSnapshot, ev.Type)
	assert.Equal(t, "run-3", ev.Data.RunID)
	assert.Equal(t, PhaseRendering, ev.Data.Phase)
	assert.Len(t, ev.Data.Jobs, 2)
}
