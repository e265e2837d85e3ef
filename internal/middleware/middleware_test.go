package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "dsdreports/internal/errors"
	"dsdreports/internal/infrastructure"
)

func quietErrors() *apperrors.ErrorHandler {
	return apperrors.NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestTraceUsesRequestID(t *testing.T) {
	var reqID, traceID string
	h := chimw.RequestID(Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID = chimw.GetReqID(r.Context())
		traceID = infrastructure.GetTraceID(r.Context())
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.NotEmpty(t, reqID)
	assert.Equal(t, reqID, traceID)
	assert.Equal(t, reqID, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-Id", "given")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "given", traceID)
}

func TestStructuredLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	code := http.StatusTeapot
	h := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/healthz"`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)

	buf.Reset()
	code = http.StatusServiceUnavailable
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestRecovererAnswers500(t *testing.T) {
	h := Recoverer(quietErrors())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecovererReraisesAbort(t *testing.T) {
	h := Recoverer(quietErrors())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	})
}

func TestRateLimiterIsPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, quietErrors())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	codes := []int{call("10.0.0.1:4000"), call("10.0.0.1:4001"), call("10.0.0.1:4002")}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "1", func() string {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "10.0.0.1:4003"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Header().Get("Retry-After")
	}())

	assert.Equal(t, http.StatusOK, call("10.0.0.2:5000"), "other clients keep their own budget")
}
