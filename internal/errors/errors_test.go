package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/infrastructure"
)

func newHandler() *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleErrorMapsAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"not found", NotFoundError("run", "abc"), http.StatusNotFound, TypeNotFound},
		{"wrapped", fmt.Errorf("lookup: %w", NotFoundError("run", "abc")), http.StatusNotFound, TypeNotFound},
		{"invalid", InvalidParameter("limit", "x"), http.StatusBadRequest, TypeValidation},
		{"unavailable", Unavailable("run history"), http.StatusServiceUnavailable, TypeServiceDown},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"plain", io.ErrUnexpectedEOF, http.StatusInternalServerError, TypeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
			req = req.WithContext(infrastructure.WithTraceID(req.Context(), "trace-1"))

			newHandler().HandleError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.typ, body["type"])
			assert.Equal(t, float64(tt.status), body["status"])
			assert.Equal(t, "/runs/abc", body["instance"])
			assert.Equal(t, "trace-1", body["trace_id"])
		})
	}
}

func TestHandleErrorIncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler().HandleError(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=x", nil), InvalidParameter("limit", "x"))

	body := decode(t, rec)
	assert.Equal(t, CodeInvalidRequest, body["error_code"])
	assert.Equal(t, map[string]any{"parameter": "limit", "value": "x"}, body["details"])
}

func TestHandleErrorNilIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler().HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Zero(t, rec.Body.Len())
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newHandler()

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "DELETE")
}

func TestHandlePanic(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler().HandlePanic(rec, httptest.NewRequest(http.MethodGet, "/status", nil), "boom")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestProblemDetailsKeepsStandardFields(t *testing.T) {
	pd := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found", "", "").
		WithExtension("status", "shadowed")
	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, float64(404), body["status"])
	assert.NotContains(t, body, "detail")
}
