package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/zim_downloader/internal/logctx"
)

func newEnabled(t *testing.T) *Telemetry {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "zim_downloader_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	return string(body)
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordTransferStarted(ctx, "fresh")
		tel.RecordTransferStopped(ctx, "completed")
		tel.RecordPhaseTransition(ctx, "queued")
		tel.RecordBytes(ctx, 10)
		tel.RecordResumeToken(ctx, "save", "success")
		tel.RecordEngineOperation(ctx, "http", "create", "error")
		tel.RecordDBOperation("save_state", "success", 0)
		tel.RecordSystemError("coordinator", "placement")
	})

	called := false
	err = tel.InstrumentDBOperation(ctx, "get_state", func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, tel.Shutdown(ctx))

	var nilTel *Telemetry
	assert.NotNil(t, nilTel.Tracer())
	assert.NoError(t, nilTel.InstrumentEngineOperation(ctx, "http", "cancel", func(context.Context) error { return nil }))
}

func TestEnabledTelemetryExportsTransferMetrics(t *testing.T) {
	tel := newEnabled(t)
	ctx := context.Background()

	tel.RecordTransferStarted(ctx, "resume")
	tel.RecordPhaseTransition(ctx, "downloading")
	tel.RecordBytes(ctx, 4096)

	wantErr := errors.New("boom")
	err := tel.InstrumentEngineOperation(ctx, "http", "create", func(context.Context) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	body := scrape(t, tel)
	assert.Contains(t, body, "transfers_started_total")
	assert.Contains(t, body, `mode="resume"`)
	assert.Contains(t, body, "transfer_bytes")
	assert.Contains(t, body, "engine_errors_total")
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	tel := newEnabled(t)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Post("/items/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/items/wiki-42/pause", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := scrape(t, tel)
	assert.Contains(t, body, `path="/items/{id}/pause"`)
	assert.NotContains(t, body, "wiki-42")
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string

	h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads", nil))
	assert.Len(t, strings.ReplaceAll(rec.Header().Get(RequestIDHeader), "-", ""), 32)

	req = httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.Header.Set(RequestIDHeader, "bad id\n")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id\n", seen)
	assert.Len(t, seen, 36)
}

func TestRequestIDOnLogger(t *testing.T) {
	var buf bytes.Buffer

	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req = req.WithContext(logctx.WithLogger(req.Context(), base))
	req.Header.Set(RequestIDHeader, "req-1")

	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "INFO", line["level"])
	assert.EqualValues(t, 5, line["bytes"])
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusOK))
	assert.Equal(t, "3xx", getStatusClass(http.StatusFound))
	assert.Equal(t, "4xx", getStatusClass(http.StatusConflict))
	assert.Equal(t, "5xx", getStatusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", getStatusClass(100))
}
