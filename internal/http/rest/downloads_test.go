package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/zim_downloader/internal/downloader"
	"github.com/italolelis/zim_downloader/internal/storage"
	"github.com/italolelis/zim_downloader/internal/transfer"
)

// mockCoordinator implements Coordinator for testing.
type mockCoordinator struct {
	actionErr  error
	statusErr  error
	calls      []string
	registered []storage.Item
	statuses   []downloader.Status
	counts     downloader.Counts
	events     chan downloader.Event
}

func (m *mockCoordinator) record(call, id string) error {
	m.calls = append(m.calls, call+":"+id)

	return m.actionErr
}

func (m *mockCoordinator) Register(ctx context.Context, item storage.Item) error {
	m.registered = append(m.registered, item)

	return m.record("register", item.ID)
}

func (m *mockCoordinator) Start(ctx context.Context, itemID string) error {
	return m.record("start", itemID)
}

func (m *mockCoordinator) Resume(ctx context.Context, itemID string) error {
	return m.record("resume", itemID)
}

func (m *mockCoordinator) Retry(ctx context.Context, itemID string) error {
	return m.record("retry", itemID)
}

func (m *mockCoordinator) Pause(ctx context.Context, itemID string) error {
	return m.record("pause", itemID)
}

func (m *mockCoordinator) CancelDiscardingData(ctx context.Context, itemID string) error {
	return m.record("discard", itemID)
}

func (m *mockCoordinator) Remove(ctx context.Context, itemID string) error {
	return m.record("remove", itemID)
}

func (m *mockCoordinator) Statuses(ctx context.Context) ([]downloader.Status, error) {
	return m.statuses, m.statusErr
}

func (m *mockCoordinator) Status(ctx context.Context, itemID string) (downloader.Status, error) {
	if m.statusErr != nil {
		return downloader.Status{}, m.statusErr
	}

	return downloader.Status{ItemID: itemID, Phase: storage.PhaseQueued}, nil
}

func (m *mockCoordinator) Counts(ctx context.Context) (downloader.Counts, error) {
	return m.counts, nil
}

func (m *mockCoordinator) Subscribe(buffer int) (<-chan downloader.Event, func()) {
	return m.events, func() {}
}

func newTestServer(t *testing.T, m *mockCoordinator, username, password string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(NewDownloadsHandler(username, password, m).Routes())
	t.Cleanup(srv.Close)

	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestDownloadsHandler_List(t *testing.T) {
	m := &mockCoordinator{
		statuses: []downloader.Status{{ItemID: "wiki", Phase: storage.PhaseDownloading, BytesWritten: 10}},
		counts:   downloader.Counts{Items: 2, Downloading: 1, Local: 1},
	}
	srv := newTestServer(t, m, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/downloads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body listResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "wiki", body.Items[0].ItemID)
	assert.Equal(t, 2, body.Counts.Items)
	assert.Equal(t, 1, body.Counts.Downloading)
}

func TestDownloadsHandler_ListEmpty(t *testing.T) {
	srv := newTestServer(t, &mockCoordinator{}, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/downloads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, "[]", string(raw["items"]))
}

func TestDownloadsHandler_Register(t *testing.T) {
	m := &mockCoordinator{}
	srv := newTestServer(t, m, "", "")

	resp := do(t, http.MethodPut, srv.URL+"/items/wiki",
		`{"source_url":"https://example.com/wiki.zim","expected_byte_size":4096}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, m.registered, 1)
	assert.Equal(t, storage.Item{ID: "wiki", SourceURL: "https://example.com/wiki.zim", ExpectedByteSize: 4096}, m.registered[0])

	t.Run("invalid body", func(t *testing.T) {
		resp := do(t, http.MethodPut, srv.URL+"/items/wiki", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing url", func(t *testing.T) {
		resp := do(t, http.MethodPut, srv.URL+"/items/wiki", `{"expected_byte_size":1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejected by coordinator", func(t *testing.T) {
		m.actionErr = downloader.ErrInvalidItem
		defer func() { m.actionErr = nil }()

		resp := do(t, http.MethodPut, srv.URL+"/items/wiki", `{"source_url":"https://x"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("negative size", func(t *testing.T) {
		resp := do(t, http.MethodPut, srv.URL+"/items/wiki", `{"source_url":"https://x","expected_byte_size":-1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDownloadsHandler_Actions(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "/items/wiki/start", want: "start:wiki"},
		{path: "/items/wiki/resume", want: "resume:wiki"},
		{path: "/items/wiki/retry", want: "retry:wiki"},
		{path: "/items/wiki/pause", want: "pause:wiki"},
		{path: "/items/wiki/cancel", want: "pause:wiki"},
		{path: "/items/wiki/cancel?discard=false", want: "pause:wiki"},
		{path: "/items/wiki/cancel?discard=true", want: "discard:wiki"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m := &mockCoordinator{}
			srv := newTestServer(t, m, "", "")

			resp := do(t, http.MethodPost, srv.URL+tt.path, "")
			require.Equal(t, http.StatusAccepted, resp.StatusCode)
			assert.Equal(t, []string{tt.want}, m.calls)

			var status downloader.Status
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
			assert.Equal(t, "wiki", status.ItemID)
		})
	}
}

func TestDownloadsHandler_ActionErrors(t *testing.T) {
	m := &mockCoordinator{}
	srv := newTestServer(t, m, "", "")

	resp := do(t, http.MethodPost, srv.URL+"/items/wiki/explode", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, m.calls)

	resp = do(t, http.MethodPost, srv.URL+"/items/wiki/cancel?discard=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, m.calls)

	m.actionErr = fmt.Errorf("start wiki: %w", downloader.ErrAlreadyActive)
	resp = do(t, http.MethodPost, srv.URL+"/items/wiki/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, downloader.ErrAlreadyActive.Error())
}

func TestDownloadsHandler_GetAndRemove(t *testing.T) {
	m := &mockCoordinator{}
	srv := newTestServer(t, m, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/downloads/wiki", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/items/wiki", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"remove:wiki"}, m.calls)

	m.statusErr = downloader.ErrUnknownItem
	resp = do(t, http.MethodGet, srv.URL+"/downloads/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadsHandler_BasicAuth(t *testing.T) {
	srv := newTestServer(t, &mockCoordinator{}, "admin", "secret")

	resp := do(t, http.MethodGet, srv.URL+"/downloads", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	for _, creds := range [][2]string{{"admin", "wrong"}, {"other", "secret"}, {"admin", "secret"}} {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/downloads", nil)
		require.NoError(t, err)
		req.SetBasicAuth(creds[0], creds[1])

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		if creds == [2]string{"admin", "secret"} {
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		} else {
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, creds)
		}
	}
}

func TestDownloadsHandler_Events(t *testing.T) {
	events := make(chan downloader.Event, 1)
	m := &mockCoordinator{events: events}

	h := NewDownloadsHandler("", "", m)
	h.heartbeat = time.Hour

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := do(t, http.MethodGet, srv.URL+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events <- downloader.Event{
		Type:   downloader.EventCompleted,
		Status: downloader.Status{ItemID: "wiki", Phase: storage.PhaseQueued},
	}
	close(events)

	scanner := bufio.NewScanner(resp.Body)

	var lines []string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}

	require.Len(t, lines, 2)
	assert.Equal(t, "event: "+string(downloader.EventCompleted), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))

	var ev downloader.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, "wiki", ev.Status.ItemID)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unknown item", err: downloader.ErrUnknownItem, want: http.StatusNotFound},
		{name: "invalid item", err: downloader.ErrInvalidItem, want: http.StatusBadRequest},
		{name: "already active", err: fmt.Errorf("wrap: %w", downloader.ErrAlreadyActive), want: http.StatusConflict},
		{name: "not active", err: downloader.ErrNotActive, want: http.StatusConflict},
		{name: "pending", err: downloader.ErrCommandPending, want: http.StatusConflict},
		{name: "stopped", err: downloader.ErrStopped, want: http.StatusServiceUnavailable},
		{name: "network", err: &transfer.NetworkError{Operation: "get", Message: "reset"}, want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.err))
		})
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "network error",
			err:  &transfer.NetworkError{Operation: "get", StatusCode: 503, Message: "service unavailable"},
			want: "transfer failed: service unavailable",
		},
		{
			name: "placement error hides paths",
			err:  &transfer.PlacementError{ItemID: "wiki", Path: "/tmp/secret.part", Err: errors.New("disk full")},
			want: "could not place archive for wiki",
		},
		{
			name: "invalid resume data",
			err:  &transfer.InvalidResumeDataError{Reason: "unknown version"},
			want: "invalid resume data: unknown version",
		},
		{
			name: "generic",
			err:  errors.New("something else"),
			want: "something else",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatError(tt.err))
		})
	}
}
