package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/zim_downloader/internal/downloader"
	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/storage"
	"github.com/italolelis/zim_downloader/internal/transfer"
)

const (
	eventBuffer       = 64
	heartbeatInterval = 15 * time.Second
)

// Coordinator is the download surface exposed over HTTP.
type Coordinator interface {
	Register(ctx context.Context, item storage.Item) error
	Start(ctx context.Context, itemID string) error
	Resume(ctx context.Context, itemID string) error
	Retry(ctx context.Context, itemID string) error
	Pause(ctx context.Context, itemID string) error
	CancelDiscardingData(ctx context.Context, itemID string) error
	Remove(ctx context.Context, itemID string) error
	Statuses(ctx context.Context) ([]downloader.Status, error)
	Status(ctx context.Context, itemID string) (downloader.Status, error)
	Counts(ctx context.Context) (downloader.Counts, error)
	Subscribe(buffer int) (<-chan downloader.Event, func())
}

type registerRequest struct {
	SourceURL        string `json:"source_url"`
	ExpectedByteSize int64  `json:"expected_byte_size"`
}

type listResponse struct {
	Items  []downloader.Status `json:"items"`
	Counts downloader.Counts   `json:"counts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	username    string
	password    string
	coordinator Coordinator
	heartbeat   time.Duration
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// both username and password are set.
func NewDownloadsHandler(username, password string, c Coordinator) *DownloadsHandler {
	return &DownloadsHandler{
		username:    username,
		password:    password,
		coordinator: c,
		heartbeat:   heartbeatInterval,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" && h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Put("/items/{id}", h.HandleRegister)
	r.Delete("/items/{id}", h.HandleRemove)
	r.Post("/items/{id}/{action}", h.HandleAction)
	r.Get("/events", h.HandleEvents)

	return r
}

// HandleList returns every item with its status and the aggregate counts.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.coordinator.Statuses(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	counts, err := h.coordinator.Counts(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if statuses == nil {
		statuses = []downloader.Status{}
	}

	writeJSON(w, r, http.StatusOK, listResponse{Items: statuses, Counts: counts})
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	status, err := h.coordinator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// HandleRegister upserts a catalog item.
func (h *DownloadsHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.SourceURL == "" || req.ExpectedByteSize < 0 {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "source_url is required and expected_byte_size must not be negative"})

		return
	}

	item := storage.Item{
		ID:               chi.URLParam(r, "id"),
		SourceURL:        req.SourceURL,
		ExpectedByteSize: req.ExpectedByteSize,
	}

	if err := h.coordinator.Register(r.Context(), item); err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeStatus(w, r, item.ID, http.StatusOK)
}

func (h *DownloadsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAction runs start, resume, retry, pause or cancel. cancel keeps the
// resume data unless discard=true is given.
func (h *DownloadsHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var err error

	switch action {
	case "start":
		err = h.coordinator.Start(ctx, id)
	case "resume":
		err = h.coordinator.Resume(ctx, id)
	case "retry":
		err = h.coordinator.Retry(ctx, id)
	case "pause":
		err = h.coordinator.Pause(ctx, id)
	case "cancel":
		discard, parseErr := parseBoolQuery(r, "discard")
		if parseErr != nil {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: parseErr.Error()})

			return
		}

		if discard {
			err = h.coordinator.CancelDiscardingData(ctx, id)
		} else {
			err = h.coordinator.Pause(ctx, id)
		}
	default:
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown action %s", action)})

		return
	}

	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeStatus(w, r, id, http.StatusAccepted)
}

// HandleEvents streams coordinator events as server-sent events.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	events, cancel := h.coordinator.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to encode event", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func (h *DownloadsHandler) writeStatus(w http.ResponseWriter, r *http.Request, id string, code int) {
	status, err := h.coordinator.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, code, status)
}

func (h *DownloadsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, code, errorResponse{Error: formatError(err)})
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="zim-downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", key, v)
	}

	return b, nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, downloader.ErrUnknownItem):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrAlreadyActive),
		errors.Is(err, downloader.ErrNotActive),
		errors.Is(err, downloader.ErrCommandPending):
		return http.StatusConflict
	case errors.Is(err, downloader.ErrStopped):
		return http.StatusServiceUnavailable
	}

	var networkErr *transfer.NetworkError
	if errors.As(err, &networkErr) {
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

// formatError converts internal errors to messages safe to show to API clients.
func formatError(err error) string {
	var networkErr *transfer.NetworkError
	if errors.As(err, &networkErr) {
		return fmt.Sprintf("transfer failed: %s", networkErr.Message)
	}

	var placementErr *transfer.PlacementError
	if errors.As(err, &placementErr) {
		return fmt.Sprintf("could not place archive for %s", placementErr.ItemID)
	}

	var invalidErr *transfer.InvalidResumeDataError
	if errors.As(err, &invalidErr) {
		return fmt.Sprintf("invalid resume data: %s", invalidErr.Reason)
	}

	return err.Error()
}
