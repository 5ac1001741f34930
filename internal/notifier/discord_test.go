package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/zim_downloader/internal/downloader"
	"github.com/italolelis/zim_downloader/internal/storage"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	require.Error(t, err)
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name   string
		event  downloader.Event
		want   string
		wantOK bool
	}{
		{
			name: "completed",
			event: downloader.Event{Type: downloader.EventCompleted, Status: downloader.Status{
				ItemID: "wikipedia_en_top", ExpectedBytes: 2_000_000,
			}},
			want:   "✅ Download finished: wikipedia_en_top (2.0 MB)",
			wantOK: true,
		},
		{
			name: "failed",
			event: downloader.Event{Type: downloader.EventFailed, Status: downloader.Status{
				ItemID: "a", Phase: storage.PhaseError, FractionComplete: 0.25, ErrorMessage: "connection reset",
			}},
			want:   "❌ Download failed: a at 25%: connection reset",
			wantOK: true,
		},
		{
			name:  "progress is silent",
			event: downloader.Event{Type: downloader.EventProgress},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Message(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, content)

	return nil
}

func TestWatchDownloads(t *testing.T) {
	events := make(chan downloader.Event, 3)
	events <- downloader.Event{Type: downloader.EventQueued, Status: downloader.Status{ItemID: "a"}}
	events <- downloader.Event{Type: downloader.EventCompleted, Status: downloader.Status{ItemID: "a"}}
	close(events)

	n := &recordingNotifier{}

	done := make(chan struct{})

	go func() {
		WatchDownloads(context.Background(), n, events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after the channel closed")
	}

	assert.Equal(t, []string{"✅ Download finished: a"}, n.msgs)
}
