package downloader

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/zim_downloader/internal/storage"
)

// EventType names what happened to an item.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventProgress   EventType = "progress"
	EventPaused     EventType = "paused"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventRemoved    EventType = "removed"
	EventRegistered EventType = "registered"
	EventReconciled EventType = "reconciled"
)

// Status is the externally visible view of one item.
type Status struct {
	ItemID           string        `json:"item_id"`
	SourceURL        string        `json:"source_url,omitempty"`
	Phase            storage.Phase `json:"phase,omitempty"` // empty when no transfer exists
	Local            bool          `json:"local"`
	FilePath         string        `json:"file_path,omitempty"`
	BytesWritten     int64         `json:"bytes_written"`
	ExpectedBytes    int64         `json:"expected_bytes,omitempty"`
	FractionComplete float64       `json:"fraction_complete"`
	Speed            float64       `json:"speed,omitempty"` // bytes per second, live transfers only
	ETA              time.Duration `json:"eta,omitempty"`
	HasETA           bool          `json:"has_eta"`
	ErrorMessage     string        `json:"error,omitempty"`
}

// LogValue implements slog.LogValuer.
func (s Status) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("item_id", s.ItemID),
		slog.String("phase", string(s.Phase)),
		slog.Float64("fraction", s.FractionComplete),
	)
}

// Counts aggregates the catalog by phase.
type Counts struct {
	Items       int `json:"items"`
	Local       int `json:"local"`
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Paused      int `json:"paused"`
	Error       int `json:"error"`
}

// Active returns the number of transfers that may still be moving bytes.
func (c Counts) Active() int {
	return c.Queued + c.Downloading
}

func (c *Counts) add(phase storage.Phase) {
	switch phase {
	case storage.PhaseQueued:
		c.Queued++
	case storage.PhaseDownloading:
		c.Downloading++
	case storage.PhasePaused:
		c.Paused++
	case storage.PhaseError:
		c.Error++
	}
}

// Event is published after the state change it describes has been persisted.
type Event struct {
	Type   EventType `json:"type"`
	Status Status    `json:"status"`
	Counts Counts    `json:"counts"`
	At     time.Time `json:"at"`
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// instead of blocking the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	closed  bool
	dropped atomic.Int64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
