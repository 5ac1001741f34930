package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/progress"
)

// ErrAlreadyLive is returned when a task is already running for the item.
var ErrAlreadyLive = errors.New("transfer already live for item")

// Update is a throttled progress report for one live transfer.
type Update struct {
	Handle     Handle
	Written    int64
	Expected   int64
	Speed      float64 // smoothed, bytes per second; 0 until the first sample
	ETA        time.Duration
	HasETA     bool
	FirstBytes bool // first report since the task was created
}

// Listener receives session events for live handles only. Implementations must
// not block; the coordinator hands them to its own queue.
type Listener interface {
	TransferProgressed(u Update)
	TransferFinished(h Handle, location string)
	TransferFailed(h Handle, err error, resumeData []byte)
}

type liveTask struct {
	handle   Handle
	tracker  *progress.Tracker
	sawBytes bool
}

// Session owns the item to live task mapping and the held background
// completion. It keeps no persistent state.
type Session struct {
	engine         Engine
	logger         *slog.Logger
	now            func() time.Time
	sampleInterval time.Duration

	mu                sync.Mutex
	listener          Listener
	live              map[string]*liveTask
	pendingCompletion func()
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// WithSampleInterval sets the progress sampling interval of the trackers.
func WithSampleInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.sampleInterval = d
	}
}

// NewSession wires the session as the engine delegate.
func NewSession(ctx context.Context, engine Engine, opts ...SessionOption) *Session {
	s := &Session{
		engine:         engine,
		logger:         logctx.LoggerFromContext(ctx).With("component", "transfer_session"),
		now:            time.Now,
		sampleInterval: progress.DefaultSampleInterval,
		live:           make(map[string]*liveTask),
	}

	for _, opt := range opts {
		opt(s)
	}

	engine.SetDelegate(s)

	return s
}

// SetListener registers the receiver of session events.
func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = l
}

// SetBackgroundCompletion holds fn until the engine reports that every
// background event was delivered. It is invoked at most once.
func (s *Session) SetBackgroundCompletion(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingCompletion = fn
}

// Begin starts a fresh transfer for itemID.
func (s *Session) Begin(ctx context.Context, itemID, url string) (Handle, error) {
	return s.begin(itemID, func() (Handle, error) {
		return s.engine.Create(ctx, Request{ItemID: itemID, URL: url})
	})
}

// BeginFromToken continues a transfer for itemID from resume data.
func (s *Session) BeginFromToken(ctx context.Context, itemID string, token []byte) (Handle, error) {
	return s.begin(itemID, func() (Handle, error) {
		return s.engine.CreateFromToken(ctx, itemID, token)
	})
}

// begin holds the lock across the engine call so a callback for the new handle
// can not be processed before the handle is recorded as live.
func (s *Session) begin(itemID string, create func() (Handle, error)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[itemID]; ok {
		return Handle{}, ErrAlreadyLive
	}

	h, err := create()
	if err != nil {
		return Handle{}, err
	}

	s.live[itemID] = &liveTask{
		handle:  h,
		tracker: progress.NewTracker(progress.WithSampleInterval(s.sampleInterval)),
	}

	return h, nil
}

// Cancel stops the live task of itemID. The mapping is dropped immediately so
// that callbacks racing the cancellation are discarded. done receives the
// resume token (or nil) when produceResumeData is set. Cancel reports whether
// a live task existed; when it did not, done is not called.
func (s *Session) Cancel(itemID string, produceResumeData bool, done func(token []byte)) bool {
	s.mu.Lock()
	t, ok := s.live[itemID]
	delete(s.live, itemID)
	s.mu.Unlock()

	if !ok {
		return false
	}

	t.tracker.Reset()
	s.engine.Cancel(t.handle, produceResumeData, done)

	return true
}

// Live returns the live handle of itemID.
func (s *Session) Live(itemID string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[itemID]
	if !ok {
		return Handle{}, false
	}

	return t.handle, true
}

// DiscardResumeData releases partial data behind a token that will not be redeemed.
func (s *Session) DiscardResumeData(token []byte) error {
	if len(token) == 0 {
		return nil
	}

	return s.engine.Discard(token)
}

// Reconcile adopts the tasks the engine reports as running and returns them.
func (s *Session) Reconcile(ctx context.Context) ([]Handle, error) {
	tasks, err := s.engine.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list engine tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range tasks {
		if t, ok := s.live[h.ItemID]; ok && t.handle == h {
			continue
		}

		s.live[h.ItemID] = &liveTask{
			handle:  h,
			tracker: progress.NewTracker(progress.WithSampleInterval(s.sampleInterval)),
		}
	}

	return tasks, nil
}

// OnProgress implements Delegate. Reports are forwarded on the first bytes of a
// task, whenever the tracker records a new sample and on the final byte.
func (s *Session) OnProgress(h Handle, written, expected int64) {
	s.mu.Lock()

	t, ok := s.live[h.ItemID]
	if !ok || t.handle != h {
		s.mu.Unlock()
		s.logger.Debug("dropping progress for stale handle", "item_id", h.ItemID, "task_id", h.TaskID)

		return
	}

	first := !t.sawBytes
	t.sawBytes = true
	sampled := t.tracker.Update(written, s.now())
	listener := s.listener

	s.mu.Unlock()

	final := expected > 0 && written >= expected
	if listener == nil || !(first || sampled || final) {
		return
	}

	speed := t.tracker.Speed()
	eta, hasETA := progress.EstimateRemaining(expected, written, speed)

	s.safely("progress", h, func() {
		listener.TransferProgressed(Update{
			Handle:     h,
			Written:    written,
			Expected:   expected,
			Speed:      speed,
			ETA:        eta,
			HasETA:     hasETA,
			FirstBytes: first,
		})
	})
}

// OnFinished implements Delegate.
func (s *Session) OnFinished(h Handle, location string, err error) {
	s.mu.Lock()

	t, ok := s.live[h.ItemID]
	if !ok || t.handle != h {
		s.mu.Unlock()
		s.logger.Debug("dropping completion for stale handle", "item_id", h.ItemID, "task_id", h.TaskID, "err", err)

		return
	}

	delete(s.live, h.ItemID)
	listener := s.listener

	s.mu.Unlock()

	t.tracker.Reset()

	if listener == nil {
		return
	}

	if err == nil {
		s.safely("finished", h, func() { listener.TransferFinished(h, location) })

		return
	}

	token, _ := ResumeDataFromError(err)
	s.safely("failed", h, func() { listener.TransferFailed(h, err, token) })
}

// OnAllEventsDelivered implements Delegate.
func (s *Session) OnAllEventsDelivered() {
	s.mu.Lock()
	fn := s.pendingCompletion
	s.pendingCompletion = nil
	s.mu.Unlock()

	if fn == nil {
		return
	}

	s.logger.Info("all background transfer events delivered")
	s.safely("background_completion", Handle{}, fn)
}

// safely keeps listener panics from unwinding into the engine's delegate goroutine.
func (s *Session) safely(event string, h Handle, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transfer session listener panic",
				"event", event,
				"item_id", h.ItemID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn()
}
