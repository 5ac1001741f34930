// Package downloader owns the persisted transfer state of every catalog item
// and drives the transfer session from user commands and engine callbacks.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/placement"
	"github.com/italolelis/zim_downloader/internal/storage"
	"github.com/italolelis/zim_downloader/internal/telemetry"
	"github.com/italolelis/zim_downloader/internal/transfer"
)

var (
	// ErrAlreadyActive rejects a start or resume while the item is queued or downloading.
	ErrAlreadyActive = errors.New("download already active")
	// ErrNotActive rejects a pause when no transfer is live for the item.
	ErrNotActive = errors.New("download not active")
	// ErrCommandPending rejects a command while an earlier one awaits the engine.
	ErrCommandPending = errors.New("command already pending for item")
	// ErrUnknownItem is returned for ids missing from the catalog.
	ErrUnknownItem = errors.New("unknown item")
	// ErrInvalidItem rejects a registration without an id or source url.
	ErrInvalidItem = errors.New("item id and source url are required")
	// ErrStopped is returned once the coordinator loop has exited.
	ErrStopped = errors.New("coordinator stopped")
)

// Session is the transfer session surface used by the coordinator.
type Session interface {
	SetListener(l transfer.Listener)
	SetBackgroundCompletion(fn func())
	Begin(ctx context.Context, itemID, url string) (transfer.Handle, error)
	BeginFromToken(ctx context.Context, itemID string, token []byte) (transfer.Handle, error)
	Cancel(itemID string, produceResumeData bool, done func(token []byte)) bool
	Live(itemID string) (transfer.Handle, bool)
	DiscardResumeData(token []byte) error
	Reconcile(ctx context.Context) ([]transfer.Handle, error)
}

// ResumeStore keeps one resume token per item.
type ResumeStore interface {
	Save(ctx context.Context, itemID string, token []byte) error
	Read(ctx context.Context, itemID string) ([]byte, bool, error)
	Remove(ctx context.Context, itemID string) error
}

// Placer moves finished transfers into the archive directory.
type Placer interface {
	MoveIntoPlace(tempPath, suggestedName string) (string, error)
	Remove(finalPath string) error
}

type liveStats struct {
	speed  float64
	eta    time.Duration
	hasETA bool
}

// Coordinator serializes every state change on one loop goroutine. Commands
// wait for their synchronous part; engine callbacks are queued and return
// immediately.
type Coordinator struct {
	repo      storage.Repository
	session   Session
	tokens    ResumeStore
	placer    Placer
	telemetry *telemetry.Telemetry
	events    *Broadcaster
	now       func() time.Time

	inbox   *mailbox
	stopped chan struct{}

	// owned by the loop
	pendingPause map[string]struct{}
	stats        map[string]liveStats
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTelemetry records coordinator operations and transfer metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Coordinator) {
		c.telemetry = tel
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator registers the coordinator as the session listener. Run must
// be called for commands to make progress.
func NewCoordinator(repo storage.Repository, session Session, tokens ResumeStore, placer Placer, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:         repo,
		session:      session,
		tokens:       tokens,
		placer:       placer,
		events:       NewBroadcaster(),
		now:          time.Now,
		inbox:        newMailbox(),
		stopped:      make(chan struct{}),
		pendingPause: make(map[string]struct{}),
		stats:        make(map[string]liveStats),
	}

	for _, opt := range opts {
		opt(c)
	}

	session.SetListener(c)

	return c
}

// Run processes commands and callbacks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "coordinator")
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info("coordinator started")

	defer func() {
		close(c.stopped)
		c.events.Close()
		logger.Info("coordinator stopped")
	}()

	for {
		fn, ok := c.inbox.pop()
		if !ok {
			select {
			case <-c.inbox.signal:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.safely(ctx, fn)
	}
}

// Subscribe returns future events. cancel unsubscribes.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.Subscribe(buffer)
}

// Register upserts a catalog item. The local flag and file path of an existing
// item are preserved.
func (c *Coordinator) Register(ctx context.Context, item storage.Item) error {
	if item.ID == "" || item.SourceURL == "" {
		return ErrInvalidItem
	}

	return c.do(ctx, "register", item.ID, func(ctx context.Context) error {
		existing, err := c.repo.GetItem(ctx, item.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load item: %w", err)
		}

		if existing != nil {
			item.Local = existing.Local
			item.FilePath = existing.FilePath
		}

		if err := c.repo.SaveItem(ctx, &item); err != nil {
			return fmt.Errorf("failed to save item: %w", err)
		}

		c.publish(ctx, EventRegistered, item.ID)

		return nil
	})
}

// Start begins a fresh download, discarding any resume data left for the item.
func (c *Coordinator) Start(ctx context.Context, itemID string) error {
	return c.do(ctx, "start", itemID, func(ctx context.Context) error {
		item, err := c.loadItem(ctx, itemID)
		if err != nil {
			return err
		}

		if err := c.ensureInactive(ctx, itemID); err != nil {
			return err
		}

		return c.startFresh(ctx, item)
	})
}

// Resume continues a paused download from its resume data, or starts over
// when there is none.
func (c *Coordinator) Resume(ctx context.Context, itemID string) error {
	return c.do(ctx, "resume", itemID, func(ctx context.Context) error {
		return c.resume(ctx, itemID)
	})
}

// Retry resumes a failed download.
func (c *Coordinator) Retry(ctx context.Context, itemID string) error {
	return c.do(ctx, "retry", itemID, func(ctx context.Context) error {
		return c.resume(ctx, itemID)
	})
}

// Pause stops a live download and keeps its resume data. The paused state is
// written once the engine hands the data back.
func (c *Coordinator) Pause(ctx context.Context, itemID string) error {
	return c.do(ctx, "pause", itemID, func(ctx context.Context) error {
		if _, pending := c.pendingPause[itemID]; pending {
			return ErrCommandPending
		}

		if _, ok := c.session.Live(itemID); !ok {
			return ErrNotActive
		}

		c.pendingPause[itemID] = struct{}{}

		c.session.Cancel(itemID, true, func(token []byte) {
			c.dispatch(func(ctx context.Context) {
				c.handlePaused(ctx, itemID, token)
			})
		})

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "pause requested")

		return nil
	})
}

// CancelKeepingData is Pause.
func (c *Coordinator) CancelKeepingData(ctx context.Context, itemID string) error {
	return c.Pause(ctx, itemID)
}

// CancelDiscardingData stops the download, drops its resume data and partial
// bytes and deletes the transfer state. It is idempotent.
func (c *Coordinator) CancelDiscardingData(ctx context.Context, itemID string) error {
	return c.do(ctx, "cancel", itemID, func(ctx context.Context) error {
		if err := c.discard(ctx, itemID); err != nil {
			return err
		}

		c.publish(ctx, EventRemoved, itemID)

		return nil
	})
}

// Remove discards any transfer, deletes the archive file and forgets the item.
func (c *Coordinator) Remove(ctx context.Context, itemID string) error {
	return c.do(ctx, "remove", itemID, func(ctx context.Context) error {
		if err := c.discard(ctx, itemID); err != nil {
			return err
		}

		item, err := c.repo.GetItem(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			c.publish(ctx, EventRemoved, itemID)

			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to load item: %w", err)
		}

		shared, err := c.claimedByOther(ctx, itemID, item.FilePath)
		if err != nil {
			return err
		}

		if shared {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "archive is claimed by another item, keeping the file",
				"file_path", item.FilePath)
		} else if err := c.placer.Remove(item.FilePath); err != nil {
			return err
		}

		if err := c.repo.DeleteItem(ctx, itemID); err != nil {
			return fmt.Errorf("failed to delete item: %w", err)
		}

		c.publish(ctx, EventRemoved, itemID)
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "item removed", "file_path", item.FilePath)

		return nil
	})
}

// RestartIfBackgroundEventsPending holds completion until the engine has
// delivered every outstanding event, then reconciles persisted state with the
// engine's tasks. completion runs at most once.
func (c *Coordinator) RestartIfBackgroundEventsPending(ctx context.Context, completion func()) error {
	c.session.SetBackgroundCompletion(completion)

	return c.Reconcile(ctx)
}

// Reconcile adopts engine tasks that have no state and pauses states whose
// task is gone.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	return c.do(ctx, "reconcile", "", func(ctx context.Context) error {
		logger := logctx.LoggerFromContext(ctx)

		tasks, err := c.session.Reconcile(ctx)
		if err != nil {
			return err
		}

		states, err := c.repo.ListStates(ctx)
		if err != nil {
			return fmt.Errorf("failed to list transfer states: %w", err)
		}

		byItem := make(map[string]storage.TransferState, len(states))
		for _, s := range states {
			byItem[s.ItemID] = s
		}

		running := make(map[string]struct{}, len(tasks))

		for _, h := range tasks {
			running[h.ItemID] = struct{}{}

			state, ok := byItem[h.ItemID]
			if ok && state.Phase.Active() {
				continue
			}

			item, err := c.repo.GetItem(ctx, h.ItemID)
			if errors.Is(err, storage.ErrNotFound) {
				logger.WarnContext(ctx, "cancelling engine task for unknown item", "item_id", h.ItemID)
				c.session.Cancel(h.ItemID, false, nil)

				continue
			}

			if err != nil {
				return fmt.Errorf("failed to load item: %w", err)
			}

			adopted := storage.TransferState{
				ItemID:            h.ItemID,
				Phase:             storage.PhaseQueued,
				TotalBytesWritten: state.TotalBytesWritten,
				ExpectedByteSize:  max(state.ExpectedByteSize, item.ExpectedByteSize),
			}

			if err := c.repo.SaveState(ctx, &adopted); err != nil {
				return fmt.Errorf("failed to adopt task: %w", err)
			}

			logger.InfoContext(ctx, "adopted running engine task", "item_id", h.ItemID)
			c.publish(ctx, EventReconciled, h.ItemID)
		}

		for _, state := range states {
			if _, ok := running[state.ItemID]; ok || !state.Phase.Active() {
				continue
			}

			_, hasToken, err := c.tokens.Read(ctx, state.ItemID)
			if err != nil {
				logger.WarnContext(ctx, "failed to read resume data", "item_id", state.ItemID, "err", err)
			}

			state.Phase = storage.PhasePaused
			if err := c.repo.SaveState(ctx, &state); err != nil {
				return fmt.Errorf("failed to pause orphaned state: %w", err)
			}

			logger.InfoContext(ctx, "paused transfer without engine task",
				"item_id", state.ItemID,
				"has_resume_data", hasToken,
				"written", humanize.Bytes(uint64(state.TotalBytesWritten)))
			c.publish(ctx, EventReconciled, state.ItemID)
		}

		return nil
	})
}

// Statuses returns every catalog item with its transfer status.
func (c *Coordinator) Statuses(ctx context.Context) ([]Status, error) {
	var out []Status

	err := c.do(ctx, "statuses", "", func(ctx context.Context) error {
		items, err := c.repo.ListItems(ctx)
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}

		states, err := c.repo.ListStates(ctx)
		if err != nil {
			return fmt.Errorf("failed to list transfer states: %w", err)
		}

		byItem := make(map[string]*storage.TransferState, len(states))
		for i := range states {
			byItem[states[i].ItemID] = &states[i]
		}

		out = make([]Status, 0, len(items))
		for i := range items {
			out = append(out, c.statusOf(&items[i], byItem[items[i].ID]))
		}

		return nil
	})

	return out, err
}

// Status returns the status of one item.
func (c *Coordinator) Status(ctx context.Context, itemID string) (Status, error) {
	var out Status

	err := c.do(ctx, "status", itemID, func(ctx context.Context) error {
		if _, err := c.loadItem(ctx, itemID); err != nil {
			return err
		}

		var err error
		out, err = c.currentStatus(ctx, itemID)

		return err
	})

	return out, err
}

// Exclusive runs fn on the loop, so no command or transfer callback changes
// a state or resume token while it runs.
func (c *Coordinator) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.do(ctx, "exclusive", "", fn)
}

// Counts aggregates the catalog by phase.
func (c *Coordinator) Counts(ctx context.Context) (Counts, error) {
	var out Counts

	err := c.do(ctx, "counts", "", func(ctx context.Context) error {
		var err error
		out, err = c.counts(ctx)

		return err
	})

	return out, err
}

// TransferProgressed implements transfer.Listener.
func (c *Coordinator) TransferProgressed(u transfer.Update) {
	c.dispatch(func(ctx context.Context) {
		c.handleProgress(ctx, u)
	})
}

// TransferFinished implements transfer.Listener.
func (c *Coordinator) TransferFinished(h transfer.Handle, location string) {
	c.dispatch(func(ctx context.Context) {
		c.handleFinished(ctx, h, location)
	})
}

// TransferFailed implements transfer.Listener.
func (c *Coordinator) TransferFailed(h transfer.Handle, err error, resumeData []byte) {
	c.dispatch(func(ctx context.Context) {
		c.handleFailed(ctx, h, err, resumeData)
	})
}

func (c *Coordinator) resume(ctx context.Context, itemID string) error {
	logger := logctx.LoggerFromContext(ctx)

	item, err := c.loadItem(ctx, itemID)
	if err != nil {
		return err
	}

	if err := c.ensureInactive(ctx, itemID); err != nil {
		return err
	}

	token, ok, err := c.tokens.Read(ctx, itemID)
	if err != nil {
		logger.WarnContext(ctx, "failed to read resume data, starting over", "err", err)
		c.telemetry.RecordResumeToken(ctx, "read", "error")

		ok = false
	}

	if !ok {
		return c.startFresh(ctx, item)
	}

	state, err := c.repo.GetState(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		state = &storage.TransferState{ItemID: itemID, ExpectedByteSize: item.ExpectedByteSize}
	} else if err != nil {
		return fmt.Errorf("failed to load transfer state: %w", err)
	}

	state.Phase = storage.PhaseQueued
	state.ErrorMessage = ""

	if err := c.repo.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to save transfer state: %w", err)
	}

	c.telemetry.RecordPhaseTransition(ctx, string(storage.PhaseQueued))
	c.publish(ctx, EventQueued, itemID)

	if _, err := c.session.BeginFromToken(ctx, itemID, token); err != nil {
		var invalid *transfer.InvalidResumeDataError
		if errors.As(err, &invalid) {
			logger.WarnContext(ctx, "resume data rejected, starting over", "reason", invalid.Reason)
			c.telemetry.RecordResumeToken(ctx, "redeem", "invalid")

			return c.startFresh(ctx, item)
		}

		return c.failToBegin(ctx, state, err)
	}

	c.removeToken(ctx, itemID)
	c.telemetry.RecordResumeToken(ctx, "redeem", "success")

	logger.InfoContext(ctx, "download resumed", "written", humanize.Bytes(uint64(state.TotalBytesWritten)))

	return nil
}

func (c *Coordinator) startFresh(ctx context.Context, item *storage.Item) error {
	logger := logctx.LoggerFromContext(ctx)

	if token, ok, err := c.tokens.Read(ctx, item.ID); err == nil && ok {
		if err := c.session.DiscardResumeData(token); err != nil {
			logger.WarnContext(ctx, "failed to discard stale resume data", "err", err)
		}

		c.removeToken(ctx, item.ID)
	}

	state := &storage.TransferState{
		ItemID:           item.ID,
		Phase:            storage.PhaseQueued,
		ExpectedByteSize: item.ExpectedByteSize,
	}

	if err := c.repo.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to save transfer state: %w", err)
	}

	if item.Local {
		if err := c.repo.ClearLocal(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to clear local flag: %w", err)
		}
	}

	delete(c.stats, item.ID)
	c.telemetry.RecordPhaseTransition(ctx, string(storage.PhaseQueued))
	c.publish(ctx, EventQueued, item.ID)

	if _, err := c.session.Begin(ctx, item.ID, item.SourceURL); err != nil {
		return c.failToBegin(ctx, state, err)
	}

	logger.InfoContext(ctx, "download started", "url", item.SourceURL)

	return nil
}

func (c *Coordinator) failToBegin(ctx context.Context, state *storage.TransferState, cause error) error {
	state.Phase = storage.PhaseError
	state.ErrorMessage = cause.Error()

	if err := c.repo.SaveState(ctx, state); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record begin failure", "err", err)
	}

	c.telemetry.RecordPhaseTransition(ctx, string(storage.PhaseError))
	c.publish(ctx, EventFailed, state.ItemID)

	return fmt.Errorf("failed to begin transfer: %w", cause)
}

func (c *Coordinator) discard(ctx context.Context, itemID string) error {
	logger := logctx.LoggerFromContext(ctx)

	c.session.Cancel(itemID, false, nil)
	delete(c.pendingPause, itemID)
	delete(c.stats, itemID)

	if token, ok, err := c.tokens.Read(ctx, itemID); err == nil && ok {
		if err := c.session.DiscardResumeData(token); err != nil {
			logger.WarnContext(ctx, "failed to discard resume data", "err", err)
		}
	}

	c.removeToken(ctx, itemID)

	if err := c.repo.DeleteState(ctx, itemID); err != nil {
		return fmt.Errorf("failed to delete transfer state: %w", err)
	}

	return nil
}

func (c *Coordinator) handlePaused(ctx context.Context, itemID string, token []byte) {
	ctx = logctx.WithItemID(ctx, itemID)
	logger := logctx.LoggerFromContext(ctx)

	if _, pending := c.pendingPause[itemID]; !pending {
		// hard-cancelled while the engine was producing the data
		if len(token) > 0 {
			_ = c.session.DiscardResumeData(token)
		}

		return
	}

	delete(c.pendingPause, itemID)
	delete(c.stats, itemID)

	state, err := c.repo.GetState(ctx, itemID)
	if err != nil {
		logger.WarnContext(ctx, "no transfer state for paused item", "err", err)

		if len(token) > 0 {
			_ = c.session.DiscardResumeData(token)
		}

		return
	}

	if len(token) > 0 {
		if err := c.tokens.Save(ctx, itemID, token); err != nil {
			logger.ErrorContext(ctx, "failed to save resume data, the next resume starts over", "err", err)
			c.telemetry.RecordResumeToken(ctx, "save", "error")
			_ = c.session.DiscardResumeData(token)
		} else {
			c.telemetry.RecordResumeToken(ctx, "save", "success")
		}
	} else {
		logger.InfoContext(ctx, "engine produced no resume data")
	}

	state.Phase = storage.PhasePaused
	if err := c.repo.SaveState(ctx, state); err != nil {
		logger.ErrorContext(ctx, "failed to save paused state", "err", err)

		return
	}

	c.telemetry.RecordPhaseTransition(ctx, string(storage.PhasePaused))
	c.publish(ctx, EventPaused, itemID)

	logger.InfoContext(ctx, "download paused", "written", humanize.Bytes(uint64(state.TotalBytesWritten)))
}

func (c *Coordinator) handleProgress(ctx context.Context, u transfer.Update) {
	itemID := u.Handle.ItemID
	ctx = logctx.WithItemID(ctx, itemID)

	state, err := c.repo.GetState(ctx, itemID)
	if err != nil || !state.Phase.Active() {
		return
	}

	if state.Phase == storage.PhaseQueued {
		state.Phase = storage.PhaseDownloading
		c.telemetry.RecordPhaseTransition(ctx, string(storage.PhaseDownloading))
	}

	if u.Written > state.TotalBytesWritten {
		c.telemetry.RecordBytes(ctx, u.Written-state.TotalBytesWritten)
		state.TotalBytesWritten = u.Written
	}

	if u.Expected > 0 {
		state.ExpectedByteSize = u.Expected
	}

	if err := c.repo.SaveState(ctx, state); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to save progress", "err", err)

		return
	}

	c.stats[itemID] = liveStats{speed: u.Speed, eta: u.ETA, hasETA: u.HasETA}
	c.publish(ctx, EventProgress, itemID)
}

func (c *Coordinator) handleFinished(ctx context.Context, h transfer.Handle, location string) {
	itemID := h.ItemID
	ctx = logctx.WithItemID(ctx, itemID)
	logger := logctx.LoggerFromContext(ctx)

	if !c.acceptsCallback(ctx, h) {
		logger.InfoContext(ctx, "dropping completion of a cancelled transfer", "task_id", h.TaskID)
		_ = c.placer.Remove(location)

		return
	}

	delete(c.stats, itemID)

	item, err := c.repo.GetItem(ctx, itemID)
	if err != nil {
		logger.ErrorContext(ctx, "finished transfer for unknown item", "err", err)
		_ = c.placer.Remove(location)

		return
	}

	name, err := c.archiveName(ctx, item)
	if err != nil {
		c.handleFailed(ctx, h, &transfer.PlacementError{ItemID: itemID, Path: location, Err: err}, nil)

		return
	}

	final, err := c.placer.MoveIntoPlace(location, name)
	if err != nil {
		c.handleFailed(ctx, h, &transfer.PlacementError{ItemID: itemID, Path: location, Err: err}, nil)

		return
	}

	if err := c.repo.CompleteTransfer(ctx, itemID, final); err != nil {
		c.handleFailed(ctx, h, fmt.Errorf("failed to record completion: %w", err), nil)

		return
	}

	c.removeToken(ctx, itemID)
	c.telemetry.RecordTransferStopped(ctx, "completed")
	c.publish(ctx, EventCompleted, itemID)

	logger.InfoContext(ctx, "download completed", "file_path", final)
}

func (c *Coordinator) handleFailed(ctx context.Context, h transfer.Handle, cause error, token []byte) {
	itemID := h.ItemID
	ctx = logctx.WithItemID(ctx, itemID)
	logger := logctx.LoggerFromContext(ctx)

	if !c.acceptsCallback(ctx, h) {
		logger.InfoContext(ctx, "dropping failure of a cancelled transfer", "task_id", h.TaskID, "err", cause)

		if len(token) > 0 {
			_ = c.session.DiscardResumeData(token)
		}

		return
	}

	delete(c.stats, itemID)

	if len(token) > 0 {
		if err := c.tokens.Save(ctx, itemID, token); err != nil {
			logger.ErrorContext(ctx, "failed to save resume data of failed transfer", "err", err)
			c.telemetry.RecordResumeToken(ctx, "save", "error")
			_ = c.session.DiscardResumeData(token)
		} else {
			c.telemetry.RecordResumeToken(ctx, "save", "success")
		}
	}

	state, err := c.repo.GetState(ctx, itemID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load transfer state", "err", err)

		return
	}

	state.Phase = storage.PhaseError
	state.ErrorMessage = cause.Error()

	if err := c.repo.SaveState(ctx, state); err != nil {
		logger.ErrorContext(ctx, "failed to save failed state", "err", err)

		return
	}

	c.telemetry.RecordPhaseTransition(ctx, string(storage.PhaseError))
	c.telemetry.RecordTransferStopped(ctx, "failed")
	c.publish(ctx, EventFailed, itemID)

	logger.WarnContext(ctx, "download failed", "err", cause, "resumable", len(token) > 0)
}

// acceptsCallback reports whether a terminal callback for h may change state:
// the item must still have an active transfer state and no newer task.
func (c *Coordinator) acceptsCallback(ctx context.Context, h transfer.Handle) bool {
	if live, ok := c.session.Live(h.ItemID); ok && live != h {
		return false
	}

	state, err := c.repo.GetState(ctx, h.ItemID)
	if err != nil {
		return false
	}

	return state.Phase.Active()
}

// archiveName picks the file name for a finished item. Another item already
// holding the name gets it qualified with this item's id.
func (c *Coordinator) archiveName(ctx context.Context, item *storage.Item) (string, error) {
	name := placement.SuggestedName(item.ID, item.SourceURL)

	items, err := c.repo.ListItems(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list items: %w", err)
	}

	for _, other := range items {
		if other.ID != item.ID && other.FilePath != "" && filepath.Base(other.FilePath) == name {
			return placement.QualifiedName(name, item.ID), nil
		}
	}

	return name, nil
}

// claimedByOther reports whether an item other than itemID points at path.
func (c *Coordinator) claimedByOther(ctx context.Context, itemID, path string) (bool, error) {
	if path == "" {
		return false, nil
	}

	items, err := c.repo.ListItems(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list items: %w", err)
	}

	for _, other := range items {
		if other.ID != itemID && other.FilePath == path {
			return true, nil
		}
	}

	return false, nil
}

func (c *Coordinator) loadItem(ctx context.Context, itemID string) (*storage.Item, error) {
	item, err := c.repo.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownItem
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}

	return item, nil
}

func (c *Coordinator) ensureInactive(ctx context.Context, itemID string) error {
	if _, pending := c.pendingPause[itemID]; pending {
		return ErrCommandPending
	}

	if _, ok := c.session.Live(itemID); ok {
		return ErrAlreadyActive
	}

	state, err := c.repo.GetState(ctx, itemID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load transfer state: %w", err)
	}

	if state != nil && state.Phase.Active() {
		return ErrAlreadyActive
	}

	return nil
}

func (c *Coordinator) removeToken(ctx context.Context, itemID string) {
	if err := c.tokens.Remove(ctx, itemID); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove resume data", "err", err)
		c.telemetry.RecordResumeToken(ctx, "remove", "error")
	}
}

func (c *Coordinator) statusOf(item *storage.Item, state *storage.TransferState) Status {
	s := Status{
		ItemID:        item.ID,
		SourceURL:     item.SourceURL,
		Local:         item.Local,
		FilePath:      item.FilePath,
		ExpectedBytes: item.ExpectedByteSize,
	}

	if item.Local {
		s.FractionComplete = 1
		s.BytesWritten = item.ExpectedByteSize
	}

	if state == nil {
		return s
	}

	s.Phase = state.Phase
	s.BytesWritten = state.ClampedBytesWritten()
	s.ExpectedBytes = state.ExpectedByteSize
	s.FractionComplete = state.FractionComplete()
	s.ErrorMessage = state.ErrorMessage

	if st, ok := c.stats[item.ID]; ok && state.Phase.Active() {
		s.Speed = st.speed
		s.ETA = st.eta
		s.HasETA = st.hasETA
	}

	return s
}

func (c *Coordinator) currentStatus(ctx context.Context, itemID string) (Status, error) {
	item, err := c.repo.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		// removed items still report their id so subscribers can drop them
		item = &storage.Item{ID: itemID}
	} else if err != nil {
		return Status{}, fmt.Errorf("failed to load item: %w", err)
	}

	state, err := c.repo.GetState(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		state = nil
	} else if err != nil {
		return Status{}, fmt.Errorf("failed to load transfer state: %w", err)
	}

	return c.statusOf(item, state), nil
}

func (c *Coordinator) counts(ctx context.Context) (Counts, error) {
	var out Counts

	items, err := c.repo.ListItems(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to list items: %w", err)
	}

	states, err := c.repo.ListStates(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to list transfer states: %w", err)
	}

	out.Items = len(items)

	for _, item := range items {
		if item.Local {
			out.Local++
		}
	}

	for _, s := range states {
		out.add(s.Phase)
	}

	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, typ EventType, itemID string) {
	status, err := c.currentStatus(ctx, itemID)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to build event status", "err", err)

		status = Status{ItemID: itemID}
	}

	counts, err := c.counts(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to build event counts", "err", err)
	}

	c.events.Publish(Event{Type: typ, Status: status, Counts: counts, At: c.now()})
}

// do runs fn on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, op, itemID string, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)

	c.inbox.push(func(loopCtx context.Context) {
		// the loop's logger with the caller's trace
		opCtx := logctx.WithLogger(ctx, logctx.LoggerFromContext(loopCtx))
		if itemID != "" {
			opCtx = logctx.WithItemID(opCtx, itemID)
		}

		result <- c.telemetry.InstrumentOperation(opCtx, "coordinator_"+op, "coordinator", fn)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// dispatch queues fn on the loop without waiting.
func (c *Coordinator) dispatch(fn func(ctx context.Context)) {
	c.inbox.push(fn)
}

func (c *Coordinator) safely(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("coordinator panic",
				"panic", r,
				"stack", string(debug.Stack()))
			c.telemetry.RecordSystemError("coordinator", "panic")
		}
	}()

	fn(ctx)
}

var _ transfer.Listener = (*Coordinator)(nil)
