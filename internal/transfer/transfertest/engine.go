// Package transfertest provides an in-memory transfer.Engine for tests.
package transfertest

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/zim_downloader/internal/transfer"
)

// ErrCreateFailed is returned by Create when FailCreate is set.
var ErrCreateFailed = errors.New("transfertest: create failed")

// Cancellation records one call to Cancel.
type Cancellation struct {
	Handle         transfer.Handle
	WantResumeData bool
}

// Engine is a scripted transfer.Engine. Tests drive the delegate callbacks
// explicitly through Progress, Finish, Fail and AllEventsDelivered.
type Engine struct {
	mu       sync.Mutex
	delegate transfer.Delegate
	nextID   uint64
	tasks    map[transfer.Handle]transfer.Request
	tokens   map[transfer.Handle][]byte

	// Token is handed to Cancel callbacks when resume data is requested.
	// When nil a token derived from the item id is produced.
	Token []byte
	// HoldCancel defers Cancel completions until ReleaseCancels is called.
	HoldCancel bool
	// FailCreate makes Create and CreateFromToken return ErrCreateFailed.
	FailCreate bool
	// RejectTokens makes CreateFromToken return an InvalidResumeDataError.
	RejectTokens bool

	Created      []transfer.Request
	Redeemed     [][]byte
	Cancels      []Cancellation
	Discarded    [][]byte
	pendingDones []func()
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		tasks:  make(map[transfer.Handle]transfer.Request),
		tokens: make(map[transfer.Handle][]byte),
	}
}

func (e *Engine) SetDelegate(d transfer.Delegate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.delegate = d
}

func (e *Engine) Create(_ context.Context, req transfer.Request) (transfer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FailCreate {
		return transfer.Handle{}, ErrCreateFailed
	}

	e.Created = append(e.Created, req)

	return e.addLocked(req), nil
}

func (e *Engine) CreateFromToken(_ context.Context, itemID string, token []byte) (transfer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.FailCreate {
		return transfer.Handle{}, ErrCreateFailed
	}

	if e.RejectTokens {
		return transfer.Handle{}, &transfer.InvalidResumeDataError{Reason: "rejected by test engine"}
	}

	e.Redeemed = append(e.Redeemed, append([]byte(nil), token...))

	return e.addLocked(transfer.Request{ItemID: itemID}), nil
}

func (e *Engine) addLocked(req transfer.Request) transfer.Handle {
	e.nextID++
	h := transfer.Handle{TaskID: e.nextID, ItemID: req.ItemID}
	e.tasks[h] = req

	return h
}

func (e *Engine) Cancel(h transfer.Handle, wantResumeData bool, done func(token []byte)) {
	e.mu.Lock()

	e.Cancels = append(e.Cancels, Cancellation{Handle: h, WantResumeData: wantResumeData})
	delete(e.tasks, h)

	var token []byte
	if wantResumeData {
		token = e.Token
		if token == nil {
			token = []byte("token-" + h.ItemID)
		}
	}

	complete := func() {
		if done != nil {
			done(token)
		}
	}

	if e.HoldCancel {
		e.pendingDones = append(e.pendingDones, complete)
		e.mu.Unlock()

		return
	}

	e.mu.Unlock()
	complete()
}

// ReleaseCancels completes every held cancellation.
func (e *Engine) ReleaseCancels() {
	e.mu.Lock()
	dones := e.pendingDones
	e.pendingDones = nil
	e.mu.Unlock()

	for _, done := range dones {
		done()
	}
}

func (e *Engine) Discard(token []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Discarded = append(e.Discarded, append([]byte(nil), token...))

	return nil
}

func (e *Engine) Tasks(context.Context) ([]transfer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]transfer.Handle, 0, len(e.tasks))
	for h := range e.tasks {
		out = append(out, h)
	}

	return out, nil
}

// Adopt registers a task as if it survived a restart, without going through Create.
func (e *Engine) Adopt(itemID string) transfer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.addLocked(transfer.Request{ItemID: itemID})
}

// Progress delivers a progress callback.
func (e *Engine) Progress(h transfer.Handle, written, expected int64) {
	e.currentDelegate().OnProgress(h, written, expected)
}

// Finish delivers a successful completion.
func (e *Engine) Finish(h transfer.Handle, location string) {
	e.forget(h)
	e.currentDelegate().OnFinished(h, location, nil)
}

// Fail delivers a failed completion.
func (e *Engine) Fail(h transfer.Handle, err error) {
	e.forget(h)
	e.currentDelegate().OnFinished(h, "", err)
}

// AllEventsDelivered signals the end of pending background events.
func (e *Engine) AllEventsDelivered() {
	e.currentDelegate().OnAllEventsDelivered()
}

// Last returns the most recently created handle for itemID.
func (e *Engine) Last(itemID string) (transfer.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		last  transfer.Handle
		found bool
	)

	for h := range e.tasks {
		if h.ItemID == itemID && h.TaskID > last.TaskID {
			last, found = h, true
		}
	}

	return last, found
}

// CancelCount returns the number of Cancel calls so far.
func (e *Engine) CancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.Cancels)
}

// DiscardCount returns the number of Discard calls so far.
func (e *Engine) DiscardCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.Discarded)
}

// RedeemedTokens returns a copy of the tokens passed to CreateFromToken.
func (e *Engine) RedeemedTokens() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([][]byte(nil), e.Redeemed...)
}

// CreatedRequests returns a copy of the requests passed to Create.
func (e *Engine) CreatedRequests() []transfer.Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]transfer.Request(nil), e.Created...)
}

func (e *Engine) forget(h transfer.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tasks, h)
}

func (e *Engine) currentDelegate() transfer.Delegate {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.delegate
}
