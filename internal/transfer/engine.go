// Package transfer adapts a background transfer engine to the download
// coordinator. The engine does the byte moving; the Session correlates engine
// callbacks with items, smooths progress and drops callbacks for handles that
// are no longer live.
package transfer

import (
	"context"
)

// Handle identifies one engine task. It is tagged with the item it was created
// for so callbacks can be correlated without a lookup.
type Handle struct {
	TaskID uint64
	ItemID string
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.TaskID == 0 && h.ItemID == ""
}

// Request describes a fresh transfer.
type Request struct {
	ItemID string
	URL    string
}

// Delegate receives engine callbacks. Engines deliver them from a single
// goroutine, in order, and never while holding their own locks.
type Delegate interface {
	// OnProgress reports the cumulative bytes written and the expected total
	// (0 when the server did not announce one).
	OnProgress(h Handle, written, expected int64)
	// OnFinished reports the end of a task that was not cancelled: location is
	// the temporary file holding the payload on success, err is set otherwise.
	// A *ResumableError carries the data needed to continue later.
	OnFinished(h Handle, location string, err error)
	// OnAllEventsDelivered fires once the engine has delivered every pending
	// event and has no task left.
	OnAllEventsDelivered()
}

// Engine is the background transfer capability.
type Engine interface {
	SetDelegate(d Delegate)
	Create(ctx context.Context, req Request) (Handle, error)
	// CreateFromToken continues a transfer from resume data. It returns an
	// *InvalidResumeDataError when the token cannot be redeemed.
	CreateFromToken(ctx context.Context, itemID string, token []byte) (Handle, error)
	// Cancel stops a task. With wantResumeData the engine calls done with a
	// token, or with nil when the transfer cannot be resumed. done is invoked
	// asynchronously, exactly once, and may be nil.
	Cancel(h Handle, wantResumeData bool, done func(token []byte))
	// Discard releases any partial data referenced by a token that will never
	// be redeemed.
	Discard(token []byte) error
	// Tasks lists the tasks the engine is still running, including tasks it
	// restored after a process restart.
	Tasks(ctx context.Context) ([]Handle, error)
}
