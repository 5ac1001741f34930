// Package storage defines the persisted download catalog and transfer state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an item or transfer state does not exist.
var ErrNotFound = errors.New("not found")

// Phase is the status of an in-flight transfer.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseDownloading Phase = "downloading"
	PhasePaused      Phase = "paused"
	PhaseError       Phase = "error"
)

// Active reports whether bytes may still be flowing for the phase.
func (p Phase) Active() bool {
	return p == PhaseQueued || p == PhaseDownloading
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseQueued, PhaseDownloading, PhasePaused, PhaseError:
		return true
	}

	return false
}

// Item is one downloadable archive of the catalog.
type Item struct {
	ID               string
	SourceURL        string
	ExpectedByteSize int64 // 0 when unknown
	Local            bool
	FilePath         string // final archive location once Local
	UpdatedAt        time.Time
}

// TransferState is the authoritative status of one item's transfer. It exists
// only while the item is in flight or failed.
type TransferState struct {
	ItemID            string
	Phase             Phase
	TotalBytesWritten int64
	ExpectedByteSize  int64 // 0 when unknown
	ErrorMessage      string
	UpdatedAt         time.Time
}

// ClampedBytesWritten hides transient overshoot reported by the transfer layer.
func (s TransferState) ClampedBytesWritten() int64 {
	if s.ExpectedByteSize > 0 && s.TotalBytesWritten > s.ExpectedByteSize {
		return s.ExpectedByteSize
	}

	return s.TotalBytesWritten
}

// FractionComplete returns a value in [0,1], or 0 when the size is unknown.
func (s TransferState) FractionComplete() float64 {
	if s.ExpectedByteSize <= 0 {
		return 0
	}

	return float64(s.ClampedBytesWritten()) / float64(s.ExpectedByteSize)
}

// ItemRepository persists the catalog.
type ItemRepository interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	SaveItem(ctx context.Context, item *Item) error
	ClearLocal(ctx context.Context, id string) error
	DeleteItem(ctx context.Context, id string) error
}

// TransferStateRepository persists transfer states keyed by item id.
type TransferStateRepository interface {
	GetState(ctx context.Context, itemID string) (*TransferState, error)
	ListStates(ctx context.Context) ([]TransferState, error)
	SaveState(ctx context.Context, state *TransferState) error
	DeleteState(ctx context.Context, itemID string) error
	// CompleteTransfer deletes the transfer state and marks the item local at
	// filePath in one transaction.
	CompleteTransfer(ctx context.Context, itemID, filePath string) error
}

// Repository is the full persistence surface used by the coordinator.
type Repository interface {
	ItemRepository
	TransferStateRepository
}
