package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/zim_downloader/internal/storage"
	"github.com/italolelis/zim_downloader/internal/telemetry"
)

// InstrumentedRepository wraps Repository with telemetry.
type InstrumentedRepository struct {
	repo      *Repository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRepository creates a new instrumented repository.
func NewInstrumentedRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRepository {
	return &InstrumentedRepository{
		repo:      NewRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRepository) GetItem(ctx context.Context, id string) (*storage.Item, error) {
	var result *storage.Item

	err := r.telemetry.InstrumentDBOperation(ctx, "get_item", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetItem(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedRepository) ListItems(ctx context.Context) ([]storage.Item, error) {
	var result []storage.Item

	err := r.telemetry.InstrumentDBOperation(ctx, "list_items", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListItems(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedRepository) SaveItem(ctx context.Context, item *storage.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_item", func(ctx context.Context) error {
		return r.repo.SaveItem(ctx, item)
	})
}

func (r *InstrumentedRepository) ClearLocal(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_local", func(ctx context.Context) error {
		return r.repo.ClearLocal(ctx, id)
	})
}

func (r *InstrumentedRepository) DeleteItem(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_item", func(ctx context.Context) error {
		return r.repo.DeleteItem(ctx, id)
	})
}

func (r *InstrumentedRepository) GetState(ctx context.Context, itemID string) (*storage.TransferState, error) {
	var result *storage.TransferState

	err := r.telemetry.InstrumentDBOperation(ctx, "get_state", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetState(ctx, itemID)

		return err
	})

	return result, err
}

func (r *InstrumentedRepository) ListStates(ctx context.Context) ([]storage.TransferState, error) {
	var result []storage.TransferState

	err := r.telemetry.InstrumentDBOperation(ctx, "list_states", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListStates(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedRepository) SaveState(ctx context.Context, state *storage.TransferState) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_state", func(ctx context.Context) error {
		return r.repo.SaveState(ctx, state)
	})
}

func (r *InstrumentedRepository) DeleteState(ctx context.Context, itemID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_state", func(ctx context.Context) error {
		return r.repo.DeleteState(ctx, itemID)
	})
}

func (r *InstrumentedRepository) CompleteTransfer(ctx context.Context, itemID, filePath string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_transfer", func(ctx context.Context) error {
		return r.repo.CompleteTransfer(ctx, itemID, filePath)
	})
}
