package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/zim_downloader/internal/storage"
)

// Repository implements storage.Repository on SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(dbConn *sql.DB) *Repository {
	return &Repository{db: dbConn, now: time.Now}
}

func (r *Repository) GetItem(ctx context.Context, id string) (*storage.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, source_url, expected_byte_size, local, file_path, updated_at FROM items WHERE id = ?`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return item, nil
}

func (r *Repository) ListItems(ctx context.Context) ([]storage.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_url, expected_byte_size, local, file_path, updated_at FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []storage.Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, *item)
	}

	return items, rows.Err()
}

// SaveItem upserts the catalog entry. Updating the source URL of a local item is
// allowed; the local flag and file path are kept as passed in.
func (r *Repository) SaveItem(ctx context.Context, item *storage.Item) error {
	item.UpdatedAt = r.now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO items (id, source_url, expected_byte_size, local, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			expected_byte_size = excluded.expected_byte_size,
			local = excluded.local,
			file_path = excluded.file_path,
			updated_at = excluded.updated_at
	`, item.ID, item.SourceURL, item.ExpectedByteSize, item.Local, item.FilePath, item.UpdatedAt)

	return err
}

// ClearLocal drops the local flag before a fresh download starts.
func (r *Repository) ClearLocal(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET local = 0, file_path = '', updated_at = ? WHERE id = ?`, r.now().UTC(), id)
	if err != nil {
		return err
	}

	return expectAffected(res)
}

func (r *Repository) DeleteItem(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)

	return err
}

func (r *Repository) GetState(ctx context.Context, itemID string) (*storage.TransferState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT item_id, phase, total_bytes_written, expected_byte_size, error_message, updated_at
		FROM transfer_states WHERE item_id = ?`, itemID)

	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return state, nil
}

func (r *Repository) ListStates(ctx context.Context) ([]storage.TransferState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, phase, total_bytes_written, expected_byte_size, error_message, updated_at
		FROM transfer_states ORDER BY item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []storage.TransferState

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}

		states = append(states, *state)
	}

	return states, rows.Err()
}

func (r *Repository) SaveState(ctx context.Context, state *storage.TransferState) error {
	if !state.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", state.Phase)
	}

	state.UpdatedAt = r.now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfer_states (item_id, phase, total_bytes_written, expected_byte_size, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			phase = excluded.phase,
			total_bytes_written = excluded.total_bytes_written,
			expected_byte_size = excluded.expected_byte_size,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, state.ItemID, string(state.Phase), state.TotalBytesWritten, state.ExpectedByteSize, state.ErrorMessage, state.UpdatedAt)

	return err
}

func (r *Repository) DeleteState(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM transfer_states WHERE item_id = ?`, itemID)

	return err
}

func (r *Repository) CompleteTransfer(ctx context.Context, itemID, filePath string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_states WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete transfer state: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET local = 1, file_path = ?, updated_at = ? WHERE id = ?`, filePath, r.now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item local: %w", err)
	}

	if err := expectAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*storage.Item, error) {
	var item storage.Item

	if err := s.Scan(&item.ID, &item.SourceURL, &item.ExpectedByteSize, &item.Local, &item.FilePath, &item.UpdatedAt); err != nil {
		return nil, err
	}

	return &item, nil
}

func scanState(s scanner) (*storage.TransferState, error) {
	var (
		state storage.TransferState
		phase string
	)

	if err := s.Scan(&state.ItemID, &phase, &state.TotalBytesWritten, &state.ExpectedByteSize, &state.ErrorMessage, &state.UpdatedAt); err != nil {
		return nil, err
	}

	state.Phase = storage.Phase(phase)

	return &state, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
