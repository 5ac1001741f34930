package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/storage"
)

// StateLister lists the persisted transfer states.
type StateLister interface {
	ListStates(ctx context.Context) ([]storage.TransferState, error)
}

// TokenStore is the part of the resume data store the sweeper needs.
type TokenStore interface {
	IDs(ctx context.Context) ([]string, error)
	Read(ctx context.Context, itemID string) ([]byte, bool, error)
	Remove(ctx context.Context, itemID string) error
}

// Discarder releases the partial data a resume token points at.
type Discarder interface {
	Discard(token []byte) error
}

// Exclusive runs fn while no transfer state or token changes. The coordinator
// provides it by running fn on its loop.
type Exclusive func(ctx context.Context, fn func(ctx context.Context) error) error

// DeleteOrphanResumeData removes resume tokens whose item no longer has a
// transfer state, together with the partial data they reference. Such tokens
// are left behind when the process dies between deleting a state and deleting
// its token. discarder may be nil.
func DeleteOrphanResumeData(ctx context.Context, states StateLister, tokens TokenStore, discarder Discarder) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	ids, err := tokens.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list resume data: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	list, err := states.ListStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list transfer states: %w", err)
	}

	live := make(map[string]struct{}, len(list))
	for _, s := range list {
		live[s.ItemID] = struct{}{}
	}

	removed := 0

	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}

		if discarder != nil {
			if token, ok, err := tokens.Read(ctx, id); err == nil && ok {
				if err := discarder.Discard(token); err != nil {
					logger.Warn("failed to discard partial data of orphan resume data", "item_id", id, "err", err)
				}
			}
		}

		if err := tokens.Remove(ctx, id); err != nil {
			logger.Error("failed to delete orphan resume data", "item_id", id, "err", err)

			return removed, err
		}

		logger.Info("deleted orphan resume data", "item_id", id)

		removed++
	}

	return removed, nil
}

// DeleteExpiredPartials deletes partial transfer files in dir that have not
// been written to for longer than keepFor. A resume token pointing at a
// deleted file is rejected on redemption and the item restarts from zero.
func DeleteExpiredPartials(ctx context.Context, dir string, keepFor time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to list partial files: %w", err)
	}

	removed := 0

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".part" {
			continue
		}

		filePath := filepath.Join(dir, e.Name())

		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // finished or discarded meanwhile
			}

			logger.Error("failed to stat file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepFor {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("failed to delete expired partial file", "file", filePath, "err", err)

			return removed, err
		}

		logger.Info("deleted expired partial file", "file", filePath, "age", now.Sub(info.ModTime()).String())

		removed++
	}

	return removed, nil
}

// Sweeper periodically removes orphan resume data and expired partial files.
type Sweeper struct {
	States    StateLister
	Tokens    TokenStore
	Discarder Discarder
	// Exclusive serializes the orphan scan with state changes. When nil the
	// scan runs directly.
	Exclusive Exclusive
	TempDir   string
	KeepFor   time.Duration
	Interval  time.Duration
}

// Sweep runs one cleanup pass. Both steps run even when the first fails.
func (s *Sweeper) Sweep(ctx context.Context) error {
	orphans := func(ctx context.Context) error {
		_, err := DeleteOrphanResumeData(ctx, s.States, s.Tokens, s.Discarder)

		return err
	}

	var tokenErr error
	if s.Exclusive != nil {
		tokenErr = s.Exclusive(ctx, orphans)
	} else {
		tokenErr = orphans(ctx)
	}

	_, partialErr := DeleteExpiredPartials(ctx, s.TempDir, s.KeepFor)

	return errors.Join(tokenErr, partialErr)
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			logger.Error("cleanup pass failed", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case <-ticker.C:
		}
	}
}
