// Package resumedata persists opaque resume tokens, one file per item, in a
// directory excluded from backups. Tokens are only redeemable by the transfer
// session that produced them, so a restored backup would carry dead tokens.
package resumedata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/zim_downloader/internal/logctx"
	"github.com/italolelis/zim_downloader/internal/placement"
)

const (
	tokenExt = ".resume"
	filePerm = 0o600
)

var (
	// ErrUnavailable is returned by Save once the directory could not be created.
	// Pauses then degrade to hard cancels until the process restarts.
	ErrUnavailable = errors.New("resume data store unavailable")
	// ErrInvalidID is returned for an empty item id.
	ErrInvalidID = errors.New("invalid item id")
)

// Store is a durable key-value store of resume tokens keyed by item id.
type Store struct {
	dir string

	mu       sync.Mutex
	ready    bool
	unusable error
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the tokens.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes token for itemID, replacing any earlier token. Writes go to a
// temporary file that is renamed over the target, so readers never observe a
// partial token and concurrent saves resolve to the last rename.
func (s *Store) Save(ctx context.Context, itemID string, token []byte) error {
	path, err := s.path(itemID)
	if err != nil {
		return err
	}

	if err := s.ensureDir(ctx); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}

	if _, err := tmp.Write(token); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write token: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to sync token: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close token: %w", err)
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to set token permissions: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to store token: %w", err)
	}

	return nil
}

// Read returns the token for itemID. A missing token is reported with ok=false
// and a nil error.
func (s *Store) Read(_ context.Context, itemID string) (token []byte, ok bool, err error) {
	path, err := s.path(itemID)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read token: %w", err)
	}

	return data, true, nil
}

// Remove deletes the token for itemID. Removing a missing token is a no-op.
func (s *Store) Remove(_ context.Context, itemID string) error {
	path, err := s.path(itemID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token: %w", err)
	}

	return nil
}

// IDs lists the item ids that currently have a token.
func (s *Store) IDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	var ids []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, tokenExt) {
			continue
		}

		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, tokenExt))
		if err != nil {
			continue
		}

		ids = append(ids, string(raw))
	}

	return ids, nil
}

func (s *Store) ensureDir(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	if s.unusable != nil {
		return s.unusable
	}

	if err := placement.EnsureDirectory(s.dir, true); err != nil {
		logctx.LoggerFromContext(ctx).Warn("resume data directory unavailable, pauses will not be resumable",
			"dir", s.dir, "err", err)

		s.unusable = fmt.Errorf("%w: %w", ErrUnavailable, err)

		return s.unusable
	}

	s.ready = true

	return nil
}

// path encodes the id so any string maps to a single safe file name.
func (s *Store) path(itemID string) (string, error) {
	if itemID == "" {
		return "", ErrInvalidID
	}

	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(itemID))+tokenExt), nil
}
