package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/zim_downloader/internal/resumedata"
	"github.com/italolelis/zim_downloader/internal/storage"
)

type fakeStates struct {
	states []storage.TransferState
	err    error
}

func (f *fakeStates) ListStates(context.Context) ([]storage.TransferState, error) {
	return f.states, f.err
}

type fakeDiscarder struct {
	tokens [][]byte
	err    error
}

func (f *fakeDiscarder) Discard(token []byte) error {
	f.tokens = append(f.tokens, token)

	return f.err
}

func TestDeleteOrphanResumeData(t *testing.T) {
	ctx := context.Background()
	store := resumedata.New(filepath.Join(t.TempDir(), "resume"))

	require.NoError(t, store.Save(ctx, "paused", []byte("a")))
	require.NoError(t, store.Save(ctx, "orphan", []byte("b")))

	states := &fakeStates{states: []storage.TransferState{{ItemID: "paused", Phase: storage.PhasePaused}}}

	discarder := &fakeDiscarder{}

	removed, err := DeleteOrphanResumeData(ctx, states, store, discarder)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, [][]byte{[]byte("b")}, discarder.tokens)

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"paused"}, ids)

	_, ok, err := store.Read(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteOrphanResumeData_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no tokens skips the state lookup", func(t *testing.T) {
		store := resumedata.New(filepath.Join(t.TempDir(), "missing"))

		removed, err := DeleteOrphanResumeData(ctx, &fakeStates{err: errors.New("db down")}, store, nil)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("state lookup failure keeps tokens", func(t *testing.T) {
		store := resumedata.New(t.TempDir())
		require.NoError(t, store.Save(ctx, "wiki", []byte("a")))

		_, err := DeleteOrphanResumeData(ctx, &fakeStates{err: errors.New("db down")}, store, nil)
		require.Error(t, err)

		_, ok, err := store.Read(ctx, "wiki")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestDeleteOrphanResumeData_DiscardFailureStillRemovesToken(t *testing.T) {
	ctx := context.Background()
	store := resumedata.New(t.TempDir())
	require.NoError(t, store.Save(ctx, "orphan", []byte("b")))

	removed, err := DeleteOrphanResumeData(ctx, &fakeStates{}, store, &fakeDiscarder{err: errors.New("busy")})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := store.Read(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeper_SweepScansOrphansExclusively(t *testing.T) {
	ctx := context.Background()
	store := resumedata.New(t.TempDir())
	require.NoError(t, store.Save(ctx, "paused", []byte("a")))

	// the state is written while the scan is held back, as a pause would do
	states := &fakeStates{}
	exclusive := func(ctx context.Context, fn func(ctx context.Context) error) error {
		states.states = []storage.TransferState{{ItemID: "paused", Phase: storage.PhasePaused}}

		return fn(ctx)
	}

	discarder := &fakeDiscarder{}
	s := &Sweeper{
		States:    states,
		Tokens:    store,
		Discarder: discarder,
		Exclusive: exclusive,
		TempDir:   t.TempDir(),
		KeepFor:   time.Hour,
	}

	require.NoError(t, s.Sweep(ctx))

	_, ok, err := store.Read(ctx, "paused")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, discarder.tokens)
}

func TestDeleteExpiredPartials(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	old := filepath.Join(dir, "host-1-abc-old.part")
	fresh := filepath.Join(dir, "host-1-abc-fresh.part")
	other := filepath.Join(dir, "CACHEDIR.TAG")

	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o600))
	}

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	removed, err := DeleteExpiredPartials(ctx, dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestDeleteExpiredPartials_MissingDir(t *testing.T) {
	removed, err := DeleteExpiredPartials(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweeper_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tempDir := t.TempDir()
	store := resumedata.New(t.TempDir())
	require.NoError(t, store.Save(ctx, "orphan", []byte("a")))

	partial := filepath.Join(tempDir, "x.part")
	require.NoError(t, os.WriteFile(partial, []byte("data"), 0o600))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(partial, past, past))

	s := &Sweeper{
		States:   &fakeStates{},
		Tokens:   store,
		TempDir:  tempDir,
		KeepFor:  time.Minute,
		Interval: time.Hour,
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(partial)
		ids, _ := store.IDs(ctx)

		return errors.Is(err, os.ErrNotExist) && len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
