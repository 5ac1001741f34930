package resumedata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/italolelis/zim_downloader/internal/placement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveReadRemove(t *testing.T) {
	ctx := context.Background()
	s := New(filepath.Join(t.TempDir(), "resume"))

	_, ok, err := s.Read(ctx, "wiki")
	require.NoError(t, err)
	assert.False(t, ok, "absence is not an error")

	require.NoError(t, s.Save(ctx, "wiki", []byte("T1")))

	token, ok, err := s.Read(ctx, "wiki")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("T1"), token)

	require.NoError(t, s.Save(ctx, "wiki", []byte("T2")))

	token, _, err = s.Read(ctx, "wiki")
	require.NoError(t, err)
	assert.Equal(t, []byte("T2"), token, "save overwrites")

	require.NoError(t, s.Remove(ctx, "wiki"))
	require.NoError(t, s.Remove(ctx, "wiki"), "remove of missing token is a no-op")

	_, ok, err = s.Read(ctx, "wiki")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DirectoryIsBackupExcludedAfterFirstSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "resume")
	s := New(dir)

	assert.NoDirExists(t, dir, "directory is created lazily")

	require.NoError(t, s.Save(context.Background(), "wiki", []byte("T1")))

	assert.True(t, placement.IsBackupExcluded(dir))
}

func TestStore_IDsSurviveUnsafeCharacters(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	ids := []string{"../escape", "with/slash", "plain", "ünïcode"}
	for _, id := range ids {
		require.NoError(t, s.Save(ctx, id, []byte(id)))
	}

	got, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, got)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	for _, e := range entries {
		assert.False(t, e.IsDir(), "ids never create sub directories: %s", e.Name())
	}
}

func TestStore_IDsOnMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"))

	ids, err := s.IDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_RejectsEmptyID(t *testing.T) {
	s := New(t.TempDir())

	require.ErrorIs(t, s.Save(context.Background(), "", []byte("x")), ErrInvalidID)
}

func TestStore_UnavailableDirectoryDegrades(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()

	// A regular file where the directory should be makes MkdirAll fail.
	blocker := filepath.Join(parent, "resume")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := New(blocker)

	err := s.Save(ctx, "wiki", []byte("T1"))
	require.ErrorIs(t, err, ErrUnavailable)

	// sticky for the lifetime of the store
	require.NoError(t, os.Remove(blocker))
	require.ErrorIs(t, s.Save(ctx, "wiki", []byte("T1")), ErrUnavailable)

	_, ok, err := s.Read(ctx, "wiki")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ConcurrentSavesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, "wiki", []byte(fmt.Sprintf("token-%02d", i))))
		}(i)
	}

	wg.Wait()

	token, ok, err := s.Read(ctx, "wiki")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Regexp(t, `^token-\d{2}$`, string(token), "a whole token, never a mix")

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "no temporary files left behind")
	}
}
