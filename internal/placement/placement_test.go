package placement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirectory_TagsBackupExcludedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "resume")

	require.False(t, IsBackupExcluded(dir))
	require.NoError(t, EnsureDirectory(dir, true))
	assert.True(t, IsBackupExcluded(dir))

	// idempotent
	require.NoError(t, EnsureDirectory(dir, true))
	assert.True(t, IsBackupExcluded(dir))
}

func TestEnsureDirectory_PlainDirectoryIsNotTagged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archives")

	require.NoError(t, EnsureDirectory(dir, false))
	assert.DirExists(t, dir)
	assert.False(t, IsBackupExcluded(dir))
}

func TestIsBackupExcluded_RejectsForeignTag(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheDirTagName), []byte("not a tag"), 0o644))

	assert.False(t, IsBackupExcluded(dir))
}

func TestPlacer_MoveIntoPlace(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "download.part")
	require.NoError(t, os.WriteFile(src, []byte("archive"), 0o644))

	p := NewPlacer(filepath.Join(tmp, "library"))

	final, err := p.MoveIntoPlace(src, "wikipedia_en_top.zim")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmp, "library", "wikipedia_en_top.zim"), final)
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestPlacer_MoveIntoPlaceReplacesExisting(t *testing.T) {
	tmp := t.TempDir()
	p := NewPlacer(tmp)

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "a.zim"), []byte("old"), 0o644))

	src := filepath.Join(tmp, "new.part")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	final, err := p.MoveIntoPlace(src, "a.zim")
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestPlacer_MoveIntoPlaceMissingSource(t *testing.T) {
	p := NewPlacer(t.TempDir())

	_, err := p.MoveIntoPlace(filepath.Join(t.TempDir(), "missing.part"), "a.zim")
	require.Error(t, err)
}

func TestPlacer_MoveIntoPlaceStripsDirectories(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "x.part")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	lib := filepath.Join(tmp, "library")
	p := NewPlacer(lib)

	final, err := p.MoveIntoPlace(src, "../../etc/evil.zim")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lib, "evil.zim"), final)
}

func TestPlacer_Remove(t *testing.T) {
	tmp := t.TempDir()
	p := NewPlacer(tmp)

	f := filepath.Join(tmp, "a.zim")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	require.NoError(t, p.Remove(f))
	assert.NoFileExists(t, f)
	require.NoError(t, p.Remove(f), "missing file is ignored")
	require.NoError(t, p.Remove(""))
}

func TestSuggestedName(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		source string
		want   string
	}{
		{name: "from url path", id: "1", source: "https://download.kiwix.org/zim/wikipedia_en_all.zim", want: "wikipedia_en_all.zim"},
		{name: "query ignored", id: "1", source: "https://host/a/b.zim?mirror=1", want: "b.zim"},
		{name: "no path falls back to id", id: "abc", source: "https://host", want: "abc.zim"},
		{name: "empty url", id: "abc", source: "", want: "abc.zim"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestedName(tt.id, tt.source))
		})
	}
}

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{name: "wikipedia.zim", id: "b", want: "wikipedia-b.zim"},
		{name: "archive", id: "b", want: "archive-b"},
		{name: "wikipedia.zim", id: "mirror/2", want: "wikipedia-mirror_2.zim"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, QualifiedName(tt.name, tt.id))
		})
	}
}
