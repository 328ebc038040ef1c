package songs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLibrary creates a fake game directory with a songs tree and returns
// its root.
func buildLibrary(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	files := []string{
		"usdx/songs/Queen/Bohemian_Rhapsody.txt",
		"usdx/songs/Abba/Waterloo.txt",
		"usdx/songs/Abba/Dancing_Queen.txt",
		// not under a songs dir, must be ignored
		"usdx/covers/Readme.txt",
		// directly inside songs/, no artist dir, must be ignored
		"usdx/songs/stray.txt",
	}
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("#TITLE:x\n"), 0o644))
	}
	return root
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	return NewIndex(filepath.Join(t.TempDir(), "songs_index.json"), "m4a")
}

func TestScan(t *testing.T) {
	root := buildLibrary(t)
	x := newTestIndex(t)

	require.NoError(t, x.Scan(root))
	require.Equal(t, 3, x.Len())

	all := x.All()
	// dense 1-based ids in path order
	for i, e := range all {
		assert.Equal(t, i+1, e.ID)
	}

	e, err := x.ByID(1)
	require.NoError(t, err)
	assert.Equal(t, "Dancing Queen", e.Display)
	assert.Equal(t, ".m4a", filepath.Ext(e.Audio))
	assert.Equal(t, e.TxtPath[:len(e.TxtPath)-4], e.Audio[:len(e.Audio)-4])
}

func TestScan_PersistsAndReloads(t *testing.T) {
	root := buildLibrary(t)
	indexPath := filepath.Join(t.TempDir(), "songs_index.json")

	x := NewIndex(indexPath, "m4a")
	require.NoError(t, x.Scan(root))

	reloaded := NewIndex(indexPath, "m4a")
	require.NoError(t, reloaded.Load())
	assert.Equal(t, x.Len(), reloaded.Len())

	e, err := reloaded.ByID(2)
	require.NoError(t, err)
	assert.Equal(t, "Waterloo", e.Display)
}

func TestByAudioPath(t *testing.T) {
	root := buildLibrary(t)
	x := newTestIndex(t)
	require.NoError(t, x.Scan(root))

	want, err := x.ByID(3)
	require.NoError(t, err)

	got, ok := x.ByAudioPath(want.Audio)
	require.True(t, ok)
	assert.Equal(t, want.ID, got.ID)

	_, ok = x.ByAudioPath("/nowhere/else.m4a")
	assert.False(t, ok)
}

func TestByID_NotFound(t *testing.T) {
	x := newTestIndex(t)
	_, err := x.ByID(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	root := buildLibrary(t)
	x := newTestIndex(t)
	require.NoError(t, x.Scan(root))

	items, total := x.Search("queen", 1, 50)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Dancing Queen", items[0].Display)

	// empty query matches everything, paged
	items, total = x.Search("", 1, 2)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 2)

	items, total = x.Search("", 2, 2)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 1)

	// out-of-range page
	items, _ = x.Search("", 5, 2)
	assert.Empty(t, items)
}

func TestSetInPlaylist(t *testing.T) {
	root := buildLibrary(t)
	x := newTestIndex(t)
	require.NoError(t, x.Scan(root))

	x.SetInPlaylist(1, true)
	e, err := x.ByID(1)
	require.NoError(t, err)
	assert.True(t, e.Playlist)
}
