// Package songs builds and serves the song library index.
package songs

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/domain/song"
)

// ErrNotFound indicates an unknown song id.
var ErrNotFound = errors.New("song not found")

// Index holds every discovered song, addressable by id and by canonical
// audio path.
type Index struct {
	indexPath string
	audioExt  string

	mu      sync.RWMutex
	entries []*song.Entry
	byID    map[int]*song.Entry
	byAudio map[string]*song.Entry
}

// NewIndex creates an empty index that persists to indexPath.
func NewIndex(indexPath, audioExt string) *Index {
	return &Index{
		indexPath: indexPath,
		audioExt:  audioExt,
		byID:      make(map[int]*song.Entry),
		byAudio:   make(map[string]*song.Entry),
	}
}

// Scan walks root for files matching */songs/*/*.txt, derives audio and
// display values, assigns dense 1-based ids and persists the result.
func (x *Index) Scan(root string) error {
	var txtPaths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped, not fatal
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".txt") {
			return nil
		}
		if !underSongsDir(path) {
			return nil
		}
		txtPaths = append(txtPaths, path)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "song scan failed")
	}
	sort.Strings(txtPaths)

	entries := make([]*song.Entry, 0, len(txtPaths))
	for i, txt := range txtPaths {
		entries = append(entries, &song.Entry{
			ID:      i + 1,
			TxtPath: txt,
			Audio:   song.AudioFromTxt(txt, x.audioExt),
			Display: song.DisplayFromPath(txt),
		})
	}

	x.replace(entries)
	zlog.Info().Msgf("song index built: root=%s, entries=%d", root, len(entries))
	return x.save()
}

// underSongsDir reports whether the path sits inside some songs/ directory
// with at least one level below it, matching */songs/*/*.txt.
func underSongsDir(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		if p == "songs" && i > 0 && i < len(parts)-2 {
			return true
		}
	}
	return false
}

// Load reads a previously persisted index instead of scanning.
func (x *Index) Load() error {
	data, err := os.ReadFile(x.indexPath)
	if err != nil {
		return errors.Wrap(err, "failed to read song index")
	}
	var entries []*song.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "failed to parse song index")
	}
	x.replace(entries)
	zlog.Info().Msgf("song index loaded: entries=%d", len(entries))
	return nil
}

func (x *Index) replace(entries []*song.Entry) {
	byID := make(map[int]*song.Entry, len(entries))
	byAudio := make(map[string]*song.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		byAudio[canonical(e.Audio)] = e
	}

	x.mu.Lock()
	x.entries = entries
	x.byID = byID
	x.byAudio = byAudio
	x.mu.Unlock()
}

func (x *Index) save() error {
	x.mu.RLock()
	data, err := json.MarshalIndent(x.entries, "", "  ")
	x.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "failed to encode song index")
	}
	if err := os.MkdirAll(filepath.Dir(x.indexPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}
	if err := renameio.WriteFile(x.indexPath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to persist song index")
	}
	return nil
}

// canonical normalizes an audio path for lookup.
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Len returns the number of indexed songs.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// ByID returns the entry for id.
func (x *Index) ByID(id int) (*song.Entry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return e, nil
}

// ByAudioPath returns the entry whose audio file matches path.
func (x *Index) ByAudioPath(path string) (*song.Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byAudio[canonical(path)]
	return e, ok
}

// All returns the entries in id order.
func (x *Index) All() []*song.Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]*song.Entry(nil), x.entries...)
}

// Search returns a page of entries whose display contains q
// (case-insensitive); empty q matches everything.
func (x *Index) Search(q string, page, perPage int) (items []*song.Entry, total int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	needle := strings.ToLower(strings.TrimSpace(q))
	var matched []*song.Entry
	for _, e := range x.All() {
		if needle == "" || strings.Contains(strings.ToLower(e.Display), needle) {
			matched = append(matched, e)
		}
	}

	total = len(matched)
	start := (page - 1) * perPage
	if start >= total {
		return nil, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// SetInPlaylist flips the cached playlist flag on an entry.
func (x *Index) SetInPlaylist(id int, in bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.byID[id]; ok {
		e.Playlist = in
	}
}
