// Package playlist manages the game's session playlist file.
package playlist

import (
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/domain/song"
)

// randomPickLimit bounds how many random candidates one append attempt
// inspects.
const randomPickLimit = 64

// File serializes access to one playlist file. Entries are playlist labels,
// one per line.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates the manager for path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the playlist file location.
func (f *File) Path() string {
	return f.path
}

// Truncate empties (or creates) the playlist. Run at startup so each
// session begins with a clean list.
func (f *File) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := renameio.WriteFile(f.path, nil, 0o644); err != nil {
		return errors.Wrap(err, "failed to truncate playlist")
	}
	return nil
}

// Read returns the nonempty lines of the playlist. A missing file reads as
// empty.
func (f *File) Read() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *File) readLocked() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read playlist")
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}

// Write replaces the playlist contents.
func (f *File) Write(lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(lines)
}

func (f *File) writeLocked(lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	if err := renameio.WriteFile(f.path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "failed to write playlist")
	}
	return nil
}

// AppendUnique appends a label unless already present. Reports whether the
// file changed.
func (f *File) AppendUnique(label string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLocked()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if line == label {
			return false, nil
		}
	}
	return true, f.writeLocked(append(lines, label))
}

// RemoveMatching drops every line equal to label.
func (f *File) RemoveMatching(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := f.readLocked()
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, line := range lines {
		if line != label {
			kept = append(kept, line)
		}
	}
	return f.writeLocked(kept)
}

// AppendRandom appends the label of one random song that is not yet in the
// playlist. It inspects at most 64 random candidates; the second return
// is false when no new label could be found.
func (f *File) AppendRandom(pool []*song.Entry) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendRandomLocked(pool)
}

func (f *File) appendRandomLocked(pool []*song.Entry) (string, bool, error) {
	if len(pool) == 0 {
		return "", false, nil
	}

	lines, err := f.readLocked()
	if err != nil {
		return "", false, err
	}
	present := make(map[string]bool, len(lines))
	for _, line := range lines {
		present[line] = true
	}

	attempts := randomPickLimit
	if len(pool) < attempts {
		attempts = len(pool)
	}
	for _, i := range rand.Perm(len(pool))[:attempts] {
		label := pool[i].Label()
		if present[label] {
			continue
		}
		if err := f.writeLocked(append(lines, label)); err != nil {
			return "", false, err
		}
		zlog.Debug().Msgf("appended random playlist entry: label=%s", label)
		return label, true, nil
	}
	return "", false, nil
}

// EnsureAtLeast appends random songs until the playlist holds at least n
// entries or the pool has nothing new to offer.
func (f *File) EnsureAtLeast(n int, pool []*song.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		lines, err := f.readLocked()
		if err != nil {
			return err
		}
		if len(lines) >= n {
			return nil
		}
		if _, ok, err := f.appendRandomLocked(pool); err != nil {
			return err
		} else if !ok {
			return nil
		}
	}
}

// Count returns the number of entries.
func (f *File) Count() (int, error) {
	lines, err := f.Read()
	return len(lines), err
}
