// Package logtail follows the game's log file and emits appended lines. The
// file may not exist yet when the tailer starts, may be rotated, and may be
// truncated in place; all three are handled transparently.
package logtail

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
)

const pollInterval = 500 * time.Millisecond

// Tailer follows one log file.
type Tailer struct {
	path  string
	lines chan string

	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial string
	opened  bool
}

// New creates a tailer for the given path. Call Start to begin following.
func New(path string) *Tailer {
	return &Tailer{
		path:  path,
		lines: make(chan string, 256),
	}
}

// Lines returns the channel of complete log lines, trailing newline stripped.
// The channel is closed when the tailer stops.
func (t *Tailer) Lines() <-chan string {
	return t.lines
}

// Start begins following the file in a background goroutine until ctx is
// cancelled. Lines already present when the file is first opened are skipped.
func (t *Tailer) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	// Watch the directory so we see the file appearing.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(t.path))
	}

	go t.run(ctx, watcher)
	return nil
}

func (t *Tailer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer close(t.lines)
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	// The poll ticker backs up fsnotify for filesystems with unreliable
	// events and catches in-place truncation.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			t.drain(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn().Err(err).Msg("log watcher error")
		case <-ticker.C:
			t.drain(ctx)
		}
	}
}

// drain reopens the file as needed and emits all complete new lines.
func (t *Tailer) drain(ctx context.Context) {
	if !t.ensureOpen() {
		return
	}

	if fi, err := os.Stat(t.path); err != nil {
		// File disappeared; reopen when it comes back.
		t.reset()
		return
	} else if cur, err2 := t.file.Stat(); err2 == nil && !os.SameFile(fi, cur) {
		// Rotated; the new file is read from the beginning.
		t.reset()
		if !t.ensureOpen() {
			return
		}
	} else if fi.Size() < t.offset {
		// Truncated in place.
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.reset()
			return
		}
		t.offset = 0
		t.partial = ""
		t.reader.Reset(t.file)
	}

	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			// Hold incomplete trailing data until the newline arrives.
			t.partial += chunk
			return
		}
		line := strings.TrimRight(t.partial+chunk, "\r\n")
		t.partial = ""
		select {
		case t.lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

// ensureOpen opens the file if it is not open yet. The first open seeks to
// the end so only fresh lines are reported; reopens after rotation start at
// the beginning.
func (t *Tailer) ensureOpen() bool {
	if t.file != nil {
		return true
	}
	f, err := os.Open(t.path)
	if err != nil {
		return false
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.partial = ""
	if !t.opened {
		if end, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = end
		}
		t.opened = true
	} else {
		t.offset = 0
	}
	return true
}

func (t *Tailer) reset() {
	if t.file != nil {
		t.file.Close()
	}
	t.file = nil
	t.reader = nil
	t.offset = 0
	t.partial = ""
}

// Truncate empties (or creates) the file at path. Called at startup so the
// automation never replays lines from a previous run.
func Truncate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to truncate log")
	}
	return f.Close()
}
