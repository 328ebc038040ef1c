// Package xinput sends keyboard events to the game's window through the
// xdotool command line tool.
package xinput

import (
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrToolMissing indicates xdotool is not installed.
	ErrToolMissing = errors.New("xdotool not installed")
	// ErrWindowNotFound indicates the game window could not be located.
	ErrWindowNotFound = errors.New("game window not found")
	// ErrToolFailed indicates an xdotool invocation that exited non-zero.
	ErrToolFailed = errors.New("xdotool failed")
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(name string, args ...string) (string, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var out, errOut strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errOut.String())
		if msg == "" {
			msg = err.Error()
		}
		return out.String(), errors.Wrapf(ErrToolFailed, "%s", msg)
	}
	return out.String(), nil
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Synthesizer sends key and text events to a single target window. The
// window id is resolved once by title substring and cached.
type Synthesizer struct {
	run         Runner
	windowTitle string

	mu       sync.Mutex
	windowID string
}

// New creates a Synthesizer targeting the first window whose title contains
// windowTitle.
func New(windowTitle string) *Synthesizer {
	return NewWithRunner(windowTitle, ExecRunner{})
}

// NewWithRunner creates a Synthesizer with a custom command runner.
func NewWithRunner(windowTitle string, r Runner) *Synthesizer {
	return &Synthesizer{run: r, windowTitle: windowTitle}
}

// Key sends a symbolic key event, e.g. "Escape" or "Return".
func (s *Synthesizer) Key(name string) error {
	return s.invoke("key", name)
}

// Type types a literal string with no inter-key delay.
func (s *Synthesizer) Type(text string) error {
	return s.invoke("type", "--delay", "0", text)
}

// invoke runs one xdotool subcommand against the cached window, inserting
// --window <id> right after the subcommand.
func (s *Synthesizer) invoke(subcmd string, rest ...string) error {
	if _, err := s.run.LookPath("xdotool"); err != nil {
		zlog.Warn().Msgf("xdotool not found, input event dropped: subcmd=%s", subcmd)
		return ErrToolMissing
	}

	id, err := s.resolveWindow()
	if err != nil {
		return err
	}

	args := append([]string{subcmd, "--window", id}, rest...)
	if _, err := s.run.Run("xdotool", args...); err != nil {
		zlog.Warn().Err(err).Msgf("xdotool failed: args=%v", args)
		return err
	}
	return nil
}

// resolveWindow returns the cached window id, searching on first use.
func (s *Synthesizer) resolveWindow() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.windowID != "" {
		return s.windowID, nil
	}

	out, err := s.run.Run("xdotool", "search", s.windowTitle)
	if err != nil {
		return "", errors.Wrap(err, "window search failed")
	}
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			s.windowID = id
			zlog.Debug().Msgf("cached game window id: id=%s", id)
			return id, nil
		}
	}
	return "", ErrWindowNotFound
}
