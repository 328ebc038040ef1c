package automation

import (
	"os/exec"
	"strconv"
	"sync"

	zlog "github.com/rs/zerolog/log"
)

// Overlay displays a fullscreen countdown while the automation waits.
type Overlay interface {
	Show(seconds int)
	Clear()
}

// ProcessOverlay runs an external overlay command with the remaining seconds
// as its only argument. At most one overlay process is alive at a time.
type ProcessOverlay struct {
	command string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewProcessOverlay creates the runner. An empty command disables overlays.
func NewProcessOverlay(command string) *ProcessOverlay {
	return &ProcessOverlay{command: command}
}

// Show spawns the overlay for the given countdown, replacing any prior one.
func (o *ProcessOverlay) Show(seconds int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.killLocked()
	if o.command == "" {
		return
	}

	cmd := exec.Command(o.command, strconv.Itoa(seconds))
	if err := cmd.Start(); err != nil {
		zlog.Warn().Err(err).Msgf("overlay start failed: command=%s", o.command)
		return
	}
	o.cmd = cmd
	go func() {
		_ = cmd.Wait()
	}()
}

// Clear terminates the running overlay, if any.
func (o *ProcessOverlay) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.killLocked()
}

func (o *ProcessOverlay) killLocked() {
	if o.cmd == nil {
		return
	}
	if o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	o.cmd = nil
}
