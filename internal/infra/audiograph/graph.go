// Package audiograph provides a narrow facade over the external audio graph
// daemon, driven through the pactl and pw-link command line tools.
package audiograph

import (
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrToolFailed indicates a graph tool invocation that returned an error.
var ErrToolFailed = errors.New("audio graph tool failed")

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command and returns its stdout. A non-zero exit carries
// the tool's stderr in the error.
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
		return out.String(), errors.Wrapf(ErrToolFailed, "%s: %s", name, msg)
	}
	return out.String(), nil
}

// Graph wraps the audio graph tools behind a small method set.
type Graph struct {
	run Runner
}

// New creates a Graph backed by real command execution.
func New() *Graph {
	return NewWithRunner(ExecRunner{})
}

// NewWithRunner creates a Graph with a custom command runner.
func NewWithRunner(r Runner) *Graph {
	return &Graph{run: r}
}

// SinkName returns the virtual sink name for the given index.
func SinkName(prefix string, index int) string {
	return prefix + "-" + strconv.Itoa(index) + "-sink"
}

// SinkNames returns the names of all count sinks, index 0 first.
func SinkNames(prefix string, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = SinkName(prefix, i)
	}
	return names
}

// EnsureSinks creates any of the given virtual source-class sinks that do not
// exist yet. Existing sinks are left alone.
func (g *Graph) EnsureSinks(names []string) error {
	existing, err := g.run.Run("pactl", "list", "short", "sinks")
	if err != nil {
		return errors.Wrap(err, "failed to list sinks")
	}

	for _, name := range names {
		if strings.Contains(existing, name) {
			continue
		}
		zlog.Debug().Msgf("creating virtual sink: name=%s", name)
		_, err := g.run.Run("pactl", "load-module", "module-null-sink",
			"media.class=Audio/Source/Virtual",
			"sink_name="+name,
			"channel_map=front-left,front-right")
		if err != nil {
			return errors.Wrapf(err, "failed to create sink %s", name)
		}
	}
	return nil
}

// UnloadAllNullSinks unloads every loaded null-sink module. Used at startup
// to clear leftovers from prior runs.
func (g *Graph) UnloadAllNullSinks() error {
	out, err := g.run.Run("pactl", "list", "short", "modules")
	if err != nil {
		return errors.Wrap(err, "failed to list modules")
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "module-null-sink") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		moduleID := fields[0]
		if _, err := g.run.Run("pactl", "unload-module", moduleID); err != nil {
			zlog.Warn().Err(err).Msgf("failed to unload null-sink module: id=%s", moduleID)
			continue
		}
		zlog.Debug().Msgf("unloaded null-sink module: id=%s", moduleID)
	}
	return nil
}

var portLineRe = regexp.MustCompile(`^\s*(\d+)\s+(.*)$`)

// ListPortsMatching returns output port id -> name for every port whose name
// contains substr, case-insensitively.
func (g *Graph) ListPortsMatching(substr string) (map[int]string, error) {
	out, err := g.run.Run("pw-link", "-I", "-o")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list output ports")
	}

	needle := strings.ToLower(substr)
	ports := make(map[int]string)
	for _, line := range strings.Split(out, "\n") {
		m := portLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[2])
		if !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ports[id] = name
	}
	return ports, nil
}

// Link connects the numeric source port to <sink>:input_<channel>. The -w
// flag makes pw-link wait until the port is ready.
func (g *Graph) Link(portID int, sinkName, channel string) error {
	target := sinkName + ":input_" + channel
	if _, err := g.run.Run("pw-link", "-w", strconv.Itoa(portID), target); err != nil {
		return errors.Wrapf(err, "failed to link port %d to %s", portID, target)
	}
	zlog.Debug().Msgf("linked port: id=%d, target=%s", portID, target)
	return nil
}

// LinkByName connects a named source port to <sink>:input_<channel>. Fallback
// for ingresses whose numeric ports were never discovered.
func (g *Graph) LinkByName(portName, sinkName, channel string) error {
	target := sinkName + ":input_" + channel
	if _, err := g.run.Run("pw-link", "-w", portName, target); err != nil {
		return errors.Wrapf(err, "failed to link %s to %s", portName, target)
	}
	return nil
}

// UnlinkPeers removes every connection currently attached to the given output
// port. The listing shows connections as indented "|->" lines below the port;
// each carries the peer port id that pw-link -d expects.
func (g *Graph) UnlinkPeers(portID int) error {
	out, err := g.run.Run("pw-link", "-I", "-l")
	if err != nil {
		return errors.Wrap(err, "failed to list links")
	}

	lines := strings.Split(out, "\n")
	portStr := strconv.Itoa(portID)
	idx := -1
	for i, line := range lines {
		m := portLineRe.FindStringSubmatch(line)
		if m != nil && m[1] == portStr {
			idx = i
			break
		}
	}
	if idx < 0 {
		zlog.Debug().Msgf("port not found in link listing: id=%d", portID)
		return nil
	}

	seen := make(map[string]bool)
	for _, line := range lines[idx+1:] {
		if !strings.Contains(line, "|->") {
			break
		}
		m := portLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		peerID := m[1]
		if seen[peerID] {
			continue
		}
		seen[peerID] = true
		if _, err := g.run.Run("pw-link", "-d", peerID); err != nil {
			zlog.Warn().Err(err).Msgf("failed to unlink peer: id=%s", peerID)
		}
	}
	return nil
}
