// Package ingress manages the per-session audio ingress child processes and
// their wiring into the virtual sinks.
package ingress

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrEmptyOffer indicates a start request without a session description.
	ErrEmptyOffer = errors.New("offer must not be empty")
	// ErrBinaryMissing indicates the ingress binary is absent or not executable.
	ErrBinaryMissing = errors.New("ingress binary not available")
	// ErrSpawnFailed indicates the child process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn ingress process")
	// ErrNoAnswer indicates the child exited before producing an answer.
	ErrNoAnswer = errors.New("no answer from ingress process")
)

// answerMarker precedes the base64 answer in the child's output.
const answerMarker = "Connection State has changed checking"

// Graph is the audio-graph surface the ingress layer needs.
type Graph interface {
	ListPortsMatching(substr string) (map[int]string, error)
	Link(portID int, sinkName, channel string) error
	LinkByName(portName, sinkName, channel string) error
	UnlinkPeers(portID int) error
}

// Config carries the tunables for ingress processes.
type Config struct {
	Binary       string        // path to the ingress binary
	PulseBuf     string        // buffer length passed to the child
	StartWait    time.Duration // bound on waiting for a start-queue slot
	PortAttempts int           // port discovery retries
	PortInterval time.Duration // delay between discovery retries
	Liveness     time.Duration // liveness check period
}

// Ports holds the discovered audio-graph ports of one ingress, classified by
// channel suffix.
type Ports struct {
	FL    int
	FR    int
	Other []int
}

// Empty reports whether no ports were discovered.
func (p Ports) Empty() bool {
	return p.FL == 0 && p.FR == 0 && len(p.Other) == 0
}

// IDs returns all recorded port ids.
func (p Ports) IDs() []int {
	var ids []int
	if p.FL != 0 {
		ids = append(ids, p.FL)
	}
	if p.FR != 0 {
		ids = append(ids, p.FR)
	}
	return append(ids, p.Other...)
}

// Supervisor owns exactly one ingress child process for a session.
type Supervisor struct {
	sessionID int
	linkName  string
	cfg       Config
	graph     Graph

	mu       sync.Mutex
	cmd      *exec.Cmd
	waitDone chan struct{}
	ports    Ports
}

// NewSupervisor creates a supervisor for the given session. The link name is
// stable per session so graph ports can be found again after restarts.
func NewSupervisor(sessionID int, cfg Config, graph Graph) *Supervisor {
	return &Supervisor{
		sessionID: sessionID,
		linkName:  "ingress-" + strconv.Itoa(sessionID),
		cfg:       cfg,
		graph:     graph,
	}
}

// LinkName returns the child's stable graph node name.
func (s *Supervisor) LinkName() string {
	return s.linkName
}

// Ports returns the discovered ports.
func (s *Supervisor) Ports() Ports {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports
}

// Start spawns the child, performs the offer/answer handshake and returns
// the decoded answer. Port discovery continues in the background; onReady is
// invoked once it finishes (whether or not ports were found).
func (s *Supervisor) Start(offer string, onReady func()) (string, error) {
	if offer == "" {
		return "", ErrEmptyOffer
	}
	if fi, err := os.Stat(s.cfg.Binary); err != nil || fi.Mode()&0o111 == 0 {
		return "", errors.Wrapf(ErrBinaryMissing, "%s", s.cfg.Binary)
	}

	existing := s.listPortIDs()

	cmd := exec.Command(s.cfg.Binary, "--pulse-buf", s.cfg.PulseBuf, "--link-name", s.linkName)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", errors.Wrap(ErrSpawnFailed, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(ErrSpawnFailed, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(ErrSpawnFailed, err.Error())
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(ErrSpawnFailed, err.Error())
	}

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = waitDone
	s.mu.Unlock()

	// Stream the child's stderr into the server log verbatim.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			zlog.Debug().Msgf("[ingress-stderr] session=%d: %s", s.sessionID, scanner.Text())
		}
	}()

	payload, _ := json.Marshal(map[string]string{"sdp": offer, "type": "offer"})
	if _, err := stdin.Write([]byte(base64.StdEncoding.EncodeToString(payload) + "\n")); err != nil {
		s.Stop()
		return "", errors.Wrap(ErrSpawnFailed, "failed to send offer")
	}
	stdin.Close()

	answer, err := readAnswer(stdout, s.sessionID)
	if err != nil {
		s.Stop()
		return "", err
	}

	go s.discoverPorts(existing, onReady)

	return answer, nil
}

// readAnswer scans the child's stdout for the handshake marker, then
// concatenates subsequent nonempty lines and attempts a base64 JSON decode
// after each one. The child splits the payload across lines, so partial
// buffers simply fail to decode until the last fragment arrives.
func readAnswer(stdout io.Reader, sessionID int) (string, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	expect := false
	var buf strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		zlog.Debug().Msgf("[ingress-stdout] session=%d: %s", sessionID, line)

		if strings.Contains(line, answerMarker) {
			expect = true
			buf.Reset()
			continue
		}
		if !expect || line == "" {
			continue
		}
		buf.WriteString(line)

		decoded, err := base64.StdEncoding.DecodeString(buf.String())
		if err != nil {
			continue
		}
		var answer struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(decoded, &answer); err != nil {
			continue
		}
		zlog.Info().Msgf("received ingress answer: session=%d", sessionID)
		return answer.SDP, nil
	}
	return "", ErrNoAnswer
}

// discoverPorts polls the graph until ports created by this child appear,
// classifies them by channel suffix and records them. onReady fires last so
// the caller can attempt the default sink connection.
func (s *Supervisor) discoverPorts(existing map[int]bool, onReady func()) {
	var found map[int]string
	for attempt := 0; attempt < s.cfg.PortAttempts; attempt++ {
		ports, err := s.graph.ListPortsMatching(s.linkName)
		if err == nil && len(ports) > 0 {
			found = ports
			break
		}
		time.Sleep(s.cfg.PortInterval)
	}

	var discovered Ports
	for id, name := range found {
		if existing[id] {
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "output_fl") || strings.Contains(lower, "playback_fl") || strings.HasSuffix(lower, "_fl"):
			discovered.FL = id
		case strings.Contains(lower, "output_fr") || strings.Contains(lower, "playback_fr") || strings.HasSuffix(lower, "_fr"):
			discovered.FR = id
		default:
			discovered.Other = append(discovered.Other, id)
		}
	}

	s.mu.Lock()
	s.ports = discovered
	s.mu.Unlock()

	if discovered.Empty() {
		zlog.Warn().Msgf("no ports discovered for ingress: session=%d, link=%s", s.sessionID, s.linkName)
	} else {
		zlog.Debug().Msgf("discovered ingress ports: session=%d, fl=%d, fr=%d, other=%v",
			s.sessionID, discovered.FL, discovered.FR, discovered.Other)
	}

	if onReady != nil {
		onReady()
	}
}

// Stop terminates the child, escalating from SIGTERM to SIGKILL, and clears
// the recorded ports.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.ports = Ports{}
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	if waitDone != nil {
		select {
		case <-waitDone:
			return
		case <-time.After(time.Second):
		}
	}
	cmd.Process.Kill()
}

// IsAlive reports whether the child still runs and its recorded graph ports
// still exist. A transient empty port listing counts as alive.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	ports := s.ports
	s.mu.Unlock()

	if cmd == nil {
		return false
	}
	select {
	case <-waitDone:
		return false
	default:
	}
	if ports.Empty() {
		return true
	}

	current, err := s.graph.ListPortsMatching(s.linkName)
	if err != nil || len(current) == 0 {
		return true
	}
	if ports.FL != 0 {
		if _, ok := current[ports.FL]; !ok {
			return false
		}
	}
	if ports.FR != 0 {
		if _, ok := current[ports.FR]; !ok {
			return false
		}
	}
	if len(ports.Other) > 0 {
		any := false
		for _, id := range ports.Other {
			if _, ok := current[id]; ok {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func (s *Supervisor) listPortIDs() map[int]bool {
	ids := make(map[int]bool)
	ports, err := s.graph.ListPortsMatching(s.linkName)
	if err != nil {
		return ids
	}
	for id := range ports {
		ids[id] = true
	}
	return ids
}
