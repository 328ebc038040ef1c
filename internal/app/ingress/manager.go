package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrStartTimeout indicates the start queue slot did not free up in time.
	ErrStartTimeout = errors.New("timed out waiting to start ingress")
	// ErrNotFound indicates no ingress exists for the session.
	ErrNotFound = errors.New("ingress not found")
	// ErrInvalidSink indicates a sink index outside the valid range.
	ErrInvalidSink = errors.New("invalid sink index")
)

// Manager coordinates all ingress supervisors. Starts are serialized through
// a FIFO queue so the graph never enumerates ports of two starting children
// at once.
type Manager struct {
	cfg       Config
	graph     Graph
	sinkNames []string

	startMu    sync.Mutex
	startCond  *sync.Cond
	startQueue []int

	mu          sync.Mutex
	supervisors map[int]*Supervisor
	sinks       map[int]int // session id -> connected sink index

	onDead func(sessionID int)
}

// NewManager creates the ingress manager. sinkNames maps sink index to the
// graph sink name; index 0 is the lobby sink.
func NewManager(cfg Config, graph Graph, sinkNames []string) *Manager {
	m := &Manager{
		cfg:         cfg,
		graph:       graph,
		sinkNames:   sinkNames,
		supervisors: make(map[int]*Supervisor),
		sinks:       make(map[int]int),
	}
	m.startCond = sync.NewCond(&m.startMu)
	return m
}

// SetDeadHandler installs a callback invoked by the liveness loop after a
// dead ingress has been cleaned up.
func (m *Manager) SetDeadHandler(fn func(sessionID int)) {
	m.onDead = fn
}

// Start provisions an ingress for the session, replacing any prior one.
// Concurrent calls queue up and run one at a time, bounded by StartWait.
func (m *Manager) Start(sessionID int, offer string) (string, error) {
	if err := m.acquireStartSlot(sessionID); err != nil {
		return "", err
	}
	defer m.releaseStartSlot(sessionID)

	m.mu.Lock()
	if prev, ok := m.supervisors[sessionID]; ok {
		prev.Stop()
		delete(m.supervisors, sessionID)
		delete(m.sinks, sessionID)
	}
	sup := NewSupervisor(sessionID, m.cfg, m.graph)
	m.supervisors[sessionID] = sup
	m.mu.Unlock()

	answer, err := sup.Start(offer, func() {
		// Auto-default every fresh ingress to the lobby sink once its
		// ports are known.
		if err := m.ConnectToSink(sessionID, 0); err != nil {
			zlog.Warn().Err(err).Msgf("auto-connect to lobby sink failed: session=%d", sessionID)
		}
	})
	if err != nil {
		m.mu.Lock()
		if m.supervisors[sessionID] == sup {
			delete(m.supervisors, sessionID)
		}
		m.mu.Unlock()
		return "", err
	}
	zlog.Info().Msgf("ingress started: session=%d, link=%s", sessionID, sup.LinkName())
	return answer, nil
}

// acquireStartSlot enqueues the session and blocks until it is at the head
// of the queue or the wait bound expires.
func (m *Manager) acquireStartSlot(sessionID int) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.startQueue = append(m.startQueue, sessionID)
	deadline := time.Now().Add(m.cfg.StartWait)

	for m.startQueue[0] != sessionID {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.removeQueuedLocked(sessionID)
			return ErrStartTimeout
		}
		// Cond has no timed wait; a timer wakes all waiters so the
		// deadline check above runs.
		timer := time.AfterFunc(remaining, m.startCond.Broadcast)
		m.startCond.Wait()
		timer.Stop()
	}
	return nil
}

func (m *Manager) releaseStartSlot(sessionID int) {
	m.startMu.Lock()
	m.removeQueuedLocked(sessionID)
	m.startMu.Unlock()
	m.startCond.Broadcast()
}

func (m *Manager) removeQueuedLocked(sessionID int) {
	for i, id := range m.startQueue {
		if id == sessionID {
			m.startQueue = append(m.startQueue[:i], m.startQueue[i+1:]...)
			return
		}
	}
}

// Remove stops and forgets the session's ingress. A start request still
// waiting in the queue is purged so it does not block others.
func (m *Manager) Remove(sessionID int) {
	m.startMu.Lock()
	m.removeQueuedLocked(sessionID)
	m.startMu.Unlock()
	m.startCond.Broadcast()

	m.mu.Lock()
	sup, ok := m.supervisors[sessionID]
	if ok {
		delete(m.supervisors, sessionID)
	}
	delete(m.sinks, sessionID)
	m.mu.Unlock()

	if ok {
		m.disconnect(sup)
		sup.Stop()
		zlog.Info().Msgf("ingress removed: session=%d", sessionID)
	}
}

// ConnectToSink rewires the session's ingress to the given sink: existing
// peer links are removed, then FL and FR are linked to the sink's inputs.
// Sessions whose numeric ports were never discovered fall back to linking by
// node name.
func (m *Manager) ConnectToSink(sessionID, sinkIndex int) error {
	if sinkIndex < 0 || sinkIndex >= len(m.sinkNames) {
		return errors.Wrapf(ErrInvalidSink, "%d", sinkIndex)
	}

	m.mu.Lock()
	sup, ok := m.supervisors[sessionID]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "session %d", sessionID)
	}

	m.disconnect(sup)

	sinkName := m.sinkNames[sinkIndex]
	ports := sup.Ports()
	if ports.FL != 0 || ports.FR != 0 {
		for ch, id := range map[string]int{"FL": ports.FL, "FR": ports.FR} {
			if id == 0 {
				continue
			}
			if err := m.graph.Link(id, sinkName, ch); err != nil {
				return err
			}
		}
	} else {
		// Naming fallback when discovery found nothing numeric.
		for _, ch := range []string{"FL", "FR"} {
			if err := m.graph.LinkByName(sup.LinkName()+":output_"+ch, sinkName, ch); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	m.sinks[sessionID] = sinkIndex
	m.mu.Unlock()
	zlog.Debug().Msgf("ingress connected to sink: session=%d, sink=%s", sessionID, sinkName)
	return nil
}

// disconnect removes every link attached to the ingress's output ports.
func (m *Manager) disconnect(sup *Supervisor) {
	for _, id := range sup.Ports().IDs() {
		if err := m.graph.UnlinkPeers(id); err != nil {
			zlog.Warn().Err(err).Msgf("failed to unlink ingress port: id=%d", id)
		}
	}
}

// Alive reports whether the session currently has a live ingress.
func (m *Manager) Alive(sessionID int) bool {
	m.mu.Lock()
	sup, ok := m.supervisors[sessionID]
	m.mu.Unlock()
	return ok && sup.IsAlive()
}

// Has reports whether an ingress exists for the session, connected or not.
func (m *Manager) Has(sessionID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.supervisors[sessionID]
	return ok
}

// SinkIndex returns the sink the session is currently connected to.
func (m *Manager) SinkIndex(sessionID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.sinks[sessionID]
	return idx, ok
}

// Sessions returns the session ids with a registered ingress.
func (m *Manager) Sessions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	return ids
}

// RunLivenessLoop periodically reaps ingresses whose child died or whose
// graph ports vanished. Blocks until ctx is cancelled.
func (m *Manager) RunLivenessLoop(ctx context.Context) {
	interval := m.cfg.Liveness
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.Sessions() {
				if m.Alive(id) {
					continue
				}
				zlog.Warn().Msgf("ingress appears dead, cleaning up: session=%d", id)
				m.Remove(id)
				if m.onDead != nil {
					m.onDead(id)
				}
			}
		}
	}
}

// StopAll terminates every ingress. Used at shutdown.
func (m *Manager) StopAll() {
	for _, id := range m.Sessions() {
		m.Remove(id)
	}
}
