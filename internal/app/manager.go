// Package app wires the session subsystems together and runs the background
// loops that keep them consistent.
package app

import (
	"context"
	"os/exec"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app/automation"
	"github.com/dgruss/smartmic/internal/app/control"
	"github.com/dgruss/smartmic/internal/app/notification"
	"github.com/dgruss/smartmic/internal/app/playlist"
	"github.com/dgruss/smartmic/internal/app/rooms"
	"github.com/dgruss/smartmic/internal/app/session"
	"github.com/dgruss/smartmic/internal/app/songs"
	"github.com/dgruss/smartmic/internal/domain/song"
	"github.com/dgruss/smartmic/internal/infra/config"
	"github.com/dgruss/smartmic/internal/infra/gameconfig"
	"github.com/dgruss/smartmic/internal/infra/logtail"
)

// IngressService is the ingress manager surface the orchestrator needs.
// It is nil in control-only mode.
type IngressService interface {
	Start(sessionID int, offer string) (string, error)
	Remove(sessionID int)
	Alive(sessionID int) bool
	ConnectToSink(sessionID, sinkIndex int) error
	Has(sessionID int) bool
	SetDeadHandler(fn func(sessionID int))
	RunLivenessLoop(ctx context.Context)
	StopAll()
}

// Synthesizer is the input surface shared by the control lock and the
// automation engine.
type Synthesizer interface {
	Key(name string) error
	Type(text string) error
}

// Manager owns the application state and its maintenance loops.
type Manager struct {
	cfg *config.Config

	Registry   *session.Registry
	Ingress    IngressService
	Rooms      *rooms.Coordinator
	Control    *control.Lock
	Hub        *notification.Hub
	Songs      *songs.Index
	Playlist   *playlist.File
	Automation *automation.Engine

	tailer *logtail.Tailer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds the application from its configuration. ing may be nil
// (control-only mode); input drives both the control lock and the automation.
func NewManager(cfg *config.Config, ing IngressService, input Synthesizer) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	registry := session.NewRegistry(
		cfg.Session.MaxNameLength,
		time.Duration(cfg.Session.StaleAfterSec)*time.Second,
	)
	hub := notification.NewHub()
	writer := &gameconfig.Writer{
		Path:       cfg.GameConfigPath(),
		SinkPrefix: cfg.Audio.SinkPrefix,
	}

	var connector rooms.SinkConnector = noopConnector{}
	if ing != nil {
		connector = ing
	}
	coordinator := rooms.NewCoordinator(registry, connector, hub, writer, cfg.CapacityPath())

	index := songs.NewIndex(cfg.IndexPath(), cfg.Game.AudioExt)
	list := playlist.NewFile(cfg.PlaylistPath())
	lock := control.NewLock(cfg.Control.Password, input)

	settings, err := automation.DecodeSettings(cfg.Automation)
	if err != nil {
		cancel()
		return nil, err
	}
	overlay := automation.NewProcessOverlay(cfg.Control.OverlayCommand)
	pool := func() []*song.Entry { return index.All() }
	engine := automation.NewEngine(settings, input, list, pool, overlay, func() {
		hub.Broadcast(coordinator.Snapshot())
	})

	m := &Manager{
		cfg:        cfg,
		Registry:   registry,
		Ingress:    ing,
		Rooms:      coordinator,
		Control:    lock,
		Hub:        hub,
		Songs:      index,
		Playlist:   list,
		Automation: engine,
		tailer:     logtail.New(cfg.GameLogPath()),
		ctx:        ctx,
		cancel:     cancel,
	}

	if ing != nil {
		ing.SetDeadHandler(func(sessionID int) {
			zlog.Info().Msgf("ingress died: session=%d", sessionID)
			m.DropSession(sessionID)
		})
	}
	return m, nil
}

// Run starts the maintenance loops: the stale sweeper, the ingress liveness
// monitor and the game log tailer feeding the automation.
func (m *Manager) Run() error {
	go m.sweepLoop()

	if m.Ingress != nil {
		go m.Ingress.RunLivenessLoop(m.ctx)
	}

	if err := m.tailer.Start(m.ctx); err != nil {
		return err
	}
	go func() {
		for line := range m.tailer.Lines() {
			m.Automation.HandleLogLine(line)
		}
	}()
	return nil
}

// Stop tears the application down.
func (m *Manager) Stop() {
	_ = m.Automation.SetEnabled(false, nil)
	if m.Ingress != nil {
		m.Ingress.StopAll()
	}
	m.cancel()
}

// sweepLoop periodically drops sessions whose heartbeat went stale, unless
// their ingress child is still alive.
func (m *Manager) sweepLoop() {
	interval := time.Duration(m.cfg.Session.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	for _, id := range m.Registry.Stale(now) {
		if m.Ingress != nil && m.Ingress.Alive(id) {
			continue
		}
		zlog.Info().Msgf("dropping stale session: session=%d", id)
		m.DropSession(id)
	}
}

// DropSession removes a session everywhere: ingress child, room membership,
// control lock and registry.
func (m *Manager) DropSession(sessionID int) {
	s, ok := m.Registry.Get(sessionID)

	if m.Ingress != nil {
		m.Ingress.Remove(sessionID)
	}
	if ok && s.Name != "" {
		m.Rooms.Evict(s.Name)
	}
	m.Control.ReleaseIfOwner(sessionID)
	m.Registry.Remove(sessionID)
}

// RunHook executes a lifecycle shell hook, logging failures without
// propagating them.
func RunHook(name, command string) {
	if command == "" {
		return
	}
	out, err := exec.Command("sh", "-c", command).CombinedOutput()
	if err != nil {
		zlog.Warn().Err(err).Msgf("hook failed: hook=%s, output=%s", name, string(out))
		return
	}
	zlog.Info().Msgf("hook executed: hook=%s", name)
}

// noopConnector stands in for the ingress manager in control-only mode.
type noopConnector struct{}

func (noopConnector) ConnectToSink(sessionID, sinkIndex int) error { return nil }
func (noopConnector) Has(sessionID int) bool                       { return false }
