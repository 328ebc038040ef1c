// Package rooms implements the room coordinator: membership, capacity rules
// and the fan-out of state changes to subscribers and the game config.
package rooms

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app/notification"
	"github.com/dgruss/smartmic/internal/app/session"
	"github.com/dgruss/smartmic/internal/domain/player"
	"github.com/dgruss/smartmic/internal/domain/room"
	"github.com/dgruss/smartmic/internal/infra/gameconfig"
)

// ErrUnknownRoom indicates a room name outside the allowed set.
var ErrUnknownRoom = errors.New("unknown room")

// RoomFullError carries the state a rejected joiner needs to render the
// conflict.
type RoomFullError struct {
	Room     string
	Members  []string
	Capacity int
}

func (e *RoomFullError) Error() string {
	return "room " + e.Room + " is full"
}

// SinkConnector rewires a session's audio when it changes rooms.
type SinkConnector interface {
	ConnectToSink(sessionID, sinkIndex int) error
	// Has reports whether the session has an ingress at all, even one whose
	// initial lobby connect failed.
	Has(sessionID int) bool
}

// ConfigWriter rewrites the game config from the current roster.
type ConfigWriter interface {
	UpdatePlayers(mics [6]gameconfig.MicLine) error
}

// Coordinator owns the room table. All mutations run under one lock.
type Coordinator struct {
	registry *session.Registry
	ingress  SinkConnector
	hub      *notification.Hub
	writer   ConfigWriter

	capacityPath string
	defaultCap   int

	mu       sync.Mutex
	rooms    map[string][]string
	capacity map[string]int
}

// NewCoordinator creates the coordinator with empty rooms. Previously
// persisted capacities are loaded from capacityPath if present.
func NewCoordinator(registry *session.Registry, ingress SinkConnector, hub *notification.Hub, writer ConfigWriter, capacityPath string) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		ingress:      ingress,
		hub:          hub,
		writer:       writer,
		capacityPath: capacityPath,
		defaultCap:   room.DefaultCapacity,
		rooms:        make(map[string][]string),
		capacity:     make(map[string]int),
	}
	for _, name := range room.Names() {
		c.rooms[name] = []string{}
		if room.IsMic(name) {
			c.capacity[name] = c.defaultCap
		}
	}
	c.loadCapacity()
	return c
}

// Join places a session's display name into a room, moving it out of any
// other room first. Delay, when non-nil, updates the session's preference.
func (c *Coordinator) Join(sessionID int, roomName, name string, delayMS *int) (string, error) {
	if !room.Valid(roomName) {
		return "", errors.Wrapf(ErrUnknownRoom, "%s", roomName)
	}

	username := c.registry.NormalizeName(name, sessionID)

	c.mu.Lock()
	// A name occupies at most one room; drop it everywhere first.
	for r, members := range c.rooms {
		c.rooms[r] = remove(members, username)
	}

	if room.IsMic(roomName) {
		cap := c.capacity[roomName]
		if len(c.rooms[roomName]) >= cap {
			members := append([]string(nil), c.rooms[roomName]...)
			c.mu.Unlock()
			return "", &RoomFullError{Room: roomName, Members: members, Capacity: cap}
		}
	}
	c.rooms[roomName] = append(c.rooms[roomName], username)
	c.mu.Unlock()

	sinkIndex := room.SinkIndex(roomName)
	c.registry.Update(sessionID, func(s *player.Session) {
		s.Name = username
		s.Room = roomName
		s.SinkIndex = sinkIndex
		if delayMS != nil && *delayMS >= 0 {
			s.DelayMS = *delayMS
		}
	})

	// Only sessions with a running ingress get rewired.
	if c.ingress.Has(sessionID) {
		if err := c.ingress.ConnectToSink(sessionID, sinkIndex); err != nil {
			zlog.Warn().Err(err).Msgf("failed to rewire session audio: session=%d, room=%s", sessionID, roomName)
		}
	}

	zlog.Info().Msgf("session joined room: session=%d, room=%s, name=%s", sessionID, roomName, username)
	c.publish()
	return username, nil
}

// Leave removes the session's name (or an explicit name) from every room.
func (c *Coordinator) Leave(sessionID int, name string) error {
	username := name
	if username == "" {
		if s, ok := c.registry.Get(sessionID); ok {
			username = s.Name
		}
	}
	if username == "" {
		return errors.Wrap(ErrUnknownRoom, "no session or name provided")
	}

	c.mu.Lock()
	for r, members := range c.rooms {
		c.rooms[r] = remove(members, username)
	}
	c.mu.Unlock()

	c.registry.Update(sessionID, func(s *player.Session) {
		s.Room = ""
	})

	zlog.Info().Msgf("user left all rooms: name=%s", username)
	c.publish()
	return nil
}

// SetDelay stores a session's audio delay preference and propagates it into
// the game config.
func (c *Coordinator) SetDelay(sessionID, delayMS int) error {
	ok := c.registry.Update(sessionID, func(s *player.Session) {
		s.DelayMS = delayMS
	})
	if !ok {
		return errors.Newf("unknown session %d", sessionID)
	}
	c.publish()
	return nil
}

// Evict drops a name from all rooms without touching the session registry.
// Used by the stale sweeper after the session itself is gone.
func (c *Coordinator) Evict(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	for r, members := range c.rooms {
		c.rooms[r] = remove(members, name)
	}
	c.mu.Unlock()
	c.publish()
}

// SetCapacity clamps and applies capacity updates for mic rooms, then
// persists them. Ownership of the control lock is enforced by the caller.
func (c *Coordinator) SetCapacity(updates map[string]int) error {
	c.mu.Lock()
	for name, value := range updates {
		if !room.IsMic(name) {
			c.mu.Unlock()
			return errors.Wrapf(ErrUnknownRoom, "%s", name)
		}
		c.capacity[name] = room.ClampCapacity(value, c.defaultCap)
	}
	c.mu.Unlock()

	if err := c.saveCapacity(); err != nil {
		return err
	}
	c.publish()
	return nil
}

// Snapshot returns the current rooms and capacities.
func (c *Coordinator) Snapshot() notification.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := notification.Snapshot{
		Rooms:    make(map[string][]string, len(c.rooms)),
		Capacity: make(map[string]int, len(c.capacity)),
	}
	for name, members := range c.rooms {
		snap.Rooms[name] = append([]string(nil), members...)
	}
	for name, cap := range c.capacity {
		snap.Capacity[name] = cap
	}
	return snap
}

// MicLines derives the per-mic roster and mean delays for the game config.
func (c *Coordinator) MicLines() [6]gameconfig.MicLine {
	c.mu.Lock()
	members := make(map[int][]string, room.MicCount)
	for i := 1; i <= room.MicCount; i++ {
		members[i] = append([]string(nil), c.rooms[room.MicName(i)]...)
	}
	c.mu.Unlock()

	var mics [6]gameconfig.MicLine
	for i := 1; i <= room.MicCount; i++ {
		names := members[i]
		if len(names) == 0 {
			continue
		}
		var sum, count int
		for _, name := range names {
			for _, id := range c.registry.ByName(name) {
				if s, ok := c.registry.Get(id); ok {
					sum += s.DelayMS
					count++
				}
			}
		}
		mean := 0
		if count > 0 {
			mean = sum / count
		}
		mics[i-1] = gameconfig.MicLine{Names: names, MeanDelayMS: mean}
	}
	return mics
}

// publish broadcasts the current snapshot and rewrites the game config. The
// room lock is not held here; both consumers take their own snapshots.
func (c *Coordinator) publish() {
	c.hub.Broadcast(c.Snapshot())
	if c.writer != nil {
		if err := c.writer.UpdatePlayers(c.MicLines()); err != nil {
			zlog.Warn().Err(err).Msg("failed to rewrite game config")
		}
	}
}

func (c *Coordinator) loadCapacity() {
	data, err := os.ReadFile(c.capacityPath)
	if err != nil {
		return
	}
	var stored map[string]int
	if err := json.Unmarshal(data, &stored); err != nil {
		zlog.Warn().Err(err).Msg("ignoring corrupt capacity file")
		return
	}
	for name, value := range stored {
		if room.IsMic(name) {
			c.capacity[name] = room.ClampCapacity(value, c.defaultCap)
		}
	}
}

func (c *Coordinator) saveCapacity() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.capacity, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to encode capacity")
	}
	if err := renameio.WriteFile(c.capacityPath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to persist capacity")
	}
	return nil
}

func remove(members []string, name string) []string {
	out := members[:0]
	for _, m := range members {
		if m != name {
			out = append(out, m)
		}
	}
	return out
}
