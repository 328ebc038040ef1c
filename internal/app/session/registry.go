// Package session owns the live player sessions and their heartbeat state.
package session

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/dgruss/smartmic/internal/domain/player"
)

// Registry issues session ids and tracks every live session.
type Registry struct {
	maxNameLen int
	staleAfter time.Duration

	mu       sync.RWMutex
	sessions map[int]*player.Session
}

// NewRegistry creates a registry. maxNameLen bounds display names;
// staleAfter is how long a session may go silent before eviction.
func NewRegistry(maxNameLen int, staleAfter time.Duration) *Registry {
	return &Registry{
		maxNameLen: maxNameLen,
		staleAfter: staleAfter,
		sessions:   make(map[int]*player.Session),
	}
}

// Issue creates a session under a fresh random positive id.
func (r *Registry) Issue() *player.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := rand.Intn(1<<31-2) + 1
		if _, taken := r.sessions[id]; taken {
			continue
		}
		s := player.NewSession(id)
		r.sessions[id] = s
		copied := *s
		return &copied
	}
}

// Get returns a copy of the session for id. The registry's own struct is
// only ever touched under the lock; callers read their copy freely.
func (r *Registry) Get(id int) (*player.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// Touch records client contact for id; unknown ids are ignored.
func (r *Registry) Touch(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Touch()
	}
}

// Remove deletes the session.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Update runs fn on the session under the registry lock.
func (r *Registry) Update(id int, fn func(*player.Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*player.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*player.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		out = append(out, &copied)
	}
	return out
}

// Stale returns the ids of sessions whose last contact is older than the
// stale threshold.
func (r *Registry) Stale(now time.Time) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, s := range r.sessions {
		if s.StaleSince(now, r.staleAfter) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ByName returns the ids of sessions with the given display name. Duplicate
// names across sessions are possible when a client reuses a name.
func (r *Registry) ByName(name string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, s := range r.sessions {
		if s.Name == name {
			ids = append(ids, id)
		}
	}
	return ids
}

// NormalizeName truncates a display name to the configured limit and falls
// back to a generated name when empty.
func (r *Registry) NormalizeName(name string, id int) string {
	if name == "" {
		return "user-" + strconv.Itoa(id)
	}
	if len(name) > r.maxNameLen {
		return name[:r.maxNameLen]
	}
	return name
}
