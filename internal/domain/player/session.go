// Package player provides the player session domain entity.
package player

import "time"

// Session represents a connected phone in the karaoke session.
type Session struct {
	ID        int       // Random positive integer, assigned on first contact
	Name      string    // Display name, normalized by the room coordinator
	DelayMS   int       // Player's preferred audio delay in milliseconds
	Room      string    // Current room name, empty when not in a room
	SinkIndex int       // Sink the session's audio is currently linked to
	LastSeen  time.Time // Last client contact (heartbeat)
	CreatedAt time.Time // First contact
}

// NewSession creates a new player session.
func NewSession(id int) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		SinkIndex: 0,
		LastSeen:  now,
		CreatedAt: now,
	}
}

// Touch records a client contact.
func (s *Session) Touch() {
	s.LastSeen = time.Now()
}

// StaleSince reports whether the session has been silent longer than d.
func (s *Session) StaleSince(now time.Time, d time.Duration) bool {
	return now.Sub(s.LastSeen) > d
}
