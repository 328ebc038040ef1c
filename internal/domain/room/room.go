// Package room provides the room domain model.
package room

import "fmt"

// Lobby is the unbounded holding room; players in it are routed to sink 0.
const Lobby = "lobby"

// MicCount is the number of numbered mic rooms (mic1..mic6).
const MicCount = 6

// Capacity bounds for mic rooms. The lobby is unbounded.
const (
	MinCapacity     = 1
	MaxCapacity     = 6
	DefaultCapacity = 6
)

// Names returns all room names in presentation order (lobby first).
func Names() []string {
	names := make([]string, 0, MicCount+1)
	names = append(names, Lobby)
	for i := 1; i <= MicCount; i++ {
		names = append(names, MicName(i))
	}
	return names
}

// MicName returns the name of the i-th mic room (1-based).
func MicName(i int) string {
	return fmt.Sprintf("mic%d", i)
}

// Valid reports whether name is a known room.
func Valid(name string) bool {
	if name == Lobby {
		return true
	}
	_, ok := micIndex(name)
	return ok
}

// IsMic reports whether name is one of the numbered mic rooms.
func IsMic(name string) bool {
	_, ok := micIndex(name)
	return ok
}

// SinkIndex maps a room name to its sink: lobby -> 0, mic<k> -> k.
// Unknown rooms map to the lobby sink.
func SinkIndex(name string) int {
	if idx, ok := micIndex(name); ok {
		return idx
	}
	return 0
}

// ClampCapacity forces value into [MinCapacity, MaxCapacity], using fallback
// when value is not a usable number.
func ClampCapacity(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	if value < MinCapacity {
		return MinCapacity
	}
	if value > MaxCapacity {
		return MaxCapacity
	}
	return value
}

func micIndex(name string) (int, bool) {
	for i := 1; i <= MicCount; i++ {
		if name == MicName(i) {
			return i, true
		}
	}
	return 0, false
}
