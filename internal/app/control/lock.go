// Package control implements the single-operator control lock and the
// keystroke surface it gates.
package control

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrNotOwner indicates a mutating call from a session that does not
	// hold the lock.
	ErrNotOwner = errors.New("not the control owner")
	// ErrConflict indicates the lock is held by another session.
	ErrConflict = errors.New("control already taken")
	// ErrPasswordRequired indicates the session has not authenticated.
	ErrPasswordRequired = errors.New("control password required")
	// ErrInvalidPassword indicates a wrong passphrase.
	ErrInvalidPassword = errors.New("invalid control password")
	// ErrUnsupportedKey indicates a key outside the whitelist.
	ErrUnsupportedKey = errors.New("unsupported key")
	// ErrMissingKey indicates an empty keystroke request.
	ErrMissingKey = errors.New("missing key")
)

// ConflictError reports who holds the lock when Acquire is refused.
type ConflictError struct {
	Owner     int
	OwnerName string
}

func (e *ConflictError) Error() string {
	return "control already taken by " + e.OwnerName
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// clearBackspaces is how many BackSpace events TypeText sends before typing,
// enough to empty any of the game's text fields.
const clearBackspaces = 20

// specialKeys maps client key names (including browser KeyboardEvent names)
// to the input tool's symbols.
var specialKeys = map[string]string{
	"Escape":     "Escape",
	"Esc":        "Escape",
	"Enter":      "Return",
	"Return":     "Return",
	"Backspace":  "BackSpace",
	"BackSpace":  "BackSpace",
	"Space":      "space",
	"space":      "space",
	"ArrowLeft":  "Left",
	"Left":       "Left",
	"ArrowRight": "Right",
	"Right":      "Right",
	"ArrowUp":    "Up",
	"Up":         "Up",
	"ArrowDown":  "Down",
	"Down":       "Down",
}

// Synthesizer is the input surface the lock drives.
type Synthesizer interface {
	Key(name string) error
	Type(text string) error
}

// Status describes the lock for clients.
type Status struct {
	Owner            int     `json:"owner"`
	OwnerName        string  `json:"owner_name"`
	Timestamp        float64 `json:"timestamp"`
	PasswordRequired bool    `json:"password_required"`
	PasswordOK       bool    `json:"password_ok"`
}

// Lock is the exclusive operator grant. All mutating control operations go
// through the current owner.
type Lock struct {
	password string
	input    Synthesizer

	mu        sync.Mutex
	owner     int
	ownerName string
	acquired  time.Time
	authOK    map[int]bool
}

// NewLock creates the lock. An empty password disables authentication.
func NewLock(password string, input Synthesizer) *Lock {
	return &Lock{
		password: password,
		input:    input,
		authOK:   make(map[int]bool),
	}
}

// PasswordRequired reports whether a passphrase is configured.
func (l *Lock) PasswordRequired() bool {
	return l.password != ""
}

// Authenticate checks the passphrase and stamps the session on success.
// With no passphrase configured every session passes.
func (l *Lock) Authenticate(sessionID int, password string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.password == "" {
		l.authOK[sessionID] = true
		return nil
	}
	if password != l.password {
		l.authOK[sessionID] = false
		return ErrInvalidPassword
	}
	l.authOK[sessionID] = true
	return nil
}

// Authenticated reports whether the session may use the control surface.
func (l *Lock) Authenticated(sessionID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authedLocked(sessionID)
}

func (l *Lock) authedLocked(sessionID int) bool {
	return l.password == "" || l.authOK[sessionID]
}

// StatusFor returns the lock status as seen by the given session.
func (l *Lock) StatusFor(sessionID int) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ts float64
	if !l.acquired.IsZero() {
		ts = float64(l.acquired.UnixMilli()) / 1000
	}
	return Status{
		Owner:            l.owner,
		OwnerName:        l.ownerName,
		Timestamp:        ts,
		PasswordRequired: l.password != "",
		PasswordOK:       l.authedLocked(sessionID),
	}
}

// Acquire grants the lock to the session if free (re-acquiring while owner
// is allowed). A conflict carries the current owner so clients can show who
// holds the lock.
func (l *Lock) Acquire(sessionID int, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authedLocked(sessionID) {
		return ErrPasswordRequired
	}
	if l.owner != 0 && l.owner != sessionID {
		return &ConflictError{Owner: l.owner, OwnerName: l.ownerName}
	}
	l.owner = sessionID
	if name != "" {
		l.ownerName = name
	} else if l.ownerName == "" {
		l.ownerName = "Controller"
	}
	l.acquired = time.Now()
	zlog.Info().Msgf("control acquired: owner=%s, session=%d", l.ownerName, sessionID)
	return nil
}

// Release frees the lock; only the owner may release.
func (l *Lock) Release(sessionID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == 0 || l.owner != sessionID {
		return ErrNotOwner
	}
	l.owner = 0
	l.ownerName = ""
	l.acquired = time.Time{}
	zlog.Debug().Msgf("control released: session=%d", sessionID)
	return nil
}

// ReleaseIfOwner frees the lock when held by the given session. Used by the
// stale sweeper.
func (l *Lock) ReleaseIfOwner(sessionID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == sessionID {
		l.owner = 0
		l.ownerName = ""
		l.acquired = time.Time{}
	}
	delete(l.authOK, sessionID)
}

// IsOwner reports whether the session holds the lock.
func (l *Lock) IsOwner(sessionID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != 0 && l.owner == sessionID
}

// requireOwner gates mutating operations.
func (l *Lock) requireOwner(sessionID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == 0 || l.owner != sessionID {
		return ErrNotOwner
	}
	if !l.authedLocked(sessionID) {
		return ErrPasswordRequired
	}
	return nil
}

// Keystroke sends one key to the game. A single printable character is
// typed literally; whitelisted symbolic names map to key events; anything
// else is rejected.
func (l *Lock) Keystroke(sessionID int, key string) error {
	if err := l.requireOwner(sessionID); err != nil {
		return err
	}
	if key == "" {
		return ErrMissingKey
	}
	if len([]rune(key)) == 1 {
		return l.input.Type(key)
	}
	mapped, ok := specialKeys[key]
	if !ok {
		return errors.Wrapf(ErrUnsupportedKey, "%s", key)
	}
	return l.input.Key(mapped)
}

// TypeText clears the focused field with backspaces, then types the text.
func (l *Lock) TypeText(sessionID int, text string) error {
	if err := l.requireOwner(sessionID); err != nil {
		return err
	}
	for i := 0; i < clearBackspaces; i++ {
		if err := l.input.Key("BackSpace"); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}
	return l.input.Type(text)
}
