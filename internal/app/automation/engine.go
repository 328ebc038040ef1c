// Package automation drives the game through unattended playlist playback by
// synthesizing input events and reacting to tailed game log lines.
package automation

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app/playlist"
	"github.com/dgruss/smartmic/internal/domain/song"
)

// Phase is the automation state machine position.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhasePreOpenCountdown   Phase = "pre_open_countdown"
	PhasePlayerSelection    Phase = "player_selection_countdown"
	PhaseAwaitingSongStart  Phase = "awaiting_song_start"
	PhaseSinging            Phase = "singing"
	PhaseScoresCountdown    Phase = "scores_countdown"
	PhaseHighscoreCountdown Phase = "highscore_countdown"
	PhaseAwaitingSongList   Phase = "awaiting_song_list"
	PhaseNextSongCountdown  Phase = "next_song_countdown"
)

const (
	// StatusOK means the automation is healthy.
	StatusOK = "ok"
	// StatusError means a phase timed out or a synthesized input failed; the
	// operator has to re-enable.
	StatusError = "error"
)

// overlayThreshold is the minimum countdown that gets a visible overlay.
const overlayThreshold = 2

// openingKeys is the sequence that walks the game from anywhere back to the
// party playlist screen: ten Escape to unwind menus, then the party setup
// clicks.
var openingKeys = []string{
	"Escape", "Escape", "Escape", "Escape", "Escape",
	"Escape", "Escape", "Escape", "Escape", "Escape",
	"Return", "p", "Return", "p", "Return", "Down", "Down", "Return",
}

var decoderRe = regexp.MustCompile(`Using decoder\s+FFmpeg_Decoder\s+for\s+"([^"]+)"`)

var videoMarkers = []string{"playing video", "video:", "start video"}

// ErrPlaylistExhausted indicates no playable entry could be lined up even
// after random growth.
var ErrPlaylistExhausted = errors.New("playlist exhausted")

// Synthesizer sends input events to the game window.
type Synthesizer interface {
	Key(name string) error
	Type(text string) error
}

// PoolFunc supplies the candidate songs for random playlist growth.
type PoolFunc func() []*song.Entry

// Status is the automation state exposed to clients.
type Status struct {
	Enabled            bool    `json:"enabled"`
	Phase              Phase   `json:"phase"`
	Status             string  `json:"status"`
	CurrentIndex       int     `json:"current_index"`
	CurrentSong        string  `json:"current_song,omitempty"`
	NextSong           string  `json:"next_song,omitempty"`
	PendingSong        string  `json:"pending_song,omitempty"`
	CountdownRemaining float64 `json:"countdown_remaining,omitempty"`
	CountdownToken     int     `json:"countdown_token"`
	AutoAdded          int     `json:"auto_added"`
}

// Engine is the playlist automation state machine. All timers carry the token
// current at scheduling time; a fired timer whose token is stale does nothing,
// so enable/disable races never need explicit timer cancellation.
type Engine struct {
	cfg     Settings
	input   Synthesizer
	list    *playlist.File
	pool    PoolFunc
	overlay Overlay
	notify  func()

	// keyDelay spaces synthesized events within a sequence.
	keyDelay time.Duration

	mu                sync.Mutex
	enabled           bool
	status            string
	phase             Phase
	countdownToken    int
	countdownDeadline time.Time
	countdownSeconds  int
	currentIndex      int
	pendingIndex      int
	currentSong       string
	nextSong          string
	pendingSong       string
	decoderEvents     int
	decoderLast       time.Time
	scoreTriggered    bool
	autoAdded         int
}

// NewEngine wires the automation. notify may be nil.
func NewEngine(cfg Settings, input Synthesizer, list *playlist.File, pool PoolFunc, overlay Overlay, notify func()) *Engine {
	return &Engine{
		cfg:      cfg,
		input:    input,
		list:     list,
		pool:     pool,
		overlay:  overlay,
		notify:   notify,
		keyDelay: 50 * time.Millisecond,
		status:   StatusOK,
		phase:    PhaseIdle,
	}
}

// Status returns a snapshot of the automation state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	var remaining float64
	if !e.countdownDeadline.IsZero() {
		if r := time.Until(e.countdownDeadline).Seconds(); r > 0 {
			remaining = r
		}
	}
	return Status{
		Enabled:            e.enabled,
		Phase:              e.phase,
		Status:             e.status,
		CurrentIndex:       e.currentIndex,
		CurrentSong:        e.currentSong,
		NextSong:           e.nextSong,
		PendingSong:        e.pendingSong,
		CountdownRemaining: remaining,
		CountdownToken:     e.countdownToken,
		AutoAdded:          e.autoAdded,
	}
}

// Enabled reports whether the automation is running.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetEnabled toggles the automation. countdownOverride, when non-nil, replaces
// the configured countdown for this run.
func (e *Engine) SetEnabled(enabled bool, countdownOverride *int) error {
	if !enabled {
		e.disable()
		return nil
	}

	e.mu.Lock()
	if e.enabled {
		e.mu.Unlock()
		return nil
	}

	seconds := e.cfg.CountdownSeconds
	if countdownOverride != nil {
		seconds = *countdownOverride
	}

	if err := e.ensurePlaylistLocked(2); err != nil {
		e.mu.Unlock()
		return err
	}

	e.enabled = true
	e.status = StatusOK
	e.countdownSeconds = seconds
	e.currentIndex = 0
	e.pendingIndex = 0
	e.currentSong = ""
	e.nextSong = ""
	e.decoderEvents = 0
	e.decoderLast = time.Time{}
	e.scoreTriggered = false
	e.countdownToken++
	token := e.countdownToken

	if err := e.preparePendingLocked(); err != nil {
		e.enabled = false
		e.mu.Unlock()
		return err
	}

	e.phase = PhasePreOpenCountdown
	e.mu.Unlock()

	zlog.Info().Msgf("automation enabled: countdown=%ds", seconds)
	e.emit()
	go e.runOpeningSequence(token)
	return nil
}

func (e *Engine) disable() {
	e.mu.Lock()
	e.enabled = false
	e.phase = PhaseIdle
	e.countdownToken++
	e.countdownDeadline = time.Time{}
	e.mu.Unlock()

	e.overlay.Clear()
	zlog.Info().Msgf("automation disabled")
	e.emit()
}

// Next skips the currently running countdown, advancing the machine
// immediately. Outside a countdown it is a no-op.
// SetCountdownSeconds changes the duration used by subsequent countdowns.
func (e *Engine) SetCountdownSeconds(seconds int) {
	if seconds < 0 {
		return
	}
	e.mu.Lock()
	e.countdownSeconds = seconds
	e.mu.Unlock()
}

func (e *Engine) Next() {
	e.mu.Lock()
	if !e.enabled || e.countdownDeadline.IsZero() {
		e.mu.Unlock()
		return
	}
	token := e.countdownToken
	e.mu.Unlock()

	e.overlay.Clear()
	e.countdownExpired(token)
}

// HandleLogLine feeds one game log line to the state machine.
func (e *Engine) HandleLogLine(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}

	lower := strings.ToLower(line)

	if m := decoderRe.FindStringSubmatch(line); m != nil {
		e.onDecoderEventLocked(m[1])
		return
	}
	if e.phase == PhaseAwaitingSongStart && strings.Contains(lower, "status: end [onshow]") {
		e.enterSingingLocked()
		return
	}
	if e.phase == PhaseSinging && !e.scoreTriggered {
		for _, marker := range videoMarkers {
			if strings.Contains(lower, marker) {
				e.triggerScoresLocked("video playback line")
				return
			}
		}
	}
}

func (e *Engine) onDecoderEventLocked(path string) {
	now := time.Now()

	switch e.phase {
	case PhaseAwaitingSongStart:
		zlog.Debug().Msgf("song start detected: audio=%s", path)
		e.enterSingingLocked()
	case PhaseSinging:
		gap := time.Duration(e.cfg.DecoderQuietGapSec) * time.Second
		quiet := !e.decoderLast.IsZero() && now.Sub(e.decoderLast) >= gap
		e.decoderEvents++
		if e.scoreTriggered {
			break
		}
		if e.decoderEvents >= e.cfg.DecoderEndEvents {
			e.triggerScoresLocked("decoder event count")
		} else if quiet {
			e.triggerScoresLocked("decoder quiet gap")
		}
	}
	e.decoderLast = now
}

func (e *Engine) enterSingingLocked() {
	e.phase = PhaseSinging
	e.currentIndex++
	e.currentSong = e.pendingSong
	e.decoderEvents = 0
	e.decoderLast = time.Now()
	e.scoreTriggered = false
	e.countdownDeadline = time.Time{}
	zlog.Info().Msgf("singing started: song=%s, index=%d", e.currentSong, e.currentIndex)
	go e.emit()
}

func (e *Engine) triggerScoresLocked(reason string) {
	e.scoreTriggered = true
	zlog.Info().Msgf("song end detected: reason=%s, song=%s", reason, e.currentSong)
	e.startCountdownLocked(PhaseScoresCountdown)
	go e.emit()
}

// runOpeningSequence sends the opening keys with short delays, then arms the
// first song countdown.
func (e *Engine) runOpeningSequence(token int) {
	for _, key := range openingKeys {
		if !e.tokenAlive(token) {
			return
		}
		if err := e.sendKey(key); err != nil {
			e.fail(err)
			return
		}
		time.Sleep(e.keyDelay)
	}

	e.mu.Lock()
	if !e.enabled || token != e.countdownToken {
		e.mu.Unlock()
		return
	}
	e.startCountdownLocked(PhaseNextSongCountdown)
	e.mu.Unlock()
	e.emit()
}

// startCountdownLocked arms the countdown for a phase and schedules its
// expiry under a fresh token.
func (e *Engine) startCountdownLocked(phase Phase) {
	e.phase = phase
	e.countdownToken++
	token := e.countdownToken

	d := time.Duration(e.countdownSeconds) * time.Second
	e.countdownDeadline = time.Now().Add(d)

	if e.countdownSeconds >= overlayThreshold {
		go e.overlay.Show(e.countdownSeconds)
	}
	time.AfterFunc(d, func() {
		e.countdownExpired(token)
	})
}

// countdownExpired advances the machine when a countdown runs out. Stale
// tokens are ignored, and zeroing the deadline claims the expiry so a timer
// firing while Next() races it cannot advance the same countdown twice.
func (e *Engine) countdownExpired(token int) {
	e.mu.Lock()
	if !e.enabled || token != e.countdownToken || e.countdownDeadline.IsZero() {
		e.mu.Unlock()
		return
	}
	e.countdownDeadline = time.Time{}
	phase := e.phase
	e.mu.Unlock()

	switch phase {
	case PhaseNextSongCountdown:
		// confirm the selected song
		if err := e.sendKey("Return"); err != nil {
			e.fail(err)
			return
		}
		e.mu.Lock()
		if e.enabled && token == e.countdownToken {
			e.startCountdownLocked(PhasePlayerSelection)
		}
		e.mu.Unlock()

	case PhasePlayerSelection:
		// confirm the player lineup, then wait for the decoder
		if err := e.sendKey("Return"); err != nil {
			e.fail(err)
			return
		}
		e.mu.Lock()
		if e.enabled && token == e.countdownToken {
			e.phase = PhaseAwaitingSongStart
			e.armPhaseTimeoutLocked(token)
		}
		e.mu.Unlock()

	case PhaseScoresCountdown:
		e.mu.Lock()
		err := e.preparePendingLocked()
		e.mu.Unlock()
		if err != nil {
			e.fail(err)
			return
		}
		if err := e.sendKey("Return"); err != nil {
			e.fail(err)
			return
		}
		e.mu.Lock()
		if e.enabled && token == e.countdownToken {
			e.startCountdownLocked(PhaseHighscoreCountdown)
		}
		e.mu.Unlock()

	case PhaseHighscoreCountdown:
		e.mu.Lock()
		if e.enabled && token == e.countdownToken {
			e.phase = PhaseAwaitingSongList
		}
		e.mu.Unlock()
		if err := e.sendKey("Return"); err != nil {
			e.fail(err)
			return
		}
		time.Sleep(e.keyDelay)
		if err := e.sendKey("Down"); err != nil {
			e.fail(err)
			return
		}
		e.mu.Lock()
		if e.enabled && token == e.countdownToken {
			e.startCountdownLocked(PhaseNextSongCountdown)
		}
		e.mu.Unlock()

	default:
		return
	}
	e.emit()
}

// armPhaseTimeoutLocked bounds how long awaiting_song_start may wait for the
// decoder before the automation gives up.
func (e *Engine) armPhaseTimeoutLocked(token int) {
	d := time.Duration(e.cfg.SongStartTimeoutSec) * time.Second
	time.AfterFunc(d, func() {
		e.mu.Lock()
		stale := !e.enabled || token != e.countdownToken || e.phase != PhaseAwaitingSongStart
		e.mu.Unlock()
		if stale {
			return
		}
		zlog.Error().Msgf("automation phase timeout: phase=%s", PhaseAwaitingSongStart)
		e.enterErrorState()
	})
}

// preparePendingLocked lines up the playlist entry the game will start next,
// keeping at least one successor entry behind it.
func (e *Engine) preparePendingLocked() error {
	lines, err := e.list.Read()
	if err != nil {
		return err
	}

	if e.currentIndex >= len(lines) {
		if _, ok, err := e.list.AppendRandom(e.pool()); err != nil {
			return err
		} else if ok {
			e.autoAdded++
		}
		if lines, err = e.list.Read(); err != nil {
			return err
		}
	}
	if e.currentIndex >= len(lines) {
		return ErrPlaylistExhausted
	}

	e.pendingIndex = e.currentIndex
	e.pendingSong = lines[e.currentIndex]

	// the game always needs a visible successor
	if e.currentIndex == len(lines)-1 {
		if _, ok, err := e.list.AppendRandom(e.pool()); err != nil {
			return err
		} else if ok {
			e.autoAdded++
		}
		if lines, err = e.list.Read(); err != nil {
			return err
		}
	}
	if e.currentIndex+1 < len(lines) {
		e.nextSong = lines[e.currentIndex+1]
	} else {
		e.nextSong = ""
	}
	return nil
}

func (e *Engine) ensurePlaylistLocked(n int) error {
	return e.list.EnsureAtLeast(n, e.pool())
}

// fail moves the automation into the error state after a synthesized input
// or playlist failure.
func (e *Engine) fail(err error) {
	zlog.Error().Err(err).Msgf("automation step failed")
	e.enterErrorState()
}

func (e *Engine) enterErrorState() {
	e.mu.Lock()
	e.enabled = false
	e.status = StatusError
	e.phase = PhaseIdle
	e.countdownToken++
	e.countdownDeadline = time.Time{}
	e.mu.Unlock()

	e.overlay.Clear()
	e.emit()
}

func (e *Engine) tokenAlive(token int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled && token == e.countdownToken
}

// sendKey routes one event through the input surface: single printable
// characters are typed, symbolic names become key events.
func (e *Engine) sendKey(key string) error {
	if len([]rune(key)) == 1 {
		return e.input.Type(key)
	}
	return e.input.Key(key)
}

func (e *Engine) emit() {
	if e.notify != nil {
		e.notify()
	}
}
