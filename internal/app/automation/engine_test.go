package automation

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgruss/smartmic/internal/app/playlist"
	"github.com/dgruss/smartmic/internal/domain/song"
)

type fakeInput struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (f *fakeInput) Key(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, "key:"+name)
	return nil
}

func (f *fakeInput) Type(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, "type:"+text)
	return nil
}

func (f *fakeInput) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeOverlay struct {
	mu     sync.Mutex
	shows  []int
	clears int
}

func (f *fakeOverlay) Show(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shows = append(f.shows, seconds)
}

func (f *fakeOverlay) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func songPool(labels ...string) PoolFunc {
	entries := make([]*song.Entry, 0, len(labels))
	for i, l := range labels {
		e := &song.Entry{ID: i + 1}
		e.SetLabel(l)
		entries = append(entries, e)
	}
	return func() []*song.Entry { return entries }
}

func testSettings() Settings {
	return Settings{
		CountdownSeconds:    15,
		SongStartTimeoutSec: 120,
		DecoderEndEvents:    3,
		DecoderQuietGapSec:  5,
	}
}

func newTestEngine(t *testing.T, in *fakeInput, ov *fakeOverlay, pool PoolFunc, lines ...string) (*Engine, *playlist.File) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "playlists"), 0o755))
	list := playlist.NewFile(filepath.Join(dir, "playlists", "Session.upl"))
	if len(lines) > 0 {
		require.NoError(t, list.Write(lines))
	}

	e := NewEngine(testSettings(), in, list, pool, ov, nil)
	e.keyDelay = time.Millisecond
	return e, list
}

func phaseIs(e *Engine, want Phase) func() bool {
	return func() bool { return e.Status().Phase == want }
}

func TestEnable_RunsOpeningSequenceAndAdvances(t *testing.T) {
	in := &fakeInput{}
	ov := &fakeOverlay{}
	e, _ := newTestEngine(t, in, ov, songPool("A : B", "C : D"), "A : B", "C : D")

	zero := 0
	require.NoError(t, e.SetEnabled(true, &zero))

	require.Eventually(t, phaseIs(e, PhaseAwaitingSongStart), 2*time.Second, 10*time.Millisecond)

	events := in.snapshot()
	require.GreaterOrEqual(t, len(events), 20)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "key:Escape", events[i])
	}
	assert.Equal(t, []string{
		"key:Return", "type:p", "key:Return", "type:p", "key:Return",
		"key:Down", "key:Down", "key:Return",
	}, events[10:18])
	// song confirm, then player confirm
	assert.Equal(t, "key:Return", events[18])
	assert.Equal(t, "key:Return", events[19])

	st := e.Status()
	assert.Equal(t, "A : B", st.PendingSong)
	assert.Equal(t, "C : D", st.NextSong)
	assert.Equal(t, 0, st.CurrentIndex)
}

func TestDecoderEventStartsSinging(t *testing.T) {
	in := &fakeInput{}
	e, _ := newTestEngine(t, in, &fakeOverlay{}, songPool("A : B", "C : D"), "A : B", "C : D")

	zero := 0
	require.NoError(t, e.SetEnabled(true, &zero))
	require.Eventually(t, phaseIs(e, PhaseAwaitingSongStart), 2*time.Second, 10*time.Millisecond)

	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/usdx/songs/Foo/A.m4a"`)

	st := e.Status()
	assert.Equal(t, PhaseSinging, st.Phase)
	assert.Equal(t, 1, st.CurrentIndex)
	assert.Equal(t, "A : B", st.CurrentSong)

	// further decoder events count toward song end, one-shot into scores
	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/usdx/songs/Foo/A.m4a"`)
	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/usdx/songs/Foo/A.m4a"`)
	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/usdx/songs/Foo/A.m4a"`)

	// with a zero countdown the machine rolls on to the next cycle
	require.Eventually(t, phaseIs(e, PhaseAwaitingSongStart), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "C : D", e.Status().PendingSong)
}

func TestOnShowLineStartsSinging(t *testing.T) {
	e, _ := newTestEngine(t, &fakeInput{}, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseAwaitingSongStart
	e.pendingSong = "A : B"
	e.mu.Unlock()

	e.HandleLogLine("STATUS: End [OnShow] something")

	st := e.Status()
	assert.Equal(t, PhaseSinging, st.Phase)
	assert.Equal(t, 1, st.CurrentIndex)
}

func TestScoresTrigger_OneShot(t *testing.T) {
	e, _ := newTestEngine(t, &fakeInput{}, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseSinging
	e.countdownSeconds = 3600
	e.decoderLast = time.Now()
	e.mu.Unlock()

	for i := 0; i < 3; i++ {
		e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/x.m4a"`)
	}
	require.Equal(t, PhaseScoresCountdown, e.Status().Phase)

	e.mu.Lock()
	token := e.countdownToken
	e.mu.Unlock()

	// more evidence must not re-arm the countdown
	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/x.m4a"`)
	e.HandleLogLine("Playing video something")

	e.mu.Lock()
	assert.Equal(t, token, e.countdownToken)
	e.mu.Unlock()
	assert.Equal(t, PhaseScoresCountdown, e.Status().Phase)
}

func TestScoresTrigger_QuietGap(t *testing.T) {
	e, _ := newTestEngine(t, &fakeInput{}, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseSinging
	e.countdownSeconds = 3600
	e.decoderLast = time.Now().Add(-10 * time.Second)
	e.mu.Unlock()

	e.HandleLogLine(`Using decoder FFmpeg_Decoder for "/x.m4a"`)

	assert.Equal(t, PhaseScoresCountdown, e.Status().Phase)
}

func TestScoresTrigger_VideoLine(t *testing.T) {
	e, _ := newTestEngine(t, &fakeInput{}, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseSinging
	e.countdownSeconds = 3600
	e.decoderLast = time.Now()
	e.mu.Unlock()

	e.HandleLogLine("INFO: Start video /x.avi")

	assert.Equal(t, PhaseScoresCountdown, e.Status().Phase)
}

func TestStaleTokenIgnored(t *testing.T) {
	in := &fakeInput{}
	e, _ := newTestEngine(t, in, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseNextSongCountdown
	e.countdownToken = 5
	e.countdownDeadline = time.Now().Add(time.Hour)
	e.mu.Unlock()

	e.countdownExpired(4)

	assert.Empty(t, in.snapshot())
	assert.Equal(t, PhaseNextSongCountdown, e.Status().Phase)
}

func TestClaimedCountdownNotExpiredTwice(t *testing.T) {
	in := &fakeInput{}
	e, _ := newTestEngine(t, in, &fakeOverlay{}, songPool("A : B"), "A : B", "C : D")

	e.mu.Lock()
	e.enabled = true
	e.phase = PhaseNextSongCountdown
	e.countdownToken = 5
	// a concurrent expiry already claimed this countdown
	e.countdownDeadline = time.Time{}
	e.mu.Unlock()

	e.countdownExpired(5)

	assert.Empty(t, in.snapshot())
	assert.Equal(t, PhaseNextSongCountdown, e.Status().Phase)
}

func TestEnable_GrowsShortPlaylist(t *testing.T) {
	e, list := newTestEngine(t, &fakeInput{}, &fakeOverlay{}, songPool("A : B", "C : D", "E : F"))

	zero := 0
	require.NoError(t, e.SetEnabled(true, &zero))

	n, err := list.Count()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestDisable(t *testing.T) {
	ov := &fakeOverlay{}
	e, _ := newTestEngine(t, &fakeInput{}, ov, songPool("A : B", "C : D"), "A : B", "C : D")

	zero := 0
	require.NoError(t, e.SetEnabled(true, &zero))
	require.NoError(t, e.SetEnabled(false, nil))

	st := e.Status()
	assert.False(t, st.Enabled)
	assert.Equal(t, PhaseIdle, st.Phase)

	ov.mu.Lock()
	cleared := ov.clears
	ov.mu.Unlock()
	assert.GreaterOrEqual(t, cleared, 1)
}

func TestInputFailureEntersErrorState(t *testing.T) {
	in := &fakeInput{err: errors.New("no window")}
	e, _ := newTestEngine(t, in, &fakeOverlay{}, songPool("A : B", "C : D"), "A : B", "C : D")

	zero := 0
	require.NoError(t, e.SetEnabled(true, &zero))

	require.Eventually(t, func() bool {
		st := e.Status()
		return !st.Enabled && st.Status == StatusError && st.Phase == PhaseIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeSettings(t *testing.T) {
	s, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, 15, s.CountdownSeconds)
	assert.Equal(t, 120, s.SongStartTimeoutSec)
	assert.Equal(t, 3, s.DecoderEndEvents)
	assert.Equal(t, 5, s.DecoderQuietGapSec)

	s, err = DecodeSettings(map[string]any{
		"countdown_seconds":      5,
		"decoder_quiet_gap_sec":  8,
		"song_start_timeout_sec": 60,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, s.CountdownSeconds)
	assert.Equal(t, 8, s.DecoderQuietGapSec)
	assert.Equal(t, 60, s.SongStartTimeoutSec)

	_, err = DecodeSettings(map[string]any{"countdown_seconds": -1})
	assert.Error(t, err)
}
