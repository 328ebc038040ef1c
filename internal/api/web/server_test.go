package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgruss/smartmic/internal/app"
	"github.com/dgruss/smartmic/internal/infra/config"
)

type recordingInput struct {
	mu     sync.Mutex
	events []string
}

func (f *recordingInput) Key(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "key:"+name)
	return nil
}

func (f *recordingInput) Type(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "type:"+text)
	return nil
}

func (f *recordingInput) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type testEnv struct {
	cfg   *config.Config
	mgr   *app.Manager
	srv   *httptest.Server
	input *recordingInput
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Game.Dir = t.TempDir()
	cfg.Session.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Session.CookieSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Game.Dir, "playlists"), 0o755))
	require.NoError(t, os.MkdirAll(cfg.Session.DataDir, 0o755))

	input := &recordingInput{}
	mgr, err := app.NewManager(cfg, nil, input)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	srv := httptest.NewServer(NewServer(cfg, mgr).Router())
	t.Cleanup(srv.Close)

	return &testEnv{cfg: cfg, mgr: mgr, srv: srv, input: input}
}

// client returns an HTTP client with its own cookie jar, i.e. its own session.
func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func postJSON(t *testing.T, c *http.Client, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := c.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, c *http.Client, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestJoinAndLeave(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, body := postJSON(t, c, e.srv.URL+"/rooms/join", map[string]any{
		"room": "mic1",
		"name": "Ada",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ada", body["name"])
	rooms := body["rooms"].(map[string]any)
	assert.Contains(t, rooms["mic1"], "Ada")

	resp, body = getJSON(t, c, e.srv.URL+"/rooms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["rooms"].(map[string]any)["mic1"], "Ada")

	resp, body = postJSON(t, c, e.srv.URL+"/rooms/leave", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["rooms"].(map[string]any)["mic1"])
}

func TestJoinUnknownRoom(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, body := postJSON(t, c, e.srv.URL+"/rooms/join", map[string]any{"room": "mic9"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_room", body["error_code"])
}

func TestJoinRoomFull(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.mgr.Rooms.SetCapacity(map[string]int{"mic1": 1}))

	first := e.client(t)
	resp, _ := postJSON(t, first, e.srv.URL+"/rooms/join", map[string]any{"room": "mic1", "name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := e.client(t)
	resp, body := postJSON(t, second, e.srv.URL+"/rooms/join", map[string]any{"room": "mic1", "name": "Bob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "room_full", body["error_code"])
	assert.Contains(t, body["members"], "Ada")
	assert.Equal(t, float64(1), body["capacity"])
}

func TestSessionCookiePersists(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	_, body := getJSON(t, c, e.srv.URL+"/status")
	first := body["you"].(map[string]any)["session_id"]

	_, body = getJSON(t, c, e.srv.URL+"/status")
	second := body["you"].(map[string]any)["session_id"]

	assert.Equal(t, first, second)
	assert.NotZero(t, first)
}

func TestControlLockFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	owner := e.client(t)
	other := e.client(t)

	resp, body := postJSON(t, owner, e.srv.URL+"/control/acquire", map[string]any{"name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ada", body["owner_name"])
	assert.NotEqual(t, float64(0), body["owner"])

	resp, body = postJSON(t, other, e.srv.URL+"/control/acquire", map[string]any{"name": "Bob"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["error_code"])
	assert.Equal(t, "Ada", body["owner_name"])
	assert.NotEqual(t, float64(0), body["owner"])

	resp, body = postJSON(t, other, e.srv.URL+"/control/keystroke", map[string]any{"key": "Escape"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_owner", body["error_code"])

	resp, _ = postJSON(t, owner, e.srv.URL+"/control/keystroke", map[string]any{"key": "Escape"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, e.input.snapshot(), "key:Escape")

	resp, body = postJSON(t, owner, e.srv.URL+"/control/keystroke", map[string]any{"key": "F12"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_key", body["error_code"])

	resp, _ = postJSON(t, owner, e.srv.URL+"/control/release", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, other, e.srv.URL+"/control/acquire", map[string]any{"name": "Bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlPasswordGate(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Control.Password = "sekrit"
	})
	c := e.client(t)

	resp, body := postJSON(t, c, e.srv.URL+"/control/acquire", map[string]any{"name": "Ada"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "control_password_required", body["error_code"])

	resp, body = postJSON(t, c, e.srv.URL+"/control/auth", map[string]any{"password": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_password", body["error_code"])

	resp, _ = postJSON(t, c, e.srv.URL+"/control/auth", map[string]any{"password": "sekrit"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, c, e.srv.URL+"/control/acquire", map[string]any{"name": "Ada"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCapacityRequiresControl(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, body := postJSON(t, c, e.srv.URL+"/rooms/capacity", map[string]any{"room": "mic1", "limit": 2})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "control_required", body["error_code"])

	resp, _ = postJSON(t, c, e.srv.URL+"/control/acquire", map[string]any{"name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = postJSON(t, c, e.srv.URL+"/rooms/capacity", map[string]any{"room": "mic1", "limit": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["capacity"].(map[string]any)["mic1"])
}

func TestPlayerDelay(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, _ := postJSON(t, c, e.srv.URL+"/rooms/join", map[string]any{"room": "mic2", "name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, c, e.srv.URL+"/player/delay", map[string]any{"delay": 120})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(120), body["delay"])

	assert.Equal(t, 120, e.mgr.Rooms.MicLines()[1].MeanDelayMS)
}

func TestRoomsStream_InitialSnapshot(t *testing.T) {
	e := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/rooms/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
	assert.Contains(t, snap, "rooms")
	assert.Contains(t, snap, "capacity")
}

func TestSongsSearchAndPlaylist(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	songDir := filepath.Join(e.cfg.Game.Dir, "usdx", "songs", "Queen")
	require.NoError(t, os.MkdirAll(songDir, 0o755))
	txt := filepath.Join(songDir, "Bohemian_Rhapsody.txt")
	require.NoError(t, os.WriteFile(txt, []byte("#ARTIST:Queen\n#TITLE:Bohemian Rhapsody\n"), 0o644))
	require.NoError(t, e.mgr.Songs.Scan(e.cfg.Game.Dir))

	resp, body := getJSON(t, c, e.srv.URL+"/songs/search?q=bohemian")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, body = postJSON(t, c, e.srv.URL+"/songs/add_to_upl", map[string]any{"id": 1, "action": "add"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Queen : Bohemian Rhapsody", body["line"])

	lines, err := e.mgr.Playlist.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"Queen : Bohemian Rhapsody"}, lines)

	resp, _ = postJSON(t, c, e.srv.URL+"/songs/add_to_upl", map[string]any{"id": 1, "action": "remove"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines, err = e.mgr.Playlist.Read()
	require.NoError(t, err)
	assert.Empty(t, lines)

	resp, body = postJSON(t, c, e.srv.URL+"/songs/add_to_upl", map[string]any{"id": 42, "action": "add"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_code"])
}

func TestSongsPreview_PathConfinement(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	songDir := filepath.Join(e.cfg.Game.Dir, "usdx", "songs", "Abba")
	require.NoError(t, os.MkdirAll(songDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(songDir, "Waterloo.txt"), []byte("#TITLE:Waterloo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(songDir, "Waterloo.m4a"), []byte("audio"), 0o644))
	require.NoError(t, e.mgr.Songs.Scan(e.cfg.Game.Dir))

	resp, err := c.Get(e.srv.URL + "/songs/preview?id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// an index entry pointing outside the game dir must be rejected
	outside := filepath.Join(t.TempDir(), "evil.m4a")
	index := `[{"id":7,"txt":"x.txt","audio":"` + outside + `","display":"Evil","upl":false}]`
	require.NoError(t, os.MkdirAll(e.cfg.Session.DataDir, 0o755))
	require.NoError(t, os.WriteFile(e.cfg.IndexPath(), []byte(index), 0o644))
	require.NoError(t, e.mgr.Songs.Load())

	resp2, body := getJSON(t, c, e.srv.URL+"/songs/preview?id=7")
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Equal(t, "forbidden", body["error_code"])
}

func TestPlaylistToggleAndStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, body := getJSON(t, c, e.srv.URL+"/playlist/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["phase"])
	assert.Equal(t, false, body["enabled"])

	require.NoError(t, e.mgr.Playlist.Write([]string{"A : B", "C : D"}))

	// toggling needs the control lock
	resp, body = postJSON(t, c, e.srv.URL+"/playlist/toggle", map[string]any{"enabled": true})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "control_required", body["error_code"])

	resp, _ = postJSON(t, c, e.srv.URL+"/control/acquire", map[string]any{"name": "op"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = postJSON(t, c, e.srv.URL+"/playlist/toggle", map[string]any{
		"enabled":           true,
		"countdown_seconds": 3600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])

	resp, body = postJSON(t, c, e.srv.URL+"/playlist/toggle", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, "idle", body["phase"])
}

func TestAPIUnknownAction(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, err := c.PostForm(e.srv.URL+"/api", map[string][]string{"action": {"bogus"}})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["error_code"])
}

func TestStartWebRTC_ControlOnly(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, err := c.PostForm(e.srv.URL+"/api", map[string][]string{
		"action": {"start_webrtc"},
		"offer":  {"sdp"},
	})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "ingress_failed", body["error_code"])
}

func TestGetAssignments(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.client(t)

	resp, _ := postJSON(t, c, e.srv.URL+"/rooms/join", map[string]any{"room": "mic3", "name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := c.PostForm(e.srv.URL+"/api", map[string][]string{"action": {"get_assignments"}})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ada", body["assignments"].(map[string]any)["mic3"])
}
