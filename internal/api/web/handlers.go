package web

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dgruss/smartmic/internal/domain/room"
)

const landingHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>SmartMic</title></head>
<body>
<h1>SmartMic</h1>
<p>Karaoke session controller is running. Connect with the SmartMic client.</p>
</body>
</html>
`

// decode parses a JSON request body.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errInvalidInput, "malformed JSON body")
	}
	return nil
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(landingHTML))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	snap := s.app.Rooms.Snapshot()

	you := map[string]any{"session_id": sid}
	if sess, ok := s.app.Registry.Get(sid); ok {
		you["name"] = sess.Name
		you["room"] = sess.Room
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":    snap.Rooms,
		"capacity": snap.Capacity,
		"control":  s.app.Control.StatusFor(sid),
		"you":      you,
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Rooms.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":    snap.Rooms,
		"capacity": snap.Capacity,
	})
}

func (s *Server) handleRoomsJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room  string `json:"room"`
		Name  string `json:"name"`
		Delay *int   `json:"delay"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Room == "" {
		writeError(w, errors.Wrap(errInvalidInput, "room is required"))
		return
	}

	name, err := s.app.Rooms.Join(sessionID(r), req.Room, req.Name, req.Delay)
	if err != nil {
		writeError(w, err)
		return
	}

	snap := s.app.Rooms.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"room":     req.Room,
		"name":     name,
		"rooms":    snap.Rooms,
		"capacity": snap.Capacity,
	})
}

func (s *Server) handleRoomsLeave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.app.Rooms.Leave(sessionID(r), req.Name); err != nil {
		writeError(w, err)
		return
	}
	snap := s.app.Rooms.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"rooms":    snap.Rooms,
		"capacity": snap.Capacity,
	})
}

func (s *Server) handleCapacityGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": s.app.Rooms.Snapshot().Capacity,
	})
}

func (s *Server) handleCapacitySet(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	if !s.app.Control.IsOwner(sid) {
		writeError(w, errControlRequired)
		return
	}

	var req struct {
		Room     string         `json:"room"`
		Limit    *int           `json:"limit"`
		Capacity map[string]int `json:"capacity"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	updates := req.Capacity
	if updates == nil {
		if req.Room == "" || req.Limit == nil {
			writeError(w, errors.Wrap(errInvalidInput, "room and limit are required"))
			return
		}
		updates = map[string]int{req.Room: *req.Limit}
	}

	if err := s.app.Rooms.SetCapacity(updates); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"capacity": s.app.Rooms.Snapshot().Capacity,
	})
}

// handleAPI serves the legacy form endpoint used by the WebRTC client.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errors.Wrap(errInvalidInput, "malformed form body"))
		return
	}

	switch r.PostFormValue("action") {
	case "start_webrtc":
		s.startWebRTC(w, r)
	case "get_assignments":
		s.getAssignments(w, r)
	default:
		writeError(w, errors.Wrap(errInvalidInput, "unknown action"))
	}
}

func (s *Server) startWebRTC(w http.ResponseWriter, r *http.Request) {
	if s.app.Ingress == nil {
		writeError(w, errIngressDisabled)
		return
	}
	sid := sessionID(r)

	answer, err := s.app.Ingress.Start(sid, r.PostFormValue("offer"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"answer":    answer,
		"player_id": sid,
	})
}

func (s *Server) getAssignments(w http.ResponseWriter, r *http.Request) {
	assignments := make(map[string]string, room.MicCount)
	for i, mic := range s.app.Rooms.MicLines() {
		assignments[room.MicName(i+1)] = strings.Join(mic.Names, " & ")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"assignments": assignments,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.app.Ingress != nil {
		s.app.Ingress.Remove(sessionID(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePlayerDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delay *int `json:"delay"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Delay == nil {
		writeError(w, errors.Wrap(errInvalidInput, "delay is required"))
		return
	}

	if err := s.app.Rooms.SetDelay(sessionID(r), *req.Delay); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"delay":   *req.Delay,
	})
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Control.StatusFor(sessionID(r)))
}

func (s *Server) handleControlAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sid := sessionID(r)
	if err := s.app.Control.Authenticate(sid, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleControlAcquire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	sid := sessionID(r)
	name := req.Name
	if name == "" {
		if sess, ok := s.app.Registry.Get(sid); ok {
			name = sess.Name
		}
	}

	if err := s.app.Control.Acquire(sid, name); err != nil {
		writeError(w, err)
		return
	}
	st := s.app.Control.StatusFor(sid)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"owner":      st.Owner,
		"owner_name": st.OwnerName,
	})
}

func (s *Server) handleControlRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Control.Release(sessionID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleControlKeystroke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.app.Control.Keystroke(sessionID(r), req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleControlText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.app.Control.TypeText(sessionID(r), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSongsIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"songs": s.app.Songs.All(),
		"total": s.app.Songs.Len(),
	})
}

func (s *Server) handleSongsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	items, total := s.app.Songs.Search(q, page, perPage)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handleSongsAddToUpl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int    `json:"id"`
		Action string `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	entry, err := s.app.Songs.ByID(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	label := entry.Label()

	switch req.Action {
	case "add":
		if _, err := s.app.Playlist.AppendUnique(label); err != nil {
			writeError(w, err)
			return
		}
		s.app.Songs.SetInPlaylist(req.ID, true)
	case "remove":
		if err := s.app.Playlist.RemoveMatching(label); err != nil {
			writeError(w, err)
			return
		}
		s.app.Songs.SetInPlaylist(req.ID, false)
	default:
		writeError(w, errors.Wrap(errInvalidInput, "action must be add or remove"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"upl":     req.Action == "add",
		"line":    label,
	})
}

func (s *Server) handleSongsPreview(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, errors.Wrap(errInvalidInput, "id must be an integer"))
		return
	}

	entry, err := s.app.Songs.ByID(id)
	if err != nil {
		writeError(w, err)
		return
	}

	path, err := s.confineToGameDir(entry.Audio)
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// confineToGameDir rejects audio paths that escape the game directory.
func (s *Server) confineToGameDir(path string) (string, error) {
	root, err := filepath.Abs(s.cfg.Game.Dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(errForbiddenPath, "%s", path)
	}
	return abs, nil
}

func (s *Server) handlePlaylistStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Automation.Status())
}

func (s *Server) handlePlaylistToggle(w http.ResponseWriter, r *http.Request) {
	if !s.app.Control.IsOwner(sessionID(r)) {
		writeError(w, errControlRequired)
		return
	}

	var req struct {
		Enabled          bool `json:"enabled"`
		CountdownSeconds *int `json:"countdown_seconds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.app.Automation.SetEnabled(req.Enabled, req.CountdownSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Automation.Status())
}

func (s *Server) handlePlaylistNext(w http.ResponseWriter, r *http.Request) {
	if !s.app.Control.IsOwner(sessionID(r)) {
		writeError(w, errControlRequired)
		return
	}

	var req struct {
		CountdownSeconds *int `json:"countdown_seconds"`
	}
	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.CountdownSeconds != nil {
		s.app.Automation.SetCountdownSeconds(*req.CountdownSeconds)
	}

	s.app.Automation.Next()

	st := s.app.Automation.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"countdown_token": st.CountdownToken,
		"state":           st,
	})
}
