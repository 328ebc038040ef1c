package web

import (
	"encoding/json"
	"net/http"

	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app/notification"
)

// handleRoomsStream pushes room snapshots over SSE. The client gets the
// current snapshot immediately, then one event per mutation.
func (s *Server) handleRoomsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.app.Hub.Subscribe()
	defer s.app.Hub.Unsubscribe(id)
	zlog.Debug().Msgf("sse subscriber connected: id=%s", id)

	if !writeEvent(w, flusher, s.app.Rooms.Snapshot()) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			zlog.Debug().Msgf("sse subscriber disconnected: id=%s", id)
			return
		case snap := <-ch:
			if !writeEvent(w, flusher, snap) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, snap notification.Snapshot) bool {
	data, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
