package web

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app/automation"
	"github.com/dgruss/smartmic/internal/app/control"
	"github.com/dgruss/smartmic/internal/app/ingress"
	"github.com/dgruss/smartmic/internal/app/rooms"
	"github.com/dgruss/smartmic/internal/app/songs"
	"github.com/dgruss/smartmic/internal/infra/audiograph"
	"github.com/dgruss/smartmic/internal/infra/xinput"
)

// Sentinels for conditions raised by the handlers themselves.
var (
	errInvalidInput    = errors.New("invalid input")
	errControlRequired = errors.New("control lock required")
	errForbiddenPath   = errors.New("path outside allowed root")
	errIngressDisabled = errors.New("ingress is disabled in control-only mode")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the JSON error envelope for a typed failure.
func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)

	body := map[string]any{
		"success":    false,
		"error":      err.Error(),
		"error_code": code,
	}

	// room_full carries enough context for the client to react
	var full *rooms.RoomFullError
	if errors.As(err, &full) {
		body["members"] = full.Members
		body["capacity"] = full.Capacity
	}

	// a refused acquire tells the client who holds the lock
	var conflict *control.ConflictError
	if errors.As(err, &conflict) {
		body["owner"] = conflict.Owner
		body["owner_name"] = conflict.OwnerName
	}

	if status >= http.StatusInternalServerError {
		zlog.Error().Err(err).Msgf("request failed: code=%s", code)
	}
	writeJSON(w, status, body)
}

// classify maps typed errors onto the wire error codes.
func classify(err error) (string, int) {
	var full *rooms.RoomFullError

	switch {
	case errors.Is(err, errInvalidInput), errors.Is(err, control.ErrMissingKey),
		errors.Is(err, ingress.ErrEmptyOffer), errors.Is(err, ingress.ErrInvalidSink):
		return "invalid_input", http.StatusBadRequest
	case errors.Is(err, rooms.ErrUnknownRoom):
		return "unknown_room", http.StatusBadRequest
	case errors.As(err, &full):
		return "room_full", http.StatusConflict
	case errors.Is(err, errControlRequired):
		return "control_required", http.StatusForbidden
	case errors.Is(err, control.ErrPasswordRequired):
		return "control_password_required", http.StatusForbidden
	case errors.Is(err, control.ErrInvalidPassword):
		return "invalid_password", http.StatusForbidden
	case errors.Is(err, control.ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, control.ErrNotOwner):
		return "not_owner", http.StatusForbidden
	case errors.Is(err, control.ErrUnsupportedKey):
		return "unsupported_key", http.StatusBadRequest
	case errors.Is(err, songs.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, errForbiddenPath):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, ingress.ErrStartTimeout):
		return "ingress_busy", http.StatusInternalServerError
	case errors.Is(err, ingress.ErrBinaryMissing), errors.Is(err, ingress.ErrSpawnFailed),
		errors.Is(err, ingress.ErrNoAnswer), errors.Is(err, ingress.ErrNotFound),
		errors.Is(err, errIngressDisabled):
		return "ingress_failed", http.StatusInternalServerError
	case errors.Is(err, audiograph.ErrToolFailed),
		errors.Is(err, xinput.ErrToolMissing),
		errors.Is(err, xinput.ErrWindowNotFound),
		errors.Is(err, xinput.ErrToolFailed):
		return "audio_graph_error", http.StatusInternalServerError
	case errors.Is(err, automation.ErrPlaylistExhausted):
		return "automation_error", http.StatusInternalServerError
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
