// Package web exposes the HTTP and SSE surface of the session controller.
package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"

	"github.com/dgruss/smartmic/internal/app"
	"github.com/dgruss/smartmic/internal/infra/config"
)

// quietPaths are polled continuously by clients; logging them drowns the log.
var quietPaths = map[string]bool{
	"/rooms":          true,
	"/status":         true,
	"/control/status": true,
}

// Server binds the application to its HTTP routes.
type Server struct {
	app    *app.Manager
	cfg    *config.Config
	secret []byte
}

// NewServer creates the HTTP layer. The cookie signing key comes from the
// configuration, or is generated per process when unset.
func NewServer(cfg *config.Config, mgr *app.Manager) *Server {
	secret := []byte(cfg.Session.CookieSecret)
	if len(secret) == 0 {
		secret = newSecret()
	}
	return &Server{app: mgr, cfg: cfg, secret: secret}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.withSession)

	r.Get("/", s.handleLanding)
	r.Get("/status", s.handleStatus)

	r.Get("/rooms", s.handleRooms)
	r.Get("/rooms/stream", s.handleRoomsStream)
	r.Post("/rooms/join", s.handleRoomsJoin)
	r.Post("/rooms/leave", s.handleRoomsLeave)
	r.Get("/rooms/capacity", s.handleCapacityGet)
	r.Post("/rooms/capacity", s.handleCapacitySet)

	r.Post("/api", s.handleAPI)
	r.Post("/api/disconnect", s.handleDisconnect)
	r.Post("/player/delay", s.handlePlayerDelay)

	r.Get("/control/status", s.handleControlStatus)
	r.Post("/control/auth", s.handleControlAuth)
	r.Post("/control/acquire", s.handleControlAcquire)
	r.Post("/control/release", s.handleControlRelease)
	r.Post("/control/keystroke", s.handleControlKeystroke)
	r.Post("/control/text", s.handleControlText)

	r.Get("/songs/index", s.handleSongsIndex)
	r.Get("/songs/search", s.handleSongsSearch)
	r.Post("/songs/add_to_upl", s.handleSongsAddToUpl)
	r.Get("/songs/preview", s.handleSongsPreview)

	r.Get("/playlist/status", s.handlePlaylistStatus)
	r.Post("/playlist/toggle", s.handlePlaylistToggle)
	r.Post("/playlist/next", s.handlePlaylistNext)

	return r
}

// logRequests logs one line per request, skipping the polling endpoints.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zlog.Debug().Msgf("http request: method=%s, path=%s, status=%d, duration=%s",
			r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
