package web

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

const sessionCookie = "smartmic_session"

type ctxKey int

const sessionIDKey ctxKey = iota

// sessionID extracts the session id the middleware stored on the request.
func sessionID(r *http.Request) int {
	id, _ := r.Context().Value(sessionIDKey).(int)
	return id
}

// sign computes the cookie signature for a session id.
func (s *Server) sign(id string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) encodeCookie(id int) string {
	v := strconv.Itoa(id)
	return v + "." + s.sign(v)
}

// decodeCookie verifies the signature and returns the embedded session id.
func (s *Server) decodeCookie(value string) (int, bool) {
	raw, sig, ok := strings.Cut(value, ".")
	if !ok {
		return 0, false
	}
	if !hmac.Equal([]byte(s.sign(raw)), []byte(sig)) {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// withSession resolves or creates the caller's session, stamps the heartbeat
// and stores the id on the request context.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id int

		if c, err := r.Cookie(sessionCookie); err == nil {
			if parsed, ok := s.decodeCookie(c.Value); ok {
				if _, live := s.app.Registry.Get(parsed); live {
					id = parsed
				}
			}
		}

		if id == 0 {
			sess := s.app.Registry.Issue()
			id = sess.ID
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    s.encodeCookie(id),
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		s.app.Registry.Touch(id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey, id)))
	})
}

// newSecret generates a random signing key when none is configured.
func newSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
