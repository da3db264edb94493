package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/arencloud/kbadmin/internal/rbac"
)

const notifySecretHeader = "X-Notify-Secret"

// notifyUser identifies the room a push connection joins: the session user,
// or any userId when the caller presents the shared service secret.
func (s *Server) notifyUser(r *http.Request) (string, error) {
	if p := PrincipalFrom(r.Context()); p != nil {
		return p.ID, nil
	}
	secret := r.Header.Get(notifySecretHeader)
	if secret == "" || s.Config.NotifySecret == "" {
		return "", rbac.ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.Config.NotifySecret)) != 1 {
		return "", rbac.ErrUnauthenticated
	}
	uid := r.URL.Query().Get("userId")
	if uid == "" {
		return "", rbac.ErrBadRequest
	}
	return uid, nil
}

func (s *Server) notifyEvents(w http.ResponseWriter, r *http.Request) {
	uid, err := s.notifyUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.Hub.ServeSSE(w, r, uid)
}

func (s *Server) notifyWS(w http.ResponseWriter, r *http.Request) {
	uid, err := s.notifyUser(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.Hub.ServeWS(w, r, s.upgrader, uid)
}
