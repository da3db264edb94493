// Package session keeps login sessions in memory behind an HMAC-signed cookie.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const CookieName = "kbsess"

type entry struct {
	userID  string
	expires time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]entry
	secret   []byte
	ttl      time.Duration
	secure   bool
	now      func() time.Time
}

func NewStore(secret string, ttl time.Duration, secure bool) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		sessions: map[string]entry{},
		secret:   []byte(secret),
		ttl:      ttl,
		secure:   secure,
		now:      time.Now,
	}
}

func (s *Store) sign(value string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Create starts a session for userID and sets the cookie on w.
func (s *Store) Create(w http.ResponseWriter, userID string) string {
	sid := uuid.NewString()
	exp := s.now().Add(s.ttl)
	s.mu.Lock()
	s.sessions[sid] = entry{userID: userID, expires: exp}
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sid + "." + s.sign(sid),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  exp,
	})
	return sid
}

func (s *Store) sessionID(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	sid, sig, ok := strings.Cut(c.Value, ".")
	if !ok || sid == "" || !hmac.Equal([]byte(sig), []byte(s.sign(sid))) {
		return ""
	}
	return sid
}

// UserID resolves the cookie of r. Expired sessions are dropped on access.
func (s *Store) UserID(r *http.Request) (string, bool) {
	sid := s.sessionID(r)
	if sid == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sid]
	if !ok {
		return "", false
	}
	if s.now().After(e.expires) {
		delete(s.sessions, sid)
		return "", false
	}
	return e.userID, true
}

// Destroy ends the session of r, if any, and clears the cookie.
func (s *Store) Destroy(w http.ResponseWriter, r *http.Request) {
	if sid := s.sessionID(r); sid != "" {
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})
}

// DestroyUser ends every session of userID, used when an account is deleted.
func (s *Store) DestroyUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, e := range s.sessions {
		if e.userID == userID {
			delete(s.sessions, sid)
		}
	}
}

// SetTemp writes a short-lived cookie used during the OAuth round trip.
func (s *Store) SetTemp(w http.ResponseWriter, name, val string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    val,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((10 * time.Minute).Seconds()),
	})
}

// CheckTemp reports whether the temp cookie name equals expected and clears it.
func (s *Store) CheckTemp(w http.ResponseWriter, r *http.Request, name, expected string) bool {
	c, err := r.Cookie(name)
	s.ClearTemp(w, name)
	if err != nil || expected == "" {
		return false
	}
	return hmac.Equal([]byte(c.Value), []byte(expected))
}

func (s *Store) ClearTemp(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
}
