package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/rbac"

	"github.com/go-chi/chi/v5"
)

type ctxKey int

const (
	principalKey ctxKey = iota + 1
	requestKey
)

// PrincipalFrom returns the authenticated user of the request, or nil.
func PrincipalFrom(ctx context.Context) *rbac.Principal {
	p, _ := ctx.Value(principalKey).(*rbac.Principal)
	return p
}

func withPrincipal(ctx context.Context, p *rbac.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// loadPrincipal resolves the session cookie into a principal. It never rejects;
// the Require* middlewares decide.
func (s *Server) loadPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Sessions.UserID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		var u models.User
		if err := s.DB.WithContext(r.Context()).First(&u, "id = ?", uid).Error; err != nil {
			next.ServeHTTP(w, r)
			return
		}
		p := u.Principal()
		if info := requestInfoFrom(r.Context()); info != nil {
			info.user = p.Email
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// deny writes the gate decision. Forbidden is the only outcome that is logged.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, err error, required string) {
	if errors.Is(err, rbac.ErrForbidden) {
		p := PrincipalFrom(r.Context())
		s.Logger.Warn("access denied",
			"userId", p.ID,
			"role", string(p.Role),
			"required", required,
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r.Context()) == nil {
			s.deny(w, r, rbac.ErrUnauthenticated, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) RequireRole(roles ...rbac.Role) func(http.Handler) http.Handler {
	required := "role:"
	for i, r := range roles {
		if i > 0 {
			required += "|"
		}
		required += string(r)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := rbac.CheckRole(PrincipalFrom(r.Context()), roles...); err != nil {
				s.deny(w, r, err, required)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) RequirePermission(perm rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := rbac.CheckPermission(PrincipalFrom(r.Context()), perm); err != nil {
				s.deny(w, r, err, string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OwnerFunc extracts the owning user id of the addressed resource.
type OwnerFunc func(r *http.Request) string

// URLParamOwner reads the owner id from a chi route parameter.
func URLParamOwner(name string) OwnerFunc {
	return func(r *http.Request) string { return chi.URLParam(r, name) }
}

func (s *Server) RequireOwnership(owner OwnerFunc, adminBypass bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := rbac.CheckOwnership(PrincipalFrom(r.Context()), owner(r), adminBypass); err != nil {
				s.deny(w, r, err, "owner")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
