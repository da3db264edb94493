package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/rbac"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func (s *Server) userByID(r *http.Request) (*models.User, error) {
	var u models.User
	err := s.DB.WithContext(r.Context()).First(&u, "id = ?", chi.URLParam(r, "userId")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user: %w", errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &u, nil
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	q := s.DB.WithContext(r.Context()).Order("email")
	if role := r.URL.Query().Get("role"); role != "" {
		q = q.Where("role = ?", role)
	}
	if term := strings.TrimSpace(r.URL.Query().Get("q")); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(email) LIKE ? OR LOWER(display_name) LIKE ?", like, like)
	}
	users := []models.User{}
	if err := q.Find(&users).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.userByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) userAudit(r *http.Request, u *models.User, details map[string]any) {
	p := PrincipalFrom(r.Context())
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionUserUpdate,
		ResourceType: "user", ResourceID: u.ID, IPAddress: clientIP(r), Details: details,
	})
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.userByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var in struct {
		DisplayName *string `json:"displayName"`
		Department  *string `json:"department"`
		JobTitle    *string `json:"jobTitle"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	changed := map[string]any{}
	if in.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*in.DisplayName)
		changed["displayName"] = u.DisplayName
	}
	if in.Department != nil {
		u.Department = strings.TrimSpace(*in.Department)
		changed["department"] = u.Department
	}
	if in.JobTitle != nil {
		u.JobTitle = strings.TrimSpace(*in.JobTitle)
		changed["jobTitle"] = u.JobTitle
	}
	if err := s.DB.WithContext(r.Context()).Save(u).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.userAudit(r, u, changed)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) updatePermissions(w http.ResponseWriter, r *http.Request) {
	u, err := s.userByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var in struct {
		Permissions rbac.Permissions `json:"permissions"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, p := range in.Permissions {
		if !p.Known() {
			s.respondError(w, r, invalid(fmt.Sprintf("unknown permission %q", p)))
			return
		}
	}
	u.Permissions = in.Permissions
	if err := s.DB.WithContext(r.Context()).Model(u).Update("permissions", in.Permissions).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.userAudit(r, u, map[string]any{"permissions": in.Permissions.Strings()})
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	u, err := s.userByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var in struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	role := rbac.Role(strings.ToLower(strings.TrimSpace(in.Role)))
	if !role.Valid() {
		s.respondError(w, r, invalid(fmt.Sprintf("unknown role %q", in.Role)))
		return
	}
	if u.ID == PrincipalFrom(r.Context()).ID && role != rbac.RoleAdmin {
		s.respondError(w, r, invalid("cannot remove your own admin role"))
		return
	}
	previous := u.Role
	u.Role = string(role)
	if err := s.DB.WithContext(r.Context()).Model(u).Update("role", u.Role).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.userAudit(r, u, map[string]any{"role": u.Role, "previousRole": previous})
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.userByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	p := PrincipalFrom(r.Context())
	if u.ID == p.ID {
		s.respondError(w, r, invalid("cannot delete your own account"))
		return
	}
	if err := s.DB.WithContext(r.Context()).Delete(u).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.Sessions.DestroyUser(u.ID)
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionUserDelete,
		ResourceType: "user", ResourceID: u.ID, IPAddress: clientIP(r),
		Details: map[string]any{"email": u.Email},
	})
	w.WriteHeader(http.StatusNoContent)
}
