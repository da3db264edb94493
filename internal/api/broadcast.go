package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/models"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const (
	EventBroadcastNew     = "broadcast:new"
	EventBroadcastUpdated = "broadcast:updated"
	EventBroadcastDeleted = "broadcast:deleted"
)

type broadcastInput struct {
	Message       *string    `json:"message"`
	StartsAt      *time.Time `json:"startsAt"`
	EndsAt        *time.Time `json:"endsAt"`
	Color         *string    `json:"color"`
	FontColor     *string    `json:"fontColor"`
	IsActive      *bool      `json:"isActive"`
	IsDismissible *bool      `json:"isDismissible"`
}

func (in broadcastInput) apply(m *models.BroadcastMessage) error {
	if in.Message != nil {
		m.Message = strings.TrimSpace(*in.Message)
	}
	if in.StartsAt != nil {
		m.StartsAt = in.StartsAt.UTC()
	}
	if in.EndsAt != nil {
		m.EndsAt = in.EndsAt.UTC()
	}
	if in.Color != nil {
		m.Color = *in.Color
	}
	if in.FontColor != nil {
		m.FontColor = *in.FontColor
	}
	if in.IsActive != nil {
		m.IsActive = *in.IsActive
	}
	if in.IsDismissible != nil {
		m.IsDismissible = *in.IsDismissible
	}
	if m.Message == "" {
		return invalid("message is required")
	}
	if !m.EndsAt.After(m.StartsAt) {
		return invalid("endsAt must be after startsAt")
	}
	return nil
}

func (s *Server) broadcastByID(r *http.Request) (*models.BroadcastMessage, error) {
	var m models.BroadcastMessage
	err := s.DB.WithContext(r.Context()).First(&m, "id = ?", chi.URLParam(r, "id")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("broadcast message: %w", errNotFound)
	}
	return &m, err
}

func (s *Server) broadcastAudit(r *http.Request, action string, m *models.BroadcastMessage) {
	p := PrincipalFrom(r.Context())
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: action,
		ResourceType: "broadcast_message", ResourceID: m.ID, IPAddress: clientIP(r),
	})
}

// activeBroadcasts returns the messages currently inside their display window.
func (s *Server) activeBroadcasts(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	out := []models.BroadcastMessage{}
	err := s.DB.WithContext(r.Context()).
		Where("is_active = ? AND starts_at <= ? AND ends_at >= ?", true, now, now).
		Order("starts_at desc").Find(&out).Error
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	out := []models.BroadcastMessage{}
	if err := s.DB.WithContext(r.Context()).Order("created_at desc").Find(&out).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var in broadcastInput
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	now := time.Now().UTC()
	m := &models.BroadcastMessage{
		StartsAt:      now,
		EndsAt:        now.Add(24 * time.Hour),
		IsActive:      true,
		IsDismissible: true,
		CreatedBy:     PrincipalFrom(r.Context()).ID,
	}
	if in.StartsAt != nil && in.EndsAt == nil {
		m.EndsAt = in.StartsAt.UTC().Add(24 * time.Hour)
	}
	if err := in.apply(m); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.DB.WithContext(r.Context()).Create(m).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.broadcastAudit(r, audit.ActionBroadcastCreate, m)
	if s.Hub != nil && m.IsActive {
		s.Hub.Broadcast(EventBroadcastNew, m)
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) updateBroadcast(w http.ResponseWriter, r *http.Request) {
	m, err := s.broadcastByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var in broadcastInput
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := in.apply(m); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.DB.WithContext(r.Context()).Save(m).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.broadcastAudit(r, audit.ActionBroadcastUpdate, m)
	if s.Hub != nil {
		s.Hub.Broadcast(EventBroadcastUpdated, m)
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteBroadcast(w http.ResponseWriter, r *http.Request) {
	m, err := s.broadcastByID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.DB.WithContext(r.Context()).Delete(m).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	s.broadcastAudit(r, audit.ActionBroadcastDelete, m)
	if s.Hub != nil {
		s.Hub.Broadcast(EventBroadcastDeleted, map[string]string{"id": m.ID})
	}
	w.WriteHeader(http.StatusNoContent)
}
