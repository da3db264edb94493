// Package audit appends and queries the administrative audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arencloud/kbadmin/internal/models"

	"gorm.io/gorm"
)

const (
	ActionLogin           = "auth.login"
	ActionLogout          = "auth.logout"
	ActionBucketCreate    = "bucket.create"
	ActionBucketUpdate    = "bucket.update"
	ActionBucketDelete    = "bucket.delete"
	ActionObjectUpload    = "object.upload"
	ActionObjectDelete    = "object.delete"
	ActionUserUpdate      = "user.update"
	ActionUserDelete      = "user.delete"
	ActionBroadcastCreate = "broadcast.create"
	ActionBroadcastUpdate = "broadcast.update"
	ActionBroadcastDelete = "broadcast.delete"
)

// Entry is one audit record before persistence.
type Entry struct {
	UserID       string
	UserEmail    string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
}

// Sink is what producers need.
type Sink interface {
	Log(ctx context.Context, e Entry) error
}

type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Log appends e. Audit rows are never updated or deleted.
func (s *Service) Log(ctx context.Context, e Entry) error {
	details := ""
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = string(b)
	}
	row := models.AuditLog{
		UserID:       e.UserID,
		UserEmail:    e.UserEmail,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      details,
		IPAddress:    e.IPAddress,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

type Filter struct {
	UserID       string
	Action       string
	ResourceType string
	From, To     time.Time
	Page, Limit  int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (f *Filter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
}

type Page struct {
	Items []models.AuditLog `json:"items"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// List returns the records matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	f.normalize()
	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return Page{}, fmt.Errorf("counting audit logs: %w", err)
	}
	items := []models.AuditLog{}
	err := q.Order("created_at desc").Order("id desc").
		Offset((f.Page - 1) * f.Limit).Limit(f.Limit).
		Find(&items).Error
	if err != nil {
		return Page{}, fmt.Errorf("listing audit logs: %w", err)
	}
	return Page{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// Actions returns the distinct action names present in the log.
func (s *Service) Actions(ctx context.Context) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&models.AuditLog{}).
		Distinct("action").Order("action").Pluck("action", &out).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit actions: %w", err)
	}
	return out, nil
}
