package models

import (
	"time"

	"github.com/arencloud/kbadmin/internal/rbac"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base gives every table a uuid primary key and timestamps.
type Base struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

type User struct {
	Base
	Email       string           `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName string           `json:"displayName"`
	Password    string           `json:"-"` // bcrypt hash, only set for the root account
	Role        string           `gorm:"not null;default:user" json:"role"`
	Permissions rbac.Permissions `gorm:"type:text" json:"permissions"`
	Department  string           `json:"department"`
	JobTitle    string           `json:"jobTitle"`
	AzureOID    string           `gorm:"column:azure_oid;index" json:"-"` // Azure AD object id
	LastLoginAt *time.Time       `json:"lastLoginAt,omitempty"`
}

// Principal converts the stored row into the session user the gate checks.
func (u User) Principal() *rbac.Principal {
	return &rbac.Principal{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        rbac.ParseRole(u.Role),
		Permissions: u.Permissions,
	}
}

// Bucket is the administrative metadata attached to an object-store bucket.
// An object-store bucket without a row is "available but unconfigured".
type Bucket struct {
	Base
	BucketName  string `gorm:"uniqueIndex;size:63;not null" json:"bucketName"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	CreatedBy   string `gorm:"size:36" json:"createdBy"`
	UpdatedBy   string `gorm:"size:36" json:"updatedBy"`
}

// AuditLog is append-only.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"index;size:36" json:"userId"`
	UserEmail    string    `json:"userEmail"`
	Action       string    `gorm:"index;not null" json:"action"`
	ResourceType string    `gorm:"index" json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Details      string    `gorm:"type:text" json:"details"` // JSON object
	IPAddress    string    `json:"ipAddress"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

type BroadcastMessage struct {
	Base
	Message       string    `gorm:"type:text;not null" json:"message"`
	StartsAt      time.Time `gorm:"index" json:"startsAt"`
	EndsAt        time.Time `gorm:"index" json:"endsAt"`
	Color         string    `json:"color"`
	FontColor     string    `json:"fontColor"`
	IsActive      bool      `json:"isActive"`
	IsDismissible bool      `json:"isDismissible"`
	CreatedBy     string    `gorm:"size:36" json:"createdBy"`
}

// All lists every model managed by the migrations.
func All() []any {
	return []any{&User{}, &Bucket{}, &AuditLog{}, &BroadcastMessage{}}
}
