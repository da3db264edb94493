// Package rbac holds the role and permission model and the pure allow/deny
// decisions used by the HTTP gate middleware.
package rbac

import (
	"errors"
	"strings"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleLeader Role = "leader"
	RoleUser   Role = "user"
)

// AdminRoles may bypass ownership checks.
var AdminRoles = []Role{RoleAdmin}

// ParseRole normalizes a stored role string; unknown values become RoleUser.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleLeader, RoleUser:
		return r
	default:
		return RoleUser
	}
}

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleLeader || r == RoleUser
}

type Permission string

const (
	PermManageUsers         Permission = "manage_users"
	PermManageTeams         Permission = "manage_teams"
	PermManageSystem        Permission = "manage_system"
	PermManageKnowledgeBase Permission = "manage_knowledge_base"
	PermManageStorage       Permission = "manage_storage"
	PermViewStorage         Permission = "view_storage"
	PermViewAnalytics       Permission = "view_analytics"
	PermViewChatHistory     Permission = "view_chat_history"
	PermViewSearchHistory   Permission = "view_search_history"
	PermViewAuditLog        Permission = "view_audit_log"
	PermManageBroadcast     Permission = "manage_broadcast"
)

// AllPermissions lists every known capability token.
var AllPermissions = []Permission{
	PermManageUsers, PermManageTeams, PermManageSystem, PermManageKnowledgeBase,
	PermManageStorage, PermViewStorage, PermViewAnalytics, PermViewChatHistory,
	PermViewSearchHistory, PermViewAuditLog, PermManageBroadcast,
}

// Known reports whether p is one of AllPermissions.
func (p Permission) Known() bool {
	for _, k := range AllPermissions {
		if p == k {
			return true
		}
	}
	return false
}

var rolePermissions = map[Role][]Permission{
	RoleAdmin: AllPermissions,
	RoleLeader: {
		PermManageTeams, PermManageKnowledgeBase, PermViewStorage,
		PermViewAnalytics, PermViewChatHistory, PermViewSearchHistory,
	},
	RoleUser: {PermViewChatHistory, PermViewSearchHistory},
}

// HasPermission is the static role table lookup.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// RolePermissions returns a copy of the default grants of a role.
func RolePermissions(role Role) []Permission {
	return append([]Permission(nil), rolePermissions[role]...)
}

// Principal is the authenticated session user.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
	Permissions Permissions
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient permissions")
	ErrBadRequest      = errors.New("resource identifier is required")
)

// CheckRole allows when the principal's role is one of roles.
func CheckRole(p *Principal, roles ...Role) error {
	if p == nil {
		return ErrUnauthenticated
	}
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// CheckPermission allows on a role grant or an explicit per-user grant.
func CheckPermission(p *Principal, perm Permission) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if HasPermission(p.Role, perm) || p.Permissions.Has(perm) {
		return nil
	}
	return ErrForbidden
}

// CheckOwnership allows the owner of a resource, or an admin when adminBypass is set.
// A missing owner id is a malformed request, not a denial.
func CheckOwnership(p *Principal, ownerID string, adminBypass bool) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if ownerID == "" {
		return ErrBadRequest
	}
	if p.ID == ownerID {
		return nil
	}
	if adminBypass {
		for _, r := range AdminRoles {
			if p.Role == r {
				return nil
			}
		}
	}
	return ErrForbidden
}
