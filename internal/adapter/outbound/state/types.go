// Package state provides file-based persistence for the authorization model.
//
// The state.json file stores users, roles, permissions, role assignments and
// the most recent security events. This package provides atomic writes, file
// locking, and backup functionality.
package state

import (
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// MaxEvents bounds the security events kept in state.json (FIFO eviction).
const MaxEvents = 1000

// AppState is the top-level structure persisted in state.json.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	Users       []rbac.User       `json:"users"`
	Roles       []rbac.Role       `json:"roles"`
	Permissions []rbac.Permission `json:"permissions"`
	Assignments []rbac.Assignment `json:"assignments"`

	// Events are the most recent security events, oldest first.
	Events []audit.SecurityEvent `json:"events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a copy whose slices can be modified independently.
func (s *AppState) clone() *AppState {
	c := *s
	c.Users = append([]rbac.User(nil), s.Users...)
	c.Roles = make([]rbac.Role, len(s.Roles))
	for i, r := range s.Roles {
		c.Roles[i] = r.Clone()
	}
	c.Permissions = make([]rbac.Permission, len(s.Permissions))
	for i, p := range s.Permissions {
		c.Permissions[i] = p.Clone()
	}
	c.Assignments = append([]rbac.Assignment(nil), s.Assignments...)
	c.Events = append([]audit.SecurityEvent(nil), s.Events...)
	return &c
}
