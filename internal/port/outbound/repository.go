// Package outbound defines the outbound port interfaces the engine depends on.
package outbound

import (
	"context"
	"errors"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// ErrStoreUnavailable is returned when the persistence collaborator cannot be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// Repository is the persistence collaborator for users, roles, permissions,
// assignments and security events. The engine never issues raw queries; it
// depends only on this interface.
//
// A single Repository is created by the composition root and shared by all
// services for the lifetime of the process. Implementations must be safe for
// concurrent use. Lookups of missing records return rbac.ErrNotFound.
type Repository interface {
	// Connect opens the underlying handle. Called once at startup.
	Connect(ctx context.Context) error
	// Disconnect releases the underlying handle. Called once at shutdown.
	Disconnect(ctx context.Context) error

	GetUser(ctx context.Context, id string) (*rbac.User, error)
	GetUserByName(ctx context.Context, username string) (*rbac.User, error)
	UpsertUser(ctx context.Context, user rbac.User) error

	// GetRolesByUser returns the names of the roles assigned to the user.
	GetRolesByUser(ctx context.Context, userID string) ([]string, error)
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	UpsertRole(ctx context.Context, role rbac.Role) error
	// DeleteRole removes the role and every assignment of it.
	DeleteRole(ctx context.Context, name string) error

	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
	UpsertPermission(ctx context.Context, p rbac.Permission) error
	DeletePermission(ctx context.Context, name string) error

	// AssignRole links a user to a role. Returns false when the assignment already existed.
	AssignRole(ctx context.Context, userID, roleName string) (bool, error)
	// UnassignRole removes the link. Removing a missing assignment is not an error.
	UnassignRole(ctx context.Context, userID, roleName string) error

	audit.EventStore
	// GetRecentSecurityEvents returns matching events, newest first.
	GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error)
}
