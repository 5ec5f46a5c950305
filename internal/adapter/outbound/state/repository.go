package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

// Repository implements outbound.Repository on top of a FileStateStore.
// The loaded state is held in memory; every mutation is applied to a copy,
// saved, and only then published. A failed save leaves the previous state
// in place and returns an error wrapping outbound.ErrStoreUnavailable.
type Repository struct {
	file   *FileStateStore
	logger *slog.Logger

	mu    sync.RWMutex
	state *AppState
}

// NewRepository creates a repository persisted at path.
func NewRepository(path string, logger *slog.Logger) *Repository {
	return &Repository{
		file:   NewFileStateStore(path, logger),
		logger: logger,
	}
}

// Connect loads the state file.
func (r *Repository) Connect(ctx context.Context) error {
	st, err := r.file.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", outbound.ErrStoreUnavailable, err)
	}
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	r.logger.Info("state loaded",
		"path", r.file.Path(),
		"users", len(st.Users),
		"roles", len(st.Roles),
		"permissions", len(st.Permissions))
	return nil
}

// Disconnect drops the in-memory state.
func (r *Repository) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.state = nil
	r.mu.Unlock()
	return nil
}

func (r *Repository) read() (*AppState, error) {
	if r.state == nil {
		return nil, fmt.Errorf("%w: not connected", outbound.ErrStoreUnavailable)
	}
	return r.state, nil
}

// mutate applies fn to a copy of the state and persists it.
func (r *Repository) mutate(fn func(*AppState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.read()
	if err != nil {
		return err
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := r.file.Save(next); err != nil {
		return fmt.Errorf("%w: %w", outbound.ErrStoreUnavailable, err)
	}
	r.state = next
	return nil
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*rbac.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	for _, u := range st.Users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, rbac.ErrNotFound
}

// GetUserByName retrieves a user by username.
func (r *Repository) GetUserByName(ctx context.Context, username string) (*rbac.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	for _, u := range st.Users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, rbac.ErrNotFound
}

// UpsertUser creates or replaces a user keyed by ID.
func (r *Repository) UpsertUser(ctx context.Context, user rbac.User) error {
	return r.mutate(func(st *AppState) error {
		idx := -1
		for i, u := range st.Users {
			if u.Username == user.Username && u.ID != user.ID {
				return rbac.ErrDuplicateName
			}
			if u.ID == user.ID {
				idx = i
			}
		}
		if idx >= 0 {
			st.Users[idx] = user
		} else {
			st.Users = append(st.Users, user)
		}
		return nil
	})
}

// GetRolesByUser returns the user's role names in name order.
func (r *Repository) GetRolesByUser(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, a := range st.Assignments {
		if a.UserID == userID {
			names = append(names, a.RoleName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListRoles returns every role in name order.
func (r *Repository) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]rbac.Role, len(st.Roles))
	for i, role := range st.Roles {
		out[i] = role.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertRole creates or replaces a role keyed by name.
func (r *Repository) UpsertRole(ctx context.Context, role rbac.Role) error {
	return r.mutate(func(st *AppState) error {
		for i, existing := range st.Roles {
			if existing.Name == role.Name {
				st.Roles[i] = role.Clone()
				return nil
			}
		}
		st.Roles = append(st.Roles, role.Clone())
		return nil
	})
}

// DeleteRole removes a role and its assignments.
func (r *Repository) DeleteRole(ctx context.Context, name string) error {
	return r.mutate(func(st *AppState) error {
		roles := st.Roles[:0]
		for _, role := range st.Roles {
			if role.Name != name {
				roles = append(roles, role)
			}
		}
		st.Roles = roles
		st.Assignments = filterAssignments(st.Assignments, func(a rbac.Assignment) bool {
			return a.RoleName != name
		})
		return nil
	})
}

// ListPermissions returns every permission in name order.
func (r *Repository) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]rbac.Permission, len(st.Permissions))
	for i, p := range st.Permissions {
		out[i] = p.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertPermission creates or replaces a permission keyed by name.
func (r *Repository) UpsertPermission(ctx context.Context, p rbac.Permission) error {
	return r.mutate(func(st *AppState) error {
		for i, existing := range st.Permissions {
			if existing.Name == p.Name {
				st.Permissions[i] = p.Clone()
				return nil
			}
		}
		st.Permissions = append(st.Permissions, p.Clone())
		return nil
	})
}

// DeletePermission removes a permission.
func (r *Repository) DeletePermission(ctx context.Context, name string) error {
	return r.mutate(func(st *AppState) error {
		perms := st.Permissions[:0]
		for _, p := range st.Permissions {
			if p.Name != name {
				perms = append(perms, p)
			}
		}
		st.Permissions = perms
		return nil
	})
}

// AssignRole links a user to a role. Idempotent.
func (r *Repository) AssignRole(ctx context.Context, userID, roleName string) (bool, error) {
	created := false
	err := r.mutate(func(st *AppState) error {
		for _, a := range st.Assignments {
			if a.UserID == userID && a.RoleName == roleName {
				return nil
			}
		}
		st.Assignments = append(st.Assignments, rbac.Assignment{
			UserID:     userID,
			RoleName:   roleName,
			AssignedAt: time.Now().UTC(),
		})
		created = true
		return nil
	})
	return created, err
}

// UnassignRole removes a link. Idempotent.
func (r *Repository) UnassignRole(ctx context.Context, userID, roleName string) error {
	return r.mutate(func(st *AppState) error {
		st.Assignments = filterAssignments(st.Assignments, func(a rbac.Assignment) bool {
			return a.UserID != userID || a.RoleName != roleName
		})
		return nil
	})
}

// AppendSecurityEvents appends events in order, keeping at most MaxEvents.
func (r *Repository) AppendSecurityEvents(ctx context.Context, events ...audit.SecurityEvent) error {
	return r.mutate(func(st *AppState) error {
		st.Events = append(st.Events, events...)
		if over := len(st.Events) - MaxEvents; over > 0 {
			st.Events = st.Events[over:]
		}
		return nil
	})
}

// GetRecentSecurityEvents returns matching events, newest first.
func (r *Repository) GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, err := r.read()
	if err != nil {
		return nil, err
	}
	limit := filter.EffectiveLimit()
	var out []audit.SecurityEvent
	for i := len(st.Events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Match(st.Events[i]) {
			out = append(out, st.Events[i])
		}
	}
	return out, nil
}

func filterAssignments(in []rbac.Assignment, keep func(rbac.Assignment) bool) []rbac.Assignment {
	out := in[:0]
	for _, a := range in {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// Compile-time interface verification.
var _ outbound.Repository = (*Repository)(nil)
