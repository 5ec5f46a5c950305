// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

const defaultEventCapacity = 10000

// Repository implements outbound.Repository with in-memory maps.
// Thread-safe for concurrent access. State is lost on restart.
type Repository struct {
	mu          sync.RWMutex
	users       map[string]*rbac.User // ID -> User
	roles       map[string]*rbac.Role
	permissions map[string]*rbac.Permission
	assignments map[string]map[string]time.Time // userID -> role -> assignedAt

	// events is a bounded ring of the most recent security events, oldest first.
	events   []audit.SecurityEvent
	capacity int
	encoder  *json.Encoder
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithEventCapacity bounds the number of security events kept in memory.
func WithEventCapacity(n int) RepositoryOption {
	return func(r *Repository) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithEventWriter additionally writes every appended event as a JSON line to w.
func WithEventWriter(w io.Writer) RepositoryOption {
	return func(r *Repository) {
		r.encoder = json.NewEncoder(w)
	}
}

// NewRepository creates an empty in-memory repository.
func NewRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		users:       make(map[string]*rbac.User),
		roles:       make(map[string]*rbac.Role),
		permissions: make(map[string]*rbac.Permission),
		assignments: make(map[string]map[string]time.Time),
		capacity:    defaultEventCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect is a no-op for the in-memory repository.
func (r *Repository) Connect(ctx context.Context) error { return nil }

// Disconnect is a no-op for the in-memory repository.
func (r *Repository) Disconnect(ctx context.Context) error { return nil }

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*rbac.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// GetUserByName retrieves a user by username.
func (r *Repository) GetUserByName(ctx context.Context, username string) (*rbac.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			userCopy := *u
			return &userCopy, nil
		}
	}
	return nil, rbac.ErrNotFound
}

// UpsertUser creates or replaces a user keyed by ID.
func (r *Repository) UpsertUser(ctx context.Context, user rbac.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.users {
		if u.Username == user.Username && id != user.ID {
			return rbac.ErrDuplicateName
		}
	}
	r.users[user.ID] = &user
	return nil
}

// GetRolesByUser returns the user's role names in name order.
func (r *Repository) GetRolesByUser(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.assignments[userID]))
	for name := range r.assignments[userID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListRoles returns every role in name order.
func (r *Repository) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]rbac.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertRole creates or replaces a role keyed by name.
func (r *Repository) UpsertRole(ctx context.Context, role rbac.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := role.Clone()
	r.roles[role.Name] = &c
	return nil
}

// DeleteRole removes a role and its assignments.
func (r *Repository) DeleteRole(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.roles, name)
	for _, held := range r.assignments {
		delete(held, name)
	}
	return nil
}

// ListPermissions returns every permission in name order.
func (r *Repository) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]rbac.Permission, 0, len(r.permissions))
	for _, p := range r.permissions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertPermission creates or replaces a permission keyed by name.
func (r *Repository) UpsertPermission(ctx context.Context, p rbac.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := p.Clone()
	r.permissions[p.Name] = &c
	return nil
}

// DeletePermission removes a permission.
func (r *Repository) DeletePermission(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.permissions, name)
	return nil
}

// AssignRole links a user to a role. Idempotent.
func (r *Repository) AssignRole(ctx context.Context, userID, roleName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.assignments[userID]
	if !ok {
		held = make(map[string]time.Time)
		r.assignments[userID] = held
	}
	if _, exists := held[roleName]; exists {
		return false, nil
	}
	held[roleName] = time.Now().UTC()
	return true, nil
}

// UnassignRole removes a link. Idempotent.
func (r *Repository) UnassignRole(ctx context.Context, userID, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assignments[userID], roleName)
	return nil
}

// AppendSecurityEvents stores events in order, dropping the oldest beyond capacity.
func (r *Repository) AppendSecurityEvents(ctx context.Context, events ...audit.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if r.encoder != nil {
			if err := r.encoder.Encode(e); err != nil {
				return err
			}
		}
		if len(r.events) >= r.capacity {
			copy(r.events, r.events[1:])
			r.events[len(r.events)-1] = e
		} else {
			r.events = append(r.events, e)
		}
	}
	return nil
}

// GetRecentSecurityEvents returns matching events, newest first.
func (r *Repository) GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filter.EffectiveLimit()
	var out []audit.SecurityEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Match(r.events[i]) {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

// EventCount returns the number of events currently held.
func (r *Repository) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// HasAssignment reports whether userID holds roleName.
func (r *Repository) HasAssignment(userID, roleName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assignments[userID][roleName]
	return ok
}

// RoleNames returns the stored role names, sorted.
func (r *Repository) RoleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for n := range r.roles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Compile-time interface verification.
var _ outbound.Repository = (*Repository)(nil)
