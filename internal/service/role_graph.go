package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

// RoleStore persists roles and user role assignments.
type RoleStore interface {
	GetUser(ctx context.Context, id string) (*rbac.User, error)
	GetRolesByUser(ctx context.Context, userID string) ([]string, error)
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	UpsertRole(ctx context.Context, role rbac.Role) error
	DeleteRole(ctx context.Context, name string) error
	AssignRole(ctx context.Context, userID, roleName string) (bool, error)
	UnassignRole(ctx context.Context, userID, roleName string) error
}

// closure is the resolved permission set of one role.
type closure struct {
	perms  []string // sorted permission names
	cyclic bool
}

// roleSnapshot is an immutable view of the role graph. Closures are computed
// once per snapshot, so any mutation invalidates them by publishing a new one.
type roleSnapshot struct {
	roles    map[string]rbac.Role
	closures map[string]closure
	// grants counts how many roles directly grant each permission.
	grants map[string]int
}

func newRoleSnapshot(roles map[string]rbac.Role) *roleSnapshot {
	s := &roleSnapshot{
		roles:    roles,
		closures: resolveClosures(roles),
		grants:   make(map[string]int),
	}
	for _, r := range roles {
		for _, p := range r.Permissions {
			s.grants[p]++
		}
	}
	return s
}

// resolveClosures computes every role's transitive permission set with a
// memoized depth-first walk. A parent's closure is reused by all of its
// descendants, so the whole graph resolves in O(V+E). Roles on or above a
// cycle are marked cyclic and resolve to nothing.
func resolveClosures(roles map[string]rbac.Role) map[string]closure {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(roles))
	out := make(map[string]closure, len(roles))

	var visit func(name string) closure
	visit = func(name string) closure {
		switch state[name] {
		case done:
			return out[name]
		case visiting:
			return closure{cyclic: true}
		}
		role, ok := roles[name]
		if !ok {
			return closure{}
		}
		state[name] = visiting

		set := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
		cyclic := false
		for _, parent := range role.Inherits {
			pc := visit(parent)
			if pc.cyclic {
				cyclic = true
				continue
			}
			for _, p := range pc.perms {
				set[p] = struct{}{}
			}
		}

		c := closure{cyclic: cyclic}
		if !cyclic {
			c.perms = slices.Sorted(maps.Keys(set))
		}
		state[name] = done
		out[name] = c
		return c
	}

	for name := range roles {
		visit(name)
	}
	return out
}

// RoleGraph manages roles, their inheritance and user assignments.
type RoleGraph struct {
	store    RoleStore
	registry *PermissionRegistry
	snap     atomic.Pointer[roleSnapshot]
	// mu is the registry's writer lock. Sharing it keeps a permission's
	// in-use check and a role publish that grants it from interleaving.
	mu       *sync.Mutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewRoleGraph creates an empty graph bound to registry. It registers itself
// with the registry so granted permissions cannot be revised or deleted, and
// serializes its writes with the registry's.
func NewRoleGraph(store RoleStore, registry *PermissionRegistry, logger *slog.Logger) *RoleGraph {
	g := &RoleGraph{
		store:    store,
		registry: registry,
		mu:       &registry.mu,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	g.snap.Store(newRoleSnapshot(map[string]rbac.Role{}))
	registry.setInUseCheck(g.grants)
	return g
}

func (g *RoleGraph) grants(permission string) bool {
	return g.snap.Load().grants[permission] > 0
}

// Load replaces the graph with the stored roles. Stored roles are not
// validated; cycles are caught when permissions are resolved.
func (g *RoleGraph) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	roles, err := g.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	byName := make(map[string]rbac.Role, len(roles))
	for _, r := range roles {
		byName[r.Name] = r.Clone()
	}
	snap := newRoleSnapshot(byName)
	for name, c := range snap.closures {
		if c.cyclic {
			g.logger.Error("stored role has cyclic inheritance", "role", name)
		}
	}
	g.snap.Store(snap)
	g.logger.Info("roles loaded", "count", len(byName))
	return nil
}

func normalizeRole(role rbac.Role) (rbac.Role, error) {
	role = role.Clone()
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return rbac.Role{}, fmt.Errorf("%w: role name is required", rbac.ErrInvalid)
	}
	role.Permissions = dedupeSorted(role.Permissions)
	role.Inherits = dedupeSorted(role.Inherits)
	return role, nil
}

func dedupeSorted(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// checkRole verifies that references resolve and that the candidate graph
// has no cycle through role. Caller holds mu.
func (g *RoleGraph) checkRole(role rbac.Role, candidate map[string]rbac.Role) (*roleSnapshot, error) {
	for _, p := range role.Permissions {
		if !g.registry.Exists(p) {
			return nil, fmt.Errorf("permission %q: %w", p, rbac.ErrNotFound)
		}
	}
	for _, parent := range role.Inherits {
		if parent == role.Name {
			return nil, fmt.Errorf("role %q inherits itself: %w", role.Name, rbac.ErrCyclicInheritance)
		}
		if _, ok := candidate[parent]; !ok {
			return nil, fmt.Errorf("parent role %q: %w", parent, rbac.ErrNotFound)
		}
	}
	snap := newRoleSnapshot(candidate)
	if snap.closures[role.Name].cyclic {
		return nil, fmt.Errorf("role %q: %w", role.Name, rbac.ErrCyclicInheritance)
	}
	return snap, nil
}

// CreateRole adds a new role.
func (g *RoleGraph) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	role, err := normalizeRole(role)
	if err != nil {
		return rbac.Role{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.snap.Load()
	if _, ok := cur.roles[role.Name]; ok {
		return rbac.Role{}, fmt.Errorf("role %q: %w", role.Name, rbac.ErrDuplicateName)
	}
	now := g.now()
	role.CreatedAt = now
	role.UpdatedAt = now

	candidate := maps.Clone(cur.roles)
	candidate[role.Name] = role
	next, err := g.checkRole(role, candidate)
	if err != nil {
		return rbac.Role{}, err
	}
	if err := g.store.UpsertRole(ctx, role); err != nil {
		return rbac.Role{}, fmt.Errorf("failed to persist role: %w", err)
	}
	g.snap.Store(next)
	return role.Clone(), nil
}

// EnsureRole creates role unless one with the same name exists, in which case
// the existing role is returned unchanged.
func (g *RoleGraph) EnsureRole(ctx context.Context, role rbac.Role) (rbac.Role, bool, error) {
	if existing, err := g.Get(strings.TrimSpace(role.Name)); err == nil {
		return existing, false, nil
	}
	created, err := g.CreateRole(ctx, role)
	if err != nil {
		if errors.Is(err, rbac.ErrDuplicateName) {
			existing, getErr := g.Get(strings.TrimSpace(role.Name))
			if getErr == nil {
				return existing, false, nil
			}
		}
		return rbac.Role{}, false, err
	}
	return created, true, nil
}

// UpdateRole replaces the level, permissions and parents of an existing role.
// The system flag and creation time are preserved. On error the graph is unchanged.
func (g *RoleGraph) UpdateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	role, err := normalizeRole(role)
	if err != nil {
		return rbac.Role{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.snap.Load()
	old, ok := cur.roles[role.Name]
	if !ok {
		return rbac.Role{}, fmt.Errorf("role %q: %w", role.Name, rbac.ErrNotFound)
	}
	role.IsSystem = old.IsSystem
	role.CreatedAt = old.CreatedAt
	role.UpdatedAt = g.now()
	return g.replace(ctx, cur, role)
}

// AddParent makes role inherit from parent.
func (g *RoleGraph) AddParent(ctx context.Context, roleName, parent string) (rbac.Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.snap.Load()
	role, ok := cur.roles[roleName]
	if !ok {
		return rbac.Role{}, fmt.Errorf("role %q: %w", roleName, rbac.ErrNotFound)
	}
	if slices.Contains(role.Inherits, parent) {
		return role.Clone(), nil
	}
	role = role.Clone()
	role.Inherits = dedupeSorted(append(role.Inherits, parent))
	role.UpdatedAt = g.now()
	return g.replace(ctx, cur, role)
}

// replace validates and commits a changed role. Caller holds mu.
func (g *RoleGraph) replace(ctx context.Context, cur *roleSnapshot, role rbac.Role) (rbac.Role, error) {
	candidate := maps.Clone(cur.roles)
	candidate[role.Name] = role
	next, err := g.checkRole(role, candidate)
	if err != nil {
		return rbac.Role{}, err
	}
	if err := g.store.UpsertRole(ctx, role); err != nil {
		return rbac.Role{}, fmt.Errorf("failed to persist role: %w", err)
	}
	g.snap.Store(next)
	return role.Clone(), nil
}

// DeleteRole removes a role and its assignments. System roles require
// privileged; roles other roles inherit from cannot be deleted.
func (g *RoleGraph) DeleteRole(ctx context.Context, name string, privileged bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.snap.Load()
	role, ok := cur.roles[name]
	if !ok {
		return fmt.Errorf("role %q: %w", name, rbac.ErrNotFound)
	}
	if role.IsSystem && !privileged {
		return fmt.Errorf("role %q: %w", name, rbac.ErrSystemRole)
	}
	for _, other := range cur.roles {
		if other.Name != name && slices.Contains(other.Inherits, name) {
			return fmt.Errorf("role %q is inherited by %q: %w", name, other.Name, rbac.ErrRoleInUse)
		}
	}
	if err := g.store.DeleteRole(ctx, name); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	next := maps.Clone(cur.roles)
	delete(next, name)
	g.snap.Store(newRoleSnapshot(next))
	return nil
}

// Get returns a copy of the named role or rbac.ErrNotFound.
func (g *RoleGraph) Get(name string) (rbac.Role, error) {
	role, ok := g.snap.Load().roles[name]
	if !ok {
		return rbac.Role{}, fmt.Errorf("role %q: %w", name, rbac.ErrNotFound)
	}
	return role.Clone(), nil
}

// Roles returns every role sorted by level, then name.
func (g *RoleGraph) Roles() []rbac.Role {
	snap := g.snap.Load()
	out := make([]rbac.Role, 0, len(snap.roles))
	for _, r := range snap.roles {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b rbac.Role) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// EffectivePermissions returns the transitive permission set of a role,
// sorted by name. A role whose inheritance is cyclic fails closed with
// rbac.ErrCyclicInheritance.
func (g *RoleGraph) EffectivePermissions(name string) ([]rbac.Permission, error) {
	snap := g.snap.Load()
	if _, ok := snap.roles[name]; !ok {
		return nil, fmt.Errorf("role %q: %w", name, rbac.ErrNotFound)
	}
	c := snap.closures[name]
	if c.cyclic {
		return nil, fmt.Errorf("role %q: %w", name, rbac.ErrCyclicInheritance)
	}
	out := make([]rbac.Permission, 0, len(c.perms))
	for _, pn := range c.perms {
		p, err := g.registry.Get(pn)
		if err != nil {
			g.logger.Warn("role grants unknown permission", "role", name, "permission", pn)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RolesOf returns the roles assigned to a user, sorted by name.
// Store failures wrap outbound.ErrStoreUnavailable.
func (g *RoleGraph) RolesOf(ctx context.Context, userID string) ([]rbac.Role, error) {
	names, err := g.store.GetRolesByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, outbound.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", outbound.ErrStoreUnavailable, err)
	}
	snap := g.snap.Load()
	out := make([]rbac.Role, 0, len(names))
	for _, n := range names {
		if r, ok := snap.roles[n]; ok {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b rbac.Role) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Assign gives a user a role. Assigning a role the user already holds
// succeeds and reports created=false.
func (g *RoleGraph) Assign(ctx context.Context, userID, roleName string) (bool, error) {
	if _, err := g.Get(roleName); err != nil {
		return false, err
	}
	if _, err := g.store.GetUser(ctx, userID); err != nil {
		return false, fmt.Errorf("user %q: %w", userID, err)
	}
	created, err := g.store.AssignRole(ctx, userID, roleName)
	if err != nil {
		return false, fmt.Errorf("failed to assign role: %w", err)
	}
	return created, nil
}

// Unassign removes a role from a user. Removing a role the user does not hold succeeds.
func (g *RoleGraph) Unassign(ctx context.Context, userID, roleName string) error {
	if err := g.store.UnassignRole(ctx, userID, roleName); err != nil {
		return fmt.Errorf("failed to unassign role: %w", err)
	}
	return nil
}
