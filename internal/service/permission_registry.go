package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// PermissionStore persists permissions.
type PermissionStore interface {
	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
	UpsertPermission(ctx context.Context, p rbac.Permission) error
	DeletePermission(ctx context.Context, name string) error
}

// permissionSnapshot is an immutable view of the registry.
type permissionSnapshot struct {
	byName map[string]rbac.Permission
	names  []string // sorted
}

func newPermissionSnapshot(byName map[string]rbac.Permission) *permissionSnapshot {
	return &permissionSnapshot{
		byName: byName,
		names:  slices.Sorted(maps.Keys(byName)),
	}
}

// PermissionRegistry holds every known permission. Reads are lock-free
// against the current snapshot; writers serialize on mu, persist, and then
// publish a new snapshot. A bound RoleGraph writes under the same mu.
type PermissionRegistry struct {
	store  PermissionStore
	exprs  ExpressionEvaluator
	snap   atomic.Pointer[permissionSnapshot]
	mu     sync.Mutex
	inUse  atomic.Pointer[func(name string) bool]
	logger *slog.Logger
}

// NewPermissionRegistry creates an empty registry. Call Load to hydrate it.
// exprs is used to reject invalid condition expressions at registration.
func NewPermissionRegistry(store PermissionStore, exprs ExpressionEvaluator, logger *slog.Logger) *PermissionRegistry {
	r := &PermissionRegistry{
		store:  store,
		exprs:  exprs,
		logger: logger,
	}
	r.snap.Store(newPermissionSnapshot(map[string]rbac.Permission{}))
	return r
}

// setInUseCheck installs the predicate reporting whether a role grants a permission.
func (r *PermissionRegistry) setInUseCheck(fn func(name string) bool) {
	r.inUse.Store(&fn)
}

func (r *PermissionRegistry) referenced(name string) bool {
	fn := r.inUse.Load()
	return fn != nil && (*fn)(name)
}

// Load replaces the registry contents with the stored permissions.
func (r *PermissionRegistry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perms, err := r.store.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}
	byName := make(map[string]rbac.Permission, len(perms))
	for _, p := range perms {
		p = p.Normalize()
		if err := validatePermission(p, r.exprs); err != nil {
			r.logger.Warn("stored permission is invalid, skipping",
				"permission", p.Name,
				"error", err,
			)
			continue
		}
		byName[p.Name] = p
	}
	r.snap.Store(newPermissionSnapshot(byName))
	r.logger.Info("permissions loaded", "count", len(byName))
	return nil
}

// Register adds a new permission. Returns rbac.ErrDuplicateName if the name exists.
func (r *PermissionRegistry) Register(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	p = p.Normalize()
	if err := validatePermission(p, r.exprs); err != nil {
		return rbac.Permission{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byName[p.Name]; ok {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", p.Name, rbac.ErrDuplicateName)
	}
	p.Version = 1
	if err := r.commit(ctx, cur, p); err != nil {
		return rbac.Permission{}, err
	}
	return p.Clone(), nil
}

// Ensure registers p unless a permission with the same name exists, in which
// case the existing permission is returned unchanged. created reports which.
func (r *PermissionRegistry) Ensure(ctx context.Context, p rbac.Permission) (perm rbac.Permission, created bool, err error) {
	p = p.Normalize()
	if existing, err := r.Get(p.Name); err == nil {
		if !existing.Equal(p) {
			r.logger.Debug("ensure kept existing permission with different definition", "permission", p.Name)
		}
		return existing, false, nil
	}
	perm, err = r.Register(ctx, p)
	if err == nil {
		return perm, true, nil
	}
	// Lost a race with another writer.
	if existing, getErr := r.Get(p.Name); getErr == nil {
		return existing, false, nil
	}
	return rbac.Permission{}, false, err
}

// Revise replaces an existing permission and bumps its version.
// Returns rbac.ErrPermissionInUse while any role grants it.
func (r *PermissionRegistry) Revise(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	p = p.Normalize()
	if err := validatePermission(p, r.exprs); err != nil {
		return rbac.Permission{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, ok := cur.byName[p.Name]
	if !ok {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", p.Name, rbac.ErrNotFound)
	}
	if r.referenced(p.Name) {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", p.Name, rbac.ErrPermissionInUse)
	}
	p.Version = old.Version + 1
	if err := r.commit(ctx, cur, p); err != nil {
		return rbac.Permission{}, err
	}
	return p.Clone(), nil
}

// Delete removes an unreferenced permission.
func (r *PermissionRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return fmt.Errorf("permission %q: %w", name, rbac.ErrNotFound)
	}
	if r.referenced(name) {
		return fmt.Errorf("permission %q: %w", name, rbac.ErrPermissionInUse)
	}
	if err := r.store.DeletePermission(ctx, name); err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	next := maps.Clone(cur.byName)
	delete(next, name)
	r.snap.Store(newPermissionSnapshot(next))
	return nil
}

// commit persists p and publishes a snapshot containing it. Caller holds mu.
func (r *PermissionRegistry) commit(ctx context.Context, cur *permissionSnapshot, p rbac.Permission) error {
	if err := r.store.UpsertPermission(ctx, p); err != nil {
		return fmt.Errorf("failed to persist permission: %w", err)
	}
	next := maps.Clone(cur.byName)
	next[p.Name] = p
	r.snap.Store(newPermissionSnapshot(next))
	return nil
}

// Get returns a copy of the named permission or rbac.ErrNotFound.
func (r *PermissionRegistry) Get(name string) (rbac.Permission, error) {
	p, ok := r.snap.Load().byName[name]
	if !ok {
		return rbac.Permission{}, fmt.Errorf("permission %q: %w", name, rbac.ErrNotFound)
	}
	return p.Clone(), nil
}

// Exists reports whether the named permission is registered.
func (r *PermissionRegistry) Exists(name string) bool {
	_, ok := r.snap.Load().byName[name]
	return ok
}

// Len returns the number of registered permissions.
func (r *PermissionRegistry) Len() int {
	return len(r.snap.Load().names)
}

// List returns a sequence over the permissions in name order. The sequence
// reads the snapshot current when List was called and can be ranged over
// any number of times.
func (r *PermissionRegistry) List() iter.Seq[rbac.Permission] {
	snap := r.snap.Load()
	return func(yield func(rbac.Permission) bool) {
		for _, name := range snap.names {
			if !yield(snap.byName[name].Clone()) {
				return
			}
		}
	}
}
