package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

func permNames(perms []rbac.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.Name
	}
	return out
}

func TestRoleGraph_TransitiveInheritance(t *testing.T) {
	for _, depth := range []int{1, 2, 5, 20} {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			f := newFixture(t)
			f.perm(t, "job", "read")
			f.role(t, "R0", []string{"job:read"})
			for i := 1; i <= depth; i++ {
				f.role(t, fmt.Sprintf("R%d", i), nil, fmt.Sprintf("R%d", i-1))
			}

			perms, err := f.graph.EffectivePermissions(fmt.Sprintf("R%d", depth))
			if err != nil {
				t.Fatalf("EffectivePermissions() error: %v", err)
			}
			if !slices.Equal(permNames(perms), []string{"job:read"}) {
				t.Errorf("EffectivePermissions() = %v, want [job:read]", permNames(perms))
			}
		})
	}
}

func TestRoleGraph_DiamondIsUnionSortedByName(t *testing.T) {
	f := newFixture(t)
	for _, a := range []string{"read", "write", "delete"} {
		f.perm(t, "job", a)
	}
	f.role(t, "BASE", []string{"job:read"})
	f.role(t, "LEFT", []string{"job:write"}, "BASE")
	f.role(t, "RIGHT", []string{"job:delete"}, "BASE")
	f.role(t, "TOP", nil, "LEFT", "RIGHT")

	perms, err := f.graph.EffectivePermissions("TOP")
	if err != nil {
		t.Fatalf("EffectivePermissions() error: %v", err)
	}
	want := []string{"job:delete", "job:read", "job:write"}
	if !slices.Equal(permNames(perms), want) {
		t.Errorf("EffectivePermissions() = %v, want %v", permNames(perms), want)
	}
}

func TestRoleGraph_CreateRoleErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")
	f.role(t, "WORKER", []string{"job:read"})

	tests := []struct {
		name string
		role rbac.Role
		want error
	}{
		{"duplicate", rbac.Role{Name: "WORKER"}, rbac.ErrDuplicateName},
		{"unknown permission", rbac.Role{Name: "X", Permissions: []string{"job:fly"}}, rbac.ErrNotFound},
		{"unknown parent", rbac.Role{Name: "X", Inherits: []string{"GHOST"}}, rbac.ErrNotFound},
		{"self inheritance", rbac.Role{Name: "X", Inherits: []string{"X"}}, rbac.ErrCyclicInheritance},
		{"empty name", rbac.Role{Name: "  "}, rbac.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.graph.CreateRole(ctx, tt.role); !errors.Is(err, tt.want) {
				t.Errorf("CreateRole() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRoleGraph_CycleRejectedAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")
	f.perm(t, "job", "write")
	f.role(t, "A", []string{"job:read"})
	f.role(t, "B", nil, "A")
	f.role(t, "C", nil, "B")

	before := f.graph.Roles()
	storedBefore, _ := f.repo.ListRoles(ctx)

	if _, err := f.graph.AddParent(ctx, "A", "C"); !errors.Is(err, rbac.ErrCyclicInheritance) {
		t.Fatalf("AddParent() error = %v, want ErrCyclicInheritance", err)
	}
	_, err := f.graph.UpdateRole(ctx, rbac.Role{Name: "A", Permissions: []string{"job:read", "job:write"}, Inherits: []string{"B"}})
	if !errors.Is(err, rbac.ErrCyclicInheritance) {
		t.Fatalf("UpdateRole() error = %v, want ErrCyclicInheritance", err)
	}

	after := f.graph.Roles()
	if len(after) != len(before) {
		t.Fatalf("role count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Name != after[i].Name || !slices.Equal(before[i].Inherits, after[i].Inherits) ||
			!slices.Equal(before[i].Permissions, after[i].Permissions) {
			t.Errorf("role %s changed after rejected mutation", before[i].Name)
		}
	}
	storedAfter, _ := f.repo.ListRoles(ctx)
	for i := range storedBefore {
		if !slices.Equal(storedBefore[i].Inherits, storedAfter[i].Inherits) {
			t.Errorf("stored role %s changed after rejected mutation", storedBefore[i].Name)
		}
	}
	perms, err := f.graph.EffectivePermissions("C")
	if err != nil || !slices.Equal(permNames(perms), []string{"job:read"}) {
		t.Errorf("EffectivePermissions(C) = %v, %v after rejected cycle", permNames(perms), err)
	}
}

func TestRoleGraph_UpdateInvalidatesDescendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")
	f.perm(t, "job", "write")
	f.role(t, "BASE", []string{"job:read"})
	f.role(t, "CHILD", nil, "BASE")

	if _, err := f.graph.EffectivePermissions("CHILD"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.graph.UpdateRole(ctx, rbac.Role{Name: "BASE", Permissions: []string{"job:read", "job:write"}}); err != nil {
		t.Fatalf("UpdateRole() error: %v", err)
	}
	perms, _ := f.graph.EffectivePermissions("CHILD")
	if !slices.Equal(permNames(perms), []string{"job:read", "job:write"}) {
		t.Errorf("child did not see parent update: %v", permNames(perms))
	}
}

func TestRoleGraph_StoredCycleFailsClosed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	_ = repo.UpsertPermission(ctx, rbac.Permission{Name: "job:read", Resource: "job", Action: "read", Scope: []string{"global"}})
	_ = repo.UpsertRole(ctx, rbac.Role{Name: "A", Permissions: []string{"job:read"}, Inherits: []string{"B"}})
	_ = repo.UpsertRole(ctx, rbac.Role{Name: "B", Inherits: []string{"A"}})
	_ = repo.UpsertRole(ctx, rbac.Role{Name: "C", Inherits: []string{"A"}})
	_ = repo.UpsertRole(ctx, rbac.Role{Name: "D", Permissions: []string{"job:read"}})

	reg := NewPermissionRegistry(repo, nil, discardLogger())
	graph := NewRoleGraph(repo, reg, discardLogger())
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := graph.Load(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"A", "B", "C"} {
		if _, err := graph.EffectivePermissions(name); !errors.Is(err, rbac.ErrCyclicInheritance) {
			t.Errorf("EffectivePermissions(%s) error = %v, want ErrCyclicInheritance", name, err)
		}
	}
	if perms, err := graph.EffectivePermissions("D"); err != nil || len(perms) != 1 {
		t.Errorf("EffectivePermissions(D) = %v, %v; unrelated role must resolve", perms, err)
	}
}

func TestRoleGraph_DeleteRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")
	f.role(t, "BASE", []string{"job:read"})
	f.role(t, "CHILD", nil, "BASE")
	if _, err := f.graph.CreateRole(ctx, rbac.Role{Name: "ROOT", IsSystem: true}); err != nil {
		t.Fatal(err)
	}
	f.user(t, "u1", "CHILD")

	if err := f.graph.DeleteRole(ctx, "BASE", true); !errors.Is(err, rbac.ErrRoleInUse) {
		t.Errorf("DeleteRole(inherited) error = %v, want ErrRoleInUse", err)
	}
	if err := f.graph.DeleteRole(ctx, "ROOT", false); !errors.Is(err, rbac.ErrSystemRole) {
		t.Errorf("DeleteRole(system) error = %v, want ErrSystemRole", err)
	}
	if err := f.graph.DeleteRole(ctx, "ROOT", true); err != nil {
		t.Errorf("privileged DeleteRole(system) error: %v", err)
	}
	if err := f.graph.DeleteRole(ctx, "CHILD", false); err != nil {
		t.Fatalf("DeleteRole() error: %v", err)
	}
	if f.repo.HasAssignment("u1", "CHILD") {
		t.Error("assignment survived role deletion")
	}
	if err := f.graph.DeleteRole(ctx, "CHILD", false); !errors.Is(err, rbac.ErrNotFound) {
		t.Errorf("DeleteRole(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRoleGraph_AssignIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")
	f.role(t, "WORKER", []string{"job:read"})
	f.user(t, "u1")

	created, err := f.graph.Assign(ctx, "u1", "WORKER")
	if err != nil || !created {
		t.Fatalf("first Assign() = %v, %v", created, err)
	}
	created, err = f.graph.Assign(ctx, "u1", "WORKER")
	if err != nil || created {
		t.Errorf("second Assign() = %v, %v; want false, nil", created, err)
	}
	roles, err := f.graph.RolesOf(ctx, "u1")
	if err != nil || len(roles) != 1 {
		t.Errorf("RolesOf() = %v, %v; want exactly one role", roles, err)
	}

	if _, err := f.graph.Assign(ctx, "u1", "GHOST"); !errors.Is(err, rbac.ErrNotFound) {
		t.Errorf("Assign(unknown role) error = %v, want ErrNotFound", err)
	}
	if _, err := f.graph.Assign(ctx, "nobody", "WORKER"); !errors.Is(err, rbac.ErrNotFound) {
		t.Errorf("Assign(unknown user) error = %v, want ErrNotFound", err)
	}

	if err := f.graph.Unassign(ctx, "u1", "WORKER"); err != nil {
		t.Fatal(err)
	}
	if err := f.graph.Unassign(ctx, "u1", "WORKER"); err != nil {
		t.Errorf("second Unassign() error: %v", err)
	}
}

func TestRoleGraph_ConcurrentAssignCreatesOnce(t *testing.T) {
	f := newFixture(t)
	f.perm(t, "job", "read")
	f.role(t, "WORKER", []string{"job:read"})
	f.user(t, "u1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := f.graph.Assign(context.Background(), "u1", "WORKER")
			if err != nil {
				t.Errorf("Assign() error: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if createdCount != 1 {
		t.Errorf("created %d assignments, want 1", createdCount)
	}
}

func TestRoleGraph_RolesOfStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.perm(t, "job", "read")
	f.role(t, "WORKER", []string{"job:read"})
	f.user(t, "u1", "WORKER")
	f.repo.setFailRoles(true)

	if _, err := f.graph.RolesOf(context.Background(), "u1"); !errors.Is(err, outbound.ErrStoreUnavailable) {
		t.Errorf("RolesOf() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestRoleGraph_EnsureRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.perm(t, "job", "read")

	r, created, err := f.graph.EnsureRole(ctx, rbac.Role{Name: "WORKER", Level: 1, Permissions: []string{"job:read"}})
	if err != nil || !created {
		t.Fatalf("EnsureRole() = %v, %v", created, err)
	}
	again, created, err := f.graph.EnsureRole(ctx, rbac.Role{Name: "WORKER", Level: 9})
	if err != nil || created {
		t.Fatalf("second EnsureRole() = %v, %v", created, err)
	}
	if again.Level != r.Level {
		t.Errorf("EnsureRole() modified the existing role: level %d", again.Level)
	}
}
