package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

func bootSeed() *service.SeedDocument {
	return &service.SeedDocument{
		Permissions: []rbac.Permission{
			{Resource: "job", Action: "read", Scope: []string{"own"}},
			{Resource: "job", Action: "approve", Scope: []string{"company"}},
		},
		Roles: []service.SeedRole{
			{Role: rbac.Role{Name: "worker", Level: 10, Permissions: []string{"job:read"}}},
			{Role: rbac.Role{Name: "manager", Level: 20, Permissions: []string{"job:approve"}, Inherits: []string{"worker"}}},
		},
		Users: []service.SeedUser{
			{Username: "bob", Password: "correct horse", Roles: []string{"manager"}},
		},
	}
}

// bootAndSeed connects repo, loads the registry and graph, applies the seed
// and disconnects, as "trustgate seed" does.
func bootAndSeed(t *testing.T, repo outbound.Repository) service.SeedReport {
	t.Helper()
	ctx := context.Background()
	if err := repo.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() {
		if err := repo.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect: %v", err)
		}
	}()
	registry := service.NewPermissionRegistry(repo, nil, testLogger())
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("registry Load: %v", err)
	}
	graph := service.NewRoleGraph(repo, registry, testLogger())
	if err := graph.Load(ctx); err != nil {
		t.Fatalf("graph Load: %v", err)
	}
	rep, err := service.NewSeeder(registry, graph, repo, testLogger()).Apply(ctx, bootSeed())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return rep
}

// TestBoot_SeedSurvivesRestart verifies that persistent drivers keep seeded
// data across a restart and that reseeding creates nothing.
func TestBoot_SeedSurvivesRestart(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T, dir string) outbound.Repository
	}{
		{"state", func(t *testing.T, dir string) outbound.Repository {
			return state.NewRepository(filepath.Join(dir, "state.json"), testLogger())
		}},
		{"sqlite", func(t *testing.T, dir string) outbound.Repository {
			st, err := sqlstore.Open(sqlstore.DialectSQLite, filepath.Join(dir, "trustgate.db"), testLogger())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			return st
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()

			first := bootAndSeed(t, tt.open(t, dir))
			if first.PermissionsCreated != 2 || first.RolesCreated != 2 || first.UsersCreated != 1 || first.AssignmentsCreated != 1 {
				t.Fatalf("first boot report = %+v", first)
			}

			second := bootAndSeed(t, tt.open(t, dir))
			if second != (service.SeedReport{}) {
				t.Errorf("second boot report = %+v, want nothing created", second)
			}

			repo := tt.open(t, dir)
			ctx := context.Background()
			if err := repo.Connect(ctx); err != nil {
				t.Fatal(err)
			}
			defer func() { _ = repo.Disconnect(ctx) }()
			bob, err := repo.GetUserByName(ctx, "bob")
			if err != nil {
				t.Fatalf("GetUserByName: %v", err)
			}
			roles, err := repo.GetRolesByUser(ctx, bob.ID)
			if err != nil || len(roles) != 1 || roles[0] != "manager" {
				t.Errorf("roles = %v, %v", roles, err)
			}
			if ok, _ := rbac.VerifyPassword("correct horse", bob.PasswordHash); !ok {
				t.Error("stored password hash does not verify")
			}
		})
	}
}
