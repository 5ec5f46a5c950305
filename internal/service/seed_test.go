package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

const bankSeed = `
permissions:
  - resource: job
    action: read
    scope: [global]
  - resource: payment
    action: refund
    scope: [company]
    conditions:
      required_trust_level: 70
roles:
  - name: MANAGER
    level: 2
    permissions: [payment:refund]
    inherits: [WORKER]
  - name: WORKER
    level: 1
    permissions: [job:read]
  - name: SUPER_ADMIN
    level: 10
    is_system: true
    all_permissions: true
users:
  - id: u-admin
    username: admin
    password: change-me
    roles: [SUPER_ADMIN]
  - username: bob
    password: hunter2
    roles: [MANAGER, WORKER]
`

func TestParseSeed(t *testing.T) {
	doc, err := ParseSeed(strings.NewReader(bankSeed))
	if err != nil {
		t.Fatalf("ParseSeed() error: %v", err)
	}
	if len(doc.Permissions) != 2 || len(doc.Roles) != 3 || len(doc.Users) != 2 {
		t.Fatalf("doc = %d perms, %d roles, %d users", len(doc.Permissions), len(doc.Roles), len(doc.Users))
	}
	if doc.Permissions[1].Conditions.RequiredTrustLevel != 70 {
		t.Errorf("required trust = %d, want 70", doc.Permissions[1].Conditions.RequiredTrustLevel)
	}
	if !doc.Roles[2].AllPermissions || !doc.Roles[2].IsSystem {
		t.Errorf("SUPER_ADMIN = %+v", doc.Roles[2])
	}

	if _, err := ParseSeed(strings.NewReader("roles:\n  - name: X\n    colour: blue\n")); err == nil {
		t.Error("unknown field accepted")
	}
	empty, err := ParseSeed(strings.NewReader(""))
	if err != nil || len(empty.Roles) != 0 {
		t.Errorf("ParseSeed(empty) = %+v, %v", empty, err)
	}
}

func TestSeeder_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := ParseSeed(strings.NewReader(bankSeed))
	if err != nil {
		t.Fatal(err)
	}
	seeder := NewSeeder(f.registry, f.graph, f.repo, discardLogger())

	rep, err := seeder.Apply(ctx, doc)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	want := SeedReport{PermissionsCreated: 2, RolesCreated: 3, UsersCreated: 2, AssignmentsCreated: 3}
	if rep != want {
		t.Errorf("first Apply() = %+v, want %+v", rep, want)
	}

	rep, err = seeder.Apply(ctx, doc)
	if err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	if rep != (SeedReport{}) {
		t.Errorf("second Apply() = %+v, want nothing created", rep)
	}

	perms, err := f.graph.EffectivePermissions("SUPER_ADMIN")
	if err != nil || len(perms) != 2 {
		t.Errorf("SUPER_ADMIN permissions = %v, %v; want all 2", permNames(perms), err)
	}
	perms, _ = f.graph.EffectivePermissions("MANAGER")
	if len(perms) != 2 {
		t.Errorf("MANAGER permissions = %v, want inherited job:read", permNames(perms))
	}

	admin, err := f.repo.GetUserByName(ctx, "admin")
	if err != nil || admin.ID != "u-admin" {
		t.Fatalf("admin = %+v, %v", admin, err)
	}
	if ok, _ := rbac.VerifyPassword("change-me", admin.PasswordHash); !ok {
		t.Error("seeded password does not verify")
	}
	if !f.repo.HasAssignment("u-admin", "SUPER_ADMIN") {
		t.Error("admin missing SUPER_ADMIN")
	}
}

func TestSeeder_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"cyclic parents", "roles:\n  - name: A\n    inherits: [B]\n  - name: B\n    inherits: [A]\n", rbac.ErrCyclicInheritance},
		{"missing parent", "roles:\n  - name: A\n    inherits: [GHOST]\n", rbac.ErrCyclicInheritance},
		{"unknown permission", "roles:\n  - name: A\n    permissions: [job:fly]\n", rbac.ErrNotFound},
		{"no password", "users:\n  - username: carol\n", rbac.ErrInvalid},
		{"password and hash", "users:\n  - username: carol\n    password: x\n    password_hash: y\n", rbac.ErrInvalid},
		{"invalid permission", "permissions:\n  - resource: job\n", rbac.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			doc, err := ParseSeed(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := NewSeeder(f.registry, f.graph, f.repo, discardLogger()).Apply(ctx, doc); !errors.Is(err, tt.want) {
				t.Errorf("Apply() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(bankSeed), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadSeedFile(path)
	if err != nil || len(doc.Users) != 2 {
		t.Errorf("LoadSeedFile() = %+v, %v", doc, err)
	}
	if _, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadSeedFile(missing) succeeded")
	}
}
