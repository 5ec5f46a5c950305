package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// SeedDocument is the YAML bootstrap format for permissions, roles and users.
type SeedDocument struct {
	Permissions []rbac.Permission `yaml:"permissions"`
	Roles       []SeedRole        `yaml:"roles"`
	Users       []SeedUser        `yaml:"users"`
}

// SeedRole is a role definition in a seed document.
type SeedRole struct {
	rbac.Role `yaml:",inline"`
	// AllPermissions grants every permission registered when the seed is applied.
	AllPermissions bool `yaml:"all_permissions"`
}

// SeedUser is a user definition in a seed document. Exactly one of
// Password and PasswordHash is set.
type SeedUser struct {
	ID              string   `yaml:"id"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	PasswordHash    string   `yaml:"password_hash"`
	OTPSecret       string   `yaml:"otp_secret"`
	PreferredStepUp string   `yaml:"preferred_step_up"`
	Disabled        bool     `yaml:"disabled"`
	Roles           []string `yaml:"roles"`
}

// SeedReport counts what a seed run created.
type SeedReport struct {
	PermissionsCreated int
	RolesCreated       int
	UsersCreated       int
	AssignmentsCreated int
}

// UserWriter creates users.
type UserWriter interface {
	GetUserByName(ctx context.Context, username string) (*rbac.User, error)
	UpsertUser(ctx context.Context, user rbac.User) error
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*SeedDocument, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc SeedDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &doc, nil
}

// LoadSeedFile reads and decodes a seed file.
func LoadSeedFile(path string) (*SeedDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseSeed(f)
}

// Seeder applies seed documents. Every step is idempotent by natural key,
// so a document can be applied on every boot.
type Seeder struct {
	registry *PermissionRegistry
	graph    *RoleGraph
	users    UserWriter
	logger   *slog.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(registry *PermissionRegistry, graph *RoleGraph, users UserWriter, logger *slog.Logger) *Seeder {
	return &Seeder{registry: registry, graph: graph, users: users, logger: logger}
}

// Apply ensures everything in doc exists. Existing entries are left unchanged.
func (s *Seeder) Apply(ctx context.Context, doc *SeedDocument) (SeedReport, error) {
	var rep SeedReport

	for _, p := range doc.Permissions {
		_, created, err := s.registry.Ensure(ctx, p)
		if err != nil {
			return rep, fmt.Errorf("permission %q: %w", p.Normalize().Name, err)
		}
		if created {
			rep.PermissionsCreated++
		}
	}

	// Parents must exist before children; create in passes until no progress.
	remaining := make([]SeedRole, len(doc.Roles))
	copy(remaining, doc.Roles)
	for len(remaining) > 0 {
		var next []SeedRole
		for _, sr := range remaining {
			if !s.parentsReady(sr.Role) {
				next = append(next, sr)
				continue
			}
			role := sr.Role
			if sr.AllPermissions {
				role.Permissions = nil
				for p := range s.registry.List() {
					role.Permissions = append(role.Permissions, p.Name)
				}
			}
			_, created, err := s.graph.EnsureRole(ctx, role)
			if err != nil {
				return rep, fmt.Errorf("role %q: %w", role.Name, err)
			}
			if created {
				rep.RolesCreated++
			}
		}
		if len(next) == len(remaining) {
			names := make([]string, len(next))
			for i, sr := range next {
				names[i] = sr.Name
			}
			return rep, fmt.Errorf("roles %s have missing or cyclic parents: %w",
				strings.Join(names, ", "), rbac.ErrCyclicInheritance)
		}
		remaining = next
	}

	for _, su := range doc.Users {
		userID, created, err := s.ensureUser(ctx, su)
		if err != nil {
			return rep, fmt.Errorf("user %q: %w", su.Username, err)
		}
		if created {
			rep.UsersCreated++
		}
		for _, role := range su.Roles {
			ok, err := s.graph.Assign(ctx, userID, role)
			if err != nil {
				return rep, fmt.Errorf("assign %q to %q: %w", role, su.Username, err)
			}
			if ok {
				rep.AssignmentsCreated++
			}
		}
	}

	s.logger.Info("seed applied",
		"permissions_created", rep.PermissionsCreated,
		"roles_created", rep.RolesCreated,
		"users_created", rep.UsersCreated,
		"assignments_created", rep.AssignmentsCreated,
	)
	return rep, nil
}

func (s *Seeder) parentsReady(role rbac.Role) bool {
	for _, p := range role.Inherits {
		if _, err := s.graph.Get(p); err != nil {
			return false
		}
	}
	return true
}

func (s *Seeder) ensureUser(ctx context.Context, su SeedUser) (string, bool, error) {
	if su.Username == "" {
		return "", false, fmt.Errorf("%w: username is required", rbac.ErrInvalid)
	}
	existing, err := s.users.GetUserByName(ctx, su.Username)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return "", false, err
	}

	hash := su.PasswordHash
	switch {
	case hash != "" && su.Password != "":
		return "", false, fmt.Errorf("%w: set either password or password_hash", rbac.ErrInvalid)
	case hash == "" && su.Password == "":
		return "", false, fmt.Errorf("%w: password is required", rbac.ErrInvalid)
	case hash == "":
		if hash, err = rbac.HashPassword(su.Password); err != nil {
			return "", false, err
		}
	}
	id := su.ID
	if id == "" {
		id = uuid.NewString()
	}
	user := rbac.User{
		ID:              id,
		Username:        su.Username,
		PasswordHash:    hash,
		OTPSecret:       su.OTPSecret,
		PreferredStepUp: su.PreferredStepUp,
		Disabled:        su.Disabled,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.users.UpsertUser(ctx, user); err != nil {
		return "", false, err
	}
	return id, true, nil
}
