package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
)

// UserRepository reads and writes users.
type UserRepository interface {
	UserStore
	UpsertUser(ctx context.Context, user rbac.User) error
}

// CreateUserInput is the data needed to create a user.
type CreateUserInput struct {
	Username        string
	Password        string
	OTPSecret       string
	PreferredStepUp string
}

// UserService manages user records.
type UserService struct {
	repo   UserRepository
	logger *slog.Logger
}

// NewUserService creates a UserService.
func NewUserService(repo UserRepository, logger *slog.Logger) *UserService {
	return &UserService{repo: repo, logger: logger}
}

// Create adds a user with an argon2id password hash. The returned user has
// its secrets stripped.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*rbac.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", rbac.ErrInvalid)
	}
	if in.PreferredStepUp != "" && !authz.AuthStep(in.PreferredStepUp).IsValid() {
		return nil, fmt.Errorf("%w: unknown step-up method %q", rbac.ErrInvalid, in.PreferredStepUp)
	}
	if _, err := s.repo.GetUserByName(ctx, in.Username); err == nil {
		return nil, fmt.Errorf("user %q: %w", in.Username, rbac.ErrDuplicateName)
	} else if !errors.Is(err, rbac.ErrNotFound) {
		return nil, err
	}

	hash, err := rbac.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := rbac.User{
		ID:              uuid.NewString(),
		Username:        in.Username,
		PasswordHash:    hash,
		OTPSecret:       in.OTPSecret,
		PreferredStepUp: in.PreferredStepUp,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to persist user: %w", err)
	}
	s.logger.Info("user created", "user_id", user.ID, "username", user.Username)
	return publicUser(&user), nil
}

// Get returns a user with secrets stripped.
func (s *UserService) Get(ctx context.Context, id string) (*rbac.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return publicUser(u), nil
}

// SetDisabled enables or disables login for a user.
func (s *UserService) SetDisabled(ctx context.Context, id string, disabled bool) (*rbac.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Disabled = disabled
	if err := s.repo.UpsertUser(ctx, *u); err != nil {
		return nil, fmt.Errorf("failed to persist user: %w", err)
	}
	return publicUser(u), nil
}
