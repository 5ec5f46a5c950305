package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/domain/trust"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyRepo wraps the memory repository and fails selected calls.
type flakyRepo struct {
	*memory.Repository
	mu        sync.Mutex
	failRoles bool
	failPerms bool

	// onUpsertRole runs before a role is persisted.
	onUpsertRole func(rbac.Role)
}

func (f *flakyRepo) UpsertRole(ctx context.Context, role rbac.Role) error {
	f.mu.Lock()
	hook := f.onUpsertRole
	f.mu.Unlock()
	if hook != nil {
		hook(role)
	}
	return f.Repository.UpsertRole(ctx, role)
}

func (f *flakyRepo) setFailRoles(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRoles = v
}

func (f *flakyRepo) GetRolesByUser(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	fail := f.failRoles
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.Repository.GetRolesByUser(ctx, userID)
}

func (f *flakyRepo) UpsertPermission(ctx context.Context, p rbac.Permission) error {
	f.mu.Lock()
	fail := f.failPerms
	f.mu.Unlock()
	if fail {
		return outbound.ErrStoreUnavailable
	}
	return f.Repository.UpsertPermission(ctx, p)
}

// eventSink records events synchronously.
type eventSink struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (s *eventSink) Record(_ context.Context, e audit.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) all() []audit.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) ofType(t audit.EventType) []audit.SecurityEvent {
	var out []audit.SecurityEvent
	for _, e := range s.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fixedScorer returns a constant score.
type fixedScorer struct {
	mu    sync.Mutex
	score int
	calls int
}

func (f *fixedScorer) Score(trust.RequestContext, trust.BehaviorSignals) trust.Score {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return trust.Score{Score: f.score, Level: NewTrustScorer(TrustScorerConfig{}).Level(f.score)}
}

func (f *fixedScorer) set(score int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score = score
}

func (f *fixedScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fixture is a registry and role graph over a memory repository.
type fixture struct {
	repo     *flakyRepo
	registry *PermissionRegistry
	graph    *RoleGraph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := &flakyRepo{Repository: memory.NewRepository()}
	registry := NewPermissionRegistry(repo, nil, discardLogger())
	graph := NewRoleGraph(repo, registry, discardLogger())
	return &fixture{repo: repo, registry: registry, graph: graph}
}

func (f *fixture) perm(t *testing.T, resource, action string, scope ...string) rbac.Permission {
	t.Helper()
	if len(scope) == 0 {
		scope = []string{rbac.ScopeGlobal}
	}
	p, err := f.registry.Register(context.Background(), rbac.Permission{Resource: resource, Action: action, Scope: scope})
	if err != nil {
		t.Fatalf("Register(%s:%s) error: %v", resource, action, err)
	}
	return p
}

func (f *fixture) role(t *testing.T, name string, perms []string, inherits ...string) rbac.Role {
	t.Helper()
	r, err := f.graph.CreateRole(context.Background(), rbac.Role{Name: name, Permissions: perms, Inherits: inherits})
	if err != nil {
		t.Fatalf("CreateRole(%s) error: %v", name, err)
	}
	return r
}

func (f *fixture) user(t *testing.T, id string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.repo.UpsertUser(ctx, rbac.User{ID: id, Username: id, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertUser(%s) error: %v", id, err)
	}
	for _, r := range roles {
		if _, err := f.graph.Assign(ctx, id, r); err != nil {
			t.Fatalf("Assign(%s, %s) error: %v", id, r, err)
		}
	}
}

func requestContext(userID string) trust.RequestContext {
	return trust.RequestContext{
		UserID:            userID,
		SessionID:         "sess-" + userID,
		IPAddress:         "203.0.113.7",
		UserAgent:         "Mozilla/5.0",
		DeviceFingerprint: "0123456789abcdef",
		Timestamp:         time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}
