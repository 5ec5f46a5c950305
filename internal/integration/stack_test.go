// Package integration provides end-to-end tests that boot the decision stack
// over real adapters and drive it through the HTTP API.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/inbound/admin"
	httpapi "github.com/Sentinel-Gate/trustgate/internal/adapter/inbound/http"
	celeval "github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/otp"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack is a fully wired TrustGate behind an httptest server.
type stack struct {
	repo     *memory.Repository
	registry *service.PermissionRegistry
	graph    *service.RoleGraph
	events   *service.SecurityEventService
	totp     *otp.TOTP
	server   *httptest.Server
}

// newStack wires the same components as "trustgate start" over a memory repository.
func newStack(t *testing.T, repo outbound.Repository) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testLogger()

	reg := prometheus.NewRegistry()
	metrics := httpapi.NewMetrics(reg)
	stats := service.NewStatsService()
	sink := service.MultiMetrics{metrics, stats}

	events := service.NewSecurityEventService(repo, logger, service.WithEventMetrics(sink))
	events.Start(ctx)

	exprs, err := celeval.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	registry := service.NewPermissionRegistry(repo, exprs, logger)
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	graph := service.NewRoleGraph(repo, registry, logger)
	if err := graph.Load(ctx); err != nil {
		t.Fatalf("graph load: %v", err)
	}

	scorer := service.NewTrustScorer(service.TrustScorerConfig{})
	cache := service.NewTrustCache(100, 0)
	signals := service.NewEventSignalSource(repo)
	risk := service.NewRiskEvaluator(service.RiskThresholds{})
	sessions := session.NewSessionService(memory.NewSessionStore(), session.Config{})
	tokens, err := service.NewTokenIssuer(service.TokenConfig{
		Secret: []byte("integration-secret-integration-secret"),
		Issuer: "trustgate",
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	totp := otp.New(otp.Config{})

	authorizer := service.NewAuthorizationService(graph, scorer, signals, risk,
		service.NewConditionChecker(exprs, logger), events, logger,
		service.WithSessions(sessions),
		service.WithTrustCache(cache),
		service.WithAuthorizationMetrics(sink),
	)
	authenticator, err := service.NewAuthenticationService(repo, graph, sessions, tokens, scorer, signals, risk, events, logger,
		service.WithStepUpVerifier(authz.StepOTP, totp),
		service.WithAuthTrustCache(cache),
		service.WithAuthenticationMetrics(sink),
	)
	if err != nil {
		t.Fatalf("NewAuthenticationService: %v", err)
	}

	adminHandler := admin.NewAdminAPIHandler(
		admin.WithPermissionRegistry(registry),
		admin.WithRoleGraph(graph),
		admin.WithUserService(service.NewUserService(repo, logger)),
		admin.WithSessionRevoker(sessions),
		admin.WithEventReader(repo),
		admin.WithEventRecorder(events),
		admin.WithBearerAuth(authenticator, authorizer),
		admin.WithStats(stats),
		admin.WithAPILogger(logger),
	)
	server := httpapi.NewServer(httpapi.NewDecisionHandler(authorizer, authenticator),
		httpapi.WithLogger(logger),
		httpapi.WithAdminHandler(adminHandler.Routes()),
		httpapi.WithMetrics(metrics, reg),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(repo, events, "integration")),
	)
	ts := httptest.NewServer(server.Handler())

	s := &stack{
		registry: registry,
		graph:    graph,
		events:   events,
		totp:     totp,
		server:   ts,
	}
	if m, ok := repo.(*memory.Repository); ok {
		s.repo = m
	}
	t.Cleanup(func() {
		ts.Close()
		events.Stop()
		cancel()
	})
	return s
}

// call sends a JSON request and decodes a JSON response into out when non-nil.
func (s *stack) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "integration-client/1.0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s (status %d): %v", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}
