package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/trustgate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/alert"
	celeval "github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/eventlog"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/otp"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/trustgate/internal/config"
	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
	"github.com/Sentinel-Gate/trustgate/internal/service"
	"github.com/Sentinel-Gate/trustgate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the decision server",
	Long: `Start the TrustGate decision server.

The server exposes the authorization and authentication API under /v1,
the admin API under /admin/api, /health and (unless disabled) /metrics.

Examples:
  # Start with config file settings
  trustgate start

  # Start in development mode (debug logging, built-in JWT secret)
  trustgate start --dev

  # Start with a specific config file
  trustgate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, built-in JWT secret)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can fill required fields first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg, os.Stderr)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled: do not use in production")
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("trustgate stopped")
	return nil
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.TrustGateConfig, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	// ===== Persistence =====
	repo, sessionStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if err := repo.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect store: %w", err)
	}
	defer func() {
		if err := repo.Disconnect(context.Background()); err != nil {
			logger.Warn("store disconnect failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := http.NewMetrics(reg)
	stats := service.NewStatsService()
	sink := service.MultiMetrics{metrics, stats}

	// ===== Security events =====
	eventOpts := []service.SecurityEventOption{
		service.WithEventChannelSize(cfg.Audit.ChannelSize),
		service.WithEventBatchSize(cfg.Audit.BatchSize),
		service.WithEventFlushInterval(config.Duration(cfg.Audit.FlushInterval)),
		service.WithEventSendTimeout(config.Duration(cfg.Audit.SendTimeout)),
		service.WithRetryBackoff(config.Duration(cfg.Audit.RetryBase), config.Duration(cfg.Audit.RetryMax)),
		service.WithMaxPending(cfg.Audit.MaxPending),
		service.WithAlerter(newAlerter(cfg, logger)),
		service.WithAlertTimeout(config.Duration(cfg.Alerts.Timeout)),
		service.WithEventMetrics(sink),
	}
	if cfg.Audit.FileDir != "" {
		mirror, err := eventlog.NewFileEventStore(eventlog.Config{
			Dir:           cfg.Audit.FileDir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer func() { _ = mirror.Close() }()
		eventOpts = append(eventOpts, service.WithMirror(mirror))
		logger.Info("security event mirror enabled", "dir", cfg.Audit.FileDir)
	}
	events := service.NewSecurityEventService(repo, logger, eventOpts...)
	events.Start(ctx)
	// Stop flushes buffered events; it runs before Disconnect.
	defer events.Stop()

	// ===== RBAC =====
	exprs, err := celeval.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	registry := service.NewPermissionRegistry(repo, exprs, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}
	graph := service.NewRoleGraph(repo, registry, logger)
	if err := graph.Load(ctx); err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, registry, graph, repo, logger); err != nil {
			return err
		}
	}

	// ===== Trust and sessions =====
	rc := cfg.Security.RiskAnalysis
	scorer := service.NewTrustScorer(service.TrustScorerConfig{
		Weights: service.TrustWeights{
			Device:   rc.Weights.Device,
			Behavior: rc.Weights.Behavior,
			Location: rc.Weights.Location,
			Network:  rc.Weights.Network,
		},
		Levels: service.LevelThresholds{
			VeryLow: rc.Levels.VeryLow,
			Low:     rc.Levels.Low,
			Medium:  rc.Levels.Medium,
			High:    rc.Levels.High,
		},
		DegradedFactor:    &rc.DegradedFactor,
		BurstLimit:        rc.BurstLimit,
		MaxTravelSpeedKmh: rc.MaxTravelSpeedKmh,
	})
	cache := service.NewTrustCache(rc.CacheSize, config.Duration(rc.CacheTTL))
	signals := service.NewEventSignalSource(repo)
	risk := service.NewRiskEvaluator(service.RiskThresholds{
		Block:      rc.BlockThreshold,
		RequireOTP: rc.StepUpThreshold,
	})

	sc := cfg.Security.Session
	sessions := session.NewSessionService(sessionStore, session.Config{
		Timeout:       config.Duration(sc.Timeout),
		MaxConcurrent: sc.MaxConcurrent,
		Overflow:      session.OverflowPolicy(sc.Overflow),
	})
	go runSessionCleanup(ctx, sessions, config.Duration(sc.CleanupInterval), metrics, logger)

	jc := cfg.Security.JWT
	tokens, err := service.NewTokenIssuer(service.TokenConfig{
		Algorithm:  jc.Algorithm,
		Secret:     []byte(jc.Secret),
		Issuer:     jc.Issuer,
		Audience:   jc.Audience,
		AccessTTL:  config.Duration(jc.AccessTTL),
		RefreshTTL: config.Duration(jc.RefreshTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	// ===== Decision services =====
	conditions := service.NewConditionChecker(exprs, logger)
	authzOpts := []service.AuthorizationOption{
		service.WithSessions(sessions),
		service.WithTrustCache(cache),
		service.WithAuthorizationMetrics(sink),
	}
	if len(rc.FailOpenReadOnly) > 0 {
		authzOpts = append(authzOpts, service.WithFailOpenReadOnly(rc.FailOpenReadOnly))
	}
	authorizer := service.NewAuthorizationService(graph, scorer, signals, risk, conditions, events, logger, authzOpts...)

	authnOpts := []service.AuthenticationOption{
		service.WithAuthTrustCache(cache),
		service.WithAuthenticationMetrics(sink),
	}
	if oc := cfg.Security.OTP; oc.Enabled {
		totp := otp.New(otp.Config{
			Issuer: oc.Issuer,
			Digits: oc.Digits,
			Period: config.Duration(oc.Period),
			Skew:   oc.Skew,
		})
		authnOpts = append(authnOpts, service.WithStepUpVerifier(authz.StepOTP, totp))
	}
	authenticator, err := service.NewAuthenticationService(repo, graph, sessions, tokens, scorer, signals, risk, events, logger, authnOpts...)
	if err != nil {
		return fmt.Errorf("failed to create authentication service: %w", err)
	}

	// ===== HTTP =====
	adminHandler := admin.NewAdminAPIHandler(
		admin.WithPermissionRegistry(registry),
		admin.WithRoleGraph(graph),
		admin.WithUserService(service.NewUserService(repo, logger)),
		admin.WithSessionRevoker(sessions),
		admin.WithEventReader(repo),
		admin.WithEventRecorder(events),
		admin.WithBearerAuth(authenticator, authorizer),
		admin.WithStats(stats),
		admin.WithAdminNetworks(cfg.Server.AdminNetworks),
		admin.WithRateLimit(cfg.Server.AdminRate, cfg.Server.AdminBurst),
		admin.WithAPILogger(logger),
	)

	server := http.NewServer(http.NewDecisionHandler(authorizer, authenticator),
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithMetrics(metrics, reg),
		http.WithHealthChecker(http.NewHealthChecker(repo, events, Version)),
		http.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout)),
	)

	printBanner(os.Stderr, Version, cfg, registry.Len(), len(graph.Roles()))
	return server.Start(ctx)
}

// openStore builds the repository and session store for the configured driver.
// The memory and state drivers keep sessions in memory; SQL drivers persist them.
func openStore(cfg *config.TrustGateConfig, logger *slog.Logger) (outbound.Repository, session.SessionStore, error) {
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
		dialect := sqlstore.DialectSQLite
		if cfg.Store.Driver == "postgres" {
			dialect = sqlstore.DialectPostgres
		}
		st, err := sqlstore.Open(dialect, cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
		}
		return st, st, nil
	case "state":
		return state.NewRepository(cfg.Store.Path, logger), memory.NewSessionStore(), nil
	default:
		return memory.NewRepository(), memory.NewSessionStore(), nil
	}
}

// applySeed loads a seed document and applies it idempotently.
func applySeed(ctx context.Context, path string, registry *service.PermissionRegistry, graph *service.RoleGraph, users service.UserWriter, logger *slog.Logger) error {
	doc, err := service.LoadSeedFile(path)
	if err != nil {
		return err
	}
	rep, err := service.NewSeeder(registry, graph, users, logger).Apply(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to apply seed %s: %w", path, err)
	}
	logger.Info("seed applied",
		"file", path,
		"permissions", rep.PermissionsCreated,
		"roles", rep.RolesCreated,
		"users", rep.UsersCreated,
		"assignments", rep.AssignmentsCreated,
	)
	return nil
}

// newAlerter logs every alert and, when a webhook is configured, forwards
// alerts to it at a bounded rate.
func newAlerter(cfg *config.TrustGateConfig, logger *slog.Logger) audit.Alerter {
	alerters := alert.Multi{alert.NewLogAlerter(logger)}
	if url := cfg.Alerts.WebhookURL; url != "" {
		hook := alert.NewWebhookAlerter(url, config.Duration(cfg.Alerts.Timeout))
		alerters = append(alerters, alert.NewThrottled(hook, config.Duration(cfg.Alerts.Interval), cfg.Alerts.Burst))
	}
	return alerters
}

// setupTracing installs the trace exporter selected by tracing.output.
func setupTracing(cfg *config.TrustGateConfig) (func(context.Context) error, error) {
	tc := cfg.Tracing
	var out io.Writer = os.Stdout
	var file *os.File
	if tc.Enabled && strings.HasPrefix(tc.Output, "file://") {
		path := strings.TrimPrefix(tc.Output, "file://")
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		out, file = f, f
	}
	shutdown, err := telemetry.Setup(telemetry.Config{
		Enabled:     tc.Enabled,
		Output:      out,
		SampleRatio: tc.SampleRatio,
		Version:     Version,
	})
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, err
	}
	if file == nil {
		return shutdown, nil
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// runSessionCleanup removes idle sessions until ctx is cancelled.
func runSessionCleanup(ctx context.Context, sessions *session.SessionService, interval time.Duration, metrics *http.Metrics, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Cleanup(ctx)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.SessionsExpired.Add(float64(n))
				logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

// newLogger builds the process logger. Dev mode always logs at debug.
func newLogger(cfg *config.TrustGateConfig, w io.Writer) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(w io.Writer, version string, cfg *config.TrustGateConfig, permissions, roles int) {
	mode := "production"
	if cfg.DevMode {
		mode = "development"
	}
	fmt.Fprintf(w, "\n  TrustGate %s (%s)\n", version, mode)
	fmt.Fprintf(w, "  Listening:    http://%s\n", cfg.Server.HTTPAddr)
	fmt.Fprintf(w, "  Store:        %s\n", cfg.Store.Driver)
	fmt.Fprintf(w, "  Permissions:  %d\n", permissions)
	fmt.Fprintf(w, "  Roles:        %d\n\n", roles)
}

// pidFilePath returns the standard location for the TrustGate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".trustgate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "trustgate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
