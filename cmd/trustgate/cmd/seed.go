package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	celeval "github.com/Sentinel-Gate/trustgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/trustgate/internal/config"
	"github.com/Sentinel-Gate/trustgate/internal/service"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load permissions, roles and users from a seed file",
	Long: `Apply a YAML seed document to the configured store.

Seeding is idempotent: existing permissions, roles and users are left
unchanged and only missing records and role assignments are created.
The memory driver keeps nothing after the command exits, so seed a
persistent store (state, sqlite or postgres) or set seed_file and let
"trustgate start" apply it at boot.

Examples:
  trustgate seed --file seed.yaml
  trustgate --config prod.yaml seed --file seed.yaml`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "seed document to apply (required)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, os.Stderr)
	if cfg.Store.Driver == "memory" {
		logger.Warn("store driver is memory: seeded data will not outlive this command")
	}

	ctx := context.Background()
	repo, _, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if err := repo.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect store: %w", err)
	}
	defer func() { _ = repo.Disconnect(ctx) }()

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
	return applySeed(ctx, seedFile, registry, graph, repo, logger)
}
