// Package cmd provides the CLI commands for TrustGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/trustgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "TrustGate - zero-trust authorization engine",
	Long: `TrustGate decides whether a user may perform an action on a resource.

Each decision combines role-based access control with a per-request trust
score built from device, behavior, location and network signals. Low trust
triggers step-up authentication or blocks the request.

Quick start:
  1. Create a config file: trustgate.yaml
  2. Run: trustgate start --dev

Configuration:
  Config is loaded from trustgate.yaml in the current directory,
  $HOME/.trustgate/, or /etc/trustgate/.

  Environment variables can override config values with the TRUSTGATE_ prefix.
  Example: TRUSTGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start          Start the decision server
  stop           Stop the running server
  seed           Load permissions, roles and users from a seed file
  hash-password  Hash a password with argon2id
  otp-secret     Generate a TOTP secret and enrollment URI
  version        Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./trustgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
