package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running TrustGate server",
	Long: `Stop the TrustGate server recorded in ~/.trustgate/server.pid.

The server is asked to shut down, which drains in-flight requests and flushes
buffered security events. If it is still running after --timeout it is killed.

Examples:
  trustgate stop
  trustgate stop --timeout 30s`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "how long to wait for a graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	out := cmd.ErrOrStderr()
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file at %s; is the server running?", pidPath)
	}
	proc, err := os.FindProcess(pid)
	if err != nil || !serverAlive(proc) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(out, "Stopping TrustGate server (PID %d)...\n", pid)
	if err := requestShutdown(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if waitForExit(proc, stopTimeout) {
		_ = os.Remove(pidPath)
		fmt.Fprintln(out, "Server stopped.")
		return nil
	}

	fmt.Fprintf(out, "Server still running after %s, killing it.\n", stopTimeout)
	_ = proc.Kill()
	_ = os.Remove(pidPath)
	return nil
}

// waitForExit polls until proc is gone or timeout elapses.
func waitForExit(proc *os.Process, timeout time.Duration) bool {
	const tick = 200 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(tick)
		if !serverAlive(proc) {
			return true
		}
	}
	return false
}

// readPIDFile returns the PID stored at path, or 0 if it is missing or unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
