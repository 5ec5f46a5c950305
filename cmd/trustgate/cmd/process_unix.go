//go:build !windows

package cmd

import (
	"errors"
	"os"
	"syscall"
)

// shutdownSignals are the signals that make "trustgate start" drain and exit.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// serverAlive probes proc with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as running.
func serverAlive(proc *os.Process) bool {
	err := proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// requestShutdown asks the server to flush events and exit.
func requestShutdown(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
