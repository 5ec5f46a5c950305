//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// shutdownSignals are the signals that make "trustgate start" drain and exit.
// Windows only delivers os.Interrupt.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// serverAlive reports whether proc has not yet been signaled as exited.
func serverAlive(proc *os.Process) bool {
	h, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	ev, err := windows.WaitForSingleObject(h, 0)
	return err == nil && ev == uint32(windows.WAIT_TIMEOUT)
}

// requestShutdown terminates the server. A detached process has no console
// to receive CTRL_C_EVENT, so buffered events not yet flushed are lost.
func requestShutdown(proc *os.Process) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(proc.Pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}
