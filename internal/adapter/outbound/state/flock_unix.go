//go:build !windows

package state

import (
	"os"
	"syscall"
)

func lockFD(fd uintptr, exclusive bool) error {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	return syscall.Flock(int(fd), how)
}

func unlockFD(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
