//go:build windows

package state

import "golang.org/x/sys/windows"

// lockFD blocks on LockFileEx over the first byte of the lock file.
func lockFD(fd uintptr, exclusive bool) error {
	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(fd), flags, 0, 1, 0, ol)
}

func unlockFD(fd uintptr) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, ol)
}

// syncDir is a no-op: NTFS renames are journaled and directories cannot be
// opened for fsync.
func syncDir(string) error { return nil }
