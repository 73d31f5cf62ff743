//go:build windows

package records

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

type lockMode int

const (
	lockModeShared lockMode = iota
	lockModeExclusive
)

// lockAllBytes covers the whole file regardless of its length, since
// install-manifest files are small and rewritten wholesale on every update.
const lockAllBytes = ^uint32(0)

// acquireLock opens (creating if needed) the file at path and takes a
// blocking LockFileEx lock in the requested mode.
func acquireLock(path string, mode lockMode) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("records: opening lock file %s: %w", path, err)
	}

	var flags uint32
	if mode == lockModeExclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	overlapped := new(windows.Overlapped)
	if err := windows.LockFileEx(windows.Handle(file.Fd()), flags, 0, lockAllBytes, lockAllBytes, overlapped); err != nil {
		file.Close()
		return nil, fmt.Errorf("records: locking %s: %w", path, err)
	}

	return &fileLock{file: file}, nil
}

func unlockFile(file *os.File) error {
	overlapped := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(file.Fd()), 0, lockAllBytes, lockAllBytes, overlapped)
}
