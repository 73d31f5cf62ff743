//go:build !windows

package records

import (
	"fmt"
	"os"
	"syscall"
)

type lockMode int

const (
	lockModeShared lockMode = iota
	lockModeExclusive
)

// acquireLock opens (creating if needed) the file at path and takes a
// blocking flock in the requested mode.
func acquireLock(path string, mode lockMode) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("records: opening lock file %s: %w", path, err)
	}

	flag := syscall.LOCK_SH
	if mode == lockModeExclusive {
		flag = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(file.Fd()), flag); err != nil {
		file.Close()
		return nil, fmt.Errorf("records: locking %s: %w", path, err)
	}

	return &fileLock{file: file}, nil
}

func unlockFile(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
