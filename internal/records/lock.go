// Package records persists install records (spec §4.J): which crate
// versions are installed, from where, and which binaries they provided.
// The manifest lives as newline-delimited JSON plus a TOML mirror, guarded
// by advisory file locking so concurrent binstow invocations don't
// corrupt either file.
package records

import "os"

// fileLock wraps platform-specific advisory locking (adapted from
// internal/validate's syscall.Flock-based container lock, extended here
// with a shared-lock mode: readers of the manifest only need to exclude
// writers, not each other).
type fileLock struct {
	file *os.File
}

// lockShared acquires a shared (read) advisory lock on path, blocking
// until available. Multiple readers may hold a shared lock concurrently;
// it excludes any exclusive lock holder.
func lockShared(path string) (*fileLock, error) {
	return acquireLock(path, lockModeShared)
}

// lockExclusive acquires an exclusive (write) advisory lock on path,
// blocking until available.
func lockExclusive(path string) (*fileLock, error) {
	return acquireLock(path, lockModeExclusive)
}

// Unlock releases the lock and closes the underlying file handle.
func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
