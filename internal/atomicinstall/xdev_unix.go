//go:build !windows

package atomicinstall

import "syscall"

// errCrossDevice returns the platform errno rename(2) reports when src and
// dst span filesystems.
func errCrossDevice() error { return syscall.EXDEV }
