//go:build windows

package atomicinstall

import "syscall"

// errCrossDevice returns the platform errno MoveFile reports when src and
// dst span volumes.
func errCrossDevice() error { return syscall.Errno(17) } // ERROR_NOT_SAME_DEVICE
