// Package atomicinstall places files and symlinks at a destination path
// such that every success path leaves the destination fully formed and
// every failure path leaves it untouched or at its prior content, per
// spec §4.A.
package atomicinstall

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrExists is returned by the no-clobber variants when the destination
// already exists.
var ErrExists = errors.New("atomicinstall: destination already exists")

// InstallFile places the regular file at src at dst, atomically. If
// clobber is false and dst already exists, ErrExists is returned and dst
// is left untouched.
//
// Algorithm (spec §4.A):
//  1. Attempt a direct rename from src to dst. If it succeeds, done — this
//     is the common same-filesystem case.
//  2. On cross-device failure (EXDEV), fall back to a same-directory temp
//     file: copy src's bytes into it, copy its permission bits, then
//     rename the temp file onto dst.
func InstallFile(src, dst string, clobber bool) error {
	if !clobber {
		if _, err := os.Lstat(dst); err == nil {
			return ErrExists
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("atomicinstall: stat %s: %w", dst, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("atomicinstall: mkdir parent of %s: %w", dst, err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return fmt.Errorf("atomicinstall: rename %s to %s: %w", src, dst, err)
	}

	return copyThenRename(src, dst)
}

// copyThenRename implements the same-directory-temp+rename fallback: a
// temp file is created next to dst (so the final rename is same-filesystem
// and therefore atomic), src's contents and permission bits are copied
// into it, and it is renamed onto dst. The temp file is removed if any
// step before the final rename fails, leaving dst untouched.
func copyThenRename(src, dst string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("atomicinstall: stat source %s: %w", src, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".atomicinstall-*")
	if err != nil {
		return fmt.Errorf("atomicinstall: create temp in %s: %w", filepath.Dir(dst), err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("atomicinstall: open source %s: %w", src, err)
	}

	_, copyErr := io.Copy(tmp, in)
	in.Close()
	closeErr := tmp.Close()
	if copyErr != nil {
		return fmt.Errorf("atomicinstall: copy %s to temp: %w", src, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("atomicinstall: close temp file: %w", closeErr)
	}

	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("atomicinstall: chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("atomicinstall: rename temp to %s: %w", dst, err)
	}
	return nil
}

// InstallSymlink atomically creates a symlink at dst pointing at target.
// If clobber is false and dst already exists, ErrExists is returned. The
// intermediate is a freshly created symlink next to dst, renamed onto it,
// so the switch from old to new link target is atomic.
func InstallSymlink(target, dst string, clobber bool) error {
	if !clobber {
		if _, err := os.Lstat(dst); err == nil {
			return ErrExists
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("atomicinstall: stat %s: %w", dst, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("atomicinstall: mkdir parent of %s: %w", dst, err)
	}

	tmpPath := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".atomicinstall-link-%d", os.Getpid()))
	os.Remove(tmpPath) // clear any stale leftover from a prior crashed run

	if err := os.Symlink(target, tmpPath); err != nil {
		return fmt.Errorf("atomicinstall: create temp symlink: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicinstall: rename temp symlink to %s: %w", dst, err)
	}
	return nil
}

// isCrossDevice reports whether err is the EXDEV "invalid cross-device
// link" error rename(2) reports when src and dst are on different
// filesystems.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, errCrossDevice())
	}
	return false
}
