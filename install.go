package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.cluttr.dev/dmdfetch/internal/metaerr"
)

// newStagingDir creates an empty directory next to dst that can later be
// moved into place with Install.
func newStagingDir(dst string) (string, error) {
	dstDir := filepath.Dir(dst)
	dstName := filepath.Base(dst)

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", metaerr.WithMetadata(fmt.Errorf("%w: create directory: %w", ErrWrite, err), "path", dstDir)
	}
	dir, err := os.MkdirTemp(dstDir, fmt.Sprintf(".%s.new-*", dstName))
	if err != nil {
		return "", metaerr.WithMetadata(fmt.Errorf("%w: create staging directory: %w", ErrWrite, err), "path", dstDir)
	}
	return dir, nil
}

// Install replaces the directory dst with the directory src.
// The previous dst is moved aside first and only removed once src is in
// place, so that dst is either the old or the new tree, never a mix.
func Install(src string, dst string) error {
	dstDir := filepath.Dir(dst)
	dstName := filepath.Base(dst)
	dstOld := filepath.Join(dstDir, fmt.Sprintf(".%s.old", dstName))

	// leftover from an interrupted run
	if err := os.RemoveAll(dstOld); err != nil {
		return metaerr.WithMetadata(fmt.Errorf("%w: remove old directory: %w", ErrWrite, err), "path", dstOld)
	}

	moved := false
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, dstOld); err != nil {
			return metaerr.WithMetadata(fmt.Errorf("%w: move existing directory: %w", ErrWrite, err), "path", dst)
		}
		moved = true
	}

	if err := os.Rename(src, dst); err != nil {
		if moved {
			_ = os.Rename(dstOld, dst)
		}
		return metaerr.WithMetadata(fmt.Errorf("%w: move new directory: %w", ErrWrite, err), "path", dst)
	}

	if moved {
		_ = os.RemoveAll(dstOld)
	}
	return nil
}
