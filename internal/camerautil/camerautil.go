// Package camerautil removes originals from a camera card once they are staged.
package camerautil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type Remounter interface {
	RemountRW(ctx context.Context, mountPoint string) error
	RemountRO(ctx context.Context, mountPoint string) error
	Sync(ctx context.Context) error
}

// DeleteFromCard deletes files under mountPoint. A read-only card is remounted
// rw for the duration and put back to ro afterwards. Paths outside mountPoint are refused.
func DeleteFromCard(ctx context.Context, m Remounter, mountPoint string, readOnly bool, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	root := filepath.Clean(mountPoint) + string(filepath.Separator)
	for _, p := range paths {
		if !strings.HasPrefix(filepath.Clean(p), root) {
			return fmt.Errorf("refusing to delete %s: not under %s", p, mountPoint)
		}
	}

	if readOnly {
		if err := m.RemountRW(ctx, mountPoint); err != nil {
			return fmt.Errorf("remount rw: %w", err)
		}
		defer func() { _ = m.RemountRO(context.WithoutCancel(ctx), mountPoint) }()
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove: %w", err))
		}
	}
	// Best-effort sync
	_ = m.Sync(ctx)
	return errors.Join(errs...)
}
