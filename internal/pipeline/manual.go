package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"archiver/internal/deviceid"
	"archiver/internal/staging"
)

// StageDirectory stages every file under dir for the next run, as if dir were a
// device named after its base name. It returns the device name and file count.
func StageDirectory(ctx context.Context, logger *log.Logger, area staging.StageableLocation, dir string) (string, int, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", 0, err
	}
	if !info.IsDir() {
		return "", 0, fmt.Errorf("%s is not a directory", dir)
	}
	name := deviceid.Sanitize(filepath.Base(abs))

	var n int
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != abs && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f := staging.DiskFile{Root: abs, Path: p}
		desc, err := area.Stage(ctx, f, name)
		if err != nil {
			return fmt.Errorf("stage %s: %w", f.Name(), err)
		}
		logger.Printf("[stage-media] %s -> %s", f.Name(), desc.ContentHash)
		n++
		return nil
	})
	return name, n, err
}
