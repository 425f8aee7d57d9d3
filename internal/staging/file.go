package staging

import (
	"io"
	"os"
	"path/filepath"
	"time"
)

// DiskFile is a File already reachable on the local filesystem, e.g. on a mounted card.
type DiskFile struct {
	Root string // device root; Name is relative to it
	Path string
	// Captured overrides the mtime when the device encodes capture time elsewhere.
	Captured time.Time
}

var _ File = DiskFile{}

func (f DiskFile) Name() string {
	rel, err := filepath.Rel(f.Root, f.Path)
	if err != nil {
		return filepath.Base(f.Path)
	}
	return filepath.ToSlash(rel)
}

func (f DiskFile) CapturedAt() time.Time {
	if !f.Captured.IsZero() {
		return f.Captured
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (f DiskFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}
