// Package archive keeps a plain copy of every staged file on a local or NAS
// directory, with a sqlite catalog answering existence checks.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"archiver/internal/copyutil"
	"archiver/internal/hash"
	"archiver/internal/model"
	"archiver/internal/storage"
	"archiver/internal/store"
)

type Adaptor struct {
	logger *log.Logger
	db     *sql.DB
	root   string
}

var _ storage.Adaptor = (*Adaptor)(nil)

// New archives under root. The catalog is owned by the caller.
func New(logger *log.Logger, db *sql.DB, root string) (*Adaptor, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive root: %w", err)
	}
	return &Adaptor{logger: logger, db: db, root: root}, nil
}

func (a *Adaptor) Name() string { return "archive" }

func (a *Adaptor) path(d *model.UploadDescriptor) string {
	return filepath.Join(a.root, filepath.FromSlash(d.RemotePath()))
}

// AlreadyUploaded trusts the catalog only while the catalogued file is still on disk.
func (a *Adaptor) AlreadyUploaded(_ context.Context, d *model.UploadDescriptor) bool {
	entries, err := store.Lookup(a.db, d.ContentHash)
	if err != nil {
		a.logger.Printf("[archive] catalog lookup %s failed: %v", d.ContentHash, err)
		return false
	}
	for _, e := range entries {
		if e.ArchivePath != d.RemotePath() {
			continue
		}
		fi, err := os.Stat(a.path(d))
		if err == nil && fi.Size() == e.Size {
			return true
		}
		a.logger.Printf("[archive] catalogued %s is missing on disk, forgetting it", e.ArchivePath)
		if err := store.Forget(a.db, e.ArchivePath); err != nil {
			a.logger.Printf("[archive] forget %s: %v", e.ArchivePath, err)
		}
	}
	return false
}

func (a *Adaptor) Upload(_ context.Context, content io.Reader, d *model.UploadDescriptor) (storage.Status, error) {
	dst := a.path(d)

	res, err := hash.Compute(dst)
	switch {
	case err == nil:
		if res.ContentHash != d.ContentHash {
			return storage.StatusFailure, fmt.Errorf("%s: %w", dst, storage.ErrConflict)
		}
		// copied by an attempt that died before cataloguing
	case errors.Is(err, fs.ErrNotExist):
		res, err = copyutil.WriteAtomic(content, dst)
		if err != nil {
			return storage.StatusFailure, err
		}
		if res.ContentHash != d.ContentHash {
			_ = os.Remove(dst)
			return storage.StatusFailure, fmt.Errorf("staged content changed under us: read %s, manifest says %s", res.ContentHash, d.ContentHash)
		}
	default:
		return storage.StatusFailure, err
	}

	_, err = store.Record(a.db, store.Entry{
		ContentHash: d.ContentHash,
		DeviceName:  d.DeviceName,
		LogicalName: d.LogicalName,
		ArchivePath: d.RemotePath(),
		Size:        res.Size,
		CRC32C:      res.CRC32C,
		CapturedAt:  d.CapturedAt,
	})
	if err != nil {
		return storage.StatusFailure, fmt.Errorf("catalog %s: %w", d.RemotePath(), err)
	}
	return storage.StatusSuccess, nil
}
