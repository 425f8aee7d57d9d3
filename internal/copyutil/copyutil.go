package copyutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"archiver/internal/hash"
)

// TmpSuffix marks a copy that has not been renamed into place yet.
const TmpSuffix = ".tmp"

// CopyAtomic copies src to dst and returns the fingerprint of the bytes written.
func CopyAtomic(src, dst string) (hash.Result, error) {
	in, err := os.Open(src)
	if err != nil {
		return hash.Result{}, err
	}
	defer in.Close()
	return WriteAtomic(in, dst)
}

// WriteAtomic streams r into dst through a tmp file, hashing on the way.
// dst either appears complete and fsynced or not at all.
func WriteAtomic(r io.Reader, dst string) (hash.Result, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return hash.Result{}, err
	}

	tmp := dst + TmpSuffix

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return hash.Result{}, err
	}

	h := hash.NewHasher()
	_, copyErr := io.Copy(io.MultiWriter(out, h), r)
	syncErr := out.Sync()
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(tmp)
		return hash.Result{}, copyErr
	}
	if syncErr != nil {
		_ = os.Remove(tmp)
		return hash.Result{}, syncErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return hash.Result{}, closeErr
	}

	// Atomic rename: tmp -> final
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return hash.Result{}, fmt.Errorf("rename tmp->final: %w", err)
	}
	return h.Result(), nil
}
