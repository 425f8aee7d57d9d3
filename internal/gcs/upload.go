package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"archiver/internal/hash"
	"archiver/internal/model"
	backend "archiver/internal/storage"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Upload writes the object only if it does not exist yet, then reads its attributes back
// and checks size and CRC32C against what was streamed. The write is abandoned, not
// committed, when the stream fails or its bytes do not hash to the manifest's digest.
func (a *Adaptor) Upload(ctx context.Context, content io.Reader, d *model.UploadDescriptor) (backend.Status, error) {
	obj := a.object(d)

	// cancelling writeCtx before Close discards the object
	writeCtx, abandon := context.WithCancel(ctx)
	defer abandon()

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
	w.ChunkSize = 0
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"device_name":   d.DeviceName,
		"logical_name":  d.LogicalName,
		metaContentHash: d.ContentHash.String(),
	}
	if !d.CapturedAt.IsZero() {
		w.Metadata["captured_at"] = d.CapturedAt.UTC().Format(time.RFC3339)
	}

	h := hash.NewHasher()
	if _, err := io.Copy(w, io.TeeReader(content, h)); err != nil {
		abandon()
		_ = w.Close()
		return backend.StatusFailure, fmt.Errorf("write gs://%s/%s: %w", a.bucket, w.Name, err)
	}
	local := h.Result()
	if local.ContentHash != d.ContentHash {
		abandon()
		_ = w.Close()
		return backend.StatusFailure, fmt.Errorf("staged content changed under us: read %s, manifest says %s", local.ContentHash, d.ContentHash)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return a.existing(ctx, obj, d)
		}
		return backend.StatusFailure, fmt.Errorf("finalize gs://%s/%s: %w", a.bucket, w.Name, err)
	}

	attrs, err := a.attrsWithRetry(ctx, obj)
	if err != nil {
		return backend.StatusFailure, err
	}
	if attrs.Size != local.Size {
		return backend.StatusFailure, fmt.Errorf("verify size mismatch: local=%d remote=%d", local.Size, attrs.Size)
	}
	if attrs.CRC32C != local.CRC32C {
		return backend.StatusFailure, fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", local.CRC32C, attrs.CRC32C)
	}
	return backend.StatusSuccess, nil
}

// existing decides what an occupied object name means: the same bytes from an
// earlier attempt, or a conflict.
func (a *Adaptor) existing(ctx context.Context, obj *storage.ObjectHandle, d *model.UploadDescriptor) (backend.Status, error) {
	attrs, err := a.attrsWithRetry(ctx, obj)
	if err != nil {
		return backend.StatusFailure, err
	}
	if sameContent(attrs, d) {
		return backend.StatusSuccess, nil
	}
	return backend.StatusFailure, fmt.Errorf("gs://%s/%s: %w", a.bucket, attrs.Name, backend.ErrConflict)
}

func (a *Adaptor) attrsWithRetry(ctx context.Context, obj *storage.ObjectHandle) (*storage.ObjectAttrs, error) {
	var (
		attrs *storage.ObjectAttrs
		err   error
	)
	for i := 0; i < a.verifyTries; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			return attrs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.verifyDelay):
		}
	}
	return nil, fmt.Errorf("read back attrs: %w", err)
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed
}
