// Package gcs archives staged files into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"log"
	"path"
	"strings"
	"time"

	"archiver/internal/model"
	backend "archiver/internal/storage"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// metaContentHash carries the fingerprint on the object so existence checks need no download.
const metaContentHash = "content_hash"

type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

func NewClient(ctx context.Context, cfg Config) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: missing bucket")
	}
	if cfg.CredentialsFile != "" {
		return storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	// fallback to Application Default Credentials (or STORAGE_EMULATOR_HOST)
	return storage.NewClient(ctx)
}

type Adaptor struct {
	logger *log.Logger
	client *storage.Client
	bucket string
	prefix string

	verifyTries int
	verifyDelay time.Duration
}

var _ backend.Adaptor = (*Adaptor)(nil)

func New(logger *log.Logger, client *storage.Client, bucket, prefix string) *Adaptor {
	return &Adaptor{
		logger:      logger,
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		verifyTries: 3,
		verifyDelay: 200 * time.Millisecond,
	}
}

func (a *Adaptor) Name() string { return "gcs" }

func (a *Adaptor) ObjectName(d *model.UploadDescriptor) string {
	return strings.TrimPrefix(path.Join(a.prefix, d.RemotePath()), "/")
}

func (a *Adaptor) object(d *model.UploadDescriptor) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(a.ObjectName(d))
}

// AlreadyUploaded compares the fingerprint stored in the object's metadata.
func (a *Adaptor) AlreadyUploaded(ctx context.Context, d *model.UploadDescriptor) bool {
	attrs, err := a.object(d).Attrs(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			a.logger.Printf("[gcs] attrs gs://%s/%s failed: %v", a.bucket, a.ObjectName(d), err)
		}
		return false
	}
	return sameContent(attrs, d)
}

func sameContent(attrs *storage.ObjectAttrs, d *model.UploadDescriptor) bool {
	return attrs.Size == d.Size && strings.EqualFold(attrs.Metadata[metaContentHash], d.ContentHash.String())
}
