package archive

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"archiver/internal/hash"
	"archiver/internal/model"
	"archiver/internal/storage"
	"archiver/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdaptor(t *testing.T) (*Adaptor, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := filepath.Join(dir, "nas")
	a, err := New(log.New(io.Discard, "", 0), db, root)
	require.NoError(t, err)
	return a, root
}

func descriptor(t *testing.T, data []byte) *model.UploadDescriptor {
	t.Helper()
	d, err := hash.Fingerprint(bytes.NewReader(data))
	require.NoError(t, err)
	return &model.UploadDescriptor{
		DeviceName:  "flysight",
		LogicalName: "24-06-02/09-30-05.CSV",
		ContentHash: d,
		Size:        int64(len(data)),
		CapturedAt:  time.Date(2024, 6, 2, 9, 30, 5, 0, time.UTC),
	}
}

func TestUploadCopiesAndCatalogues(t *testing.T) {
	a, root := newAdaptor(t)
	ctx := context.Background()
	data := []byte("time,lat,lon\n")
	d := descriptor(t, data)

	assert.False(t, a.AlreadyUploaded(ctx, d))

	status, err := a.Upload(ctx, bytes.NewReader(data), d)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, status)

	got, err := os.ReadFile(filepath.Join(root, "flysight", "2024-06-02", "09-30-05_09-30-05.CSV"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, a.AlreadyUploaded(ctx, d))

	n, err := store.Count(a.db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUploadFinishesInterruptedAttempt(t *testing.T) {
	a, _ := newAdaptor(t)
	ctx := context.Background()
	data := []byte("copied but never catalogued")
	d := descriptor(t, data)

	require.NoError(t, os.MkdirAll(filepath.Dir(a.path(d)), 0o755))
	require.NoError(t, os.WriteFile(a.path(d), data, 0o644))
	assert.False(t, a.AlreadyUploaded(ctx, d))

	// the reader is not consumed when the bytes are already in place
	status, err := a.Upload(ctx, bytes.NewReader(nil), d)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, status)
	assert.True(t, a.AlreadyUploaded(ctx, d))
}

func TestUploadConflict(t *testing.T) {
	a, _ := newAdaptor(t)
	d := descriptor(t, []byte("new"))

	require.NoError(t, os.MkdirAll(filepath.Dir(a.path(d)), 0o755))
	require.NoError(t, os.WriteFile(a.path(d), []byte("old"), 0o644))

	_, err := a.Upload(context.Background(), bytes.NewReader([]byte("new")), d)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestUploadRejectsChangedContent(t *testing.T) {
	a, _ := newAdaptor(t)
	d := descriptor(t, []byte("expected"))

	_, err := a.Upload(context.Background(), bytes.NewReader([]byte("tampered")), d)
	require.Error(t, err)
	assert.NoFileExists(t, a.path(d))
}

func TestMissingFileIsForgotten(t *testing.T) {
	a, _ := newAdaptor(t)
	ctx := context.Background()
	data := []byte("gone")
	d := descriptor(t, data)

	_, err := a.Upload(ctx, bytes.NewReader(data), d)
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.path(d)))

	assert.False(t, a.AlreadyUploaded(ctx, d))
	n, err := store.Count(a.db)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
