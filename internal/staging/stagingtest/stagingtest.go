// Package stagingtest builds populated staging areas for tests.
package stagingtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"archiver/internal/model"
	"archiver/internal/staging"

	"github.com/stretchr/testify/require"
)

// File is an in-memory staging.File. A non-nil CloseErr is returned when the
// reader is closed, the way a streamed download reports a cut-off transfer.
type File struct {
	Path     string
	Data     string
	Captured time.Time
	CloseErr error
}

func (f File) Name() string          { return f.Path }
func (f File) CapturedAt() time.Time { return f.Captured }
func (f File) Open() (io.ReadCloser, error) {
	return ReadCloser(f.Data, f.CloseErr), nil
}

// ReadCloser yields data and then fails Close with closeErr.
func ReadCloser(data string, closeErr error) io.ReadCloser {
	return &readCloser{Reader: strings.NewReader(data), err: closeErr}
}

type readCloser struct {
	*strings.Reader
	err error
}

func (r *readCloser) Close() error { return r.err }

// Logger discards unless -v is set.
func Logger(t testing.TB) *log.Logger {
	t.Helper()
	if testing.Verbose() {
		return log.New(testWriter{t}, "", 0)
	}
	return log.New(io.Discard, "", 0)
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// StagedData stages n distinct files from device "test-device" into a fresh area.
func StagedData(t testing.TB, n int) (*staging.Area, []*model.UploadDescriptor) {
	t.Helper()
	area, err := staging.Open(t.TempDir(), Logger(t))
	require.NoError(t, err)

	var descs []*model.UploadDescriptor
	base := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f := File{
			Path:     fmt.Sprintf("DCIM/100GOPRO/GX01%04d.MP4", i),
			Data:     fmt.Sprintf("footage %d", i),
			Captured: base.Add(time.Duration(i) * time.Minute),
		}
		d, err := area.Stage(context.Background(), f, "test-device")
		require.NoError(t, err)
		descs = append(descs, d)
	}
	return area, descs
}

// Count returns how many regular entries (lock file excluded) are in the area.
func Count(t testing.TB, area *staging.Area) int {
	t.Helper()
	n := 0
	entries, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == ".lock" || e.IsDir() {
			continue
		}
		n++
	}
	return n
}
