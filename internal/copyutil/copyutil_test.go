package copyutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"archiver/internal/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAtomicHashesWhatItWrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	dst := filepath.Join(dir, "nested", "dst")
	res, err := CopyAtomic(src, dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, "bc62d4b80d9e36da29c16c5d4d9f11731f36052c72401a76c23c0fb5a9b74423", res.ContentHash.String())

	_, err = os.Stat(dst + TmpSuffix)
	assert.True(t, os.IsNotExist(err))
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		return 0, errors.New("device went away")
	}
	f.n--
	return copy(p, "x"), nil
}

func TestWriteAtomicLeavesNothingOnFailure(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")
	_, err := WriteAtomic(&failingReader{n: 3}, dst)
	require.Error(t, err)

	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dst + TmpSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteAtomicOverwrites(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")
	_, err := WriteAtomic(strings.NewReader("first"), dst)
	require.NoError(t, err)
	res, err := WriteAtomic(io.LimitReader(strings.NewReader("second!"), 6), dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	want, _ := hash.Fingerprint(strings.NewReader("second"))
	assert.Equal(t, want, res.ContentHash)
}
