// Package staging owns the local directory that acts as the durable upload queue.
//
// Every pending upload is a pair: a content file named by a fresh UUID and a
// manifest beside it named <content>.manifest. The manifest is written last, so
// its presence means the content is complete. Nothing else records state.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"archiver/internal/copyutil"
	"archiver/internal/hash"
	"archiver/internal/model"

	"github.com/google/uuid"
)

// ManifestSuffix is appended to a content file's name to get its manifest.
const ManifestSuffix = ".manifest"

// ManifestPath returns the manifest sibling of a content path.
func ManifestPath(content string) string {
	return content + ManifestSuffix
}

// ContentPath strips the manifest suffix. It works on absolute, relative and bare paths.
func ContentPath(manifest string) string {
	return strings.TrimSuffix(manifest, ManifestSuffix)
}

func IsManifest(path string) bool {
	return strings.HasSuffix(path, ManifestSuffix) && len(filepath.Base(path)) > len(ManifestSuffix)
}

// File is one file a device offers for staging.
type File interface {
	// Name is the file's identity within its device, e.g. DCIM/100GOPRO/GX010001.MP4.
	Name() string
	CapturedAt() time.Time
	Open() (io.ReadCloser, error)
}

// StageableLocation is what devices stage into.
type StageableLocation interface {
	Dir() string
	Stage(ctx context.Context, f File, deviceName string) (*model.UploadDescriptor, error)
}

type indexKey struct {
	device string
	hash   hash.Digest
}

// Area is a StageableLocation backed by a directory.
type Area struct {
	dir    string
	logger *log.Logger

	mu    sync.Mutex
	index map[indexKey]string // -> manifest path

	now     func() time.Time
	newName func() string
}

var _ StageableLocation = (*Area)(nil)

// Open creates dir if needed. Failure here is fatal to a run.
func Open(dir string, logger *log.Logger) (*Area, error) {
	if dir == "" {
		return nil, errors.New("staging: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Area{
		dir:     abs,
		logger:  logger,
		now:     time.Now,
		newName: uuid.NewString,
	}, nil
}

func (a *Area) Dir() string { return a.dir }

// Stage copies f into the area and writes its manifest. Staging the same bytes
// from the same device twice keeps the first pair and drops the new copy.
func (a *Area) Stage(ctx context.Context, f File, deviceName string) (*model.UploadDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := filepath.Join(a.dir, a.newName())

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name(), err)
	}
	res, err := copyutil.WriteAtomic(rc, content)
	// some sources only report a short read when closed
	if cerr := rc.Close(); err == nil && cerr != nil {
		_ = os.Remove(content)
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", f.Name(), err)
	}

	desc := &model.UploadDescriptor{
		DeviceName:  deviceName,
		LogicalName: f.Name(),
		Extension:   strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name())), "."),
		ContentHash: res.ContentHash,
		Size:        res.Size,
		CapturedAt:  f.CapturedAt(),
		StagedAt:    a.now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadIndexLocked(); err != nil {
		_ = os.Remove(content)
		return nil, err
	}

	key := indexKey{device: deviceName, hash: res.ContentHash}
	if existing, ok := a.index[key]; ok {
		if prev, err := readDescriptor(existing); err == nil {
			if _, err := os.Stat(ContentPath(existing)); err == nil {
				a.logger.Printf("[staging] %s already staged as %s, dropping new copy", f.Name(), filepath.Base(existing))
				_ = os.Remove(content)
				return prev, nil
			}
		}
		delete(a.index, key)
	}

	var buf bytes.Buffer
	if err := desc.Encode(&buf); err != nil {
		_ = os.Remove(content)
		return nil, err
	}
	manifest := ManifestPath(content)
	if _, err := copyutil.WriteAtomic(&buf, manifest); err != nil {
		_ = os.Remove(content)
		return nil, fmt.Errorf("write manifest for %s: %w", f.Name(), err)
	}
	a.index[key] = manifest

	return desc, nil
}

func (a *Area) loadIndexLocked() error {
	if a.index != nil {
		return nil
	}
	manifests, err := a.Manifests()
	if err != nil {
		return err
	}
	a.index = make(map[indexKey]string, len(manifests))
	for _, m := range manifests {
		d, err := readDescriptor(m)
		if err != nil {
			// the orchestrator reports these; staging just won't dedup against them
			continue
		}
		a.index[indexKey{device: d.DeviceName, hash: d.ContentHash}] = m
	}
	return nil
}

func readDescriptor(manifest string) (*model.UploadDescriptor, error) {
	f, err := os.Open(manifest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return model.Decode(f)
}

// Manifests lists manifest paths in name order. Any other entry is ignored.
// An error here means the directory itself is unusable.
func (a *Area) Manifests() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list staging dir %s: %w", a.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(a.dir, e.Name()))
	}
	return out, nil
}

// Remove deletes a staged pair, content first and manifest last.
func (a *Area) Remove(manifest string) error {
	if err := os.Remove(ContentPath(manifest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove content: %w", err)
	}
	if err := os.Remove(manifest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove manifest: %w", err)
	}

	a.mu.Lock()
	for k, m := range a.index {
		if m == manifest {
			delete(a.index, k)
		}
	}
	a.mu.Unlock()
	return nil
}

// Orphan is a staging entry no manifest accounts for.
type Orphan struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Sweep finds content files without a manifest and leftover tmp files older than
// minAge. When remove is set it deletes them too.
func (a *Area) Sweep(minAge time.Duration, remove bool) ([]Orphan, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list staging dir %s: %w", a.dir, err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	cutoff := a.now().Add(-minAge)
	var out []Orphan
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == lockName || IsManifest(name) {
			continue
		}
		if !strings.HasSuffix(name, copyutil.TmpSuffix) && names[name+ManifestSuffix] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(a.dir, name)
		out = append(out, Orphan{Path: p, Size: info.Size(), ModTime: info.ModTime()})
		if remove {
			if err := os.Remove(p); err != nil {
				a.logger.Printf("[staging] sweep remove %s: %v", p, err)
			}
		}
	}
	return out, nil
}
