package device

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"archiver/internal/camerautil"
	"archiver/internal/deviceid"
	"archiver/internal/staging"
)

type Mounter interface {
	MountRO(ctx context.Context, devNode, mountPoint string) error
	Unmount(ctx context.Context, mountPoint string) error
	camerautil.Remounter
}

// volume is a filesystem a device lives on: either already mounted, or a
// block device we mount read-only for the duration of staging.
type volume struct {
	devNode    string
	mountpoint string
	readOnly   bool
	mounted    bool // by someone else
	mountRoot  string
	mounter    Mounter
	logger     *log.Logger
}

// open returns the root to read from and a func that undoes whatever open did.
func (v *volume) open(ctx context.Context, name string) (string, func(), error) {
	if v.mounted {
		if _, err := os.Stat(v.mountpoint); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return v.mountpoint, func() {}, nil
	}

	mp := filepath.Join(v.mountRoot, deviceid.Sanitize(name))
	if err := v.mounter.MountRO(ctx, v.devNode, mp); err != nil {
		return "", nil, fmt.Errorf("%w: mount %s: %v", ErrNotConnected, v.devNode, err)
	}
	v.readOnly = true
	return mp, func() {
		if err := v.mounter.Unmount(context.WithoutCancel(ctx), mp); err != nil {
			v.logger.Printf("[%s] unmount %s: %v", name, mp, err)
		}
	}, nil
}

func (v *volume) String() string {
	if v.mounted {
		return v.mountpoint
	}
	return v.devNode
}

type MassStorage struct {
	name             string
	vol              *volume
	extensions       map[string]bool // lowercased, with dot; empty means everything
	deleteAfterStage bool
	logger           *log.Logger
}

func (m *MassStorage) Name() string { return m.name }
func (m *MassStorage) Kind() Kind   { return KindMassStorage }

func (m *MassStorage) String() string {
	return fmt.Sprintf("mass storage %s (%s)", m.name, m.vol)
}

func (m *MassStorage) wants(p string) bool {
	if len(m.extensions) == 0 {
		return true
	}
	return m.extensions[strings.ToLower(filepath.Ext(p))]
}

func (m *MassStorage) StageFiles(ctx context.Context, dst staging.StageableLocation) error {
	root, closeVol, err := m.vol.open(ctx, m.name)
	if err != nil {
		return &StageError{Device: m.name, Err: err}
	}
	defer closeVol()

	var staged []string
	err = walkFiles(ctx, root, func(p string) error {
		if !m.wants(p) {
			return nil
		}
		f := staging.DiskFile{Root: root, Path: p}
		if _, err := dst.Stage(ctx, f, m.name); err != nil {
			return &StageError{Device: m.name, File: f.Name(), Err: err}
		}
		staged = append(staged, p)
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Printf("[%s] staged %d files from %s", m.name, len(staged), root)

	if m.deleteAfterStage {
		if err := camerautil.DeleteFromCard(ctx, m.vol.mounter, root, m.vol.readOnly, staged); err != nil {
			// the copies are staged; a failed delete only means they get staged (and deduped) again
			m.logger.Printf("[%s] delete after stage failed: %v", m.name, err)
		} else {
			m.logger.Printf("[%s] deleted %d originals", m.name, len(staged))
		}
	}
	return nil
}

type Flysight struct {
	name   string
	vol    *volume
	logger *log.Logger
}

func (f *Flysight) Name() string { return f.name }
func (f *Flysight) Kind() Kind   { return KindFlysight }

func (f *Flysight) String() string {
	return fmt.Sprintf("flysight %s (%s)", f.name, f.vol)
}

// track logs live at YY-MM-DD/HH-MM-SS.CSV, named by GPS (UTC) time.
var flysightTrack = regexp.MustCompile(`^(\d{2}-\d{2}-\d{2})/(\d{2}-\d{2}-\d{2})\.(?i:csv)$`)

// FlysightCaptureTime parses the capture time out of a track's relative path.
func FlysightCaptureTime(rel string) (time.Time, bool) {
	m := flysightTrack.FindStringSubmatch(filepath.ToSlash(rel))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("06-01-02 15-04-05", m[1]+" "+m[2], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (f *Flysight) StageFiles(ctx context.Context, dst staging.StageableLocation) error {
	root, closeVol, err := f.vol.open(ctx, f.name)
	if err != nil {
		return &StageError{Device: f.name, Err: err}
	}
	defer closeVol()

	var staged int
	err = walkFiles(ctx, root, func(p string) error {
		file := staging.DiskFile{Root: root, Path: p}
		captured, ok := FlysightCaptureTime(file.Name())
		if !ok {
			// CONFIG.TXT, firmware, etc.
			return nil
		}
		file.Captured = captured
		if _, err := dst.Stage(ctx, file, f.name); err != nil {
			return &StageError{Device: f.name, File: file.Name(), Err: err}
		}
		staged++
		return nil
	})
	if err != nil {
		return err
	}
	f.logger.Printf("[%s] staged %d tracks from %s", f.name, staged, root)
	return nil
}

// walkFiles visits regular files under root in lexical order, skipping hidden entries.
func walkFiles(ctx context.Context, root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(p)
	})
}
