package device

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"archiver/internal/ptp"
	"archiver/internal/staging"
)

// Camera is an open PTP session.
type Camera interface {
	Files(ctx context.Context) ([]ptp.RemoteFile, error)
	Open(ctx context.Context, f ptp.RemoteFile) (io.ReadCloser, error)
	Delete(ctx context.Context, f ptp.RemoteFile) error
}

type Connector interface {
	Connect(ctx context.Context, port string) (Camera, error)
}

// PTP adapts the gphoto2 driver to Connector.
func PTP(d *ptp.Driver) Connector { return ptpConnector{d} }

type ptpConnector struct{ d *ptp.Driver }

func (c ptpConnector) Connect(ctx context.Context, port string) (Camera, error) {
	s, err := c.d.Connect(ctx, port)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// previews the camera generates next to each clip; never archived
var goproSkip = map[string]bool{".lrv": true, ".thm": true}

type Gopro struct {
	name             string
	serial           string
	port             string
	deleteAfterStage bool
	logger           *log.Logger
	connector        Connector
}

func (g *Gopro) Name() string { return g.name }
func (g *Gopro) Kind() Kind   { return KindGopro }

func (g *Gopro) String() string {
	return fmt.Sprintf("gopro %s (serial %s on %s)", g.name, g.serial, g.port)
}

func (g *Gopro) StageFiles(ctx context.Context, dst staging.StageableLocation) error {
	cam, err := g.connector.Connect(ctx, g.port)
	if err != nil {
		return &StageError{Device: g.name, Err: fmt.Errorf("%w: %v", ErrNotConnected, err)}
	}
	files, err := cam.Files(ctx)
	if err != nil {
		return &StageError{Device: g.name, Err: fmt.Errorf("%w: list files: %v", ErrNotConnected, err)}
	}

	var staged []ptp.RemoteFile
	for _, f := range files {
		if goproSkip[strings.ToLower(path.Ext(f.Name))] {
			continue
		}
		d, err := dst.Stage(ctx, cameraFile{ctx: ctx, cam: cam, f: f}, g.name)
		if err != nil {
			return &StageError{Device: g.name, File: f.Path(), Err: err}
		}
		staged = append(staged, f)
		g.logger.Printf("[%s] staged %s as %s", g.name, f.Path(), d.ContentHash)
	}
	g.logger.Printf("[%s] staged %d files", g.name, len(staged))

	if g.deleteAfterStage {
		return g.deleteFromCamera(ctx, cam, staged)
	}
	return nil
}

// deleteFromCamera removes staged clips from the camera. gphoto2 renumbers a
// folder after each delete, so indexes go highest first.
func (g *Gopro) deleteFromCamera(ctx context.Context, cam Camera, files []ptp.RemoteFile) error {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Folder != files[j].Folder {
			return files[i].Folder < files[j].Folder
		}
		return files[i].Index > files[j].Index
	})
	for _, f := range files {
		if err := cam.Delete(ctx, f); err != nil {
			return &StageError{Device: g.name, File: f.Path(), Err: fmt.Errorf("delete from camera: %w", err)}
		}
	}
	g.logger.Printf("[%s] deleted %d files from camera", g.name, len(files))
	return nil
}

// cameraFile streams from the camera when the staging area opens it.
type cameraFile struct {
	ctx context.Context
	cam Camera
	f   ptp.RemoteFile
}

// Name drops the PTP storage id ("/store_00010001/DCIM/..." -> "DCIM/...").
func (c cameraFile) Name() string {
	p := strings.TrimPrefix(c.f.Path(), "/")
	if first, rest, ok := strings.Cut(p, "/"); ok && strings.HasPrefix(first, "store_") {
		return rest
	}
	return p
}

func (c cameraFile) CapturedAt() time.Time { return c.f.ModTime }

func (c cameraFile) Open() (io.ReadCloser, error) { return c.cam.Open(c.ctx, c.f) }
