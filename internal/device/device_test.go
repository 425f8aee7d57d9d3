package device

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"archiver/internal/config"
	"archiver/internal/model"
	"archiver/internal/mount"
	"archiver/internal/ptp"
	"archiver/internal/staging"
	"archiver/internal/staging/stagingtest"
	"archiver/internal/udev"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	usb, parts       []udev.Device
	usbErr, partsErr error
}

func (b *fakeBus) USB(context.Context) ([]udev.Device, error)        { return b.usb, b.usbErr }
func (b *fakeBus) Partitions(context.Context) ([]udev.Device, error) { return b.parts, b.partsErr }

// fakeMounter "mounts" by filling the mount point with the files in contents.
type fakeMounter struct {
	contents map[string]string
	calls    []string
	failRO   bool
}

func (m *fakeMounter) MountRO(_ context.Context, devNode, mp string) error {
	m.calls = append(m.calls, "mount "+devNode)
	if m.failRO {
		return errors.New("mount: special device does not exist")
	}
	for rel, data := range m.contents {
		p := filepath.Join(mp, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMounter) Unmount(_ context.Context, mp string) error {
	m.calls = append(m.calls, "umount")
	return nil
}

func (m *fakeMounter) RemountRW(context.Context, string) error {
	m.calls = append(m.calls, "remount rw")
	return nil
}

func (m *fakeMounter) RemountRO(context.Context, string) error {
	m.calls = append(m.calls, "remount ro")
	return nil
}

func (m *fakeMounter) Sync(context.Context) error { return nil }

type fakeCamera struct {
	files []ptp.RemoteFile
	data  map[string]string

	// closeErr fails the download of a path when its stream is closed
	closeErr map[string]error
	deleted  []string
}

func (c *fakeCamera) Files(context.Context) ([]ptp.RemoteFile, error) { return c.files, nil }
func (c *fakeCamera) Open(_ context.Context, f ptp.RemoteFile) (io.ReadCloser, error) {
	return stagingtest.ReadCloser(c.data[f.Path()], c.closeErr[f.Path()]), nil
}

func (c *fakeCamera) Delete(_ context.Context, f ptp.RemoteFile) error {
	c.deleted = append(c.deleted, f.Folder+"#"+strconv.Itoa(f.Index))
	return nil
}

type fakeConnector struct {
	cam   *fakeCamera
	ports []string
	err   error
}

func (c *fakeConnector) Connect(_ context.Context, port string) (Camera, error) {
	c.ports = append(c.ports, port)
	if c.err != nil {
		return nil, c.err
	}
	return c.cam, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}
}

func stagedNames(t *testing.T, area *staging.Area) []string {
	t.Helper()
	manifests, err := area.Manifests()
	require.NoError(t, err)
	var names []string
	for _, m := range manifests {
		f, err := os.Open(m)
		require.NoError(t, err)
		d, err := model.Decode(f)
		f.Close()
		require.NoError(t, err)
		names = append(names, d.DeviceName+":"+d.LogicalName)
	}
	sort.Strings(names)
	return names
}

func newArea(t *testing.T) *staging.Area {
	t.Helper()
	area, err := staging.Open(t.TempDir(), stagingtest.Logger(t))
	require.NoError(t, err)
	return area
}

func testDeps(t *testing.T, bus *fakeBus, mounts []mount.Entry, m *fakeMounter, cams Connector) Deps {
	return Deps{
		Logger:    stagingtest.Logger(t),
		Bus:       bus,
		Mounts:    func() ([]mount.Entry, error) { return mounts, nil },
		Mounter:   m,
		Cameras:   cams,
		MountRoot: t.TempDir(),
	}
}

func names(devs []Device) []string {
	var out []string
	for _, d := range devs {
		out = append(out, d.Kind().String()+"/"+d.Name())
	}
	return out
}

func TestDiscover(t *testing.T) {
	flyDir := t.TempDir()
	bus := &fakeBus{
		usb: []udev.Device{
			{Props: map[string]string{"ID_SERIAL_SHORT": "C3441325112345", "BUSNUM": "001", "DEVNUM": "004"}},
			{Props: map[string]string{"ID_SERIAL_SHORT": "UNKNOWN"}},
		},
		parts: []udev.Device{
			{DevName: "/dev/sda1", Props: map[string]string{"ID_FS_LABEL": "EOS_DIGITAL"}},
		},
	}
	cfg := &config.Config{
		Gopros: []config.Gopro{
			{Name: "helmet", Serial: "C3441325112345"},
			{Name: "chest", Serial: "NOT_PLUGGED_IN"},
		},
		MassStorages: []config.MassStorage{
			{Mountable: config.Mountable{Name: "canon", Label: "EOS_DIGITAL"}},
			{Mountable: config.Mountable{Name: "absent", Label: "NOPE"}},
		},
		Flysights: []config.Flysight{
			{Mountable: config.Mountable{Name: "flysight", Mountpoint: flyDir}},
		},
	}
	cams := &fakeConnector{}
	deps := testDeps(t, bus, []mount.Entry{{Device: "/dev/sdb1", Mountpoint: flyDir, Options: []string{"rw"}}}, &fakeMounter{}, cams)

	devs, err := Discover(context.Background(), cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"gopro/helmet", "mass_storage/canon", "flysight/flysight"}, names(devs))

	g := devs[0].(*Gopro)
	assert.Equal(t, "usb:001,004", g.port)
	ms := devs[1].(*MassStorage)
	assert.Equal(t, "/dev/sda1", ms.vol.devNode)
	assert.False(t, ms.vol.mounted)
	fs := devs[2].(*Flysight)
	assert.True(t, fs.vol.mounted)
}

func TestDiscoverBusFailureIsFatal(t *testing.T) {
	bus := &fakeBus{usbErr: errors.New("udevadm: not found")}
	cfg := &config.Config{Gopros: []config.Gopro{{Name: "helmet", Serial: "1"}}}

	_, err := Discover(context.Background(), cfg, testDeps(t, bus, nil, &fakeMounter{}, &fakeConnector{}))
	assert.Error(t, err)
}

func TestDiscoverMountableFailuresAreIsolated(t *testing.T) {
	flyDir := t.TempDir()
	bus := &fakeBus{partsErr: errors.New("udevadm: permission denied")}
	cfg := &config.Config{
		MassStorages: []config.MassStorage{{Mountable: config.Mountable{Name: "canon", Label: "EOS_DIGITAL"}}},
		Flysights:    []config.Flysight{{Mountable: config.Mountable{Name: "flysight", Mountpoint: flyDir}}},
	}
	deps := testDeps(t, bus, []mount.Entry{{Device: "/dev/sdb1", Mountpoint: flyDir}}, &fakeMounter{}, &fakeConnector{})

	devs, err := Discover(context.Background(), cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"flysight/flysight"}, names(devs))
}

func TestDiscoverUsesExistingAutomount(t *testing.T) {
	auto := t.TempDir()
	bus := &fakeBus{parts: []udev.Device{{DevName: "/dev/sda1", Props: map[string]string{"ID_FS_LABEL": "EOS_DIGITAL"}}}}
	cfg := &config.Config{MassStorages: []config.MassStorage{{Mountable: config.Mountable{Name: "canon", Label: "EOS_DIGITAL"}}}}
	deps := testDeps(t, bus, []mount.Entry{{Device: "/dev/sda1", Mountpoint: auto, Options: []string{"ro"}}}, &fakeMounter{}, &fakeConnector{})

	devs, err := Discover(context.Background(), cfg, deps)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	vol := devs[0].(*MassStorage).vol
	assert.True(t, vol.mounted)
	assert.True(t, vol.readOnly)
	assert.Equal(t, auto, vol.mountpoint)
}

func TestDiscoverSkipsAmbiguousLabels(t *testing.T) {
	bus := &fakeBus{parts: []udev.Device{
		{DevName: "/dev/sda1", Props: map[string]string{"ID_FS_LABEL": "NO NAME"}},
		{DevName: "/dev/sdb1", Props: map[string]string{"ID_FS_LABEL": "NO NAME"}},
	}}
	cfg := &config.Config{MassStorages: []config.MassStorage{{Mountable: config.Mountable{Name: "card", Label: "NO NAME"}}}}

	devs, err := Discover(context.Background(), cfg, testDeps(t, bus, nil, &fakeMounter{}, &fakeConnector{}))
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestGoproStagesCameraFiles(t *testing.T) {
	when := time.Date(2024, 6, 2, 9, 30, 5, 0, time.UTC)
	cam := &fakeCamera{
		files: []ptp.RemoteFile{
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 1, Name: "GX010001.MP4", ModTime: when},
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 2, Name: "GL010001.LRV", ModTime: when},
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 3, Name: "GOPR0002.JPG", ModTime: when},
		},
		data: map[string]string{
			"/store_00010001/DCIM/100GOPRO/GX010001.MP4": "video",
			"/store_00010001/DCIM/100GOPRO/GL010001.LRV": "preview",
			"/store_00010001/DCIM/100GOPRO/GOPR0002.JPG": "photo",
		},
	}
	conn := &fakeConnector{cam: cam}
	g := &Gopro{name: "helmet", port: "usb:001,004", logger: stagingtest.Logger(t), connector: conn}
	area := newArea(t)

	require.NoError(t, g.StageFiles(context.Background(), area))
	assert.Equal(t, []string{"usb:001,004"}, conn.ports)
	assert.Equal(t, []string{"helmet:DCIM/100GOPRO/GOPR0002.JPG", "helmet:DCIM/100GOPRO/GX010001.MP4"}, stagedNames(t, area))
}

func TestGoproDeleteAfterStage(t *testing.T) {
	cam := &fakeCamera{
		files: []ptp.RemoteFile{
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 1, Name: "GX010001.MP4"},
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 2, Name: "GL010001.LRV"},
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 3, Name: "GX010002.MP4"},
			{Folder: "/store_00010001/DCIM/101GOPRO", Index: 1, Name: "GX020001.MP4"},
		},
		data: map[string]string{
			"/store_00010001/DCIM/100GOPRO/GX010001.MP4": "one",
			"/store_00010001/DCIM/100GOPRO/GX010002.MP4": "two",
			"/store_00010001/DCIM/101GOPRO/GX020001.MP4": "three",
		},
	}
	g := &Gopro{name: "helmet", deleteAfterStage: true, logger: stagingtest.Logger(t), connector: &fakeConnector{cam: cam}}

	require.NoError(t, g.StageFiles(context.Background(), newArea(t)))
	// previews stay, and each folder is emptied from its highest index down
	assert.Equal(t, []string{
		"/store_00010001/DCIM/100GOPRO#3",
		"/store_00010001/DCIM/100GOPRO#1",
		"/store_00010001/DCIM/101GOPRO#1",
	}, cam.deleted)
}

func TestGoproInterruptedDownloadIsNotStaged(t *testing.T) {
	cam := &fakeCamera{
		files: []ptp.RemoteFile{
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 1, Name: "GX010001.MP4"},
			{Folder: "/store_00010001/DCIM/100GOPRO", Index: 2, Name: "GX010002.MP4"},
		},
		data: map[string]string{
			"/store_00010001/DCIM/100GOPRO/GX010001.MP4": "whole clip",
			"/store_00010001/DCIM/100GOPRO/GX010002.MP4": "half a cl",
		},
		closeErr: map[string]error{
			"/store_00010001/DCIM/100GOPRO/GX010002.MP4": errors.New("exit status 1: camera disconnected"),
		},
	}
	g := &Gopro{name: "helmet", deleteAfterStage: true, logger: stagingtest.Logger(t), connector: &fakeConnector{cam: cam}}
	area := newArea(t)

	err := g.StageFiles(context.Background(), area)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/store_00010001/DCIM/100GOPRO/GX010002.MP4", se.File)
	assert.ErrorContains(t, err, "camera disconnected")

	assert.Equal(t, []string{"helmet:DCIM/100GOPRO/GX010001.MP4"}, stagedNames(t, area))
	assert.Equal(t, 2, stagingtest.Count(t, area))
	assert.Empty(t, cam.deleted)
}

func TestGoproUnpluggedIsRecoverable(t *testing.T) {
	g := &Gopro{name: "helmet", port: "usb:001,004", logger: stagingtest.Logger(t), connector: &fakeConnector{err: ptp.ErrNoCamera}}

	err := g.StageFiles(context.Background(), newArea(t))
	assert.ErrorIs(t, err, ErrNotConnected)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "helmet", se.Device)
}

func TestMassStorageFromMountpoint(t *testing.T) {
	card := t.TempDir()
	writeTree(t, card, map[string]string{
		"DCIM/100CANON/IMG_0001.JPG": "one",
		"DCIM/100CANON/MVI_0002.MOV": "two",
		"DCIM/100CANON/IMG_0001.CR3": "raw",
		".Trashes/IMG_0000.JPG":      "trash",
		"DCIM/.archiver":             "name=canon",
	})
	m := &fakeMounter{}
	ms := &MassStorage{
		name:             "canon",
		vol:              &volume{mounted: true, mountpoint: card, readOnly: true, mounter: m, logger: stagingtest.Logger(t)},
		extensions:       map[string]bool{".jpg": true, ".mov": true},
		deleteAfterStage: true,
		logger:           stagingtest.Logger(t),
	}
	area := newArea(t)

	require.NoError(t, ms.StageFiles(context.Background(), area))
	assert.Equal(t, []string{"canon:DCIM/100CANON/IMG_0001.JPG", "canon:DCIM/100CANON/MVI_0002.MOV"}, stagedNames(t, area))

	assert.NoFileExists(t, filepath.Join(card, "DCIM/100CANON/IMG_0001.JPG"))
	assert.NoFileExists(t, filepath.Join(card, "DCIM/100CANON/MVI_0002.MOV"))
	assert.FileExists(t, filepath.Join(card, "DCIM/100CANON/IMG_0001.CR3"))
	assert.Equal(t, []string{"remount rw", "remount ro"}, m.calls)
}

func TestMassStorageMountsByLabel(t *testing.T) {
	m := &fakeMounter{contents: map[string]string{"clip.mp4": "clip"}}
	ms := &MassStorage{
		name:   "sd card",
		vol:    &volume{devNode: "/dev/sda1", mountRoot: t.TempDir(), mounter: m, logger: stagingtest.Logger(t)},
		logger: stagingtest.Logger(t),
	}
	area := newArea(t)

	require.NoError(t, ms.StageFiles(context.Background(), area))
	assert.Equal(t, []string{"sd card:clip.mp4"}, stagedNames(t, area))
	assert.Equal(t, []string{"mount /dev/sda1", "umount"}, m.calls)
}

func TestMassStorageMountFailureIsNotConnected(t *testing.T) {
	m := &fakeMounter{failRO: true}
	ms := &MassStorage{
		name:   "card",
		vol:    &volume{devNode: "/dev/sda1", mountRoot: t.TempDir(), mounter: m, logger: stagingtest.Logger(t)},
		logger: stagingtest.Logger(t),
	}
	err := ms.StageFiles(context.Background(), newArea(t))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"mount /dev/sda1"}, m.calls)
}

func TestFlysightStagesTracks(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"24-06-02/09-30-05.CSV": "time,lat,lon\n",
		"24-06-02/11-02-44.csv": "time,lat,lon\n1,2,3\n",
		"CONFIG.TXT":            "Model: 6",
	})
	f := &Flysight{
		name:   "flysight",
		vol:    &volume{mounted: true, mountpoint: root, logger: stagingtest.Logger(t)},
		logger: stagingtest.Logger(t),
	}
	area := newArea(t)

	require.NoError(t, f.StageFiles(context.Background(), area))
	assert.Equal(t, []string{"flysight:24-06-02/09-30-05.CSV", "flysight:24-06-02/11-02-44.csv"}, stagedNames(t, area))

	manifests, err := area.Manifests()
	require.NoError(t, err)
	for _, p := range manifests {
		fh, err := os.Open(p)
		require.NoError(t, err)
		d, err := model.Decode(fh)
		fh.Close()
		require.NoError(t, err)
		assert.Equal(t, 2024, d.CapturedAt.Year())
		assert.Equal(t, time.June, d.CapturedAt.Month())
	}
}

func TestFlysightCaptureTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"24-06-02/09-30-05.CSV", time.Date(2024, 6, 2, 9, 30, 5, 0, time.UTC), true},
		{"19-12-31/23-59-59.csv", time.Date(2019, 12, 31, 23, 59, 59, 0, time.UTC), true},
		{"CONFIG.TXT", time.Time{}, false},
		{"24-13-02/09-30-05.CSV", time.Time{}, false},
		{"old/24-06-02/09-30-05.CSV", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := FlysightCaptureTime(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.True(t, tt.want.Equal(got), tt.in)
	}
}

func TestEqual(t *testing.T) {
	a := &Flysight{name: "fs"}
	b := &Flysight{name: "fs", vol: &volume{mountpoint: "/elsewhere"}}
	c := &MassStorage{name: "fs"}
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, &Flysight{name: "other"}))
}

func TestUnclaimed(t *testing.T) {
	bus := &fakeBus{parts: []udev.Device{
		{DevName: "/dev/sda1", Props: map[string]string{"ID_FS_LABEL": "EOS_DIGITAL"}},
		{DevName: "/dev/sdb1", Props: map[string]string{"ID_FS_UUID": "ABCD-1234"}},
	}}
	cfg := &config.Config{MassStorages: []config.MassStorage{{Mountable: config.Mountable{Name: "canon", Label: "EOS_DIGITAL"}}}}

	got, err := Unclaimed(context.Background(), cfg, testDeps(t, bus, nil, &fakeMounter{}, &fakeConnector{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Unconfigured{DevName: "/dev/sdb1", Suggested: "ABCD-1234", Source: "fs_uuid"}, got[0])
}
