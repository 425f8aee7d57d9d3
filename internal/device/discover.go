package device

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"archiver/internal/config"
	"archiver/internal/deviceid"
	"archiver/internal/mount"
	"archiver/internal/ptp"
	"archiver/internal/udev"
)

// Bus lists what udev knows about.
type Bus interface {
	USB(ctx context.Context) ([]udev.Device, error)
	Partitions(ctx context.Context) ([]udev.Device, error)
}

// Deps are the host facilities discovery needs; tests replace them all.
type Deps struct {
	Logger    *log.Logger
	Bus       Bus
	Mounts    func() ([]mount.Entry, error)
	Mounter   Mounter
	Cameras   Connector
	MountRoot string
}

func DefaultDeps(logger *log.Logger, mountRoot string) Deps {
	return Deps{
		Logger:    logger,
		Bus:       udev.NewEnumerator(nil),
		Mounts:    func() ([]mount.Entry, error) { return mount.Table(mount.ProcMounts) },
		Mounter:   mount.NewMounter(nil),
		Cameras:   PTP(ptp.NewDriver(nil)),
		MountRoot: mountRoot,
	}
}

// Discover finds configured devices that are attached right now. Only a failure
// to list the USB bus is returned; the mountable sources log and contribute nothing.
func Discover(ctx context.Context, cfg *config.Config, deps Deps) ([]Device, error) {
	var devices []Device

	gopros, err := locateGopros(ctx, cfg.Gopros, deps)
	if err != nil {
		return nil, fmt.Errorf("list usb bus: %w", err)
	}
	devices = append(devices, gopros...)

	src := mountSources{ctx: ctx, deps: deps}
	for _, c := range cfg.MassStorages {
		vol, ok := src.locate("mass_storage", c.Mountable)
		if !ok {
			continue
		}
		exts := map[string]bool{}
		for _, e := range c.Extensions {
			exts["."+strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
		devices = append(devices, &MassStorage{
			name:             c.Name,
			vol:              vol,
			extensions:       exts,
			deleteAfterStage: c.DeleteAfterStage,
			logger:           deps.Logger,
		})
	}
	for _, c := range cfg.Flysights {
		vol, ok := src.locate("flysight", c.Mountable)
		if !ok {
			continue
		}
		devices = append(devices, &Flysight{name: c.Name, vol: vol, logger: deps.Logger})
	}

	for _, d := range devices {
		deps.Logger.Printf("[discover] found %s", d)
	}
	return devices, nil
}

func locateGopros(ctx context.Context, cfgs []config.Gopro, deps Deps) ([]Device, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	usb, err := deps.Bus.USB(ctx)
	if err != nil {
		return nil, err
	}
	bySerial := map[string]udev.Device{}
	for _, d := range usb {
		bySerial[d.Serial()] = d
	}

	var out []Device
	for _, c := range cfgs {
		d, ok := bySerial[c.Serial]
		if !ok {
			continue
		}
		out = append(out, &Gopro{
			name:             c.Name,
			serial:           c.Serial,
			port:             d.USBPort(),
			deleteAfterStage: c.DeleteAfterStage,
			logger:           deps.Logger,
			connector:        deps.Cameras,
		})
	}
	return out, nil
}

// mountSources lists partitions and the mount table at most once per run.
// A listing failure is logged once and leaves that listing empty.
type mountSources struct {
	ctx  context.Context
	deps Deps

	partitions []udev.Device
	mounts     []mount.Entry
	listedP    bool
	listedM    bool
}

func (s *mountSources) partitionList() []udev.Device {
	if !s.listedP {
		s.listedP = true
		p, err := s.deps.Bus.Partitions(s.ctx)
		if err != nil {
			s.deps.Logger.Printf("[discover] WARN list partitions: %v", err)
		}
		s.partitions = p
	}
	return s.partitions
}

func (s *mountSources) mountTable() []mount.Entry {
	if !s.listedM {
		s.listedM = true
		m, err := s.deps.Mounts()
		if err != nil {
			s.deps.Logger.Printf("[discover] WARN read mount table: %v", err)
		}
		s.mounts = m
	}
	return s.mounts
}

func (s *mountSources) locate(kind string, c config.Mountable) (*volume, bool) {
	vol := &volume{mountRoot: s.deps.MountRoot, mounter: s.deps.Mounter, logger: s.deps.Logger}

	if c.Mountpoint != "" {
		e, ok := mount.Lookup(s.mountTable(), c.Mountpoint)
		if !ok {
			return nil, false
		}
		vol.mounted = true
		vol.mountpoint = e.Mountpoint
		vol.readOnly = e.ReadOnly()
		return vol, true
	}

	var matches []udev.Device
	for _, p := range s.partitionList() {
		if p.Label() == c.Label {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, false
	case 1:
	default:
		s.deps.Logger.Printf("[discover] WARN %s %s: %d partitions labelled %q, skipping", kind, c.Name, len(matches), c.Label)
		return nil, false
	}

	// the desktop may already have automounted it
	for _, e := range s.mountTable() {
		if e.Device == matches[0].DevName {
			vol.mounted = true
			vol.mountpoint = e.Mountpoint
			vol.readOnly = e.ReadOnly()
			return vol, true
		}
	}
	vol.devNode = matches[0].DevName
	return vol, true
}

// Unconfigured describes an attached USB partition no config entry claims,
// with the name it would get.
type Unconfigured struct {
	DevName   string
	Label     string
	Suggested string
	Source    string
}

// Unclaimed lists USB partitions that no mass_storage or flysight entry matches.
func Unclaimed(ctx context.Context, cfg *config.Config, deps Deps) ([]Unconfigured, error) {
	parts, err := deps.Bus.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	mounts, err := deps.Mounts()
	if err != nil {
		deps.Logger.Printf("[discover] WARN read mount table: %v", err)
	}

	claimed := map[string]bool{}
	claim := func(m config.Mountable) {
		if m.Label != "" {
			claimed[m.Label] = true
		}
		if m.Mountpoint != "" {
			claimed[filepath.Clean(m.Mountpoint)] = true
		}
	}
	for _, m := range cfg.MassStorages {
		claim(m.Mountable)
	}
	for _, f := range cfg.Flysights {
		claim(f.Mountable)
	}

	var out []Unconfigured
	for _, p := range parts {
		mp := ""
		for _, e := range mounts {
			if e.Device == p.DevName {
				mp = e.Mountpoint
			}
		}
		if claimed[p.Label()] || (mp != "" && claimed[filepath.Clean(mp)]) {
			continue
		}
		id, src := deviceid.Derive(mp, p.Props)
		out = append(out, Unconfigured{DevName: p.DevName, Label: p.Label(), Suggested: id, Source: string(src)})
	}
	return out, nil
}
