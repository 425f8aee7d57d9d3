// Package udev enumerates devices from the udev database in one shot.
package udev

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

type Device struct {
	DevName string            // /dev/sda1
	DevPath string            // /devices/pci0000:00/...
	Props   map[string]string // E: key=value from udev
}

func (d Device) Subsystem() string { return d.Props["SUBSYSTEM"] }

func (d Device) Label() string { return d.Props["ID_FS_LABEL"] }

// Serial prefers the short serial, which is what cameras print on their label.
func (d Device) Serial() string {
	if s := d.Props["ID_SERIAL_SHORT"]; s != "" {
		return s
	}
	return d.Props["ID_SERIAL"]
}

func (d Device) IsUSBPartition() bool {
	return d.Props["SUBSYSTEM"] == "block" && d.Props["ID_BUS"] == "usb" && d.Props["DEVTYPE"] == "partition"
}

// USBPort is the libusb-style port ("usb:001,004") that PTP drivers address a device by.
func (d Device) USBPort() string {
	bus, dev := d.Props["BUSNUM"], d.Props["DEVNUM"]
	if bus == "" || dev == "" {
		return ""
	}
	return fmt.Sprintf("usb:%s,%s", bus, dev)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

type Enumerator struct {
	run Runner
}

func NewEnumerator(run Runner) *Enumerator {
	if run == nil {
		run = Exec
	}
	return &Enumerator{run: run}
}

func (e *Enumerator) all(ctx context.Context) ([]Device, error) {
	out, err := e.run(ctx, "udevadm", "info", "--export-db")
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(out))
}

// Partitions lists USB block partitions.
func (e *Enumerator) Partitions(ctx context.Context) ([]Device, error) {
	devs, err := e.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, d := range devs {
		if d.IsUSBPartition() {
			out = append(out, d)
		}
	}
	return out, nil
}

// USB lists whole USB devices (not interfaces) that report a serial.
func (e *Enumerator) USB(ctx context.Context) ([]Device, error) {
	devs, err := e.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, d := range devs {
		if d.Props["SUBSYSTEM"] == "usb" && d.Props["DEVTYPE"] == "usb_device" && d.Serial() != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// Parse reads `udevadm info --export-db` output: records separated by blank
// lines, "P:" device path, "N:" node name, "E:" properties.
func Parse(r io.Reader) ([]Device, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		out []Device
		cur = Device{Props: map[string]string{}}
	)
	flush := func() {
		if cur.DevPath == "" && len(cur.Props) == 0 {
			return
		}
		if cur.DevName == "" {
			cur.DevName = cur.Props["DEVNAME"]
		}
		if cur.DevPath == "" {
			cur.DevPath = cur.Props["DEVPATH"]
		}
		out = append(out, cur)
		cur = Device{Props: map[string]string{}}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		tag, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch tag {
		case "P":
			cur.DevPath = val
		case "N":
			cur.DevName = "/dev/" + val
		case "E":
			if k, v, ok := strings.Cut(val, "="); ok {
				cur.Props[k] = v
			}
		}
	}

	// Scanner ended; one last flush.
	flush()
	return out, sc.Err()
}
