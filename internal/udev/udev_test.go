package udev

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportDB = `P: /devices/pci0000:00/0000:00:14.0/usb1/1-2
N: bus/usb/001/004
E: DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-2
E: SUBSYSTEM=usb
E: DEVNAME=/dev/bus/usb/001/004
E: DEVTYPE=usb_device
E: BUSNUM=001
E: DEVNUM=004
E: ID_SERIAL=GoPro_HERO9_Black_C3441325112345
E: ID_SERIAL_SHORT=C3441325112345

P: /devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.0
E: DEVPATH=/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.0
E: SUBSYSTEM=usb
E: DEVTYPE=usb_interface

P: /devices/pci0000:00/0000:00:14.0/usb2/2-1/2-1:1.0/host0/target0:0:0/0:0:0:0/block/sda/sda1
N: sda1
S: disk/by-label/EOS_DIGITAL
E: DEVPATH=/devices/pci0000:00/0000:00:14.0/usb2/2-1/2-1:1.0/host0/target0:0:0/0:0:0:0/block/sda/sda1
E: SUBSYSTEM=block
E: DEVTYPE=partition
E: ID_BUS=usb
E: ID_FS_LABEL=EOS_DIGITAL
E: ID_FS_UUID=1234-ABCD

P: /devices/pci0000:00/0000:00:17.0/ata1/host0/target0:0:0/0:0:0:0/block/nvme0n1/nvme0n1p1
N: nvme0n1p1
E: SUBSYSTEM=block
E: DEVTYPE=partition
E: ID_BUS=ata
`

func fakeRunner(out string, err error) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "udevadm" || strings.Join(args, " ") != "info --export-db" {
			return nil, errors.New("unexpected command")
		}
		return []byte(out), err
	}
}

func TestParse(t *testing.T) {
	devs, err := Parse(strings.NewReader(exportDB))
	require.NoError(t, err)
	require.Len(t, devs, 4)

	cam := devs[0]
	assert.Equal(t, "/dev/bus/usb/001/004", cam.DevName)
	assert.Equal(t, "C3441325112345", cam.Serial())
	assert.Equal(t, "usb:001,004", cam.USBPort())

	sd := devs[2]
	assert.Equal(t, "/dev/sda1", sd.DevName)
	assert.Equal(t, "EOS_DIGITAL", sd.Label())
	assert.True(t, sd.IsUSBPartition())
	assert.False(t, devs[3].IsUSBPartition())
	assert.Empty(t, devs[3].USBPort())
}

func TestSerialFallsBack(t *testing.T) {
	d := Device{Props: map[string]string{"ID_SERIAL": "Vendor_Thing_42"}}
	assert.Equal(t, "Vendor_Thing_42", d.Serial())
}

func TestEnumerator(t *testing.T) {
	e := NewEnumerator(fakeRunner(exportDB, nil))
	ctx := context.Background()

	usb, err := e.USB(ctx)
	require.NoError(t, err)
	require.Len(t, usb, 1)
	assert.Equal(t, "C3441325112345", usb[0].Serial())

	parts, err := e.Partitions(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "EOS_DIGITAL", parts[0].Label())
}

func TestEnumeratorError(t *testing.T) {
	e := NewEnumerator(fakeRunner("", errors.New("udevadm: not found")))
	_, err := e.USB(context.Background())
	assert.Error(t, err)
}
