// Package deviceid names devices that are not in the config yet, and makes
// any name safe for mount folders and remote paths.
package deviceid

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

type Source string

const (
	SourceMarker      Source = "marker"
	SourceFSLabel     Source = "fs_label"
	SourceFSUUID      Source = "fs_uuid"
	SourceSerialShort Source = "serial_short"
	SourceSerial      Source = "serial"
	SourceDevPath     Source = "devpath_hash"
)

// MarkerFile, when present on a card, holds the device name to use for it.
const MarkerFile = ".archiver"

// Derive picks a stable id using:
// 1) marker file at the card root or under DCIM (authoritative if present)
// 2) ID_FS_LABEL
// 3) ID_FS_UUID
// 4) ID_SERIAL_SHORT
// 5) ID_SERIAL
// 6) sha1(DEVPATH)
func Derive(mountPoint string, props map[string]string) (string, Source) {
	if mountPoint != "" {
		if id, ok := ReadMarker(mountPoint); ok {
			return Sanitize(id), SourceMarker
		}
	}

	for _, c := range []struct {
		key string
		src Source
	}{
		{"ID_FS_LABEL", SourceFSLabel},
		{"ID_FS_UUID", SourceFSUUID},
		{"ID_SERIAL_SHORT", SourceSerialShort},
		{"ID_SERIAL", SourceSerial},
	} {
		if v := props[c.key]; v != "" {
			return Sanitize(v), c.src
		}
	}

	// last resort: stable on this host, not across re-enumerations
	h := sha1.Sum([]byte(props["DEVPATH"]))
	return "usb-" + hex.EncodeToString(h[:8]), SourceDevPath
}

// ReadMarker accepts "name=<id>" or a bare single-line id; # starts a comment.
func ReadMarker(mountPoint string) (string, bool) {
	for _, p := range []string{
		filepath.Join(mountPoint, MarkerFile),
		filepath.Join(mountPoint, "DCIM", MarkerFile),
	} {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if v, ok := strings.CutPrefix(line, "name="); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v, true
				}
				continue
			}
			if !strings.Contains(line, "=") {
				return line, true
			}
		}
	}
	return "", false
}

// Sanitize keeps a name path-safe: whitespace becomes underscores, separators are removed.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "." || s == ".." {
		s = strings.ReplaceAll(s, ".", "_")
	}
	return s
}
