// Package mount wraps mount(8)/umount(8) and reads the mount table.
package mount

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes a command for its side effect.
type Runner func(ctx context.Context, name string, args ...string) error

func Exec(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

type Mounter struct {
	run Runner
}

func NewMounter(run Runner) *Mounter {
	if run == nil {
		run = Exec
	}
	return &Mounter{run: run}
}

func (m *Mounter) MountRO(ctx context.Context, devNode, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	return m.run(ctx, "mount", "-o", "ro", devNode, mountPoint)
}

func (m *Mounter) Unmount(ctx context.Context, mountPoint string) error {
	return m.run(ctx, "umount", mountPoint)
}

func (m *Mounter) RemountRW(ctx context.Context, mountPoint string) error {
	return m.run(ctx, "mount", "-o", "remount,rw", mountPoint)
}

func (m *Mounter) RemountRO(ctx context.Context, mountPoint string) error {
	return m.run(ctx, "mount", "-o", "remount,ro", mountPoint)
}

func (m *Mounter) Sync(ctx context.Context) error {
	return m.run(ctx, "sync")
}

type Entry struct {
	Device     string
	Mountpoint string
	FSType     string
	Options    []string
}

func (e Entry) ReadOnly() bool {
	for _, o := range e.Options {
		if o == "ro" {
			return true
		}
	}
	return false
}

// ProcMounts is where Table reads from on Linux.
const ProcMounts = "/proc/mounts"

func Table(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTable(f)
}

// ParseTable reads fstab-format lines. Octal escapes (\040 for space) are decoded.
func ParseTable(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		out = append(out, Entry{
			Device:     unescape(fields[0]),
			Mountpoint: unescape(fields[1]),
			FSType:     fields[2],
			Options:    strings.Split(fields[3], ","),
		})
	}
	return out, sc.Err()
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

// Lookup finds the entry mounted at mountPoint.
func Lookup(entries []Entry, mountPoint string) (Entry, bool) {
	want := filepath.Clean(mountPoint)
	for _, e := range entries {
		if filepath.Clean(e.Mountpoint) == want {
			return e, true
		}
	}
	return Entry{}, false
}
