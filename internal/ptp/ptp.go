// Package ptp drives PTP cameras through the gphoto2 command line tool.
package ptp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoCamera means gphoto2 could not see a camera on the given port.
var ErrNoCamera = errors.New("no camera on port")

// RemoteFile is one file on the camera's storage.
type RemoteFile struct {
	Folder  string
	Index   int // 1-based position within Folder, as gphoto2 numbers it
	Name    string
	Size    int64
	ModTime time.Time
}

func (f RemoteFile) Path() string { return path.Join(f.Folder, f.Name) }

// Command builds the gphoto2 invocation; tests swap it for a helper process.
type Command func(ctx context.Context, args ...string) *exec.Cmd

func GPhoto2(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "gphoto2", args...)
}

type Driver struct {
	cmd Command
}

func NewDriver(cmd Command) *Driver {
	if cmd == nil {
		cmd = GPhoto2
	}
	return &Driver{cmd: cmd}
}

// Session is a connection to the camera on one USB port.
type Session struct {
	driver *Driver
	port   string
}

// Connect checks that a camera answers on port ("usb:001,004").
func (d *Driver) Connect(ctx context.Context, port string) (*Session, error) {
	out, err := d.output(ctx, "--auto-detect")
	if err != nil {
		return nil, err
	}
	if !strings.Contains(string(out), port) {
		return nil, fmt.Errorf("%w %s", ErrNoCamera, port)
	}
	return &Session{driver: d, port: port}, nil
}

func (d *Driver) output(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := d.cmd(ctx, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gphoto2 %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (s *Session) Files(ctx context.Context) ([]RemoteFile, error) {
	out, err := s.driver.output(ctx, "--port", s.port, "--list-files")
	if err != nil {
		return nil, err
	}
	return ParseListing(bytes.NewReader(out))
}

// Open streams one file off the camera.
func (s *Session) Open(ctx context.Context, f RemoteFile) (io.ReadCloser, error) {
	cmd := s.driver.cmd(ctx, "--port", s.port, "--folder", f.Folder, "--get-file", strconv.Itoa(f.Index), "--stdout")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &download{ReadCloser: stdout, cmd: cmd, stderr: &stderr, name: f.Path()}, nil
}

// Delete removes a file from the camera after it has been staged.
func (s *Session) Delete(ctx context.Context, f RemoteFile) error {
	_, err := s.driver.output(ctx, "--port", s.port, "--folder", f.Folder, "--delete-file", strconv.Itoa(f.Index))
	return err
}

type download struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	name   string
}

// Close reaps gphoto2; a non-zero exit means the stream was incomplete.
func (d *download) Close() error {
	_, _ = io.Copy(io.Discard, d.ReadCloser)
	if err := d.cmd.Wait(); err != nil {
		return fmt.Errorf("download %s: %w: %s", d.name, err, strings.TrimSpace(d.stderr.String()))
	}
	return nil
}

var (
	folderLine = regexp.MustCompile(`^There (?:is|are) \S+ files? in folder '([^']*)':$`)
	fileLine   = regexp.MustCompile(`^#(\d+)\s+(\S+)\s+\S+\s+(\d+)\s+(KB|MB|GB|B)\b.*?(\d{9,})?$`)
)

// ParseListing reads `gphoto2 --list-files` output.
func ParseListing(r io.Reader) ([]RemoteFile, error) {
	var (
		out    []RemoteFile
		folder string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := folderLine.FindStringSubmatch(line); m != nil {
			folder = m[1]
			continue
		}
		m := fileLine.FindStringSubmatch(line)
		if m == nil || folder == "" {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		size, _ := strconv.ParseInt(m[3], 10, 64)
		f := RemoteFile{Folder: folder, Index: idx, Name: m[2], Size: size * unit(m[4])}
		if m[5] != "" {
			if ts, err := strconv.ParseInt(m[5], 10, 64); err == nil {
				f.ModTime = time.Unix(ts, 0).UTC()
			}
		}
		out = append(out, f)
	}
	return out, sc.Err()
}

// unit scales gphoto2's rounded sizes; they are approximate and only used for logging.
func unit(u string) int64 {
	switch u {
	case "KB":
		return 1 << 10
	case "MB":
		return 1 << 20
	case "GB":
		return 1 << 30
	}
	return 1
}
