package model

// This package models one staged file: the manifest written next to its content.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"archiver/internal/hash"
)

var ErrInvalidDescriptor = errors.New("invalid upload descriptor")

type UploadDescriptor struct {
	DeviceName  string      `json:"device_name"`
	LogicalName string      `json:"logical_name"`
	Extension   string      `json:"extension"`
	ContentHash hash.Digest `json:"content_hash"`
	Size        int64       `json:"size"`
	CapturedAt  time.Time   `json:"captured_at"`
	StagedAt    time.Time   `json:"staged_at"`
}

// Validate reports record-level corruption. Callers isolate it to the one entry.
func (d *UploadDescriptor) Validate() error {
	switch {
	case d.DeviceName == "":
		return fmt.Errorf("%w: missing device_name", ErrInvalidDescriptor)
	case d.LogicalName == "":
		return fmt.Errorf("%w: missing logical_name", ErrInvalidDescriptor)
	case d.ContentHash.IsZero():
		return fmt.Errorf("%w: missing content_hash", ErrInvalidDescriptor)
	case d.Size < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidDescriptor)
	}
	return nil
}

// RemotePath is where every backend files this content, rooted at "/".
// Capture time goes into the name so cameras that reuse GX01xxxx names across cards don't collide.
func (d *UploadDescriptor) RemotePath() string {
	t := d.CapturedAt
	if t.IsZero() {
		t = d.StagedAt
	}
	base := path.Base(strings.ReplaceAll(d.LogicalName, "\\", "/"))
	return path.Join("/", d.DeviceName, t.Format("2006-01-02"), t.Format("15-04-05")+"_"+base)
}

func (d *UploadDescriptor) String() string {
	return fmt.Sprintf("%s:%s (%s)", d.DeviceName, d.LogicalName, d.ContentHash)
}

// Decode reads a manifest. A syntax or validation failure wraps ErrInvalidDescriptor;
// anything else is an I/O failure.
func Decode(r io.Reader) (*UploadDescriptor, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var d UploadDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *UploadDescriptor) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
