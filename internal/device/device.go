// Package device finds attached capture devices and stages their files.
package device

import (
	"context"
	"errors"
	"fmt"

	"archiver/internal/staging"
)

type Kind int

const (
	KindGopro Kind = iota
	KindMassStorage
	KindFlysight
)

func (k Kind) String() string {
	switch k {
	case KindGopro:
		return "gopro"
	case KindMassStorage:
		return "mass_storage"
	case KindFlysight:
		return "flysight"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Device is found once per run, staged once, then dropped.
type Device interface {
	Name() string
	Kind() Kind
	StageFiles(ctx context.Context, dst staging.StageableLocation) error
}

// Equal compares devices by configured name and kind, not by connection.
func Equal(a, b Device) bool {
	return a.Name() == b.Name() && a.Kind() == b.Kind()
}

// ErrNotConnected means the device went away between discovery and staging.
var ErrNotConnected = errors.New("device not connected")

// StageError is a failure partway through a device; files staged before it stay staged.
type StageError struct {
	Device string
	File   string
	Err    error
}

func (e *StageError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("stage %s: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Device, e.File, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
