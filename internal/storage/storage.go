// Package storage defines what a backend must do to take part in an upload run.
package storage

import (
	"context"
	"errors"
	"io"

	"archiver/internal/model"
)

type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// ErrConflict is returned when the backend holds different bytes at the descriptor's path.
var ErrConflict = errors.New("remote path holds different content")

// Adaptor is one backend. Implementations must be safe for concurrent use by
// uploads of different manifests.
type Adaptor interface {
	// Name is stable and shows up in reports and logs.
	Name() string

	// AlreadyUploaded is a side-effect-free existence check keyed by the content hash.
	// "Not found" and lookup failures both answer false; the upload path deals with the rest.
	AlreadyUploaded(ctx context.Context, d *model.UploadDescriptor) bool

	// Upload transfers content. It must be safe to call again after a failed attempt.
	Upload(ctx context.Context, content io.Reader, d *model.UploadDescriptor) (Status, error)
}
