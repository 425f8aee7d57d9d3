package worker

import (
	"fmt"

	"archiver/internal/model"
)

// UploadError is the final failure of one adaptor for one file.
type UploadError struct {
	Adaptor    string
	Descriptor *model.UploadDescriptor
	Attempts   int
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s gave up after %d attempts: %v", e.Adaptor, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
