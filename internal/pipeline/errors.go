package pipeline

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/facequeue/internal/types"
)

// ErrMalformed marks a message that can never be processed as submitted:
// undecodable payload, missing fields, or a referenced object that does not
// exist. The disposition policy decides whether it is acked or dead-lettered;
// it is never retried.
var ErrMalformed = errors.New("malformed request")

// StorageWriteWarning reports a side-effect write that failed without
// failing the request.
type StorageWriteWarning struct {
	Bucket string
	Key    string
	Err    error
}

func (w *StorageWriteWarning) Error() string {
	return fmt.Sprintf("non-fatal write to %s/%s failed: %v", w.Bucket, w.Key, w.Err)
}

func (w *StorageWriteWarning) Unwrap() error { return w.Err }

// Outcome is a completed recognition. Warnings lists non-fatal failures that
// occurred along the way.
type Outcome struct {
	Result   types.RecognitionResult
	Warnings []error
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
