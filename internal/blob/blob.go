// Package blob is the put/get facade over object storage. Keys are written
// whole and overwritten in place, which makes every Put idempotent.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the bucket or key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store puts and gets opaque objects by bucket and key.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// StorageError wraps a backend failure with the object it concerned.
type StorageError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
