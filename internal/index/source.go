package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/andresmejia3/facequeue/internal/blob"
)

// Source yields the raw entries of a snapshot. Implementations report a
// missing snapshot with ErrSnapshotMissing.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
	String() string
}

// LoadError is returned by Load; it names the snapshot that failed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load index from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads and validates the snapshot behind src. Any failure is a startup
// error for the worker.
func Load(ctx context.Context, src Source) (*Index, error) {
	entries, err := src.Entries(ctx)
	if err != nil {
		return nil, &LoadError{Source: src.String(), Err: err}
	}
	ix, err := New(entries)
	if err != nil {
		return nil, &LoadError{Source: src.String(), Err: err}
	}
	return ix, nil
}

// FileSource reads a msgpack snapshot from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) String() string { return "file://" + s.Path }

func (s FileSource) Entries(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}
	ix, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ix.entries, nil
}

// BlobSource reads a msgpack snapshot object from a blob store.
type BlobSource struct {
	Store  blob.Store
	Bucket string
	Key    string
}

func (s BlobSource) String() string { return fmt.Sprintf("blob://%s/%s", s.Bucket, s.Key) }

func (s BlobSource) Entries(ctx context.Context) ([]Entry, error) {
	data, err := s.Store.Get(ctx, s.Bucket, s.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}
	ix, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ix.entries, nil
}

// WriteFile encodes ix and writes it to path.
func WriteFile(path string, ix *Index) error {
	data, err := Encode(ix)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
