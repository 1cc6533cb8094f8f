package blob

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the facade contract against any Store.
func exercise(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "results", "missing")
	assert.ErrorIs(t, err, ErrNotFound, "missing bucket")

	require.NoError(t, s.Put(ctx, "results", "req-1", []byte("alice")))
	_, err = s.Get(ctx, "results", "missing")
	assert.ErrorIs(t, err, ErrNotFound, "missing key")

	got, err := s.Get(ctx, "results", "req-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), got)

	// Overwrite in place: a repeated put is idempotent for identical bytes
	// and last-writer-wins otherwise.
	require.NoError(t, s.Put(ctx, "results", "req-1", []byte("alice")))
	require.NoError(t, s.Put(ctx, "results", "req-1", []byte("bob")))
	got, err = s.Get(ctx, "results", "req-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bob"), got)

	// Buckets are independent namespaces
	require.NoError(t, s.Put(ctx, "inputs", "req-1", []byte{0xFF, 0xD8}))
	got, err = s.Get(ctx, "results", "req-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bob"), got)

	// Callers may reuse their buffers
	buf := []byte("carol")
	require.NoError(t, s.Put(ctx, "results", "req-2", buf))
	buf[0] = 'X'
	got, err = s.Get(ctx, "results", "req-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("carol"), got)
	got[0] = 'Y'
	again, err := s.Get(ctx, "results", "req-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("carol"), again)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)

	keys := m.Keys("results")
	sort.Strings(keys)
	assert.Equal(t, []string{"req-1", "req-2"}, keys)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().Put(ctx, "b", "k", []byte("x"))
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "blobs.db")
	b, err := NewBolt(path)
	require.NoError(t, err)
	defer b.Close()

	exercise(t, b)
}

func TestBolt_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	ctx := context.Background()

	b, err := NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "results", "req-9", []byte("dave")))
	require.NoError(t, b.Close())

	b, err = NewBolt(path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "results", "req-9")
	require.NoError(t, err)
	assert.Equal(t, []byte("dave"), got)
}
