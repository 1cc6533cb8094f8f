package index

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotVersion is bumped whenever the on-disk layout changes.
const snapshotVersion = 1

// snapshot mirrors the reference data file: parallel embedding and label lists.
type snapshot struct {
	Version    int         `msgpack:"version"`
	Dim        int         `msgpack:"dim"`
	Labels     []string    `msgpack:"labels"`
	Embeddings [][]float32 `msgpack:"embeddings"`
}

// Encode serializes the index as a msgpack snapshot.
func Encode(ix *Index) ([]byte, error) {
	snap := snapshot{
		Version:    snapshotVersion,
		Dim:        ix.dim,
		Labels:     make([]string, len(ix.entries)),
		Embeddings: make([][]float32, len(ix.entries)),
	}
	for i, e := range ix.entries {
		snap.Labels[i] = e.Label
		snap.Embeddings[i] = e.Embedding
	}
	return msgpack.Marshal(&snap)
}

// Decode parses a msgpack snapshot and validates it into an Index.
func Decode(data []byte) (*Index, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty snapshot: %w", ErrSnapshotCorrupt)
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d: %w", snap.Version, ErrSnapshotCorrupt)
	}
	if len(snap.Labels) != len(snap.Embeddings) {
		return nil, fmt.Errorf("%d labels for %d embeddings: %w", len(snap.Labels), len(snap.Embeddings), ErrSnapshotCorrupt)
	}

	entries := make([]Entry, len(snap.Labels))
	for i := range snap.Labels {
		if snap.Dim != 0 && len(snap.Embeddings[i]) != snap.Dim {
			return nil, fmt.Errorf("entry %d has %d values, header says %d: %w",
				i, len(snap.Embeddings[i]), snap.Dim, ErrDimensionMismatch)
		}
		entries[i] = Entry{Label: snap.Labels[i], Embedding: snap.Embeddings[i]}
	}
	return New(entries)
}
