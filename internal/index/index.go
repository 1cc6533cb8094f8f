// Package index holds the reference table of known identities that recognition
// matches against. An Index is built once (from a snapshot) and never mutated,
// so it can be shared by every handler goroutine without locking.
package index

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facequeue/internal/types"
)

var (
	ErrSnapshotMissing   = errors.New("index snapshot not found")
	ErrSnapshotCorrupt   = errors.New("index snapshot is corrupt")
	ErrDimensionMismatch = errors.New("index embedding dimensions are inconsistent")
	ErrEmptyIndex        = errors.New("index has no entries")
)

// Entry is one labelled reference embedding.
type Entry struct {
	Label     string
	Embedding types.Embedding
}

// Index is an immutable, ordered collection of entries sharing one dimensionality.
type Index struct {
	entries []Entry
	dim     int
}

// New validates entries and copies them into a new Index. Iteration order is
// preserved because the matcher breaks ties by first occurrence.
func New(entries []Entry) (*Index, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyIndex
	}

	dim := len(entries[0].Embedding)
	if dim == 0 {
		return nil, fmt.Errorf("entry 0 (%q): %w", entries[0].Label, ErrDimensionMismatch)
	}

	owned := make([]Entry, len(entries))
	for i, e := range entries {
		if e.Label == "" {
			return nil, fmt.Errorf("entry %d has an empty label: %w", i, ErrSnapshotCorrupt)
		}
		if len(e.Embedding) != dim {
			return nil, fmt.Errorf("entry %d (%q) has %d values, want %d: %w",
				i, e.Label, len(e.Embedding), dim, ErrDimensionMismatch)
		}
		for _, v := range e.Embedding {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("entry %d (%q) contains a non-finite value: %w", i, e.Label, ErrSnapshotCorrupt)
			}
		}
		vec := make(types.Embedding, dim)
		copy(vec, e.Embedding)
		owned[i] = Entry{Label: e.Label, Embedding: vec}
	}

	return &Index{entries: owned, dim: dim}, nil
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Dim returns the shared embedding dimensionality.
func (ix *Index) Dim() int { return ix.dim }

// At returns entry i. Callers must not modify the returned embedding.
func (ix *Index) At(i int) Entry { return ix.entries[i] }

// Labels returns the distinct labels in first-seen order.
func (ix *Index) Labels() []string {
	seen := make(map[string]bool, len(ix.entries))
	var labels []string
	for _, e := range ix.entries {
		if !seen[e.Label] {
			seen[e.Label] = true
			labels = append(labels, e.Label)
		}
	}
	return labels
}

// Entries returns a deep copy of the entries, for export.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, len(ix.entries))
	for i, e := range ix.entries {
		vec := make(types.Embedding, len(e.Embedding))
		copy(vec, e.Embedding)
		out[i] = Entry{Label: e.Label, Embedding: vec}
	}
	return out
}
