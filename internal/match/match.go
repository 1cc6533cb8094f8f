// Package match classifies a face embedding against the reference index.
package match

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/types"
)

var (
	// ErrDimension is returned when the query and the index disagree on length.
	ErrDimension = errors.New("embedding dimension does not match index")
	// ErrInvalidQuery is returned for a query with a NaN or infinite component.
	ErrInvalidQuery = errors.New("embedding is not finite")
)

// Result is the nearest reference identity and its L2 distance.
type Result struct {
	Label    string
	Distance float32
}

// Matcher finds the nearest identity for an embedding. For a non-empty
// index it always returns exactly one label.
type Matcher interface {
	Match(ctx context.Context, query types.Embedding) (Result, error)
}

// Checker is implemented by matchers that can verify they are able to serve.
type Checker interface {
	Ready(ctx context.Context) error
}

// Linear scans every entry. Ties go to the entry that appears first in the index.
type Linear struct {
	ix *index.Index
}

func NewLinear(ix *index.Index) *Linear {
	return &Linear{ix: ix}
}

func (m *Linear) Match(ctx context.Context, query types.Embedding) (Result, error) {
	if len(query) != m.ix.Dim() {
		return Result{}, fmt.Errorf("%w: got %d, index has %d", ErrDimension, len(query), m.ix.Dim())
	}
	if err := checkFinite(query); err != nil {
		return Result{}, err
	}

	best := -1
	bestDist := math.Inf(1)
	for i := 0; i < m.ix.Len(); i++ {
		d := sqDist(query, m.ix.At(i).Embedding)
		// strict less-than keeps the first occurrence on ties
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return Result{
		Label:    m.ix.At(best).Label,
		Distance: float32(math.Sqrt(bestDist)),
	}, nil
}

func checkFinite(query types.Embedding) error {
	for i, v := range query {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: component %d is %v", ErrInvalidQuery, i, v)
		}
	}
	return nil
}

// Ready matches the first entry against the index and expects it back at
// distance zero.
func (m *Linear) Ready(ctx context.Context) error {
	if m.ix == nil || m.ix.Len() == 0 {
		return errors.New("reference index is empty")
	}
	first := m.ix.At(0)
	got, err := m.Match(ctx, first.Embedding)
	if err != nil {
		return err
	}
	if got.Label != first.Label || got.Distance != 0 {
		return fmt.Errorf("self-match returned %q at %v, want %q", got.Label, got.Distance, first.Label)
	}
	return nil
}

// Distance is the Euclidean distance between two equal-length vectors.
func Distance(a, b types.Embedding) float32 {
	return float32(math.Sqrt(sqDist(a, b)))
}

func sqDist(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
