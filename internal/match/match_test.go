package match

import (
	"context"
	"math"
	"testing"

	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIndex(t *testing.T, entries ...index.Entry) *index.Index {
	t.Helper()
	ix, err := index.New(entries)
	require.NoError(t, err)
	return ix
}

func TestLinear_ExactMatch(t *testing.T) {
	v1 := types.Embedding{1, 0, 0}
	v2 := types.Embedding{0, 1, 0}
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "alice", Embedding: v1},
		index.Entry{Label: "bob", Embedding: v2},
	))

	got, err := m.Match(context.Background(), v2)
	require.NoError(t, err)
	assert.Equal(t, Result{Label: "bob", Distance: 0}, got)
}

func TestLinear_Nearest(t *testing.T) {
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "alice", Embedding: types.Embedding{0, 0}},
		index.Entry{Label: "bob", Embedding: types.Embedding{10, 0}},
		index.Entry{Label: "carol", Embedding: types.Embedding{0, 10}},
	))

	tests := []struct {
		name  string
		query types.Embedding
		label string
		dist  float64
	}{
		{"near alice", types.Embedding{1, 1}, "alice", math.Sqrt2},
		{"near bob", types.Embedding{7, 0}, "bob", 3},
		{"near carol", types.Embedding{0, 6}, "carol", 4},
		{"far away still matches", types.Embedding{1000, 1000}, "bob", math.Sqrt(990*990 + 1000*1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Match(context.Background(), tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.label, got.Label)
			assert.InDelta(t, tt.dist, got.Distance, 1e-3)
		})
	}
}

func TestLinear_TieBreaksByFirstOccurrence(t *testing.T) {
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "first", Embedding: types.Embedding{1, 0}},
		index.Entry{Label: "second", Embedding: types.Embedding{-1, 0}},
		index.Entry{Label: "first-dup", Embedding: types.Embedding{1, 0}},
	))

	// origin is equidistant from all three
	got, err := m.Match(context.Background(), types.Embedding{0, 0})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Label)

	// exact duplicate vectors also resolve to the earlier entry
	got, err = m.Match(context.Background(), types.Embedding{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Label)
}

func TestLinear_Deterministic(t *testing.T) {
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "a", Embedding: types.Embedding{0.1, 0.2, 0.3}},
		index.Entry{Label: "b", Embedding: types.Embedding{0.3, 0.2, 0.1}},
	))
	q := types.Embedding{0.2, 0.2, 0.2}

	first, err := m.Match(context.Background(), q)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := m.Match(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLinear_SingleEntryAlwaysMatches(t *testing.T) {
	m := NewLinear(mustIndex(t, index.Entry{Label: "only", Embedding: types.Embedding{5}}))
	for _, q := range []types.Embedding{{-100}, {0}, {5}, {1e6}} {
		got, err := m.Match(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, "only", got.Label)
	}
}

func TestLinear_DimensionMismatch(t *testing.T) {
	m := NewLinear(mustIndex(t, index.Entry{Label: "a", Embedding: types.Embedding{1, 2}}))
	_, err := m.Match(context.Background(), types.Embedding{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestLinear_NonFiniteQuery(t *testing.T) {
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "a", Embedding: types.Embedding{1, 2}},
		index.Entry{Label: "b", Embedding: types.Embedding{3, 4}},
	))
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, q := range []types.Embedding{{nan, 0}, {0, inf}, {-inf, -inf}} {
		_, err := m.Match(context.Background(), q)
		assert.ErrorIs(t, err, ErrInvalidQuery, "query %v", q)
	}
}

func TestLinear_Ready(t *testing.T) {
	m := NewLinear(mustIndex(t,
		index.Entry{Label: "a", Embedding: types.Embedding{1, 2}},
		index.Entry{Label: "b", Embedding: types.Embedding{1, 2}},
	))
	assert.NoError(t, m.Ready(context.Background()))

	assert.Error(t, (&Linear{}).Ready(context.Background()))
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(types.Embedding{0, 0}, types.Embedding{3, 4}), 1e-6)
	assert.Zero(t, Distance(types.Embedding{1, 2}, types.Embedding{1, 2}))
}
