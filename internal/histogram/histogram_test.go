package histogram

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEdges(t *testing.T) {
	edges := DefaultEdges()
	require.Len(t, edges, 14)
	assert.Equal(t, 1000.0, edges[0])
	assert.Equal(t, 2000.0, edges[1])
	assert.Equal(t, 8192000.0, edges[13])
}

func TestBin(t *testing.T) {
	b, err := New([]float64{1000, 2000, 4000, 8000})
	require.NoError(t, err)

	tests := []struct {
		name      string
		values    []float64
		counts    []int
		underflow int
		overflow  int
	}{
		{"empty", nil, []int{0, 0, 0}, 0, 0},
		{"left edges are inclusive", []float64{1000, 2000, 4000}, []int{1, 1, 1}, 0, 0},
		{"last edge is inclusive", []float64{8000}, []int{0, 0, 1}, 0, 0},
		{"unsorted input", []float64{3999, 1500, 7000, 1000, 2500}, []int{2, 2, 1}, 0, 0},
		{"out of range", []float64{0, 999.9, -5, 8000.1, 1e9}, []int{0, 0, 0}, 3, 2},
		{"nan ignored", []float64{math.NaN(), 1200}, []int{1, 0, 0}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := b.Bin(tt.values)
			assert.Equal(t, tt.counts, h.Counts)
			assert.Equal(t, tt.underflow, h.Underflow)
			assert.Equal(t, tt.overflow, h.Overflow)
			assert.Equal(t, []float64{1000, 2000, 4000, 8000}, h.Edges)
		})
	}
}

func TestBin_DoesNotReorderInput(t *testing.T) {
	b, err := New(DefaultEdges())
	require.NoError(t, err)

	in := []float64{5000, 1000, 3000}
	h := b.Bin(in)
	assert.Equal(t, []float64{5000, 1000, 3000}, in)
	assert.Equal(t, 3, h.Total())
}

func TestBinAll(t *testing.T) {
	b, err := New(DefaultEdges())
	require.NoError(t, err)

	hs := b.BinAll(map[int64][]float64{1: {1000, 1500}, 2: {}})
	require.Len(t, hs, 2)
	assert.Equal(t, 2, hs[1].Counts[0])
	assert.Equal(t, 0, hs[2].Total())
	assert.Len(t, hs[2].Counts, 13)
}

func TestNew_RejectsBadEdges(t *testing.T) {
	for _, edges := range [][]float64{
		nil,
		{1},
		{1, 1},
		{2, 1},
		{1, math.Inf(1)},
		{math.NaN(), 1},
	} {
		_, err := New(edges)
		assert.Error(t, err, "%v", edges)
	}
}
