// Package histogram bins gap sequences into geometrically spaced buckets.
package histogram

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// DefaultEdges returns 2^k*1000 ms for k in [0, 14): 1 s up to 8192 s.
func DefaultEdges() []float64 {
	return GeometricEdges(1000, 2, 14)
}

// GeometricEdges returns n edges start*ratio^k.
func GeometricEdges(start, ratio float64, n int) []float64 {
	edges := make([]float64, n)
	for k := range edges {
		edges[k] = start * math.Pow(ratio, float64(k))
	}
	return edges
}

// Histogram counts values per bin. Bin i is [Edges[i], Edges[i+1]) except the
// last, which also includes its right edge.
type Histogram struct {
	Edges     []float64 `json:"edges"`
	Counts    []int     `json:"counts"`
	Underflow int       `json:"underflow"`
	Overflow  int       `json:"overflow"`
}

// Total returns the number of values inside the bins.
func (h Histogram) Total() int {
	n := 0
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Binner buckets values against fixed edges.
type Binner struct {
	edges []float64
}

// New returns a Binner. edges must hold at least two strictly increasing
// finite values.
func New(edges []float64) (*Binner, error) {
	if len(edges) < 2 {
		return nil, errors.Errorf("need at least 2 edges, got %d", len(edges))
	}
	for i, e := range edges {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, errors.Errorf("edge %d is not finite", i)
		}
		if i > 0 && e <= edges[i-1] {
			return nil, errors.Errorf("edges must be strictly increasing: %v <= %v at %d", e, edges[i-1], i)
		}
	}
	return &Binner{edges: slices.Clone(edges)}, nil
}

// Edges returns a copy of the bin edges.
func (b *Binner) Edges() []float64 {
	return slices.Clone(b.edges)
}

// Bin counts values. Values below the first edge or above the last are
// reported as Underflow and Overflow. NaN values are ignored.
func (b *Binner) Bin(values []float64) Histogram {
	h := Histogram{Edges: b.Edges(), Counts: make([]int, len(b.edges)-1)}
	first, last := b.edges[0], b.edges[len(b.edges)-1]

	inside := make([]float64, 0, len(values))
	for _, v := range values {
		switch {
		case math.IsNaN(v):
		case v < first:
			h.Underflow++
		case v > last:
			h.Overflow++
		case v == last:
			h.Counts[len(h.Counts)-1]++
		default:
			inside = append(inside, v)
		}
	}
	if len(inside) == 0 {
		return h
	}

	// stat.Histogram wants sorted input within [first, last).
	slices.Sort(inside)
	counts := stat.Histogram(nil, b.edges, inside, nil)
	for i, c := range counts {
		h.Counts[i] += int(c)
	}
	return h
}

// BinAll bins every sequence.
func (b *Binner) BinAll(seqs map[int64][]float64) map[int64]Histogram {
	out := make(map[int64]Histogram, len(seqs))
	for k, v := range seqs {
		out[k] = b.Bin(v)
	}
	return out
}
