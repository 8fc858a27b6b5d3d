// Package partition divides a dataset of known size into contiguous worker slices.
package partition

import "fmt"

// Range is the half-open row interval [Start, End) owned by worker Index.
type Range struct {
	Index int
	Start int
	End   int
}

// Len returns the number of rows in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Empty reports whether the worker owning r has nothing to do.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("#%d[%d,%d)", r.Index, r.Start, r.End)
}

// Size returns the slice width ceil(total/workers) used by Split.
func Size(total, workers int) int {
	return (total + workers - 1) / workers
}

// Split returns workers ranges covering [0, total). Range i starts at
// Size*i and ends at min(Size*(i+1), total); ranges past the end are empty and
// clamped to total. Split panics if workers < 1 or total < 0.
func Split(total, workers int) []Range {
	if workers < 1 {
		panic(fmt.Sprintf("partition: workers must be >= 1, got %d", workers))
	}
	if total < 0 {
		panic(fmt.Sprintf("partition: total must be >= 0, got %d", total))
	}

	size := Size(total, workers)
	ranges := make([]Range, workers)
	for i := range ranges {
		start := min(size*i, total)
		end := min(size*(i+1), total)
		ranges[i] = Range{Index: i, Start: start, End: end}
	}
	return ranges
}
