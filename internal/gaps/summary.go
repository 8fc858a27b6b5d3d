package gaps

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of one gap sequence, in milliseconds.
type Summary struct {
	MMSI   int64
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	Median float64
	P95    float64
}

// Summarize describes one sequence. It reports ok=false for an empty sequence.
func Summarize(mmsi int64, seq []float64) (s Summary, ok bool) {
	if len(seq) == 0 {
		return Summary{MMSI: mmsi}, false
	}
	sorted := slices.Clone(seq)
	slices.Sort(sorted)
	return Summary{
		MMSI:   mmsi,
		Count:  len(sorted),
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}, true
}

// Summaries describes every non-empty sequence, ordered by vessel.
func Summaries(gaps map[int64][]float64) []Summary {
	keys := make([]int64, 0, len(gaps))
	for k := range gaps {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		if s, ok := Summarize(k, gaps[k]); ok {
			out = append(out, s)
		}
	}
	return out
}
