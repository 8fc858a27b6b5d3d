// Package gaps derives per-vessel inter-arrival time gaps from observations
// sorted by vessel then time.
package gaps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/metrics"
)

// ErrUnsorted is returned when vessel keys are not in ascending order.
var ErrUnsorted = errors.New("observations are not sorted by vessel")

// Cursor iterates over decoded documents. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
}

// Mode selects how negative gaps are treated.
type Mode int

const (
	// Strict fails the aggregation with a *RegressionError if any gap is
	// negative.
	Strict Mode = iota
	// Lenient keeps negative gaps in the sequences and reports them in
	// Result.Anomalies.
	Lenient
)

func (m Mode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// ParseMode maps "strict" and "lenient" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	}
	return Strict, errors.Errorf("unknown gap mode %q", s)
}

// Anomaly is a time regression between two consecutive observations of a vessel.
type Anomaly struct {
	MMSI int64
	// Index is the position of the negative gap in the vessel's sequence.
	Index    int
	Gap      float64
	Previous time.Time
	Current  time.Time
}

func (a Anomaly) String() string {
	return fmt.Sprintf("mmsi %d gap %d: %s -> %s (%.0f ms)",
		a.MMSI, a.Index, a.Previous.Format(time.RFC3339), a.Current.Format(time.RFC3339), a.Gap)
}

// RegressionError lists every negative gap found in strict mode.
type RegressionError struct {
	Anomalies []Anomaly
}

func (e *RegressionError) Error() string {
	const shown = 5
	parts := make([]string, 0, shown)
	for i, a := range e.Anomalies {
		if i == shown {
			break
		}
		parts = append(parts, a.String())
	}
	msg := fmt.Sprintf("%d time regressions: %s", len(e.Anomalies), strings.Join(parts, "; "))
	if len(e.Anomalies) > shown {
		msg += "; ..."
	}
	return msg
}

// Result maps each vessel to its gap sequence in milliseconds. A vessel
// with n observations has n-1 gaps.
type Result struct {
	Gaps map[int64][]float64
	// Entities lists the vessels in input order.
	Entities     []int64
	Observations int
	Anomalies    []Anomaly
}

// Aggregator computes gap sequences in one forward pass.
type Aggregator struct {
	mode Mode
}

func New(mode Mode) *Aggregator {
	return &Aggregator{mode: mode}
}

// Only the grouping key and time are decoded.
type keyed struct {
	MMSI      int64     `bson:"mmsi"`
	Timestamp time.Time `bson:"timestamp"`
}

// Aggregate consumes cur, which must yield observations sorted by (mmsi,
// timestamp) ascending.
func (a *Aggregator) Aggregate(ctx context.Context, cur Cursor) (Result, error) {
	res := Result{Gaps: map[int64][]float64{}}

	var (
		accumulating bool
		entity       int64
		prev         time.Time
		acc          []float64
	)
	flush := func() {
		res.Gaps[entity] = acc
		res.Entities = append(res.Entities, entity)
	}

	for cur.Next(ctx) {
		if res.Observations%4096 == 0 && ctx.Err() != nil {
			return res, ctx.Err()
		}
		var r keyed
		if err := cur.Decode(&r); err != nil {
			return res, errors.Wrapf(err, "decode observation %d", res.Observations)
		}
		res.Observations++

		switch {
		case !accumulating:
			accumulating = true
			entity, acc = r.MMSI, []float64{}
		case r.MMSI == entity:
			gap := float64(r.Timestamp.Sub(prev)) / float64(time.Millisecond)
			if gap < 0 {
				res.Anomalies = append(res.Anomalies, Anomaly{
					MMSI: entity, Index: len(acc), Gap: gap, Previous: prev, Current: r.Timestamp,
				})
			}
			acc = append(acc, gap)
		case r.MMSI < entity:
			return res, errors.Wrapf(ErrUnsorted, "mmsi %d follows %d at observation %d", r.MMSI, entity, res.Observations-1)
		default:
			flush()
			entity, acc = r.MMSI, []float64{}
		}
		prev = r.Timestamp
	}
	if err := cur.Err(); err != nil {
		return res, errors.Wrap(err, "iterate observations")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if accumulating {
		flush()
	}

	if n := len(res.Anomalies); n > 0 {
		metrics.Get().RecordGapAnomalies(n)
		log.WithField("anomalies", n).WithField("mode", a.mode.String()).Warn("Negative gaps detected")
		if a.mode == Strict {
			return res, &RegressionError{Anomalies: res.Anomalies}
		}
	}
	return res, nil
}

// FromObservations adapts an in-memory slice to a Cursor.
func FromObservations(obs []ais.Observation) Cursor {
	return &sliceCursor{obs: obs, pos: -1}
}

type sliceCursor struct {
	obs []ais.Observation
	pos int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.pos++
	return c.pos < len(c.obs)
}

func (c *sliceCursor) Decode(val interface{}) error {
	switch v := val.(type) {
	case *keyed:
		v.MMSI, v.Timestamp = c.obs[c.pos].MMSI, c.obs[c.pos].Timestamp
	case *ais.Observation:
		*v = c.obs[c.pos]
	default:
		return errors.Errorf("cannot decode into %T", val)
	}
	return nil
}

func (c *sliceCursor) Err() error { return nil }
