package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"ais_pipeline/internal/ais"
)

var t0 = time.Date(2023, 2, 27, 12, 0, 0, 0, time.UTC)

func obs(mmsi int64, offsetMS int) ais.Observation {
	return ais.Observation{MMSI: mmsi, Timestamp: t0.Add(time.Duration(offsetMS) * time.Millisecond)}
}

// mongoCursor builds a real driver cursor over BSON-encoded observations.
func mongoCursor(t *testing.T, in ...ais.Observation) *mongo.Cursor {
	t.Helper()
	docs := make([]interface{}, len(in))
	for i := range in {
		docs[i] = in[i]
	}
	cur, err := mongo.NewCursorFromDocuments(docs, nil, nil)
	require.NoError(t, err)
	return cur
}

func TestAggregate_GapSequence(t *testing.T) {
	cur := mongoCursor(t, obs(219000001, 0), obs(219000001, 1000), obs(219000001, 2500))

	res, err := New(Strict).Aggregate(context.Background(), cur)
	require.NoError(t, err)
	assert.Equal(t, map[int64][]float64{219000001: {1000, 1500}}, res.Gaps)
	assert.Equal(t, 3, res.Observations)
	assert.Empty(t, res.Anomalies)
}

func TestAggregate_FlushesLastEntity(t *testing.T) {
	cur := mongoCursor(t,
		obs(1, 0), obs(1, 500),
		obs(2, 0), obs(2, 250), obs(2, 1250),
		obs(3, 0), obs(3, 2000),
	)

	res, err := New(Strict).Aggregate(context.Background(), cur)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, res.Entities)
	require.Contains(t, res.Gaps, int64(3), "last entity in sort order must be flushed")
	assert.Equal(t, []float64{2000}, res.Gaps[3])
	assert.Equal(t, []float64{250, 1000}, res.Gaps[2])
	assert.Equal(t, []float64{500}, res.Gaps[1])
}

func TestAggregate_LengthIsCountMinusOne(t *testing.T) {
	counts := map[int64]int{10: 1, 11: 2, 12: 7}
	var in []ais.Observation
	for _, id := range []int64{10, 11, 12} {
		for i := 0; i < counts[id]; i++ {
			in = append(in, obs(id, i*100))
		}
	}

	res, err := New(Strict).Aggregate(context.Background(), FromObservations(in))
	require.NoError(t, err)
	for id, n := range counts {
		require.Contains(t, res.Gaps, id)
		assert.Len(t, res.Gaps[id], n-1)
	}
	assert.NotNil(t, res.Gaps[10], "single observation yields an empty, present sequence")
}

func TestAggregate_Empty(t *testing.T) {
	res, err := New(Strict).Aggregate(context.Background(), mongoCursor(t))
	require.NoError(t, err)
	assert.Empty(t, res.Gaps)
	assert.Equal(t, 0, res.Observations)
}

func TestAggregate_RegressionStrict(t *testing.T) {
	// Sorted by vessel only: vessel 2 goes back in time.
	in := []ais.Observation{obs(1, 0), obs(1, 100), obs(2, 5000), obs(2, 3000), obs(2, 4000)}

	res, err := New(Strict).Aggregate(context.Background(), FromObservations(in))
	require.Error(t, err)

	var rerr *RegressionError
	require.True(t, errors.As(err, &rerr))
	require.Len(t, rerr.Anomalies, 1)
	a := rerr.Anomalies[0]
	assert.Equal(t, int64(2), a.MMSI)
	assert.Equal(t, 0, a.Index)
	assert.Equal(t, -2000.0, a.Gap)
	assert.Contains(t, err.Error(), "1 time regressions")
	assert.Equal(t, res.Anomalies, rerr.Anomalies)
}

func TestAggregate_RegressionLenient(t *testing.T) {
	in := []ais.Observation{obs(2, 5000), obs(2, 3000), obs(2, 4000)}

	res, err := New(Lenient).Aggregate(context.Background(), FromObservations(in))
	require.NoError(t, err)
	assert.Equal(t, []float64{-2000, 1000}, res.Gaps[2], "negative gaps are kept, never clamped")
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, -2000.0, res.Anomalies[0].Gap)
}

func TestAggregate_UnsortedKeys(t *testing.T) {
	in := []ais.Observation{obs(5, 0), obs(5, 10), obs(3, 0)}

	_, err := New(Lenient).Aggregate(context.Background(), FromObservations(in))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsorted))
}

func TestAggregate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Strict).Aggregate(ctx, FromObservations([]ais.Observation{obs(1, 0), obs(1, 1)}))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Strict, false},
		{"strict", Strict, false},
		{" Lenient ", Lenient, false},
		{"clamp", Strict, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSummaries(t *testing.T) {
	got := Summaries(map[int64][]float64{
		7: {1500, 1000},
		3: {},
		5: {4000, 1000, 2000, 3000},
	})
	require.Len(t, got, 2, "empty sequences have no summary")

	assert.Equal(t, int64(5), got[0].MMSI)
	assert.Equal(t, 4, got[0].Count)
	assert.Equal(t, 1000.0, got[0].Min)
	assert.Equal(t, 4000.0, got[0].Max)
	assert.Equal(t, 2500.0, got[0].Mean)
	assert.Equal(t, 2000.0, got[0].Median)
	assert.Equal(t, 4000.0, got[0].P95)

	assert.Equal(t, int64(7), got[1].MMSI)
	assert.Equal(t, 1250.0, got[1].Mean)
	assert.Equal(t, 1000.0, got[1].Median)
	assert.Equal(t, 1500.0, got[1].P95)
}
