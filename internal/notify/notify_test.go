package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_pipeline/internal/gaps"
)

type message struct {
	subject string
	data    []byte
}

type recorder struct {
	msgs []message
	fail bool
}

func (r *recorder) Publish(subject string, data []byte) error {
	if r.fail {
		return errors.New("no responders")
	}
	r.msgs = append(r.msgs, message{subject, data})
	return nil
}

func TestStage(t *testing.T) {
	rec := &recorder{}
	n := New(rec, "ais.pipeline.")
	runID := uuid.New()

	require.NoError(t, n.Stage(StageEvent{RunID: runID, Stage: "ingest", Status: StageFinished, Counts: map[string]int{"inserted": 1000}}))
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "ais.pipeline.stage.ingest", rec.msgs[0].subject)

	var ev StageEvent
	require.NoError(t, json.Unmarshal(rec.msgs[0].data, &ev))
	assert.Equal(t, runID, ev.RunID)
	assert.Equal(t, StageFinished, ev.Status)
	assert.Equal(t, 1000, ev.Counts["inserted"])
	assert.False(t, ev.At.IsZero())
}

func TestAnomalies(t *testing.T) {
	rec := &recorder{}
	n := New(rec, "")
	at := time.Date(2023, 2, 27, 0, 0, 5, 0, time.UTC)

	err := n.Anomalies(uuid.New(), []gaps.Anomaly{
		{MMSI: 1, Index: 0, Gap: -2000, Previous: at, Current: at.Add(-2 * time.Second)},
		{MMSI: 2, Index: 4, Gap: -10, Previous: at, Current: at.Add(-10 * time.Millisecond)},
	})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 2)
	assert.Equal(t, "ais.pipeline.anomaly", rec.msgs[1].subject)

	var ev AnomalyEvent
	require.NoError(t, json.Unmarshal(rec.msgs[1].data, &ev))
	assert.Equal(t, int64(2), ev.MMSI)
	assert.Equal(t, -10.0, ev.GapMS)
}

func TestAnomalies_CollectsFailures(t *testing.T) {
	n := New(&recorder{fail: true}, "x")
	err := n.Anomalies(uuid.New(), []gaps.Anomaly{{MMSI: 1}, {MMSI: 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Stage(StageEvent{Stage: "filter"}))
	assert.NoError(t, n.Anomalies(uuid.New(), []gaps.Anomaly{{MMSI: 1}}))
	n.Close()

	disabled, err := Connect(Config{})
	require.NoError(t, err)
	assert.Nil(t, disabled)
}
