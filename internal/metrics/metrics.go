// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "ais_pipeline_"

var documentsInserted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "documents_inserted_total",
		Help: "Number of documents bulk inserted, by collection",
	},
	[]string{"collection"},
)

var chunkWriteSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "chunk_write_seconds",
		Help:    "Latency of one bulk insert call",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"collection"},
)

var chunkFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "chunk_failures_total",
		Help: "Number of failed bulk insert calls, by collection",
	},
	[]string{"collection"},
)

var workerFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "ingest_worker_failures_total",
		Help: "Number of ingest workers that stopped with an error",
	},
)

var excludedEntities = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: prefix + "excluded_entities",
		Help: "Entities excluded by the last quality filter run, by reason",
	},
	[]string{"reason"},
)

var gapAnomalies = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "gap_anomalies_total",
		Help: "Number of negative inter-arrival gaps detected",
	},
)

var stageSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "stage_seconds",
		Help:    "Duration of a pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	},
	[]string{"stage"},
)

// Exclusion reasons.
const (
	ReasonLowCount      = "low_count"
	ReasonMissingSensor = "missing_sensor"
	ReasonTotal         = "total"
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordChunkWrite(collection string, docs int, duration time.Duration) {
	documentsInserted.WithLabelValues(collection).Add(float64(docs))
	chunkWriteSeconds.WithLabelValues(collection).Observe(duration.Seconds())
}

func (m *Metrics) RecordChunkFailure(collection string) {
	chunkFailures.WithLabelValues(collection).Inc()
}

func (m *Metrics) RecordWorkerFailure() {
	workerFailures.Inc()
}

func (m *Metrics) RecordExcluded(reason string, n int) {
	excludedEntities.WithLabelValues(reason).Set(float64(n))
}

func (m *Metrics) RecordGapAnomalies(n int) {
	gapAnomalies.Add(float64(n))
}

func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	stageSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}
