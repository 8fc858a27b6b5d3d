package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	User     string
	Password string
	// BatchSize bounds the rows sent per PrepareBatch round trip.
	BatchSize int
}

// ClickHouseDB receives the per-sample gap export.
type ClickHouseDB struct {
	conn      driver.Conn
	batchSize int
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open clickhouse")
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "ping clickhouse")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100_000
	}
	return &ClickHouseDB{conn: conn, batchSize: batchSize}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS gap_samples (
			run_id      UUID,
			mmsi        Int64,
			seq         UInt32,
			gap_ms      Float64,
			recorded_at DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		ORDER BY (run_id, mmsi, seq)
		SETTINGS index_granularity = 8192`,

		`CREATE TABLE IF NOT EXISTS gap_anomalies (
			run_id    UUID,
			mmsi      Int64,
			seq       UInt32,
			gap_ms    Float64,
			previous  DateTime64(3),
			current   DateTime64(3)
		)
		ENGINE = MergeTree()
		ORDER BY (run_id, mmsi, seq)`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

// GapSample is one inter-arrival gap of a vessel, Seq being its position in
// the vessel's gap sequence.
type GapSample struct {
	RunID uuid.UUID
	MMSI  int64
	Seq   uint32
	GapMS float64
}

// GapAnomaly is a negative gap between two consecutive observations.
type GapAnomaly struct {
	RunID    uuid.UUID
	MMSI     int64
	Seq      uint32
	GapMS    float64
	Previous time.Time
	Current  time.Time
}

// InsertGapSamples sends samples in batches of at most the configured size.
func (d *ClickHouseDB) InsertGapSamples(ctx context.Context, samples []GapSample) error {
	for start := 0; start < len(samples); start += d.batchSize {
		end := min(start+d.batchSize, len(samples))

		batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO gap_samples (run_id, mmsi, seq, gap_ms)`)
		if err != nil {
			return errors.Wrap(err, "prepare batch")
		}
		for _, s := range samples[start:end] {
			if err := batch.Append(s.RunID, s.MMSI, s.Seq, s.GapMS); err != nil {
				_ = batch.Abort()
				return errors.Wrap(err, "append to batch")
			}
		}
		if err := batch.Send(); err != nil {
			return errors.Wrapf(err, "send batch at sample %d", start)
		}
	}
	return nil
}

// InsertAnomalies stores negative gaps.
func (d *ClickHouseDB) InsertAnomalies(ctx context.Context, anomalies []GapAnomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO gap_anomalies (run_id, mmsi, seq, gap_ms, previous, current)`)
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}
	for _, a := range anomalies {
		if err := batch.Append(a.RunID, a.MMSI, a.Seq, a.GapMS, a.Previous, a.Current); err != nil {
			_ = batch.Abort()
			return errors.Wrap(err, "append to batch")
		}
	}
	return errors.Wrap(batch.Send(), "send batch")
}

// GapStats contains aggregate statistics over one run's exported gaps.
type GapStats struct {
	Samples  uint64
	Entities uint64
	P50      float64
	P95      float64
	P99      float64
	Max      float64
}

// GetGapStats computes quantiles over all gaps exported for a run.
func (d *ClickHouseDB) GetGapStats(ctx context.Context, runID uuid.UUID) (*GapStats, error) {
	var s GapStats
	err := d.conn.QueryRow(ctx, `
		SELECT count(), uniqExact(mmsi),
			quantileExact(0.5)(gap_ms), quantileExact(0.95)(gap_ms), quantileExact(0.99)(gap_ms),
			max(gap_ms)
		FROM gap_samples WHERE run_id = ?
	`, runID).Scan(&s.Samples, &s.Entities, &s.P50, &s.P95, &s.P99, &s.Max)
	if err != nil {
		return nil, errors.Wrap(err, "query gap stats")
	}
	return &s, nil
}
