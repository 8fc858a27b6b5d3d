package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB is a ledger backed by a PostgreSQL connection pool, shared by
// pipeline hosts and the gap API.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

func (d *PostgresDB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          UUID PRIMARY KEY,
		command     TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		inserted    BIGINT NOT NULL DEFAULT 0,
		excluded    BIGINT NOT NULL DEFAULT 0,
		processed   BIGINT NOT NULL DEFAULT 0,
		entities    BIGINT NOT NULL DEFAULT 0,
		anomalies   BIGINT NOT NULL DEFAULT 0,
		error       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- One row per processed collection, replaced on every completed write.
	CREATE TABLE IF NOT EXISTS materializations (
		collection        TEXT PRIMARY KEY,
		token             UUID NOT NULL,
		run_id            UUID,
		source            TEXT NOT NULL,
		threshold         INTEGER NOT NULL,
		source_count      BIGINT NOT NULL,
		excluded_entities INTEGER NOT NULL,
		written           BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS histograms (
		run_id    UUID NOT NULL,
		mmsi      BIGINT NOT NULL,
		edges     JSONB NOT NULL,
		counts    JSONB NOT NULL,
		underflow INTEGER NOT NULL DEFAULT 0,
		overflow  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, mmsi)
	);

	CREATE TABLE IF NOT EXISTS gap_summaries (
		run_id UUID NOT NULL,
		mmsi   BIGINT NOT NULL,
		count  INTEGER NOT NULL,
		min    DOUBLE PRECISION NOT NULL,
		max    DOUBLE PRECISION NOT NULL,
		mean   DOUBLE PRECISION NOT NULL,
		median DOUBLE PRECISION NOT NULL,
		p95    DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, mmsi)
	);
	`
	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return errors.Wrap(err, "create schema")
	}
	return nil
}

func (d *PostgresDB) StartRun(ctx context.Context, r Run) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO runs (id, command, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, r.ID.String(), r.Command, string(r.Status), r.StartedAt)
	return errors.Wrap(err, "insert run")
}

func (d *PostgresDB) FinishRun(ctx context.Context, r Run) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE runs SET status = $1, finished_at = $2, inserted = $3, excluded = $4,
			processed = $5, entities = $6, anomalies = $7, error = NULLIF($8, '')
		WHERE id = $9
	`, string(r.Status), r.FinishedAt, r.Inserted, r.Excluded, r.Processed, r.Entities, r.Anomalies, r.Error, r.ID.String())
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", r.ID)
	}
	return nil
}

const pgRunColumns = `id::text, command, status, started_at, finished_at, inserted, excluded, processed, entities, anomalies, COALESCE(error, '')`

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var (
		r          Run
		id, status string
	)
	if err := row.Scan(&id, &r.Command, &status, &r.StartedAt, &r.FinishedAt,
		&r.Inserted, &r.Excluded, &r.Processed, &r.Entities, &r.Anomalies, &r.Error); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse run id")
	}
	r.Status = RunStatus(status)
	return &r, nil
}

func (d *PostgresDB) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	r, err := scanPostgresRun(d.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, id.String()))
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return r, err
}

func (d *PostgresDB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (d *PostgresDB) RecordMaterialization(ctx context.Context, m Materialization) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO materializations (collection, token, run_id, source, threshold, source_count, excluded_entities, written, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (collection) DO UPDATE SET
			token = EXCLUDED.token,
			run_id = EXCLUDED.run_id,
			source = EXCLUDED.source,
			threshold = EXCLUDED.threshold,
			source_count = EXCLUDED.source_count,
			excluded_entities = EXCLUDED.excluded_entities,
			written = EXCLUDED.written,
			created_at = EXCLUDED.created_at
	`, m.Collection, m.Token.String(), m.RunID.String(), m.Source, m.Threshold, m.SourceCount, m.Excluded, m.Written, m.CreatedAt)
	return errors.Wrap(err, "upsert materialization")
}

func (d *PostgresDB) GetMaterialization(ctx context.Context, collection string) (*Materialization, error) {
	var (
		m            Materialization
		token, runID string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT collection, token::text, COALESCE(run_id::text, ''), source, threshold, source_count, excluded_entities, written, created_at
		FROM materializations WHERE collection = $1
	`, collection).Scan(&m.Collection, &token, &runID, &m.Source, &m.Threshold, &m.SourceCount, &m.Excluded, &m.Written, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "materialization of %s", collection)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query materialization")
	}
	if m.Token, err = uuid.Parse(token); err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	m.RunID, _ = uuid.Parse(runID)
	return &m, nil
}

func (d *PostgresDB) DeleteMaterialization(ctx context.Context, collection string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM materializations WHERE collection = $1`, collection)
	return errors.Wrap(err, "delete materialization")
}

func (d *PostgresDB) SaveHistograms(ctx context.Context, hs []EntityHistogram) error {
	batch := &pgx.Batch{}
	for _, h := range hs {
		edges, _ := json.Marshal(h.Edges)
		counts, _ := json.Marshal(h.Counts)
		batch.Queue(`
			INSERT INTO histograms (run_id, mmsi, edges, counts, underflow, overflow)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, mmsi) DO UPDATE SET
				edges = EXCLUDED.edges,
				counts = EXCLUDED.counts,
				underflow = EXCLUDED.underflow,
				overflow = EXCLUDED.overflow
		`, h.RunID.String(), h.MMSI, edges, counts, h.Underflow, h.Overflow)
	}
	return errors.Wrap(d.sendBatch(ctx, batch), "insert histograms")
}

func (d *PostgresDB) GetHistogram(ctx context.Context, runID uuid.UUID, mmsi int64) (*EntityHistogram, error) {
	h := EntityHistogram{RunID: runID, MMSI: mmsi}
	var edges, counts []byte
	err := d.pool.QueryRow(ctx, `
		SELECT edges, counts, underflow, overflow FROM histograms WHERE run_id = $1 AND mmsi = $2
	`, runID.String(), mmsi).Scan(&edges, &counts, &h.Underflow, &h.Overflow)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "histogram of %d in run %s", mmsi, runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query histogram")
	}
	if err := json.Unmarshal(edges, &h.Edges); err != nil {
		return nil, errors.Wrap(err, "decode edges")
	}
	if err := json.Unmarshal(counts, &h.Counts); err != nil {
		return nil, errors.Wrap(err, "decode counts")
	}
	return &h, nil
}

func (d *PostgresDB) SaveSummaries(ctx context.Context, ss []GapSummary) error {
	batch := &pgx.Batch{}
	for _, s := range ss {
		batch.Queue(`
			INSERT INTO gap_summaries (run_id, mmsi, count, min, max, mean, median, p95)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id, mmsi) DO UPDATE SET
				count = EXCLUDED.count,
				min = EXCLUDED.min,
				max = EXCLUDED.max,
				mean = EXCLUDED.mean,
				median = EXCLUDED.median,
				p95 = EXCLUDED.p95
		`, s.RunID.String(), s.MMSI, s.Count, s.Min, s.Max, s.Mean, s.Median, s.P95)
	}
	return errors.Wrap(d.sendBatch(ctx, batch), "insert summaries")
}

func (d *PostgresDB) ListSummaries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]GapSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.pool.Query(ctx, `
		SELECT mmsi, count, min, max, mean, median, p95 FROM gap_summaries
		WHERE run_id = $1 ORDER BY mmsi LIMIT $2 OFFSET $3
	`, runID.String(), limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "query summaries")
	}
	defer rows.Close()

	var out []GapSummary
	for rows.Next() {
		s := GapSummary{RunID: runID}
		if err := rows.Scan(&s.MMSI, &s.Count, &s.Min, &s.Max, &s.Mean, &s.Median, &s.P95); err != nil {
			return nil, errors.Wrap(err, "scan summary")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// sendBatch runs every queued statement in one transaction.
func (d *PostgresDB) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
