package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteDB is a ledger backed by a single SQLite file.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite ledger at the given path. ":memory:"
// gives a private in-memory ledger.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

func (d *SQLiteDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		command     TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		inserted    INTEGER NOT NULL DEFAULT 0,
		excluded    INTEGER NOT NULL DEFAULT 0,
		processed   INTEGER NOT NULL DEFAULT 0,
		entities    INTEGER NOT NULL DEFAULT 0,
		anomalies   INTEGER NOT NULL DEFAULT 0,
		error       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS materializations (
		collection   TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		run_id       TEXT,
		source       TEXT NOT NULL,
		threshold    INTEGER NOT NULL,
		source_count INTEGER NOT NULL,
		excluded_entities INTEGER NOT NULL,
		written      INTEGER NOT NULL,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS histograms (
		run_id    TEXT NOT NULL,
		mmsi      INTEGER NOT NULL,
		edges     TEXT NOT NULL,
		counts    TEXT NOT NULL,
		underflow INTEGER NOT NULL DEFAULT 0,
		overflow  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, mmsi)
	);

	CREATE TABLE IF NOT EXISTS gap_summaries (
		run_id TEXT NOT NULL,
		mmsi   INTEGER NOT NULL,
		count  INTEGER NOT NULL,
		min    REAL NOT NULL,
		max    REAL NOT NULL,
		mean   REAL NOT NULL,
		median REAL NOT NULL,
		p95    REAL NOT NULL,
		PRIMARY KEY (run_id, mmsi)
	);
	`
	_, err := db.Exec(schema)
	return err
}

const sqliteTime = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func (d *SQLiteDB) StartRun(ctx context.Context, r Run) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, command, status, started_at)
		VALUES (?, ?, ?, ?)
	`, r.ID.String(), r.Command, string(r.Status), formatTime(r.StartedAt))
	return errors.Wrap(err, "insert run")
}

func (d *SQLiteDB) FinishRun(ctx context.Context, r Run) error {
	var finished sql.NullString
	if r.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*r.FinishedAt), Valid: true}
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, inserted = ?, excluded = ?,
			processed = ?, entities = ?, anomalies = ?, error = ?
		WHERE id = ?
	`, string(r.Status), finished, r.Inserted, r.Excluded, r.Processed, r.Entities, r.Anomalies, r.Error, r.ID.String())
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", r.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(s rowScanner) (*Run, error) {
	var (
		r                   Run
		id, status, started string
		finished, errMsg    sql.NullString
	)
	if err := s.Scan(&id, &r.Command, &status, &started, &finished,
		&r.Inserted, &r.Excluded, &r.Processed, &r.Entities, &r.Anomalies, &errMsg); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse run id")
	}
	r.Status = RunStatus(status)
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, errors.Wrap(err, "parse started_at")
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse finished_at")
		}
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	return &r, nil
}

const sqliteRunColumns = `id, command, status, started_at, finished_at, inserted, excluded, processed, entities, anomalies, error`

func (d *SQLiteDB) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, id.String())
	r, err := scanSQLiteRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return r, err
}

func (d *SQLiteDB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (d *SQLiteDB) RecordMaterialization(ctx context.Context, m Materialization) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO materializations (collection, token, run_id, source, threshold, source_count, excluded_entities, written, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET
			token = excluded.token,
			run_id = excluded.run_id,
			source = excluded.source,
			threshold = excluded.threshold,
			source_count = excluded.source_count,
			excluded_entities = excluded.excluded_entities,
			written = excluded.written,
			created_at = excluded.created_at
	`, m.Collection, m.Token.String(), m.RunID.String(), m.Source, m.Threshold, m.SourceCount, m.Excluded, m.Written, formatTime(m.CreatedAt))
	return errors.Wrap(err, "upsert materialization")
}

func (d *SQLiteDB) GetMaterialization(ctx context.Context, collection string) (*Materialization, error) {
	var (
		m                       Materialization
		token, runID, createdAt string
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT collection, token, run_id, source, threshold, source_count, excluded_entities, written, created_at
		FROM materializations WHERE collection = ?
	`, collection).Scan(&m.Collection, &token, &runID, &m.Source, &m.Threshold, &m.SourceCount, &m.Excluded, &m.Written, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "materialization of %s", collection)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query materialization")
	}
	if m.Token, err = uuid.Parse(token); err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	// A nil run id is stored as its string form.
	m.RunID, _ = uuid.Parse(runID)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	return &m, nil
}

func (d *SQLiteDB) DeleteMaterialization(ctx context.Context, collection string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM materializations WHERE collection = ?`, collection)
	return errors.Wrap(err, "delete materialization")
}

func (d *SQLiteDB) SaveHistograms(ctx context.Context, hs []EntityHistogram) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO histograms (run_id, mmsi, edges, counts, underflow, overflow)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, h := range hs {
		edges, _ := json.Marshal(h.Edges)
		counts, _ := json.Marshal(h.Counts)
		if _, err := stmt.ExecContext(ctx, h.RunID.String(), h.MMSI, string(edges), string(counts), h.Underflow, h.Overflow); err != nil {
			return errors.Wrapf(err, "insert histogram for %d", h.MMSI)
		}
	}
	return errors.Wrap(tx.Commit(), "commit histograms")
}

func (d *SQLiteDB) GetHistogram(ctx context.Context, runID uuid.UUID, mmsi int64) (*EntityHistogram, error) {
	h := EntityHistogram{RunID: runID, MMSI: mmsi}
	var edges, counts string
	err := d.db.QueryRowContext(ctx, `
		SELECT edges, counts, underflow, overflow FROM histograms WHERE run_id = ? AND mmsi = ?
	`, runID.String(), mmsi).Scan(&edges, &counts, &h.Underflow, &h.Overflow)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "histogram of %d in run %s", mmsi, runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query histogram")
	}
	if err := json.Unmarshal([]byte(edges), &h.Edges); err != nil {
		return nil, errors.Wrap(err, "decode edges")
	}
	if err := json.Unmarshal([]byte(counts), &h.Counts); err != nil {
		return nil, errors.Wrap(err, "decode counts")
	}
	return &h, nil
}

func (d *SQLiteDB) SaveSummaries(ctx context.Context, ss []GapSummary) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO gap_summaries (run_id, mmsi, count, min, max, mean, median, p95)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, s := range ss {
		if _, err := stmt.ExecContext(ctx, s.RunID.String(), s.MMSI, s.Count, s.Min, s.Max, s.Mean, s.Median, s.P95); err != nil {
			return errors.Wrapf(err, "insert summary for %d", s.MMSI)
		}
	}
	return errors.Wrap(tx.Commit(), "commit summaries")
}

func (d *SQLiteDB) ListSummaries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]GapSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT mmsi, count, min, max, mean, median, p95 FROM gap_summaries
		WHERE run_id = ? ORDER BY mmsi LIMIT ? OFFSET ?
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
