// Package storage persists pipeline runs, materialization tokens and derived
// gap statistics. The run ledger lives in SQLite or PostgreSQL; gap samples
// are exported to ClickHouse for analysis at scale.
package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds connection settings for the ledger and the analytics store.
type Config struct {
	Driver     string
	SQLitePath string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver:     DriverSQLite,
		SQLitePath: "ais_pipeline.db",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "ais_pipeline",
			User:     "ais",
			Password: "ais",
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "ais",
			User:     "default",
			Password: "",
		},
	}
}

// Ledger records pipeline runs and their results.
type Ledger interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	RecordMaterialization(ctx context.Context, m Materialization) error
	GetMaterialization(ctx context.Context, collection string) (*Materialization, error)
	DeleteMaterialization(ctx context.Context, collection string) error

	SaveHistograms(ctx context.Context, hs []EntityHistogram) error
	GetHistogram(ctx context.Context, runID uuid.UUID, mmsi int64) (*EntityHistogram, error)
	SaveSummaries(ctx context.Context, ss []GapSummary) error
	ListSummaries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]GapSummary, error)

	Ping(ctx context.Context) error
	Close() error
}

// OpenLedger opens the configured ledger backend and creates its schema.
func OpenLedger(ctx context.Context, cfg Config) (Ledger, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "postgres")
		}
		if err := pg.CreateSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, errors.WithMessage(err, "postgres schema")
		}
		return pg, nil
	default:
		return nil, errors.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
