// Package config loads pipeline configuration from defaults, an optional YAML
// file, AIS_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/docstore"
	"ais_pipeline/internal/gaps"
	"ais_pipeline/internal/histogram"
	"ais_pipeline/internal/notify"
	"ais_pipeline/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. AIS_INGEST_WORKERS.
const EnvPrefix = "AIS"

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Gaps       GapsConfig       `mapstructure:"gaps"`
	Histogram  HistogramConfig  `mapstructure:"histogram"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	NATS       NATSConfig       `mapstructure:"nats"`
	API        APIConfig        `mapstructure:"api"`
}

type MongoConfig struct {
	URI                 string        `mapstructure:"uri"`
	Database            string        `mapstructure:"database"`
	RawCollection       string        `mapstructure:"raw_collection"`
	ProcessedCollection string        `mapstructure:"processed_collection"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	MaxPoolSize         uint64        `mapstructure:"max_pool_size"`
	ShardKey            string        `mapstructure:"shard_key"`
	SkipSharding        bool          `mapstructure:"skip_sharding"`
	RawIndexes          []string      `mapstructure:"raw_indexes"`
	ProcessedIndexes    []string      `mapstructure:"processed_indexes"`
}

type DatasetConfig struct {
	// Source is the raw AIS dump; Path is the prepared subset that is ingested.
	Source          string `mapstructure:"source"`
	Path            string `mapstructure:"path"`
	Size            int    `mapstructure:"size"`
	TimestampLayout string `mapstructure:"timestamp_layout"`
}

type IngestConfig struct {
	Workers       int  `mapstructure:"workers"`
	ChunkSize     int  `mapstructure:"chunk_size"`
	CancelOnError bool `mapstructure:"cancel_on_error"`
}

type QualityConfig struct {
	Threshold    int  `mapstructure:"threshold"`
	Force        bool `mapstructure:"force"`
	RequireFresh bool `mapstructure:"require_fresh"`
}

type GapsConfig struct {
	Mode      string `mapstructure:"mode"`
	BatchSize int32  `mapstructure:"batch_size"`
}

type HistogramConfig struct {
	Edges []float64 `mapstructure:"edges"`
}

type LedgerConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	PGHost     string `mapstructure:"pg_host"`
	PGPort     int    `mapstructure:"pg_port"`
	PGDatabase string `mapstructure:"pg_database"`
	PGUser     string `mapstructure:"pg_user"`
	PGPassword string `mapstructure:"pg_password"`
}

type ClickHouseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Database  string `mapstructure:"database"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	BatchSize int    `mapstructure:"batch_size"`
}

type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Port        int      `mapstructure:"port"`
	AuthEnabled bool     `mapstructure:"auth_enabled"`
	APIKeys     []string `mapstructure:"api_keys"`
}

// Default returns the configuration of a single-host run against a local
// mongos router.
func Default() Config {
	mongo := docstore.DefaultConfig()
	store := storage.DefaultConfig()
	nc := notify.DefaultConfig()
	return Config{
		LogLevel: "info",
		Mongo: MongoConfig{
			URI:                 mongo.URI,
			Database:            mongo.Database,
			RawCollection:       "raw_vessels",
			ProcessedCollection: "vessels",
			ConnectTimeout:      mongo.ConnectTimeout,
			MaxPoolSize:         mongo.MaxPoolSize,
			ShardKey:            ais.FieldMMSI,
			RawIndexes:          []string{ais.FieldMMSI, ais.FieldROT, ais.FieldSOG, ais.FieldCOG, ais.FieldHeading},
			ProcessedIndexes:    []string{ais.FieldMMSI, ais.FieldTimestamp},
		},
		Dataset: DatasetConfig{
			Source:          "aisdk-2023-02-27.csv",
			Path:            "filtered.csv",
			Size:            1_000_000,
			TimestampLayout: ais.DefaultTimestampLayout,
		},
		Ingest: IngestConfig{
			Workers:       runtime.NumCPU(),
			ChunkSize:     1024,
			CancelOnError: true,
		},
		Quality: QualityConfig{Threshold: 100},
		Gaps:    GapsConfig{Mode: gaps.Strict.String(), BatchSize: 10_000},
		Histogram: HistogramConfig{
			Edges: histogram.DefaultEdges(),
		},
		Ledger: LedgerConfig{
			Driver:     store.Driver,
			SQLitePath: store.SQLitePath,
			PGHost:     store.Postgres.Host,
			PGPort:     store.Postgres.Port,
			PGDatabase: store.Postgres.Database,
			PGUser:     store.Postgres.User,
			PGPassword: store.Postgres.Password,
		},
		ClickHouse: ClickHouseConfig{
			Host:      store.ClickHouse.Host,
			Port:      store.ClickHouse.Port,
			Database:  store.ClickHouse.Database,
			User:      store.ClickHouse.User,
			Password:  store.ClickHouse.Password,
			BatchSize: 100_000,
		},
		NATS: NATSConfig{Subject: nc.Subject, Timeout: nc.Timeout},
		API:  APIConfig{Port: 8081},
	}
}

// Validate rejects configurations no component can run with.
func (c Config) Validate() error {
	switch {
	case c.Ingest.Workers < 1:
		return errors.Errorf("ingest.workers must be >= 1, got %d", c.Ingest.Workers)
	case c.Ingest.ChunkSize < 1:
		return errors.Errorf("ingest.chunk_size must be >= 1, got %d", c.Ingest.ChunkSize)
	case c.Dataset.Size < 0:
		return errors.Errorf("dataset.size must be >= 0, got %d", c.Dataset.Size)
	case c.Quality.Threshold < 1:
		return errors.Errorf("quality.threshold must be >= 1, got %d", c.Quality.Threshold)
	case c.Mongo.URI == "":
		return errors.New("mongo.uri is required")
	case c.Mongo.Database == "":
		return errors.New("mongo.database is required")
	case c.Mongo.RawCollection == "" || c.Mongo.ProcessedCollection == "":
		return errors.New("mongo collection names are required")
	case c.Mongo.RawCollection == c.Mongo.ProcessedCollection:
		return errors.New("raw and processed collections must differ")
	case c.Mongo.ShardKey == "":
		return errors.New("mongo.shard_key is required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if _, err := gaps.ParseMode(c.Gaps.Mode); err != nil {
		return err
	}
	if _, err := histogram.New(c.Histogram.Edges); err != nil {
		return errors.WithMessage(err, "histogram.edges")
	}
	switch c.Ledger.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return errors.Errorf("ledger.driver must be %q or %q, got %q", storage.DriverSQLite, storage.DriverPostgres, c.Ledger.Driver)
	}
	return nil
}

// Docstore returns the MongoDB connection settings.
func (c Config) Docstore() docstore.Config {
	return docstore.Config{
		URI:            c.Mongo.URI,
		Database:       c.Mongo.Database,
		ConnectTimeout: c.Mongo.ConnectTimeout,
		MaxPoolSize:    c.Mongo.MaxPoolSize,
	}
}

// Storage returns the ledger and ClickHouse settings.
func (c Config) Storage() storage.Config {
	return storage.Config{
		Driver:     c.Ledger.Driver,
		SQLitePath: c.Ledger.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     c.Ledger.PGHost,
			Port:     c.Ledger.PGPort,
			Database: c.Ledger.PGDatabase,
			User:     c.Ledger.PGUser,
			Password: c.Ledger.PGPassword,
		},
		ClickHouse: storage.ClickHouseConfig{
			Enabled:   c.ClickHouse.Enabled,
			Host:      c.ClickHouse.Host,
			Port:      c.ClickHouse.Port,
			Database:  c.ClickHouse.Database,
			User:      c.ClickHouse.User,
			Password:  c.ClickHouse.Password,
			BatchSize: c.ClickHouse.BatchSize,
		},
	}
}

// Notify returns the NATS settings.
func (c Config) Notify() notify.Config {
	return notify.Config{URL: c.NATS.URL, Subject: c.NATS.Subject, Timeout: c.NATS.Timeout}
}

// GapMode returns the parsed aggregation mode. Validate has already
// rejected unknown modes.
func (c Config) GapMode() gaps.Mode {
	m, _ := gaps.ParseMode(c.Gaps.Mode)
	return m
}

// Load builds a Config. path may be empty; flags may be nil. Flags are bound
// by key, so a flag named "ingest.workers" overrides that key when set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil && v.IsSet(f.Name) {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return Config{}, errors.Wrap(bindErr, "bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

// ConfigureLogging sets up logrus for the command line tools.
func ConfigureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	log.SetLevel(lvl)
	return nil
}

// setDefaults registers every key so that environment variables are seen by
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)
	v.SetDefault("mongo.raw_collection", d.Mongo.RawCollection)
	v.SetDefault("mongo.processed_collection", d.Mongo.ProcessedCollection)
	v.SetDefault("mongo.connect_timeout", d.Mongo.ConnectTimeout)
	v.SetDefault("mongo.max_pool_size", d.Mongo.MaxPoolSize)
	v.SetDefault("mongo.shard_key", d.Mongo.ShardKey)
	v.SetDefault("mongo.skip_sharding", d.Mongo.SkipSharding)
	v.SetDefault("mongo.raw_indexes", d.Mongo.RawIndexes)
	v.SetDefault("mongo.processed_indexes", d.Mongo.ProcessedIndexes)

	v.SetDefault("dataset.source", d.Dataset.Source)
	v.SetDefault("dataset.path", d.Dataset.Path)
	v.SetDefault("dataset.size", d.Dataset.Size)
	v.SetDefault("dataset.timestamp_layout", d.Dataset.TimestampLayout)

	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("ingest.chunk_size", d.Ingest.ChunkSize)
	v.SetDefault("ingest.cancel_on_error", d.Ingest.CancelOnError)

	v.SetDefault("quality.threshold", d.Quality.Threshold)
	v.SetDefault("quality.force", d.Quality.Force)
	v.SetDefault("quality.require_fresh", d.Quality.RequireFresh)

	v.SetDefault("gaps.mode", d.Gaps.Mode)
	v.SetDefault("gaps.batch_size", d.Gaps.BatchSize)

	v.SetDefault("histogram.edges", d.Histogram.Edges)

	v.SetDefault("ledger.driver", d.Ledger.Driver)
	v.SetDefault("ledger.sqlite_path", d.Ledger.SQLitePath)
	v.SetDefault("ledger.pg_host", d.Ledger.PGHost)
	v.SetDefault("ledger.pg_port", d.Ledger.PGPort)
	v.SetDefault("ledger.pg_database", d.Ledger.PGDatabase)
	v.SetDefault("ledger.pg_user", d.Ledger.PGUser)
	v.SetDefault("ledger.pg_password", d.Ledger.PGPassword)

	v.SetDefault("clickhouse.enabled", d.ClickHouse.Enabled)
	v.SetDefault("clickhouse.host", d.ClickHouse.Host)
	v.SetDefault("clickhouse.port", d.ClickHouse.Port)
	v.SetDefault("clickhouse.database", d.ClickHouse.Database)
	v.SetDefault("clickhouse.user", d.ClickHouse.User)
	v.SetDefault("clickhouse.password", d.ClickHouse.Password)
	v.SetDefault("clickhouse.batch_size", d.ClickHouse.BatchSize)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("nats.timeout", d.NATS.Timeout)

	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.auth_enabled", d.API.AuthEnabled)
	v.SetDefault("api.api_keys", d.API.APIKeys)
}
