package pipeline

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ais_pipeline/internal/config"
	"ais_pipeline/internal/docstore"
	"ais_pipeline/internal/ingest"
	"ais_pipeline/internal/notify"
	"ais_pipeline/internal/storage"
)

// Connected is a Pipeline together with the connections it owns.
type Connected struct {
	*Pipeline

	store    *docstore.Client
	ledger   storage.Ledger
	ch       *storage.ClickHouseDB
	notifier *notify.Notifier
}

// Open connects to MongoDB, the ledger and, when configured, ClickHouse and
// NATS. Ingest workers dial their own MongoDB clients.
func Open(ctx context.Context, cfg config.Config) (*Connected, error) {
	c := &Connected{}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.Background())
		}
	}()

	var err error
	if c.store, err = docstore.Open(ctx, cfg.Docstore()); err != nil {
		return nil, err
	}
	if c.ledger, err = storage.OpenLedger(ctx, cfg.Storage()); err != nil {
		return nil, errors.WithMessage(err, "open ledger")
	}

	deps := Deps{
		Admin:     c.store,
		Raw:       c.store.Collection(cfg.Mongo.RawCollection),
		Processed: c.store.Collection(cfg.Mongo.ProcessedCollection),
		Dial: func(ctx context.Context) (ingest.Conn, error) {
			conn, err := docstore.Open(ctx, cfg.Docstore())
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Loader: &ingest.CSVLoader{Path: cfg.Dataset.Path, TimestampLayout: cfg.Dataset.TimestampLayout},
		Ledger: c.ledger,
	}

	if cfg.ClickHouse.Enabled {
		if c.ch, err = storage.OpenClickHouse(ctx, cfg.Storage().ClickHouse); err != nil {
			return nil, errors.WithMessage(err, "open clickhouse")
		}
		if err := c.ch.CreateSchema(ctx); err != nil {
			return nil, errors.WithMessage(err, "clickhouse schema")
		}
		deps.Exporter = c.ch
	}

	if c.notifier, err = notify.Connect(cfg.Notify()); err != nil {
		return nil, err
	}
	deps.Notifier = c.notifier

	if c.Pipeline, err = New(cfg, deps); err != nil {
		return nil, err
	}
	ok = true
	return c, nil
}

// Close releases every connection and returns all failures.
func (c *Connected) Close(ctx context.Context) error {
	var result *multierror.Error
	c.notifier.Close()
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close clickhouse"))
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close ledger"))
		}
	}
	if c.store != nil {
		if err := c.store.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close mongodb"))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).Warn("Closing pipeline connections")
		return err
	}
	return nil
}

// Ledger returns the run ledger.
func (c *Connected) Ledger() storage.Ledger {
	return c.ledger
}
