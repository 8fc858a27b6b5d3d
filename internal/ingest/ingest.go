// Package ingest loads a partitioned AIS dataset into the raw collection with
// a bounded pool of independent workers.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/batch"
	"ais_pipeline/internal/metrics"
	"ais_pipeline/internal/partition"
)

// Conn is one worker's private connection to the store.
type Conn interface {
	Inserter(collection string) batch.Inserter
	Close(ctx context.Context) error
}

// Dialer opens a new store connection. It is called once per non-empty worker.
type Dialer func(ctx context.Context) (Conn, error)

// Loader returns the decoded observations of one partition.
type Loader interface {
	Load(ctx context.Context, rng partition.Range) ([]ais.Observation, error)
}

// Counter is implemented by loaders that know their dataset's row count.
type Counter interface {
	Rows(ctx context.Context) (int, error)
}

// Config controls partitioning and batching.
type Config struct {
	// DatasetSize is the number of rows to ingest. Zero means the whole
	// dataset; a size larger than the dataset is clamped when the loader
	// implements Counter.
	DatasetSize int
	Workers     int
	ChunkSize   int
	Collection  string
	// CancelOnError cancels the remaining workers after the first failure.
	// When false every worker runs to completion and all failures are
	// returned together.
	CancelOnError bool
}

// WorkerReport describes one worker's outcome.
type WorkerReport struct {
	Range    partition.Range
	Inserted int
	Duration time.Duration
	Err      error
}

// Report describes an ingestion run.
type Report struct {
	Total    int
	Workers  []WorkerReport
	Duration time.Duration
}

// Inserted returns the number of documents written by all workers.
func (r Report) Inserted() int {
	n := 0
	for _, w := range r.Workers {
		n += w.Inserted
	}
	return n
}

// Ingestor runs one ingestion.
type Ingestor struct {
	cfg    Config
	dial   Dialer
	loader Loader
}

func New(cfg Config, dial Dialer, loader Loader) (*Ingestor, error) {
	if cfg.Workers < 1 {
		return nil, errors.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.ChunkSize < 1 {
		return nil, errors.Errorf("chunk size must be >= 1, got %d", cfg.ChunkSize)
	}
	if cfg.Collection == "" {
		return nil, errors.New("collection name is required")
	}
	return &Ingestor{cfg: cfg, dial: dial, loader: loader}, nil
}

// Run partitions the dataset, ingests every partition concurrently and
// returns once all workers have stopped.
func (in *Ingestor) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	total, err := in.total(ctx)
	if err != nil {
		return Report{}, err
	}
	ranges := partition.Split(total, in.cfg.Workers)
	rep := Report{Total: total, Workers: make([]WorkerReport, len(ranges))}

	log.WithFields(log.Fields{
		"rows":       total,
		"workers":    in.cfg.Workers,
		"chunk_size": in.cfg.ChunkSize,
		"slice":      partition.Size(total, in.cfg.Workers),
	}).Info("Starting ingestion")

	var (
		g      *errgroup.Group
		wctx   = ctx
		mu     sync.Mutex
		failed *multierror.Error
	)
	if in.cfg.CancelOnError {
		g, wctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(in.cfg.Workers)

	for _, rng := range ranges {
		rng := rng
		g.Go(func() error {
			wr := in.runWorker(wctx, rng)
			rep.Workers[rng.Index] = wr
			if wr.Err == nil {
				return nil
			}
			metrics.Get().RecordWorkerFailure()
			mu.Lock()
			failed = multierror.Append(failed, wr.Err)
			mu.Unlock()
			return wr.Err
		})
	}

	firstErr := g.Wait()
	rep.Duration = time.Since(start)

	log.WithFields(log.Fields{
		"inserted":   rep.Inserted(),
		"chunk_size": in.cfg.ChunkSize,
		"elapsed":    rep.Duration.String(),
	}).Info("Ingestion finished")

	if in.cfg.CancelOnError {
		return rep, firstErr
	}
	return rep, failed.ErrorOrNil()
}

func (in *Ingestor) total(ctx context.Context) (int, error) {
	total := in.cfg.DatasetSize
	counter, ok := in.loader.(Counter)
	if !ok {
		if total <= 0 {
			return 0, errors.New("dataset size is required when the loader cannot count rows")
		}
		return total, nil
	}
	rows, err := counter.Rows(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "count dataset rows")
	}
	if total <= 0 || total > rows {
		if total > rows {
			log.Warnf("Dataset has %d rows, fewer than the configured %d", rows, total)
		}
		total = rows
	}
	return total, nil
}

func (in *Ingestor) runWorker(ctx context.Context, rng partition.Range) WorkerReport {
	wr := WorkerReport{Range: rng}
	start := time.Now()
	logger := log.WithField("worker", rng.Index).WithField("range", rng.String())

	if rng.Empty() {
		logger.Debug("Nothing to ingest")
		return wr
	}

	wr.Err = func() error {
		conn, err := in.dial(ctx)
		if err != nil {
			return errors.Wrap(err, "dial store")
		}
		defer func() {
			if err := conn.Close(context.Background()); err != nil {
				logger.WithError(err).Warn("Closing store connection failed")
			}
		}()

		observations, err := in.loader.Load(ctx, rng)
		if err != nil {
			return errors.Wrap(err, "load slice")
		}

		w, err := batch.NewWriter[ais.Observation](conn.Inserter(in.cfg.Collection), in.cfg.ChunkSize)
		if err != nil {
			return err
		}
		ids, err := w.Write(ctx, observations)
		wr.Inserted = len(ids)
		return err
	}()
	wr.Duration = time.Since(start)

	if wr.Err != nil {
		wr.Err = errors.Wrapf(wr.Err, "worker %d %s", rng.Index, rng)
		logger.WithError(wr.Err).WithField("inserted", wr.Inserted).Error("Worker failed")
	} else {
		logger.WithField("inserted", wr.Inserted).WithField("elapsed", wr.Duration.String()).Info("Worker finished")
	}
	return wr
}
