// Package quality materializes the processed collection: every observation of
// the raw collection except those of vessels with too few observations or
// with any missing sensor reading.
package quality

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/batch"
	"ais_pipeline/internal/metrics"
	"ais_pipeline/internal/storage"
)

// ErrStaleProcessed is returned with RequireFresh when the processed
// collection exists but cannot be shown to match the raw collection.
var ErrStaleProcessed = errors.New("processed collection is stale")

// Source is the raw collection.
type Source interface {
	Name() string
	Count(ctx context.Context) (int64, error)
	LowCountEntities(ctx context.Context, threshold int) ([]int64, error)
	EntitiesWithMissingSensor(ctx context.Context) ([]int64, error)
	FindExcluding(ctx context.Context, excluded []int64, batchSize int32) (*mongo.Cursor, error)
}

// Target is the processed collection.
type Target interface {
	batch.Inserter
	Exists(ctx context.Context) (bool, error)
	Drop(ctx context.Context) error
	CreateIndexes(ctx context.Context, fields ...string) error
}

// Tokens stores materialization records. It is optional.
type Tokens interface {
	RecordMaterialization(ctx context.Context, m storage.Materialization) error
	GetMaterialization(ctx context.Context, collection string) (*storage.Materialization, error)
	DeleteMaterialization(ctx context.Context, collection string) error
}

// Config holds the filter's fixed parameters.
type Config struct {
	// Threshold is the minimum observation count a vessel needs to be kept.
	Threshold int
	ChunkSize int
	// Indexes are created on the processed collection after it is written.
	Indexes []string
}

// Options control one run.
type Options struct {
	// Force drops and rewrites an existing processed collection.
	Force bool
	// RequireFresh turns an unverifiable existing collection into
	// ErrStaleProcessed instead of a logged no-op.
	RequireFresh bool
	RunID        uuid.UUID
}

// Result describes one filter run.
type Result struct {
	LowCount      []int64
	MissingSensor []int64
	// Excluded is LowCount ∪ MissingSensor, sorted.
	Excluded   []int64
	Written    int
	Skipped    bool
	SkipReason string
	// Token identifies the materialization that produced the processed
	// collection, whether written by this run or found in the ledger.
	Token uuid.UUID
}

// Filter computes the exclusion set and materializes its complement.
type Filter struct {
	src    Source
	dst    Target
	tokens Tokens
	cfg    Config
}

// New returns a Filter. tokens may be nil, in which case an existing processed
// collection can never be verified.
func New(src Source, dst Target, tokens Tokens, cfg Config) (*Filter, error) {
	if cfg.Threshold < 1 {
		return nil, errors.Errorf("threshold must be >= 1, got %d", cfg.Threshold)
	}
	if cfg.ChunkSize < 1 {
		return nil, errors.Errorf("chunk size must be >= 1, got %d", cfg.ChunkSize)
	}
	return &Filter{src: src, dst: dst, tokens: tokens, cfg: cfg}, nil
}

// ExclusionSet returns the sorted union of the low-count and missing-sensor
// vessel sets together with both operands.
func (f *Filter) ExclusionSet(ctx context.Context) (lowCount, missing, excluded []int64, err error) {
	lowCount, err = f.src.LowCountEntities(ctx, f.cfg.Threshold)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "low-count vessels")
	}
	missing, err = f.src.EntitiesWithMissingSensor(ctx)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "vessels with missing sensors")
	}
	return lowCount, missing, Union(lowCount, missing), nil
}

// Run computes the exclusion set and, unless the processed collection already
// holds a verified materialization, writes the complement.
func (f *Filter) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	start := time.Now()
	logger := log.WithField("source", f.src.Name()).WithField("target", f.dst.Name())

	var err error
	res.LowCount, res.MissingSensor, res.Excluded, err = f.ExclusionSet(ctx)
	if err != nil {
		return res, err
	}
	metrics.Get().RecordExcluded(metrics.ReasonLowCount, len(res.LowCount))
	metrics.Get().RecordExcluded(metrics.ReasonMissingSensor, len(res.MissingSensor))
	metrics.Get().RecordExcluded(metrics.ReasonTotal, len(res.Excluded))
	logger.WithFields(log.Fields{
		"low_count":      len(res.LowCount),
		"missing_sensor": len(res.MissingSensor),
		"excluded":       len(res.Excluded),
	}).Info("Computed exclusion set")

	sourceCount, err := f.src.Count(ctx)
	if err != nil {
		return res, err
	}

	exists, err := f.dst.Exists(ctx)
	if err != nil {
		return res, err
	}
	if exists {
		if !opts.Force {
			return f.skip(ctx, res, opts, sourceCount, logger)
		}
		logger.Warn("Dropping existing processed collection")
		if f.tokens != nil {
			if err := f.tokens.DeleteMaterialization(ctx, f.dst.Name()); err != nil {
				return res, err
			}
		}
		if err := f.dst.Drop(ctx); err != nil {
			return res, err
		}
	}

	if res.Written, err = f.materialize(ctx, res.Excluded); err != nil {
		return res, err
	}
	if err := f.dst.CreateIndexes(ctx, f.cfg.Indexes...); err != nil {
		return res, err
	}

	res.Token = uuid.New()
	if f.tokens != nil {
		err := f.tokens.RecordMaterialization(ctx, storage.Materialization{
			Token:       res.Token,
			RunID:       opts.RunID,
			Collection:  f.dst.Name(),
			Source:      f.src.Name(),
			Threshold:   f.cfg.Threshold,
			SourceCount: sourceCount,
			Excluded:    len(res.Excluded),
			Written:     int64(res.Written),
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return res, errors.WithMessage(err, "record materialization")
		}
	}

	logger.WithField("written", res.Written).WithField("elapsed", time.Since(start).String()).Info("Processed collection written")
	return res, nil
}

// skip decides what an existing processed collection means. It is verified
// when the ledger holds a materialization made from the same source size and
// threshold.
func (f *Filter) skip(ctx context.Context, res Result, opts Options, sourceCount int64, logger *log.Entry) (Result, error) {
	res.Skipped = true

	var m *storage.Materialization
	if f.tokens != nil {
		var err error
		m, err = f.tokens.GetMaterialization(ctx, f.dst.Name())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return res, err
		}
	}

	switch {
	case m == nil:
		res.SkipReason = "processed collection exists without a materialization record"
	case m.Threshold != f.cfg.Threshold:
		res.SkipReason = "processed collection was materialized with a different threshold"
	case m.SourceCount != sourceCount:
		res.SkipReason = "raw collection changed since the processed collection was materialized"
	default:
		res.Token = m.Token
		res.SkipReason = "processed collection already materialized"
		logger.WithField("token", m.Token.String()).Info("Processed collection is up to date")
		return res, nil
	}

	if opts.RequireFresh {
		return res, errors.Wrap(ErrStaleProcessed, res.SkipReason)
	}
	logger.Warnf("Skipping filter: %s; rerun with force to recompute", res.SkipReason)
	return res, nil
}

// materialize pages through the kept observations and writes each page as
// one chunk.
func (f *Filter) materialize(ctx context.Context, excluded []int64) (int, error) {
	cur, err := f.src.FindExcluding(ctx, excluded, int32(f.cfg.ChunkSize))
	if err != nil {
		return 0, err
	}
	defer cur.Close(context.Background())

	w, err := batch.NewWriter[ais.Observation](f.dst, f.cfg.ChunkSize)
	if err != nil {
		return 0, err
	}

	written := 0
	page := make([]ais.Observation, 0, f.cfg.ChunkSize)
	flush := func() error {
		ids, err := w.Write(ctx, page)
		written += len(ids)
		page = page[:0]
		return err
	}

	for cur.Next(ctx) {
		var o ais.Observation
		if err := cur.Decode(&o); err != nil {
			return written, errors.Wrap(err, "decode observation")
		}
		page = append(page, o)
		if len(page) == f.cfg.ChunkSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return written, errors.Wrap(err, "iterate raw collection")
	}
	if len(page) > 0 {
		if err := flush(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Union returns the sorted, de-duplicated union of a and b.
func Union(a, b []int64) []int64 {
	out := make([]int64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
