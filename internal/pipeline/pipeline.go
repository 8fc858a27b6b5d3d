// Package pipeline runs the ingest, filter and gap stages against one store
// and records every run in the ledger.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"ais_pipeline/internal/config"
	"ais_pipeline/internal/gaps"
	"ais_pipeline/internal/histogram"
	"ais_pipeline/internal/ingest"
	"ais_pipeline/internal/metrics"
	"ais_pipeline/internal/notify"
	"ais_pipeline/internal/provision"
	"ais_pipeline/internal/quality"
	"ais_pipeline/internal/storage"
)

// Stage names, in execution order.
const (
	StageProvision = "provision"
	StagePrepare   = "prepare"
	StageIngest    = "ingest"
	StageFilter    = "filter"
	StageGaps      = "gaps"
)

// AllStages is the end-to-end order.
var AllStages = []string{StageProvision, StagePrepare, StageIngest, StageFilter, StageGaps}

// Processed is the processed collection as the filter writes it and the
// aggregator reads it.
type Processed interface {
	quality.Target
	Count(ctx context.Context) (int64, error)
	FindSorted(ctx context.Context, batchSize int32) (*mongo.Cursor, error)
}

// Exporter receives raw gap samples for analysis outside the ledger.
type Exporter interface {
	InsertGapSamples(ctx context.Context, samples []storage.GapSample) error
	InsertAnomalies(ctx context.Context, anomalies []storage.GapAnomaly) error
}

// Deps are the collaborators of a Pipeline. Exporter and Notifier are
// optional.
type Deps struct {
	Admin     provision.Admin
	Raw       quality.Source
	Processed Processed
	Dial      ingest.Dialer
	Loader    ingest.Loader
	Ledger    storage.Ledger
	Exporter  Exporter
	Notifier  *notify.Notifier
}

// Options control one invocation.
type Options struct {
	Force        bool
	RequireFresh bool
}

// Pipeline executes stages in order. It is not safe for concurrent use.
type Pipeline struct {
	cfg    config.Config
	deps   Deps
	binner *histogram.Binner
}

func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	binner, err := histogram.New(cfg.Histogram.Edges)
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, deps: deps, binner: binner}, nil
}

// Run executes stages in order under one ledger run and stops at the first
// failure. The returned Run is the final ledger record.
func (p *Pipeline) Run(ctx context.Context, command string, opts Options, stages ...string) (storage.Run, error) {
	run := storage.Run{
		ID:        uuid.New(),
		Command:   command,
		Status:    storage.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := p.deps.Ledger.StartRun(ctx, run); err != nil {
		return run, errors.WithMessage(err, "start run")
	}
	logger := log.WithField("run", run.ID.String()).WithField("command", command)
	logger.Info("Run started")

	var runErr error
	for _, stage := range stages {
		if runErr = p.stage(ctx, &run, stage, opts); runErr != nil {
			break
		}
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = storage.RunSucceeded
	if runErr != nil {
		run.Status = storage.RunFailed
		run.Error = runErr.Error()
	}
	// The ledger must see the outcome even when ctx was cancelled.
	if err := p.deps.Ledger.FinishRun(context.Background(), run); err != nil {
		logger.WithError(err).Error("Recording run outcome failed")
		if runErr == nil {
			runErr = errors.WithMessage(err, "finish run")
		}
	}

	entry := logger.WithField("status", string(run.Status)).WithField("elapsed", finished.Sub(run.StartedAt).String())
	if runErr != nil {
		entry.WithError(runErr).Error("Run failed")
	} else {
		entry.Info("Run finished")
	}
	return run, runErr
}

func (p *Pipeline) stage(ctx context.Context, run *storage.Run, name string, opts Options) error {
	var fn func(context.Context, *storage.Run, Options) (map[string]int, error)
	switch name {
	case StageProvision:
		fn = p.provision
	case StagePrepare:
		fn = p.prepare
	case StageIngest:
		fn = p.ingest
	case StageFilter:
		fn = p.filter
	case StageGaps:
		fn = p.gaps
	default:
		return errors.Errorf("unknown stage %q", name)
	}

	logger := log.WithField("run", run.ID.String()).WithField("stage", name)
	p.publish(logger, notify.StageEvent{RunID: run.ID, Stage: name, Status: notify.StageStarted})
	logger.Info("Stage started")

	start := time.Now()
	counts, err := fn(ctx, run, opts)
	elapsed := time.Since(start)
	metrics.Get().RecordStage(name, elapsed)

	ev := notify.StageEvent{RunID: run.ID, Stage: name, Status: notify.StageFinished, Elapsed: elapsed.String(), Counts: counts}
	if err != nil {
		ev.Status, ev.Error = notify.StageFailed, err.Error()
		p.publish(logger, ev)
		return errors.WithMessagef(err, "%s", name)
	}
	p.publish(logger, ev)
	logger.WithField("elapsed", elapsed.String()).Info("Stage finished")
	return nil
}

// publish never fails a stage; NATS is best effort.
func (p *Pipeline) publish(logger *log.Entry, ev notify.StageEvent) {
	if err := p.deps.Notifier.Stage(ev); err != nil {
		logger.WithError(err).Warn("Publishing stage event failed")
	}
}

func (p *Pipeline) provision(ctx context.Context, _ *storage.Run, _ Options) (map[string]int, error) {
	if p.deps.Admin == nil {
		return nil, errors.New("no store admin configured")
	}
	rep, err := provision.New(p.deps.Admin, provision.Config{
		RawCollection: p.cfg.Mongo.RawCollection,
		ShardKey:      p.cfg.Mongo.ShardKey,
		Indexes:       p.cfg.Mongo.RawIndexes,
		SkipSharding:  p.cfg.Mongo.SkipSharding,
	}).Provision(ctx)
	if err != nil {
		return nil, err
	}
	// The ledger no longer describes a processed collection that was
	// dropped with its database.
	if rep.Dropped {
		if err := p.deps.Ledger.DeleteMaterialization(ctx, p.cfg.Mongo.ProcessedCollection); err != nil {
			return nil, err
		}
	}
	return map[string]int{"dropped": boolCount(rep.Dropped), "sharded": boolCount(rep.Sharded)}, nil
}

func (p *Pipeline) prepare(_ context.Context, _ *storage.Run, _ Options) (map[string]int, error) {
	n, err := ingest.Prepare(p.cfg.Dataset.Source, p.cfg.Dataset.Path, p.cfg.Dataset.Size)
	if err != nil {
		return nil, err
	}
	return map[string]int{"rows": n}, nil
}

func (p *Pipeline) ingest(ctx context.Context, run *storage.Run, _ Options) (map[string]int, error) {
	in, err := ingest.New(ingest.Config{
		DatasetSize:   p.cfg.Dataset.Size,
		Workers:       p.cfg.Ingest.Workers,
		ChunkSize:     p.cfg.Ingest.ChunkSize,
		Collection:    p.cfg.Mongo.RawCollection,
		CancelOnError: p.cfg.Ingest.CancelOnError,
	}, p.deps.Dial, p.deps.Loader)
	if err != nil {
		return nil, err
	}
	rep, err := in.Run(ctx)
	run.Inserted = int64(rep.Inserted())
	counts := map[string]int{"inserted": rep.Inserted(), "workers": len(rep.Workers)}
	if err != nil {
		return counts, err
	}

	if n, err := p.deps.Raw.Count(ctx); err != nil {
		log.WithError(err).Warn("Counting raw collection failed")
	} else {
		log.WithField("collection", p.deps.Raw.Name()).WithField("count", n).Info("Raw collection count")
		counts["raw"] = int(n)
	}
	return counts, nil
}

func (p *Pipeline) filter(ctx context.Context, run *storage.Run, opts Options) (map[string]int, error) {
	f, err := quality.New(p.deps.Raw, p.deps.Processed, p.deps.Ledger, quality.Config{
		Threshold: p.cfg.Quality.Threshold,
		ChunkSize: p.cfg.Ingest.ChunkSize,
		Indexes:   p.cfg.Mongo.ProcessedIndexes,
	})
	if err != nil {
		return nil, err
	}
	res, err := f.Run(ctx, quality.Options{
		Force:        opts.Force || p.cfg.Quality.Force,
		RequireFresh: opts.RequireFresh || p.cfg.Quality.RequireFresh,
		RunID:        run.ID,
	})
	run.Excluded = int64(len(res.Excluded))
	counts := map[string]int{
		"low_count":      len(res.LowCount),
		"missing_sensor": len(res.MissingSensor),
		"excluded":       len(res.Excluded),
		"written":        res.Written,
		"skipped":        boolCount(res.Skipped),
	}
	if err != nil {
		return counts, err
	}

	n, err := p.deps.Processed.Count(ctx)
	if err != nil {
		return counts, err
	}
	run.Processed = n
	counts["processed"] = int(n)
	log.WithField("collection", p.deps.Processed.Name()).WithField("count", n).Info("Processed collection count")
	return counts, nil
}

func (p *Pipeline) gaps(ctx context.Context, run *storage.Run, _ Options) (map[string]int, error) {
	cur, err := p.deps.Processed.FindSorted(ctx, p.cfg.Gaps.BatchSize)
	if err != nil {
		return nil, err
	}
	defer cur.Close(context.Background())

	res, aggErr := gaps.New(p.cfg.GapMode()).Aggregate(ctx, cur)
	run.Entities = int64(len(res.Entities))
	run.Anomalies = int64(len(res.Anomalies))
	counts := map[string]int{
		"observations": res.Observations,
		"entities":     len(res.Entities),
		"anomalies":    len(res.Anomalies),
	}

	// Anomalies are reported even when they fail the stage.
	if len(res.Anomalies) > 0 {
		if err := p.deps.Notifier.Anomalies(run.ID, res.Anomalies); err != nil {
			log.WithError(err).Warn("Publishing gap anomalies failed")
		}
		if p.deps.Exporter != nil {
			if err := p.deps.Exporter.InsertAnomalies(ctx, exportAnomalies(run.ID, res.Anomalies)); err != nil {
				return counts, errors.WithMessage(err, "export anomalies")
			}
		}
	}
	if aggErr != nil {
		return counts, aggErr
	}

	if err := p.deps.Ledger.SaveSummaries(ctx, summaries(run.ID, res.Gaps)); err != nil {
		return counts, err
	}
	hs := histograms(run.ID, res.Entities, p.binner.BinAll(res.Gaps))
	if err := p.deps.Ledger.SaveHistograms(ctx, hs); err != nil {
		return counts, err
	}
	counts["histograms"] = len(hs)

	if p.deps.Exporter != nil {
		samples := exportSamples(run.ID, res.Entities, res.Gaps)
		if err := p.deps.Exporter.InsertGapSamples(ctx, samples); err != nil {
			return counts, errors.WithMessage(err, "export gap samples")
		}
		counts["exported"] = len(samples)
	}
	return counts, nil
}

func summaries(runID uuid.UUID, seqs map[int64][]float64) []storage.GapSummary {
	ss := gaps.Summaries(seqs)
	out := make([]storage.GapSummary, len(ss))
	for i, s := range ss {
		out[i] = storage.GapSummary{
			RunID:  runID,
			MMSI:   s.MMSI,
			Count:  s.Count,
			Min:    s.Min,
			Max:    s.Max,
			Mean:   s.Mean,
			Median: s.Median,
			P95:    s.P95,
		}
	}
	return out
}

func histograms(runID uuid.UUID, entities []int64, hs map[int64]histogram.Histogram) []storage.EntityHistogram {
	out := make([]storage.EntityHistogram, 0, len(entities))
	for _, mmsi := range entities {
		h := hs[mmsi]
		out = append(out, storage.EntityHistogram{
			RunID:     runID,
			MMSI:      mmsi,
			Edges:     h.Edges,
			Counts:    h.Counts,
			Underflow: h.Underflow,
			Overflow:  h.Overflow,
		})
	}
	return out
}

func exportSamples(runID uuid.UUID, entities []int64, seqs map[int64][]float64) []storage.GapSample {
	var out []storage.GapSample
	for _, mmsi := range entities {
		for i, g := range seqs[mmsi] {
			out = append(out, storage.GapSample{RunID: runID, MMSI: mmsi, Seq: uint32(i), GapMS: g})
		}
	}
	return out
}

func exportAnomalies(runID uuid.UUID, as []gaps.Anomaly) []storage.GapAnomaly {
	out := make([]storage.GapAnomaly, len(as))
	for i, a := range as {
		out[i] = storage.GapAnomaly{
			RunID:    runID,
			MMSI:     a.MMSI,
			Seq:      uint32(a.Index),
			GapMS:    a.Gap,
			Previous: a.Previous,
			Current:  a.Current,
		}
	}
	return out
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
