// Command ais_pipeline loads an AIS dump into a sharded MongoDB cluster,
// filters it and computes per-vessel temporal gap histograms.
//
// Usage:
//
//	ais_pipeline [--config pipeline.yaml] <command> [flags]
//
// Commands:
//
//	provision   drop and recreate the database, shard and index the raw collection
//	prepare     cut the source CSV down to the configured size and columns
//	ingest      load the prepared CSV into the raw collection in parallel
//	filter      write the processed collection without low-quality vessels
//	gaps        compute gap sequences, histograms and summaries
//	run         all of the above, in order
//	runs        list recorded runs
//
// Every configuration key can also be set through an AIS_ prefixed
// environment variable, e.g. AIS_INGEST_WORKERS=8.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ais_pipeline/internal/config"
	"ais_pipeline/internal/pipeline"
	"ais_pipeline/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	opts       pipeline.Options
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	ro := &rootOptions{}
	root := &cobra.Command{
		Use:           "ais_pipeline",
		Short:         "AIS vessel trajectory ingest, quality filter and gap analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&ro.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().String("log_level", "info", "log level")

	stage := func(use, short string, stages ...string) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return ro.run(c, use, stages)
			},
		}
		return cmd
	}

	provisionCmd := stage("provision", "Recreate the database and shard the raw collection", pipeline.StageProvision)
	prepareCmd := stage("prepare", "Prepare the CSV dataset", pipeline.StagePrepare)
	prepareCmd.Flags().String("dataset.source", "", "raw AIS dump")
	prepareCmd.Flags().String("dataset.path", "", "prepared dataset")
	prepareCmd.Flags().Int("dataset.size", 0, "rows to keep")

	ingestCmd := stage("ingest", "Load the prepared dataset into the raw collection", pipeline.StageIngest)
	addIngestFlags(ingestCmd.Flags())

	filterCmd := stage("filter", "Materialize the processed collection", pipeline.StageFilter)
	addFilterFlags(filterCmd.Flags(), &ro.opts)

	gapsCmd := stage("gaps", "Compute gap histograms and summaries", pipeline.StageGaps)
	gapsCmd.Flags().String("gaps.mode", "", "strict or lenient handling of time regressions")

	runCmd := stage("run", "Run every stage in order", pipeline.AllStages...)
	addIngestFlags(runCmd.Flags())
	addFilterFlags(runCmd.Flags(), &ro.opts)
	runCmd.Flags().String("gaps.mode", "", "strict or lenient handling of time regressions")

	root.AddCommand(provisionCmd, prepareCmd, ingestCmd, filterCmd, gapsCmd, runCmd, newRunsCommand(ro, stdout))
	return root
}

func addIngestFlags(flags *pflag.FlagSet) {
	flags.Int("ingest.workers", 0, "number of ingest workers")
	flags.Int("ingest.chunk_size", 0, "documents per bulk insert")
	flags.Int("dataset.size", 0, "rows to ingest")
	flags.Bool("ingest.cancel_on_error", true, "stop all workers after the first failure")
}

func addFilterFlags(flags *pflag.FlagSet, opts *pipeline.Options) {
	flags.Int("quality.threshold", 0, "minimum observations per vessel")
	flags.BoolVar(&opts.Force, "force", false, "drop and recompute an existing processed collection")
	flags.BoolVar(&opts.RequireFresh, "require-fresh", false, "fail instead of skipping when the processed collection cannot be verified")
}

func (ro *rootOptions) load(c *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(ro.configPath, c.Flags())
	if err != nil {
		return cfg, err
	}
	return cfg, config.ConfigureLogging(cfg.LogLevel)
}

func (ro *rootOptions) run(c *cobra.Command, command string, stages []string) error {
	cfg, err := ro.load(c)
	if err != nil {
		return err
	}

	ctx := c.Context()
	p, err := pipeline.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close(context.Background())

	_, err = p.Run(ctx, command, ro.opts, stages...)
	return err
}

func newRunsCommand(ro *rootOptions, stdout io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs as JSON",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := ro.load(c)
			if err != nil {
				return err
			}
			ledger, err := storage.OpenLedger(c.Context(), cfg.Storage())
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.ListRuns(c.Context(), limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []storage.Run{}
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}
