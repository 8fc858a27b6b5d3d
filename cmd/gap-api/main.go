// Package main provides the gap-api server for pipeline run results.
//
// This is a standalone REST API server over the run ledger written by
// ais_pipeline: run outcomes, per-vessel gap summaries and histograms, and,
// when ClickHouse export is enabled, distribution statistics over all gaps
// of a run.
//
// Usage:
//
//	gap-api [options]
//
// Options:
//
//	--config FILE          YAML configuration file shared with ais_pipeline
//	--api.port N           HTTP port (default: 8081, env: AIS_API_PORT)
//	--api.auth_enabled     Enable API key authentication
//	--api.api_keys KEYS    Comma-separated list of valid API keys
//	--ledger.driver NAME   sqlite or postgres (env: AIS_LEDGER_DRIVER)
//
// API Endpoints:
//
//	GET /api/v1/health
//	    Health check endpoint.
//
//	GET /api/v1/runs?limit=N
//	    Most recent runs first.
//
//	GET /api/v1/runs/{run_id}
//	    One run with its counts and outcome.
//
//	GET /api/v1/runs/{run_id}/summaries?limit=N&offset=M
//	    Per-vessel gap statistics, ordered by MMSI.
//
//	GET /api/v1/runs/{run_id}/histograms/{mmsi}
//	    Binned gap distribution of one vessel.
//
//	GET /api/v1/runs/{run_id}/stats
//	    Quantiles over every exported gap of the run (ClickHouse).
//
//	GET /api/v1/materializations/{collection}
//	    The ledger record of a processed collection.
//
//	GET /metrics
//	    Prometheus metrics.
//
// Authentication:
//
//	When auth is enabled, requests must include an API key via:
//	  - X-API-Key header
//	  - Authorization: Bearer <key> header
//	  - ?api_key=<key> query parameter
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"ais_pipeline/internal/api"
	"ais_pipeline/internal/config"
	"ais_pipeline/internal/storage"
)

func main() {
	flags := pflag.NewFlagSet("gap-api", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	flags.Int("api.port", 8081, "HTTP port for API server")
	flags.Bool("api.auth_enabled", false, "Enable API key authentication")
	flags.StringSlice("api.api_keys", nil, "Comma-separated list of valid API keys (when auth enabled)")
	flags.String("ledger.driver", storage.DriverSQLite, "Ledger backend: sqlite or postgres")
	flags.String("ledger.sqlite_path", "", "SQLite ledger file")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	if err := config.ConfigureLogging(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := storage.OpenLedger(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	var stats api.Stats
	if cfg.ClickHouse.Enabled {
		ch, err := storage.OpenClickHouse(ctx, cfg.Storage().ClickHouse)
		if err != nil {
			return fmt.Errorf("opening clickhouse: %w", err)
		}
		defer ch.Close()
		stats = ch
	}

	server := api.NewGapServer(ledger, stats, api.Config{
		Port:        cfg.API.Port,
		AuthEnabled: cfg.API.AuthEnabled,
		APIKeys:     cfg.API.APIKeys,
	})
	return server.Run(ctx)
}
