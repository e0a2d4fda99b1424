package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/verdantis/alertscore/domain/dedupe"
	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/infrastructure/logging"
)

func cmdDedupe(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("dedupe", flag.ContinueOnError)
	in := fs.String("in", "", "path to matched records")
	cfgPath := fs.String("config", "", "path to the dedupe/flap config document")
	statePath := fs.String("state", "", "path (file backend) or DSN/address (postgres/redis backend) for the durable dedupe state")
	stateBackend := fs.String("state-backend", "file", "dedupe state backend: file, memory (dry run, never persists), postgres, or redis")
	out := fs.String("out", "", "path to write kept records to")
	resultsOut := fs.String("results-out", "", "optional path to write full per-record results (kept and suppressed) to")
	metricsOut := fs.String("metrics-out", "", "optional path to write run metrics to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *cfgPath == "" || *statePath == "" || *out == "" {
		return fmt.Errorf("dedupe requires --in, --config, --state, and --out")
	}

	ctx := context.Background()
	backend, err := openStateBackend(ctx, *stateBackend, *statePath)
	if err != nil {
		return err
	}

	records, err := readMatchedRecords(*in)
	if err != nil {
		return err
	}

	var cfg dedupe.Config
	if err := readYAMLOrJSON(*cfgPath, &cfg); err != nil {
		return err
	}

	dedupeState, err := loadDedupeState(ctx, backend)
	if err != nil {
		return err
	}

	results, metrics := dedupe.Process(records, cfg, dedupeState)

	kept := make([]filter.MatchedRecord, 0, metrics.Kept)
	for _, r := range results {
		if r.Kept {
			kept = append(kept, r.Record)
		}
	}

	if err := writeJSON(*out, kept); err != nil {
		return err
	}
	if *resultsOut != "" {
		if err := writeJSON(*resultsOut, results); err != nil {
			return err
		}
	}
	if *metricsOut != "" {
		if err := writeJSON(*metricsOut, metrics); err != nil {
			return err
		}
	}

	stateWriteErr := saveDedupeState(ctx, backend, dedupeState)

	logger.Info(ctx, "dedupe run complete", map[string]interface{}{
		"input":      metrics.Input,
		"kept":       metrics.Kept,
		"suppressed": metrics.Suppressed,
	})

	// A failed state write is fatal per the state I/O error-handling
	// contract (reads degrade gracefully, writes must not go silently lost).
	if stateWriteErr != nil {
		return fmt.Errorf("write dedupe state: %w", stateWriteErr)
	}
	return nil
}
