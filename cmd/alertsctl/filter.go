package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/infrastructure/logging"
)

func cmdFilter(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("filter", flag.ContinueOnError)
	in := fs.String("in", "", "path to the input events document")
	subsPath := fs.String("subs", "", "path to the subscriptions document")
	out := fs.String("out", "", "path to write matched records to")
	metricsOut := fs.String("metrics-out", "", "optional path to write run metrics to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *subsPath == "" || *out == "" {
		return fmt.Errorf("filter requires --in, --subs, and --out")
	}

	events, err := readEvents(*in)
	if err != nil {
		return err
	}
	subs, err := readSubscriptions(*subsPath)
	if err != nil {
		return err
	}

	matched, metrics := filter.Apply(events, subs)

	if err := writeJSON(*out, matched); err != nil {
		return err
	}
	if *metricsOut != "" {
		if err := writeJSON(*metricsOut, metrics); err != nil {
			return err
		}
	}

	logger.Info(context.Background(), "filter run complete", map[string]interface{}{
		"total_events": metrics.TotalEvents,
		"matched":      len(matched),
		"unmatched":    metrics.Unmatched,
	})
	return nil
}
