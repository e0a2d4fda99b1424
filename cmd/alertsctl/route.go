package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/verdantis/alertscore/domain/router"
	"github.com/verdantis/alertscore/infrastructure/config"
	"github.com/verdantis/alertscore/infrastructure/logging"
)

func cmdRoute(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	in := fs.String("in", "", "path to deduped matched records")
	routesPath := fs.String("routes", "", "path to the routes document")
	out := fs.String("out", "", "path to write routing results to")
	metricsOut := fs.String("metrics-out", "", "optional path to write run metrics to")
	webhookTimeout := fs.Duration("webhook-timeout", config.GetDefaultTimeouts().Sink, "per-attempt webhook delivery timeout (default overridable via ALERTS_SINK_TIMEOUT)")
	webhookRate := fs.Float64("webhook-rate", 0, "optional cap on outbound webhook POSTs per second (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *routesPath == "" || *out == "" {
		return fmt.Errorf("route requires --in, --routes, and --out")
	}

	records, err := readMatchedRecords(*in)
	if err != nil {
		return err
	}
	doc, err := readRoutesDoc(*routesPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sinks := sinksForRate(*webhookTimeout, *webhookRate)
	results, metrics := router.Route(ctx, records, doc.Routes, doc.Global, sinks)

	if err := writeJSON(*out, results); err != nil {
		return err
	}
	if *metricsOut != "" {
		if err := writeJSON(*metricsOut, metrics); err != nil {
			return err
		}
	}

	logger.Info(ctx, "route run complete", map[string]interface{}{
		"sent":    metrics.Sent,
		"skipped": metrics.Skipped,
	})
	return nil
}
