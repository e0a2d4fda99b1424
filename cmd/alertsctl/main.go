// Command alertsctl runs the streaming alerts pipeline — subscription
// filtering, dedupe/flap suppression, channel routing, and role-scoped
// projection — as batch or long-running subcommands.
//
// Usage:
//
//	alertsctl filter --in <events.json> --subs <subscriptions.yaml> --out <matched.json>
//	alertsctl dedupe --in <matched.json> --config <dedupe.yaml> --state <dedupe_state.json> --out <deduped.json>
//	alertsctl route --in <deduped.json> --routes <routes.yaml> --out <routing_results.json>
//	alertsctl project --in <deduped.json> --role <regulator|investor|public> --config <projection.yaml> --out <projection.json>
//	alertsctl run --events <events.json> --subs <subscriptions.yaml> --dedupe-config <dedupe.yaml> --state <dedupe_state.json> --routes <routes.yaml> --out-dir <dir>
//	alertsctl serve --addr <host:port> [--schedule <cron-expr> --events ... --subs ... --dedupe-config ... --state ... --routes ... --out-dir ...]
package main

import (
	"fmt"
	"os"

	"github.com/verdantis/alertscore/infrastructure/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger := logging.NewFromEnv("alertsctl")
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "filter":
		err = cmdFilter(logger, args)
	case "dedupe":
		err = cmdDedupe(logger, args)
	case "route":
		err = cmdRoute(logger, args)
	case "project":
		err = cmdProject(logger, args)
	case "run":
		err = cmdRun(logger, args)
	case "serve":
		err = cmdServe(logger, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`alertsctl - Verdantis streaming alerts pipeline CLI

Usage:
  alertsctl <command> [flags]

Commands:
  filter   --in <events.json> --subs <subscriptions.yaml> --out <matched.json>
  dedupe   --in <matched.json> --config <dedupe.yaml> --state <dedupe_state.json> --out <deduped.json>
  route    --in <deduped.json> --routes <routes.yaml> --out <routing_results.json>
  project  --in <deduped.json> --role <regulator|investor|public> --config <projection.yaml> --out <projection.json>
  run      --events <events.json> --subs <subscriptions.yaml> --dedupe-config <dedupe.yaml>
           --state <dedupe_state.json> --routes <routes.yaml> --out-dir <dir>
  serve    --addr <host:port> [--schedule <cron-expr> <run flags>]

Environment Variables:
  LOG_LEVEL            Log level (default info)
  LOG_FORMAT           Log format: json|text (default json)
  METRICS_ENABLED      Force-enable/disable Prometheus metrics exposition

Examples:
  alertsctl filter --in events.json --subs subscriptions.yaml --out matched.json
  alertsctl run --events events.json --subs subscriptions.yaml --dedupe-config dedupe.yaml \
      --state dedupe_state.json --routes routes.yaml --out-dir ./out
  alertsctl serve --addr :8080 --schedule "*/5 * * * *" --events events.json \
      --subs subscriptions.yaml --dedupe-config dedupe.yaml --state dedupe_state.json \
      --routes routes.yaml --out-dir ./out`)
}
