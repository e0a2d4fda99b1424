package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/verdantis/alertscore/domain/dedupe"
	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/domain/router"
	"github.com/verdantis/alertscore/infrastructure/config"
	"github.com/verdantis/alertscore/infrastructure/logging"
	"github.com/verdantis/alertscore/infrastructure/metrics"
)

// pipelineConfig bundles the inputs one full run needs; both the run and
// serve subcommands share it so a scheduled serve re-run takes the exact
// same path as a one-shot run.
type pipelineConfig struct {
	EventsPath          string
	SubsPath            string
	DedupeConfigPath    string
	StatePath           string
	StateBackend        string
	RoutesPath          string
	OutDir              string
	ProjectRole         string
	ProjectConfig       string
	ProjectAuditBackend string
	WebhookTimeout      time.Duration
	WebhookRate         float64
}

// pipelineSummary is the aggregate run report written to out-dir/summary.json
// and returned to callers (including the serve subcommand's scheduled runs).
type pipelineSummary struct {
	FilterMetrics  filter.Metrics  `json:"filter_metrics"`
	DedupeMetrics  dedupe.Metrics  `json:"dedupe_metrics"`
	RouteMetrics   router.Metrics  `json:"route_metrics"`
	ProjectedRole  string          `json:"projected_role,omitempty"`
	RanAt          string          `json:"ran_at"`
}

func cmdRun(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg := bindPipelineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	m := metrics.New("alertsctl")
	_, err := runPipeline(context.Background(), logger, m, *cfg)
	return err
}

func bindPipelineFlags(fs *flag.FlagSet) *pipelineConfig {
	cfg := &pipelineConfig{}
	fs.StringVar(&cfg.EventsPath, "events", "", "path to the input events document")
	fs.StringVar(&cfg.SubsPath, "subs", "", "path to the subscriptions document")
	fs.StringVar(&cfg.DedupeConfigPath, "dedupe-config", "", "path to the dedupe/flap config document")
	fs.StringVar(&cfg.StatePath, "state", "", "path (file backend) or DSN/address (postgres/redis backend) for the durable dedupe state")
	fs.StringVar(&cfg.StateBackend, "state-backend", "file", "dedupe state backend: file, memory (dry run, never persists), postgres, or redis")
	fs.StringVar(&cfg.RoutesPath, "routes", "", "path to the routes document")
	fs.StringVar(&cfg.OutDir, "out-dir", "", "directory to write pipeline artifacts to")
	fs.StringVar(&cfg.ProjectRole, "project-role", "", "optional: also build a role-scoped projection (regulator|investor|public)")
	fs.StringVar(&cfg.ProjectConfig, "project-config", "", "projection config document, required when --project-role is set")
	fs.StringVar(&cfg.ProjectAuditBackend, "project-audit-backend", "file", "regulator audit log backend: file, postgres, or redis")
	fs.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", config.GetDefaultTimeouts().Sink, "per-attempt webhook delivery timeout (default overridable via ALERTS_SINK_TIMEOUT)")
	fs.Float64Var(&cfg.WebhookRate, "webhook-rate", 0, "optional cap on outbound webhook POSTs per second (0 = unlimited)")
	return cfg
}

func (c *pipelineConfig) validate() error {
	if c.EventsPath == "" || c.SubsPath == "" || c.DedupeConfigPath == "" || c.StatePath == "" || c.RoutesPath == "" || c.OutDir == "" {
		return fmt.Errorf("run requires --events, --subs, --dedupe-config, --state, --routes, and --out-dir")
	}
	if c.ProjectRole != "" && c.ProjectConfig == "" {
		return fmt.Errorf("--project-role requires --project-config")
	}
	return nil
}

// runPipeline executes filter -> dedupe -> route (-> optional project) in
// one pass, writing every stage's artifact under cfg.OutDir, and returns the
// aggregate summary. It is shared by the run subcommand and serve's
// scheduled re-runs.
func runPipeline(ctx context.Context, logger *logging.Logger, m *metrics.Metrics, cfg pipelineConfig) (pipelineSummary, error) {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return pipelineSummary{}, fmt.Errorf("create out-dir: %w", err)
	}

	stageStart := time.Now()
	events, err := readEvents(cfg.EventsPath)
	if err != nil {
		return pipelineSummary{}, err
	}
	subs, err := readSubscriptions(cfg.SubsPath)
	if err != nil {
		return pipelineSummary{}, err
	}
	matched, filterMetrics := filter.Apply(events, subs)
	recordStage(m, "filter", stageStart, nil)
	logger.LogStageTransition(ctx, "filter", len(events), len(matched), time.Since(stageStart))
	if err := writeJSON(filepath.Join(cfg.OutDir, "matched.json"), matched); err != nil {
		return pipelineSummary{}, err
	}

	stageStart = time.Now()
	var dedupeCfg dedupe.Config
	if err := readYAMLOrJSON(cfg.DedupeConfigPath, &dedupeCfg); err != nil {
		return pipelineSummary{}, err
	}
	stateBackend, err := openStateBackend(ctx, cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return pipelineSummary{}, err
	}
	dedupeState, err := loadDedupeState(ctx, stateBackend)
	if err != nil {
		return pipelineSummary{}, err
	}
	dedupeResults, dedupeMetrics := dedupe.Process(matched, dedupeCfg, dedupeState)
	kept := make([]filter.MatchedRecord, 0, dedupeMetrics.Kept)
	for _, r := range dedupeResults {
		if r.Kept {
			kept = append(kept, r.Record)
		}
	}
	recordStage(m, "dedupe", stageStart, nil)
	logger.LogStageTransition(ctx, "dedupe", len(matched), len(kept), time.Since(stageStart))
	if err := writeJSON(filepath.Join(cfg.OutDir, "deduped.json"), kept); err != nil {
		return pipelineSummary{}, err
	}
	stateWriteErr := saveDedupeState(ctx, stateBackend, dedupeState)

	stageStart = time.Now()
	doc, err := readRoutesDoc(cfg.RoutesPath)
	if err != nil {
		return pipelineSummary{}, err
	}
	sinks := sinksForRate(cfg.WebhookTimeout, cfg.WebhookRate)
	routeResults, routeMetrics := router.Route(ctx, kept, doc.Routes, doc.Global, sinks)
	recordStage(m, "route", stageStart, nil)
	logger.LogStageTransition(ctx, "route", len(kept), routeMetrics.Sent, time.Since(stageStart))
	if err := writeJSON(filepath.Join(cfg.OutDir, "routing_results.json"), routeResults); err != nil {
		return pipelineSummary{}, err
	}

	summary := pipelineSummary{
		FilterMetrics: filterMetrics,
		DedupeMetrics: dedupeMetrics,
		RouteMetrics:  routeMetrics,
		RanAt:         time.Now().UTC().Format(time.RFC3339),
	}

	if cfg.ProjectRole != "" {
		stageStart = time.Now()
		var pcfg projectionConfig
		if err := readYAMLOrJSON(cfg.ProjectConfig, &pcfg); err != nil {
			return pipelineSummary{}, err
		}
		var artifact interface{}
		switch cfg.ProjectRole {
		case "regulator":
			artifact, err = buildRegulatorArtifact(ctx, cfg.ProjectAuditBackend, kept, pcfg)
		case "investor":
			artifact = buildInvestorArtifact(kept, pcfg)
		case "public":
			artifact = buildPublicArtifact(kept, pcfg)
		default:
			err = fmt.Errorf("unknown --project-role %q", cfg.ProjectRole)
		}
		if err != nil {
			return pipelineSummary{}, err
		}
		recordStage(m, "project", stageStart, nil)
		if err := writeJSON(filepath.Join(cfg.OutDir, "projection.json"), artifact); err != nil {
			return pipelineSummary{}, err
		}
		summary.ProjectedRole = cfg.ProjectRole
	}

	if err := writeJSON(filepath.Join(cfg.OutDir, "summary.json"), summary); err != nil {
		return pipelineSummary{}, err
	}

	logger.Info(ctx, "pipeline run complete", map[string]interface{}{
		"matched":    len(matched),
		"kept":       dedupeMetrics.Kept,
		"suppressed": dedupeMetrics.Suppressed,
		"sent":       routeMetrics.Sent,
		"skipped":    routeMetrics.Skipped,
	})

	if stateWriteErr != nil {
		return summary, fmt.Errorf("write dedupe state: %w", stateWriteErr)
	}
	return summary, nil
}

func recordStage(m *metrics.Metrics, stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RecordStageRun("alertsctl", stage, status, time.Since(start))
}
