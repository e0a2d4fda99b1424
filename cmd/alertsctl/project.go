package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/domain/projection"
	"github.com/verdantis/alertscore/infrastructure/authz"
	"github.com/verdantis/alertscore/infrastructure/logging"
	"github.com/verdantis/alertscore/infrastructure/utils"
)

// projectionConfig is the on-disk shape of --config for the project
// subcommand: a union of the three role-specific policy shapes, since only
// the section matching --role is ever read.
type projectionConfig struct {
	Regulator struct {
		BundleValidIDs    []string                             `json:"bundle_valid_ids" yaml:"bundle_valid_ids"`
		AssetLocations    map[string]projection.AssetLocation `json:"asset_locations" yaml:"asset_locations"`
		AssetsGeoJSONPath string                               `json:"assets_geojson" yaml:"assets_geojson"`
		AuditStatePath    string                               `json:"audit_state_path" yaml:"audit_state_path"`
	} `json:"regulator" yaml:"regulator"`
	Investor struct {
		CausalSeriesDir string                  `json:"causal_series_dir" yaml:"causal_series_dir"`
		NewsItems       []projection.NewsItem   `json:"news_items" yaml:"news_items"`
	} `json:"investor" yaml:"investor"`
	Public struct {
		Policy          projection.PublicPolicy     `json:"policy" yaml:"policy"`
		Regionalization projection.Regionalization  `json:"regionalization" yaml:"regionalization"`
	} `json:"public" yaml:"public"`
}

func cmdProject(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	in := fs.String("in", "", "path to deduped matched records")
	role := fs.String("role", "", "regulator | investor | public")
	cfgPath := fs.String("config", "", "path to the projection config document")
	out := fs.String("out", "", "path to write the projection artifact to")
	auditBackendKind := fs.String("audit-backend", "file", "regulator audit log backend: file, postgres, or redis")
	token := fs.String("token", "", "optional bearer token asserting the requesting principal's {sub, role}")
	pubkeyPath := fs.String("pubkey", "", "PEM-encoded RSA public key used to verify --token")
	auditUser := fs.String("audit-request-user", "", "regulator role only: append an audit request for this user instead of building a projection")
	auditAsset := fs.String("audit-request-asset", "", "asset_id to attach to the audit request")
	auditBundle := fs.String("audit-request-bundle", "", "bundle_id to attach to the audit request")
	auditReason := fs.String("audit-request-reason", "", "reason to attach to the audit request")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *role == "" || *out == "" {
		return fmt.Errorf("project requires --in, --role, and --out")
	}
	if !authz.ValidRole(authz.Role(*role)) {
		return fmt.Errorf("unknown role %q", *role)
	}

	if *token != "" {
		if *pubkeyPath == "" {
			return fmt.Errorf("--token requires --pubkey")
		}
		if err := verifyProjectionPrincipal(*token, *pubkeyPath, authz.Role(*role)); err != nil {
			return err
		}
	}

	var cfg projectionConfig
	if *cfgPath != "" {
		if err := readYAMLOrJSON(*cfgPath, &cfg); err != nil {
			return err
		}
	}

	ctx := context.Background()

	if *auditUser != "" {
		if authz.Role(*role) != authz.RoleRegulator {
			return fmt.Errorf("--audit-request-user is only valid with --role regulator")
		}
		if cfg.Regulator.AuditStatePath == "" {
			return fmt.Errorf("--audit-request-user requires audit_state_path in --config")
		}
		requestID, err := appendAuditRequest(ctx, *auditBackendKind, cfg.Regulator.AuditStatePath, *auditUser, *role,
			optionalString(*auditAsset), optionalString(*auditBundle), optionalString(*auditReason))
		if err != nil {
			return err
		}
		logger.LogAudit(ctx, "audit_request", "regulator", requestID, "queued")
		return nil
	}

	records, err := readMatchedRecords(*in)
	if err != nil {
		return err
	}
	var artifact interface{}
	switch authz.Role(*role) {
	case authz.RoleRegulator:
		artifact, err = buildRegulatorArtifact(ctx, *auditBackendKind, records, cfg)
	case authz.RoleInvestor:
		artifact = buildInvestorArtifact(records, cfg)
	case authz.RolePublic:
		artifact = buildPublicArtifact(records, cfg)
	}
	if err != nil {
		return err
	}

	if err := writeJSON(*out, artifact); err != nil {
		return err
	}

	logger.Info(ctx, "project run complete", map[string]interface{}{
		"role":   *role,
		"input":  len(records),
	})
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return utils.Ptr(s)
}

func verifyProjectionPrincipal(token, pubkeyPath string, role authz.Role) error {
	pemBytes, err := os.ReadFile(pubkeyPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", pubkeyPath, err)
	}
	verifier, err := authz.NewVerifier(pemBytes)
	if err != nil {
		return err
	}
	principal, err := verifier.Verify(token)
	if err != nil {
		return err
	}
	if !authz.RequireRole(principal, role) {
		return fmt.Errorf("principal %q (role %q) is not authorized for role %q", principal.Subject, principal.Role, role)
	}
	return nil
}

type regulatorArtifact struct {
	Violations    []projection.Violation   `json:"violations"`
	Heatmap       []projection.HeatmapEntry `json:"heatmap"`
	AuditRequests []projection.AuditRequest `json:"audit_requests,omitempty"`
}

// buildRegulatorArtifact builds open violations and the asset heatmap, and —
// when an audit state path is configured — lists outstanding audit requests
// alongside them so a single artifact reflects both the current risk
// picture and the regulator's pending disclosure queue.
func buildRegulatorArtifact(ctx context.Context, auditBackendKind string, records []filter.MatchedRecord, cfg projectionConfig) (regulatorArtifact, error) {
	bundles := &projection.BundleIndex{ValidIDs: make(map[string]struct{}, len(cfg.Regulator.BundleValidIDs))}
	for _, id := range cfg.Regulator.BundleValidIDs {
		bundles.ValidIDs[id] = struct{}{}
	}

	// GeoJSON supplies the bulk of asset locations; inline asset_locations
	// entries in --config override it per asset id.
	assetLocs := projection.LoadAssetLocations(cfg.Regulator.AssetsGeoJSONPath)
	for id, loc := range cfg.Regulator.AssetLocations {
		assetLocs[id] = loc
	}

	artifact := regulatorArtifact{
		Violations: projection.BuildOpenViolations(records, bundles),
		Heatmap:    projection.BuildHeatmap(records, assetLocs),
	}

	if cfg.Regulator.AuditStatePath != "" {
		backend, err := openAuditBackend(ctx, auditBackendKind, cfg.Regulator.AuditStatePath)
		if err != nil {
			return regulatorArtifact{}, fmt.Errorf("open audit backend: %w", err)
		}
		log := projection.NewAuditLog(backend, "audit_log")
		requests, err := log.ListAuditRequests(ctx, "")
		if err != nil {
			return regulatorArtifact{}, fmt.Errorf("list audit requests: %w", err)
		}
		artifact.AuditRequests = requests
	}

	return artifact, nil
}

type investorArtifact struct {
	RiskTrajectory []projection.RiskTrajectory       `json:"risk_trajectory"`
	ROILinkage     []projection.ROILinkage           `json:"roi_linkage"`
	News           *projection.NewsSentimentSummary  `json:"news,omitempty"`
}

func buildInvestorArtifact(records []filter.MatchedRecord, cfg projectionConfig) investorArtifact {
	trajectories := projection.BuildRiskTrajectory(records)
	causal := projection.LoadCausalSeries(cfg.Investor.CausalSeriesDir)
	artifact := investorArtifact{
		RiskTrajectory: trajectories,
		ROILinkage:     projection.LinkRiskToROI(trajectories, causal),
	}
	if len(cfg.Investor.NewsItems) > 0 {
		summary := projection.SummarizeNews(cfg.Investor.NewsItems)
		artifact.News = &summary
	}
	return artifact
}

type publicArtifact struct {
	Feed                 []projection.FeedItem            `json:"feed"`
	RegionSeverityCounts map[string]map[string]int `json:"region_severity_counts"`
}

func buildPublicArtifact(records []filter.MatchedRecord, cfg projectionConfig) publicArtifact {
	feed := projection.BuildPublicFeed(records, cfg.Public.Policy, cfg.Public.Regionalization)
	return publicArtifact{
		Feed:                 feed,
		RegionSeverityCounts: projection.RegionSeverityCounts(feed),
	}
}

// appendAuditRequest backs --audit-request-user: it records a new audit
// request instead of building a projection artifact.
func appendAuditRequest(ctx context.Context, auditBackendKind, path, user, role string, assetID, bundleID, reason *string) (string, error) {
	backend, err := openAuditBackend(ctx, auditBackendKind, path)
	if err != nil {
		return "", fmt.Errorf("open audit backend: %w", err)
	}
	log := projection.NewAuditLog(backend, "audit_log")
	return log.Append(ctx, time.Now().UTC(), user, role, assetID, bundleID, reason)
}
