package projection

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/infrastructure/redaction"
)

// PublicPolicy governs the masked public feed: which fields survive, the
// severity floor, and asset pseudonymization.
type PublicPolicy struct {
	MinSeverity          envelope.Severity `json:"min_severity" yaml:"min_severity"`
	MaxItems             int               `json:"max_items" yaml:"max_items"`
	VisibleFields        []string          `json:"visible_fields" yaml:"visible_fields"`
	AnonymizeAssetID     bool              `json:"anonymize_asset_id" yaml:"anonymize_asset_id"`
	IncludeAssetIDField  bool              `json:"include_asset_id_field" yaml:"include_asset_id_field"`
	AssetPseudonymPrefix string            `json:"asset_pseudonym_prefix" yaml:"asset_pseudonym_prefix"`
	MaskSecret           string            `json:"mask_secret" yaml:"mask_secret"`
}

// Regionalization maps AOI ids to a coarse public region label.
type Regionalization struct {
	AOIToRegion    map[string]string `json:"aoi_to_region" yaml:"aoi_to_region"`
	FallbackRegion string            `json:"fallback_region" yaml:"fallback_region"`
}

func severityAtLeast(ev, floor envelope.Severity) bool {
	return envelope.AtLeast(ev, floor)
}

func maskAsset(assetID string, policy PublicPolicy) string {
	if assetID == "" {
		return ""
	}
	secret := policy.MaskSecret
	if secret == "" {
		secret = "public-dev-secret"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(assetID))
	digest := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(digest[:8])
}

func toRegion(aoiID string, reg Regionalization) string {
	if aoiID == "" {
		return reg.FallbackRegion
	}
	if region, ok := reg.AOIToRegion[aoiID]; ok {
		return region
	}
	return reg.FallbackRegion
}

// sanitizeItem builds the full candidate record (before whitelist
// filtering) for one event, mirroring the original's field set exactly.
func sanitizeItem(rec filter.MatchedRecord, policy PublicPolicy, reg Regionalization) map[string]any {
	ev := rec.Event
	region := toRegion(ev.AOIID, reg)

	item := map[string]any{
		"ts":       safeTSString(ev),
		"topic":    ev.Topic,
		"severity": string(ev.Severity),
		"aoi_id":   ev.AOIID,
		"region":   region,
	}

	if policy.IncludeAssetIDField {
		if policy.AnonymizeAssetID {
			pseudo := maskAsset(ev.AssetID, policy)
			if pseudo != "" {
				item["asset_id"] = policy.AssetPseudonymPrefix + pseudo
			} else {
				item["asset_id"] = nil
			}
		} else {
			item["asset_id"] = ev.AssetID
		}
	}

	return item
}

// FeedItem is one public-feed entry: only the fields the policy whitelists.
type FeedItem map[string]any

// BuildPublicFeed keeps only events at or above the severity floor,
// sanitizes each into the full candidate field set, and applies the
// visible_fields whitelist as a strictly post-sanitization redaction step.
// Results are newest first, truncated to MaxItems when positive.
func BuildPublicFeed(records []filter.MatchedRecord, policy PublicPolicy, reg Regionalization) []FeedItem {
	var filtered []filter.MatchedRecord
	for _, rec := range records {
		if severityAtLeast(rec.Event.Severity, policy.MinSeverity) {
			filtered = append(filtered, rec)
		}
	}

	items := make([]FeedItem, 0, len(filtered))
	for _, rec := range filtered {
		candidate := sanitizeItem(rec, policy, reg)
		kept := redaction.FilterFields(candidate, policy.VisibleFields)
		items = append(items, FeedItem(kept))
	}

	sort.SliceStable(items, func(i, j int) bool {
		ti, _ := items[i]["ts"].(string)
		tj, _ := items[j]["ts"].(string)
		return ti > tj
	})

	if policy.MaxItems > 0 && len(items) > policy.MaxItems {
		items = items[:policy.MaxItems]
	}
	return items
}

// RegionSeverityCounts aggregates feed items by region then severity.
func RegionSeverityCounts(items []FeedItem) map[string]map[string]int {
	byRegion := make(map[string]map[string]int)
	for _, item := range items {
		region, _ := item["region"].(string)
		if region == "" {
			region = "Unknown"
		}
		sev, _ := item["severity"].(string)
		if sev == "" {
			sev = "info"
		}
		if byRegion[region] == nil {
			byRegion[region] = make(map[string]int)
		}
		byRegion[region][sev]++
	}
	return byRegion
}
