package projection

import (
	"testing"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
)

// TestBuildPublicFeed_RedactionWhitelist implements spec.md's public
// redaction scenario: asset_id=plant_42, payload.secret="x",
// visible_fields=[ts,topic,severity,region], include_asset_id_field=false,
// min_severity=medium, event severity=high -> feed item contains only
// {ts, topic, severity, region}; payload and asset_id absent.
func TestBuildPublicFeed_RedactionWhitelist(t *testing.T) {
	ev := &envelope.Event{
		Topic:    "sat.change",
		Severity: envelope.High,
		AssetID:  "plant_42",
		AOIID:    "aoi_1",
		Payload:  map[string]any{"secret": "x"},
	}
	records := []filter.MatchedRecord{{SubscriptionID: "s1", Event: ev}}

	policy := PublicPolicy{
		MinSeverity:         envelope.Medium,
		VisibleFields:       []string{"ts", "topic", "severity", "region"},
		IncludeAssetIDField: false,
	}
	reg := Regionalization{AOIToRegion: map[string]string{"aoi_1": "region-a"}, FallbackRegion: "Unknown"}

	feed := BuildPublicFeed(records, policy, reg)
	if len(feed) != 1 {
		t.Fatalf("expected 1 feed item, got %d", len(feed))
	}
	item := feed[0]
	if _, ok := item["payload"]; ok {
		t.Error("expected payload to be absent from the public feed item")
	}
	if _, ok := item["asset_id"]; ok {
		t.Error("expected asset_id to be absent when include_asset_id_field is false")
	}
	for _, field := range []string{"ts", "topic", "severity", "region"} {
		if _, ok := item[field]; !ok {
			t.Errorf("expected field %q to be present", field)
		}
	}
	if len(item) != 4 {
		t.Errorf("expected exactly 4 fields, got %d: %+v", len(item), item)
	}
}

func TestBuildPublicFeed_SeverityFloorExcludesLow(t *testing.T) {
	records := []filter.MatchedRecord{
		{SubscriptionID: "s1", Event: &envelope.Event{Topic: "t", Severity: envelope.Low}},
		{SubscriptionID: "s1", Event: &envelope.Event{Topic: "t", Severity: envelope.High}},
	}
	policy := PublicPolicy{MinSeverity: envelope.Medium, VisibleFields: []string{"ts", "topic", "severity", "region"}}
	feed := BuildPublicFeed(records, policy, Regionalization{FallbackRegion: "Unknown"})
	if len(feed) != 1 {
		t.Errorf("expected only the high-severity event to survive the floor, got %d items", len(feed))
	}
}

func TestBuildPublicFeed_PseudonymizedAssetID(t *testing.T) {
	ev := &envelope.Event{Topic: "t", Severity: envelope.High, AssetID: "plant_42"}
	records := []filter.MatchedRecord{{SubscriptionID: "s1", Event: ev}}
	policy := PublicPolicy{
		MinSeverity:          envelope.Low,
		VisibleFields:        []string{"ts", "topic", "severity", "region", "asset_id"},
		IncludeAssetIDField:  true,
		AnonymizeAssetID:     true,
		AssetPseudonymPrefix: "asset_",
		MaskSecret:           "test-secret",
	}
	feed := BuildPublicFeed(records, policy, Regionalization{FallbackRegion: "Unknown"})
	if len(feed) != 1 {
		t.Fatalf("expected 1 item, got %d", len(feed))
	}
	pseudo, ok := feed[0]["asset_id"].(string)
	if !ok || pseudo == "plant_42" || pseudo == "" {
		t.Errorf("expected a pseudonymized asset_id, got %v", feed[0]["asset_id"])
	}
	if pseudo[:6] != "asset_" {
		t.Errorf("expected pseudonym prefix asset_, got %q", pseudo)
	}
}

func TestRegionSeverityCounts_Aggregates(t *testing.T) {
	items := []FeedItem{
		{"region": "r1", "severity": "high"},
		{"region": "r1", "severity": "high"},
		{"region": "r2", "severity": "critical"},
	}
	counts := RegionSeverityCounts(items)
	if counts["r1"]["high"] != 2 {
		t.Errorf("r1/high = %d, want 2", counts["r1"]["high"])
	}
	if counts["r2"]["critical"] != 1 {
		t.Errorf("r2/critical = %d, want 1", counts["r2"]["critical"])
	}
}
