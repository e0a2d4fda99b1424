package filter

import (
	"testing"

	"github.com/verdantis/alertscore/domain/envelope"
)

func TestApply_FilterBasic(t *testing.T) {
	events := []*envelope.Event{
		{ID: "e1", Topic: "policy.enforcement", Severity: envelope.High, AssetID: "a1", RuleType: "emissions_exceedance"},
		{ID: "e2", Topic: "sat.change", Severity: envelope.Low, AOIID: "aoi_2", Delta: map[string]float64{"ndvi": 0.15}},
		{ID: "e3", Topic: "zk.verify", Severity: envelope.Low, AssetID: "a2"},
	}

	subs := []*Subscription{
		{ID: "policy_high_plus", Topics: []string{"policy.enforcement"}, SeverityAtLeast: envelope.High, RuleTypes: []string{"emissions_exceedance"}},
		{ID: "sat_ndvi_drop", Topics: []string{"sat.change"}, SeverityAtLeast: envelope.Medium, AOIIDs: []string{"aoi_2"}, MinDelta: map[string]float64{"ndvi": 0.2}},
		{ID: "zk_attest", Topics: []string{"zk.issue", "zk.verify"}, SeverityAtLeast: envelope.Low},
	}

	matched, metrics := Apply(events, subs)

	wantIDs := map[string]bool{"e1": true, "e3": true}
	gotIDs := make(map[string]bool)
	for _, m := range matched {
		gotIDs[m.Event.ID] = true
	}
	for id := range wantIDs {
		if !gotIDs[id] {
			t.Errorf("expected event %q to match, it did not", id)
		}
	}
	if len(gotIDs) != len(wantIDs) {
		t.Errorf("matched ids = %v, want %v", gotIDs, wantIDs)
	}
	if metrics.Unmatched != 1 {
		t.Errorf("Unmatched = %d, want 1", metrics.Unmatched)
	}
}

func TestSubscription_SuppressIf_Inverted(t *testing.T) {
	// suppress_if matches -> subscription is EXCLUDED (inverted semantics).
	sub := &Subscription{
		ID:         "policy_sub",
		Topics:     []string{"policy.enforcement"},
		SuppressIf: map[string]any{"acknowledged": true},
	}

	ack := true
	acked := &envelope.Event{Topic: "policy.enforcement", Severity: envelope.High, Acknowledged: &ack}
	if sub.Match(acked) {
		t.Error("expected suppress_if match to exclude the acknowledged event")
	}

	unacked := false
	notAcked := &envelope.Event{Topic: "policy.enforcement", Severity: envelope.High, Acknowledged: &unacked}
	if !sub.Match(notAcked) {
		t.Error("expected the unacknowledged event to still match")
	}
}

func TestSubscription_MinDelta_MissingMetricFails(t *testing.T) {
	sub := &Subscription{ID: "s", MinDelta: map[string]float64{"ndvi": 0.2}}
	ev := &envelope.Event{Delta: map[string]float64{}}
	if sub.Match(ev) {
		t.Error("expected missing delta metric to fail the predicate")
	}
}

func TestSubscription_WildcardAssets(t *testing.T) {
	sub := &Subscription{ID: "s", Assets: []string{"*"}}
	ev := &envelope.Event{AssetID: "anything"}
	if !sub.Match(ev) {
		t.Error("expected wildcard asset predicate to match any asset")
	}
}

func TestValidateSubscriptions_DuplicateID(t *testing.T) {
	subs := []*Subscription{{ID: "dup"}, {ID: "dup"}}
	if err := ValidateSubscriptions(subs); err == nil {
		t.Error("expected error for duplicate subscription id")
	}
}

func TestValidateSubscriptions_OK(t *testing.T) {
	subs := []*Subscription{{ID: "a"}, {ID: "b"}}
	if err := ValidateSubscriptions(subs); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
