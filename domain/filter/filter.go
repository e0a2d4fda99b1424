// Package filter implements the subscription filter engine: it selects the
// events of interest to each configured subscription.
package filter

import (
	"fmt"

	"github.com/verdantis/alertscore/domain/envelope"
)

// Subscription is an immutable, configuration-declared filter. A
// subscription matches an event when all of its present predicates hold;
// suppress_if is the one inverted predicate — if every pair matches, the
// subscription is excluded for that event.
type Subscription struct {
	ID               string             `json:"id" yaml:"id"`
	Topics           []string           `json:"topics,omitempty" yaml:"topics,omitempty"`
	SeverityAtLeast  envelope.Severity  `json:"severity_at_least,omitempty" yaml:"severity_at_least,omitempty"`
	Assets           []string           `json:"assets,omitempty" yaml:"assets,omitempty"`
	RuleTypes        []string           `json:"rule_types,omitempty" yaml:"rule_types,omitempty"`
	AOIIDs           []string           `json:"aoi_ids,omitempty" yaml:"aoi_ids,omitempty"`
	MinDelta         map[string]float64 `json:"min_delta,omitempty" yaml:"min_delta,omitempty"`
	SuppressIf       map[string]any     `json:"suppress_if,omitempty" yaml:"suppress_if,omitempty"`
}

// Match reports whether sub matches ev. A malformed event (missing topic,
// unknown severity) simply fails predicates; it never raises an error.
func (sub *Subscription) Match(ev *envelope.Event) bool {
	if len(sub.Topics) > 0 && !contains(sub.Topics, ev.Topic) {
		return false
	}

	if sub.SeverityAtLeast != "" && !envelope.AtLeast(ev.Severity, sub.SeverityAtLeast) {
		return false
	}

	if len(sub.Assets) > 0 && !contains(sub.Assets, "*") {
		if !contains(sub.Assets, ev.AssetID) {
			return false
		}
	}

	if len(sub.RuleTypes) > 0 && !contains(sub.RuleTypes, ev.RuleType) {
		return false
	}

	if len(sub.AOIIDs) > 0 && !contains(sub.AOIIDs, ev.AOIID) {
		return false
	}

	if len(sub.MinDelta) > 0 {
		for metric, floor := range sub.MinDelta {
			value, ok := ev.Delta[metric]
			if !ok || value < floor {
				return false
			}
		}
	}

	if len(sub.SuppressIf) > 0 && suppressIfMatches(sub.SuppressIf, ev) {
		return false
	}

	return true
}

// suppressIfMatches reports whether every (field, value) pair in cond
// matches ev, which — per the inverted suppress_if semantics — means the
// subscription should be excluded for this event.
func suppressIfMatches(cond map[string]any, ev *envelope.Event) bool {
	for field, value := range cond {
		if !fieldEquals(ev, field, value) {
			return false
		}
	}
	return true
}

// fieldEquals compares a flat top-level event field by name against value
// for suppress_if equality checks (a deliberately small set, distinct from
// the dotted-path language used for dedupe/flap keys).
func fieldEquals(ev *envelope.Event, field string, value any) bool {
	switch field {
	case "topic":
		return asString(value) == ev.Topic
	case "severity":
		return asString(value) == string(ev.Severity)
	case "asset_id":
		return asString(value) == ev.AssetID
	case "aoi_id":
		return asString(value) == ev.AOIID
	case "rule_type":
		return asString(value) == ev.RuleType
	case "acknowledged":
		b, ok := value.(bool)
		return ok && ev.Acknowledged != nil && *ev.Acknowledged == b
	default:
		return false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// MatchedRecord is one (subscription, event) pairing emitted by Apply.
type MatchedRecord struct {
	SubscriptionID string          `json:"subscription_id"`
	Event          *envelope.Event `json:"event"`
}

// Metrics summarizes a single Apply run: total events seen, events matching
// no subscription at all, and a per-subscription match count.
type Metrics struct {
	TotalEvents     int            `json:"total_events"`
	Unmatched       int            `json:"unmatched"`
	PerSubscription map[string]int `json:"per_subscription"`
}

// Apply evaluates every subscription against every event, in event order,
// and within one event in subscription-declaration order. The same event may
// produce multiple matched records.
func Apply(events []*envelope.Event, subscriptions []*Subscription) ([]MatchedRecord, Metrics) {
	metrics := Metrics{PerSubscription: make(map[string]int, len(subscriptions))}
	for _, sub := range subscriptions {
		metrics.PerSubscription[sub.ID] = 0
	}

	var matched []MatchedRecord
	for _, ev := range events {
		metrics.TotalEvents++
		hitAny := false
		for _, sub := range subscriptions {
			if sub.Match(ev) {
				matched = append(matched, MatchedRecord{SubscriptionID: sub.ID, Event: ev})
				metrics.PerSubscription[sub.ID]++
				hitAny = true
			}
		}
		if !hitAny {
			metrics.Unmatched++
		}
	}
	return matched, metrics
}

// ValidateSubscriptions rejects configuration with a duplicate subscription
// id, the one fatal load-time validation this component performs.
func ValidateSubscriptions(subscriptions []*Subscription) error {
	seen := make(map[string]struct{}, len(subscriptions))
	for _, sub := range subscriptions {
		if _, ok := seen[sub.ID]; ok {
			return fmt.Errorf("duplicate subscription id %q", sub.ID)
		}
		seen[sub.ID] = struct{}{}
	}
	return nil
}
