// Package envelope defines the canonical event shape the alerts pipeline
// consumes, the severity ladder all downstream stages compare against, and
// the dotted-path resolver dedupe/flap keys are compiled from.
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Severity is one of the five ladder rungs. Unknown values rank as Info (0).
type Severity string

const (
	Info     Severity = "info"
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

var severityRank = map[Severity]int{
	Info:     0,
	Low:      1,
	Medium:   2,
	High:     3,
	Critical: 4,
}

// SeverityWeight assigns risk-scoring weights; Info contributes 0.
var SeverityWeight = map[Severity]int{
	Info:     0,
	Low:      1,
	Medium:   2,
	High:     4,
	Critical: 8,
}

// Rank returns the severity's position on the ladder, 0..4. Unknown
// severities rank as Info.
func Rank(s Severity) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[Info]
}

// AtLeast reports whether ev meets or exceeds floor on the ladder.
// Reflexive and transitive; a floor of Info matches everything.
func AtLeast(ev, floor Severity) bool {
	return Rank(ev) >= Rank(floor)
}

// Event is the immutable input record described by the envelope.
type Event struct {
	ID           string             `json:"id"`
	Timestamp    string             `json:"ts"`
	Topic        string             `json:"topic"`
	Severity     Severity           `json:"severity"`
	AssetID      string             `json:"asset_id,omitempty"`
	AOIID        string             `json:"aoi_id,omitempty"`
	RuleType     string             `json:"rule_type,omitempty"`
	Acknowledged *bool              `json:"acknowledged,omitempty"`
	Delta        map[string]float64 `json:"delta,omitempty"`
	Payload      map[string]any     `json:"payload,omitempty"`
}

// ParseTS parses an ISO-8601 instant accepting both a numeric offset and a
// trailing "Z". Returns the zero time and false on failure; callers
// substitute wall-clock time only where the caller's contract says to.
func ParseTS(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Time returns the event's parsed timestamp, or the zero time and false if
// unparseable.
func (e *Event) Time() (time.Time, bool) {
	return ParseTS(e.Timestamp)
}

// Resolve evaluates a dotted path against the event wrapped in a
// {subscription_id, event} record, returning the literal "None" for any
// missing intermediate field. Each call marshals the event to JSON and
// walks the path over it with gjson, so no hand-rolled reflection is
// needed; paths are not precompiled.
func Resolve(path string, subscriptionID string, ev *Event) string {
	if path == "subscription_id" {
		if subscriptionID == "" {
			return "None"
		}
		return subscriptionID
	}

	const prefix = "event."
	if !strings.HasPrefix(path, prefix) {
		return "None"
	}
	field := strings.TrimPrefix(path, prefix)

	data, err := json.Marshal(ev)
	if err != nil {
		return "None"
	}
	result := gjson.GetBytes(data, field)
	if !result.Exists() {
		return "None"
	}
	return result.String()
}

// ResolveKey joins the resolution of each configured path with "|",
// producing the dedupe/flap key for a matched record.
func ResolveKey(paths []string, subscriptionID string, ev *Event) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = Resolve(p, subscriptionID, ev)
	}
	return strings.Join(parts, "|")
}
