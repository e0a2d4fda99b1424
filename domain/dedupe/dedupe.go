// Package dedupe implements the dedupe and flap suppressor: cooldown/TTL
// based duplicate suppression plus windowed flap detection, both keyed by
// dotted-path-derived identities and backed by durable state across runs.
package dedupe

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
)

// FlapConfig governs value-oscillation suppression.
type FlapConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	KeyFields     []string `json:"key_fields" yaml:"key_fields"`
	ValueField    string   `json:"value_field" yaml:"value_field"`
	WindowSeconds int      `json:"window_seconds" yaml:"window_seconds"`
	MaxChanges    int      `json:"max_changes" yaml:"max_changes"`
}

// Config governs dedupe/flap behavior for one run.
type Config struct {
	TTLSeconds         int        `json:"ttl_seconds" yaml:"ttl_seconds"`
	MinIntervalSeconds int        `json:"min_interval_seconds" yaml:"min_interval_seconds"`
	KeyFields          []string   `json:"key_fields" yaml:"key_fields"`
	Flap               FlapConfig `json:"flap" yaml:"flap"`
}

// HistoryEntry is one (timestamp, value) flap observation.
type HistoryEntry struct {
	Timestamp time.Time `json:"ts"`
	Value     string    `json:"value"`
}

// Entry is one dedupe key's persisted state.
type Entry struct {
	LastSentTS   *time.Time     `json:"last_sent_ts,omitempty"`
	FlapHistory  []HistoryEntry `json:"flap_history,omitempty"`
}

// State is the full persisted dedupe state, matching the documented
// dedupe_state.json shape.
type State struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Keys      map[string]*Entry `json:"keys"`
}

// NewState returns an empty, version-1 state.
func NewState() *State {
	return &State{Version: 1, Keys: make(map[string]*Entry)}
}

// stateWire mirrors State but with RFC3339 string timestamps, matching the
// on-disk JSON contract exactly (time.Time marshals to RFC3339Nano by
// default, which is backward-compatible with consumers expecting either form).
type entryWire struct {
	LastSentTS  *string        `json:"last_sent_ts,omitempty"`
	FlapHistory [][2]string    `json:"flap_history,omitempty"`
}

type stateWire struct {
	Version   int                  `json:"version"`
	UpdatedAt string               `json:"updated_at"`
	Keys      map[string]entryWire `json:"keys"`
}

// LoadState decodes a dedupe_state.json document. An unparseable document
// (or one missing the "keys" map) is replaced with an empty state rather
// than failing, per the state I/O error-handling contract; missing "keys"
// becomes an empty map.
func LoadState(data []byte) *State {
	var wire stateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return NewState()
	}
	if wire.Keys == nil {
		return NewState()
	}

	state := &State{Version: 1, Keys: make(map[string]*Entry, len(wire.Keys))}
	for key, ew := range wire.Keys {
		entry := &Entry{}
		if ew.LastSentTS != nil {
			if t, ok := envelope.ParseTS(*ew.LastSentTS); ok {
				entry.LastSentTS = &t
			}
		}
		for _, pair := range ew.FlapHistory {
			ts, ok := envelope.ParseTS(pair[0])
			if !ok {
				continue
			}
			entry.FlapHistory = append(entry.FlapHistory, HistoryEntry{Timestamp: ts, Value: pair[1]})
		}
		state.Keys[key] = entry
	}
	return state
}

// Marshal serializes state to the documented dedupe_state.json shape, with
// UpdatedAt stamped to now.
func (s *State) Marshal(now time.Time) ([]byte, error) {
	wire := stateWire{Version: 1, UpdatedAt: now.Format(time.RFC3339), Keys: make(map[string]entryWire, len(s.Keys))}

	keys := make([]string, 0, len(s.Keys))
	for k := range s.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := s.Keys[key]
		ew := entryWire{}
		if entry.LastSentTS != nil {
			ts := entry.LastSentTS.Format(time.RFC3339)
			ew.LastSentTS = &ts
		}
		for _, h := range entry.FlapHistory {
			ew.FlapHistory = append(ew.FlapHistory, [2]string{h.Timestamp.Format(time.RFC3339), h.Value})
		}
		wire.Keys[key] = ew
	}
	return json.MarshalIndent(wire, "", "  ")
}

// Result is the outcome of processing one matched record.
type Result struct {
	Record filter.MatchedRecord
	Kept   bool
	Reason string // "cooldown", "duplicate_ttl", "flapping" when not kept
}

// Metrics summarizes one dedupe run.
type Metrics struct {
	Input      int `json:"input"`
	Kept       int `json:"kept"`
	Suppressed int `json:"suppressed"`
}

// Process runs every matched record through the dedupe/flap pipeline against
// state, mutating state in place, and returns the per-record results in
// input order plus run metrics. Records must already be in event-time order;
// Process does not reorder them.
func Process(records []filter.MatchedRecord, cfg Config, state *State) ([]Result, Metrics) {
	results := make([]Result, 0, len(records))
	metrics := Metrics{Input: len(records)}

	for _, rec := range records {
		now, ok := rec.Event.Time()
		if !ok {
			now = time.Now().UTC()
		}

		key := envelope.ResolveKey(cfg.KeyFields, rec.SubscriptionID, rec.Event)
		entry := state.Keys[key]
		if entry == nil {
			entry = &Entry{}
		}

		dup, reason := isDuplicate(now, entry.LastSentTS, cfg.TTLSeconds, cfg.MinIntervalSeconds)
		if dup {
			metrics.Suppressed++
			if cfg.Flap.Enabled {
				fv := flapValue(rec, cfg.Flap.ValueField)
				entry.FlapHistory = append(entry.FlapHistory, HistoryEntry{Timestamp: now, Value: fv})
				state.Keys[key] = entry
			}
			results = append(results, Result{Record: rec, Kept: false, Reason: reason})
			continue
		}

		if cfg.Flap.Enabled {
			fv := flapValue(rec, cfg.Flap.ValueField)
			flapKey := envelope.ResolveKey(cfg.Flap.KeyFields, rec.SubscriptionID, rec.Event)
			flapEntry := state.Keys[flapKey]
			if flapKey == key {
				flapEntry = entry
			} else if flapEntry == nil {
				flapEntry = &Entry{}
			}

			if isFlapping(now, flapEntry.FlapHistory, fv, cfg.Flap.WindowSeconds, cfg.Flap.MaxChanges) {
				metrics.Suppressed++
				flapEntry.FlapHistory = appendPruned(flapEntry.FlapHistory, now, fv, cfg.Flap.WindowSeconds)
				state.Keys[flapKey] = flapEntry
				results = append(results, Result{Record: rec, Kept: false, Reason: "flapping"})
				continue
			}
			flapEntry.FlapHistory = appendPruned(flapEntry.FlapHistory, now, fv, cfg.Flap.WindowSeconds)
			state.Keys[flapKey] = flapEntry
		}

		entry.LastSentTS = &now
		state.Keys[key] = entry
		metrics.Kept++
		results = append(results, Result{Record: rec, Kept: true})
	}

	return results, metrics
}

// isDuplicate implements the cooldown/TTL tie-break rules: age == threshold
// is never suppressed (strict <); a negative age (event in the past relative
// to last) is treated as not-duplicate without underflowing.
func isDuplicate(now time.Time, lastSentTS *time.Time, ttlSeconds, minIntervalSeconds int) (bool, string) {
	if lastSentTS == nil {
		return false, ""
	}
	age := now.Sub(*lastSentTS)
	if age < 0 {
		return false, ""
	}
	if age < time.Duration(minIntervalSeconds)*time.Second {
		return true, "cooldown"
	}
	if age < time.Duration(ttlSeconds)*time.Second {
		return true, "duplicate_ttl"
	}
	return false, ""
}

// isFlapping counts value transitions within window_seconds of now, history
// plus the new value included, and reports whether transitions exceed
// max_changes.
func isFlapping(now time.Time, history []HistoryEntry, newValue string, windowSeconds, maxChanges int) bool {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)

	within := make([]string, 0, len(history)+1)
	for _, h := range history {
		if !h.Timestamp.Before(cutoff) {
			within = append(within, h.Value)
		}
	}
	within = append(within, newValue)

	changes := 0
	var last string
	haveLast := false
	for _, v := range within {
		if !haveLast {
			last = v
			haveLast = true
			continue
		}
		if v != last {
			changes++
			last = v
		}
	}
	return changes > maxChanges
}

// appendPruned appends the new observation and drops entries older than the
// window relative to now. An implementation may additionally cap the list
// length at max_changes+2 without changing observable behavior; this one
// relies on window pruning alone, which already bounds growth in practice.
func appendPruned(history []HistoryEntry, now time.Time, value string, windowSeconds int) []HistoryEntry {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	pruned := history[:0:0]
	for _, h := range history {
		if !h.Timestamp.Before(cutoff) {
			pruned = append(pruned, h)
		}
	}
	return append(pruned, HistoryEntry{Timestamp: now, Value: value})
}

// flapValue resolves the configured value_field the same way dedupe/flap
// keys are resolved; "None" is a valid value and participates in transition
// counting.
func flapValue(rec filter.MatchedRecord, valueField string) string {
	return envelope.Resolve(valueField, rec.SubscriptionID, rec.Event)
}
