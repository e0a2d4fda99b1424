// Package projection builds the three role-scoped views (regulator,
// investor, public) from the deduped record stream: redaction is applied
// after sanitization, never before, so each view only ever sees the fields
// its role is entitled to.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/infrastructure/state"
)

// AssetLocation is an optional point location for an asset, sourced from a
// GeoJSON feature collection keyed by asset id.
type AssetLocation struct {
	Lat float64
	Lon float64
}

// geoJSONFeatureCollection is the minimal subset of RFC 7946 this package
// reads: a flat list of features, each carrying an id in its properties and
// either explicit lat/lon properties or Point geometry coordinates.
type geoJSONFeatureCollection struct {
	Features []geoJSONFeature `json:"features"`
}

type geoJSONFeature struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Geometry   *geoJSONGeometry           `json:"geometry"`
}

type geoJSONGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// LoadAssetLocations reads a GeoJSON FeatureCollection and returns lat/lon
// per asset_id. A feature's properties.asset_id (falling back to
// properties.id) names the asset; properties.lat/lon take precedence over a
// Point geometry's [lon, lat] coordinates. Location data is strictly
// optional: a blank path, a missing file, or a malformed document all yield
// an empty map rather than an error, matching the heatmap's "missing
// location leaves lat/lon null" contract.
func LoadAssetLocations(path string) map[string]AssetLocation {
	out := make(map[string]AssetLocation)
	if path == "" {
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	var fc geoJSONFeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return out
	}
	for _, ft := range fc.Features {
		assetID := geoJSONStringProp(ft.Properties, "asset_id")
		if assetID == "" {
			assetID = geoJSONStringProp(ft.Properties, "id")
		}
		if assetID == "" {
			continue
		}
		if lat, lon, ok := geoJSONLatLonProps(ft.Properties); ok {
			out[assetID] = AssetLocation{Lat: lat, Lon: lon}
			continue
		}
		if ft.Geometry != nil && ft.Geometry.Type == "Point" && len(ft.Geometry.Coordinates) >= 2 {
			out[assetID] = AssetLocation{Lat: ft.Geometry.Coordinates[1], Lon: ft.Geometry.Coordinates[0]}
		}
	}
	return out
}

func geoJSONStringProp(props map[string]json.RawMessage, key string) string {
	raw, ok := props[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}

func geoJSONLatLonProps(props map[string]json.RawMessage) (lat, lon float64, ok bool) {
	latRaw, latOK := props["lat"]
	lonRaw, lonOK := props["lon"]
	if !latOK || !lonOK {
		return 0, 0, false
	}
	if err := json.Unmarshal(latRaw, &lat); err != nil {
		return 0, 0, false
	}
	if err := json.Unmarshal(lonRaw, &lon); err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// BundleIndex lists the bundle ids known to be valid; a violation's
// bundle_id is nulled when it references an id absent from the index.
type BundleIndex struct {
	ValidIDs map[string]struct{}
}

// Violation is one open regulatory violation record.
type Violation struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Title     string         `json:"title"`
	Severity  envelope.Severity `json:"severity"`
	AssetID   string         `json:"asset_id,omitempty"`
	AOIID     string         `json:"aoi_id,omitempty"`
	RuleType  string         `json:"rule_type,omitempty"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload,omitempty"`
	BundleID  *string        `json:"bundle_id"`
}

func isOpenViolation(ev *envelope.Event) bool {
	if ev.Topic != "policy.enforcement" {
		return false
	}
	if !envelope.AtLeast(ev.Severity, envelope.Medium) {
		return false
	}
	return ev.Acknowledged == nil || !*ev.Acknowledged
}

func titleForViolation(subscriptionID string, ev *envelope.Event) string {
	asset := ev.AssetID
	if asset == "" {
		asset = ev.AOIID
	}
	if asset == "" {
		asset = "unknown"
	}
	ruleSuffix := ""
	if ev.RuleType != "" {
		ruleSuffix = " / " + ev.RuleType
	}
	return fmt.Sprintf("[%s] %s%s @ %s (%s)", strings.ToUpper(string(ev.Severity)), ev.Topic, ruleSuffix, asset, subscriptionID)
}

func safeTSString(ev *envelope.Event) string {
	if t, ok := ev.Time(); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func bundleIDFromPayload(payload map[string]any) *string {
	if payload == nil {
		return nil
	}
	v, ok := payload["bundle_id"]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// BuildOpenViolations returns every open violation, newest first, with
// bundle_id enriched against bundles when provided and nulled when it names
// an id the index does not recognize.
func BuildOpenViolations(records []filter.MatchedRecord, bundles *BundleIndex) []Violation {
	var out []Violation
	for idx, rec := range records {
		ev := rec.Event
		if !isOpenViolation(ev) {
			continue
		}
		id := ev.ID
		if id == "" {
			id = fmt.Sprintf("v_%d", idx)
		}
		v := Violation{
			ID:       id,
			TS:       safeTSString(ev),
			Title:    titleForViolation(rec.SubscriptionID, ev),
			Severity: ev.Severity,
			AssetID:  ev.AssetID,
			AOIID:    ev.AOIID,
			RuleType: ev.RuleType,
			Topic:    ev.Topic,
			Payload:  ev.Payload,
			BundleID: bundleIDFromPayload(ev.Payload),
		}
		if v.BundleID != nil && bundles != nil {
			if _, ok := bundles.ValidIDs[*v.BundleID]; !ok {
				v.BundleID = nil
			}
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	return out
}

// HeatmapEntry is one asset's aggregated, severity-weighted risk.
type HeatmapEntry struct {
	AssetID   string   `json:"asset_id"`
	RiskScore int      `json:"risk_score"`
	OpenCount int      `json:"open_count"`
	LastTS    string   `json:"last_ts"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

// BuildHeatmap aggregates severity weight per asset id, ordered by
// (risk_score, open_count) descending; events without an asset id are
// excluded.
func BuildHeatmap(records []filter.MatchedRecord, assetLocs map[string]AssetLocation) []HeatmapEntry {
	type agg struct {
		riskScore int
		openCount int
		lastTS    string
	}
	byAsset := make(map[string]*agg)
	order := make([]string, 0)

	for _, rec := range records {
		ev := rec.Event
		if ev.AssetID == "" {
			continue
		}
		a, ok := byAsset[ev.AssetID]
		if !ok {
			a = &agg{}
			byAsset[ev.AssetID] = a
			order = append(order, ev.AssetID)
		}
		a.riskScore += envelope.SeverityWeight[ev.Severity]
		a.openCount++
		ts := safeTSString(ev)
		if ts > a.lastTS {
			a.lastTS = ts
		}
	}

	entries := make([]HeatmapEntry, 0, len(order))
	for _, assetID := range order {
		a := byAsset[assetID]
		entry := HeatmapEntry{AssetID: assetID, RiskScore: a.riskScore, OpenCount: a.openCount, LastTS: a.lastTS}
		if loc, ok := assetLocs[assetID]; ok {
			lat, lon := loc.Lat, loc.Lon
			entry.Lat, entry.Lon = &lat, &lon
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RiskScore != entries[j].RiskScore {
			return entries[i].RiskScore > entries[j].RiskScore
		}
		return entries[i].OpenCount > entries[j].OpenCount
	})
	return entries
}

// AuditRequest is one append-only regulator audit-request record.
type AuditRequest struct {
	RequestID string  `json:"request_id"`
	TS        string  `json:"ts"`
	User      string  `json:"user"`
	Role      string  `json:"role"`
	AssetID   *string `json:"asset_id"`
	BundleID  *string `json:"bundle_id"`
	Reason    *string `json:"reason"`
	Status    string  `json:"status"`
}

// AuditLog is the durable, append-only log of regulator audit requests,
// backed by any state.PersistenceBackend. It owns its own lock so append and
// list calls serialize cleanly regardless of backend.
type AuditLog struct {
	mu      sync.Mutex
	backend state.PersistenceBackend
	key     string
}

// NewAuditLog returns a log persisted under key in backend (e.g. a
// state.FileBackend rooted at audit_log.json).
func NewAuditLog(backend state.PersistenceBackend, key string) *AuditLog {
	if key == "" {
		key = "audit_log"
	}
	return &AuditLog{backend: backend, key: key}
}

func (l *AuditLog) load(ctx context.Context) ([]AuditRequest, error) {
	data, err := l.backend.Load(ctx, l.key)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var log []AuditRequest
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, nil
	}
	return log, nil
}

// Append records a new audit request and returns its generated request id.
// Prior history is read back and preserved before the new record is
// appended.
func (l *AuditLog) Append(ctx context.Context, now time.Time, user, role string, assetID, bundleID, reason *string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, err := l.load(ctx)
	if err != nil {
		return "", err
	}

	requestID := fmt.Sprintf("req_%d", now.Unix())
	record := AuditRequest{
		RequestID: requestID,
		TS:        now.Format(time.RFC3339),
		User:      user,
		Role:      role,
		AssetID:   assetID,
		BundleID:  bundleID,
		Reason:    reason,
		Status:    "queued",
	}
	log = append(log, record)

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", err
	}
	if err := l.backend.Save(ctx, l.key, data); err != nil {
		return "", err
	}
	return requestID, nil
}

// ListAuditRequests returns every record whose status matches, or every
// record when status is empty, mirroring the original query-by-status
// convenience.
func (l *AuditLog) ListAuditRequests(ctx context.Context, status string) ([]AuditRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return log, nil
	}
	out := make([]AuditRequest, 0, len(log))
	for _, rec := range log {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}
