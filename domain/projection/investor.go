package projection

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
)

// DailyPoint is one (date, risk_score, rolling mean) observation in an
// asset's risk series.
type DailyPoint struct {
	Date      string  `json:"date"`
	RiskScore int     `json:"risk_score"`
	RiskRoll7 float64 `json:"risk_roll7"`
}

// RiskTrajectory is one asset's full daily risk series.
type RiskTrajectory struct {
	AssetID string       `json:"asset_id"`
	Series  []DailyPoint `json:"series"`
}

func dateOf(ev *envelope.Event) string {
	t, ok := ev.Time()
	if !ok {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func buildDailyScores(records []filter.MatchedRecord) map[string]map[string]int {
	agg := make(map[string]map[string]int)
	for _, rec := range records {
		ev := rec.Event
		if ev.AssetID == "" {
			continue
		}
		date := dateOf(ev)
		byDate, ok := agg[ev.AssetID]
		if !ok {
			byDate = make(map[string]int)
			agg[ev.AssetID] = byDate
		}
		byDate[date] += envelope.SeverityWeight[ev.Severity]
	}
	return agg
}

// rollingMean mirrors the original's trailing window: the window grows from
// 1 until it reaches size, then slides.
func rollingMean(vals []int, window int) []float64 {
	out := make([]float64, 0, len(vals))
	sum := 0
	var q []int
	for _, v := range vals {
		q = append(q, v)
		sum += v
		if len(q) > window {
			sum -= q[0]
			q = q[1:]
		}
		out = append(out, math.Round(float64(sum)/float64(len(q))*1000)/1000)
	}
	return out
}

// BuildRiskTrajectory groups events by (asset_id, UTC date), sums severity
// weight per day, and computes the trailing 7-day rolling mean. Assets are
// ordered by their most recent rolling value, riskiest first.
func BuildRiskTrajectory(records []filter.MatchedRecord) []RiskTrajectory {
	daily := buildDailyScores(records)

	result := make([]RiskTrajectory, 0, len(daily))
	for assetID, byDate := range daily {
		dates := make([]string, 0, len(byDate))
		for d := range byDate {
			dates = append(dates, d)
		}
		sort.Strings(dates)

		vals := make([]int, len(dates))
		for i, d := range dates {
			vals[i] = byDate[d]
		}
		roll7 := rollingMean(vals, 7)

		series := make([]DailyPoint, len(dates))
		for i, d := range dates {
			series[i] = DailyPoint{Date: d, RiskScore: vals[i], RiskRoll7: roll7[i]}
		}
		result = append(result, RiskTrajectory{AssetID: assetID, Series: series})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return lastRoll(result[i]) > lastRoll(result[j])
	})
	return result
}

func lastRoll(t RiskTrajectory) float64 {
	if len(t.Series) == 0 {
		return 0
	}
	return t.Series[len(t.Series)-1].RiskRoll7
}

// CausalSnapshot is the last observed value of one causal metric for one
// asset, read from an optional per-asset causal series file set.
type CausalSnapshot struct {
	AssetID   string  `json:"asset_id"`
	Metric    string  `json:"metric"`
	LastValue float64 `json:"last_value"`
	LastDate  string  `json:"last_date,omitempty"`
}

type causalSeriesFile struct {
	AssetID string `json:"asset_id"`
	Metric  string `json:"metric"`
	Series  struct {
		Date []string  `json:"date"`
		Y    []float64 `json:"y"`
	} `json:"series"`
}

// LoadCausalSeries reads every *.json file under dir shaped like
// {asset_id, metric, series:{date:[...], y:[...]}} and indexes the last
// value per (asset, metric). A missing directory yields an empty index,
// never an error.
func LoadCausalSeries(dir string) map[string]map[string]CausalSnapshot {
	out := make(map[string]map[string]CausalSnapshot)
	if dir == "" {
		return out
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var f causalSeriesFile
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.AssetID == "" || f.Metric == "" || len(f.Series.Date) != len(f.Series.Y) || len(f.Series.Y) == 0 {
			continue
		}
		if out[f.AssetID] == nil {
			out[f.AssetID] = make(map[string]CausalSnapshot)
		}
		last := len(f.Series.Y) - 1
		out[f.AssetID][f.Metric] = CausalSnapshot{
			AssetID:   f.AssetID,
			Metric:    f.Metric,
			LastValue: f.Series.Y[last],
			LastDate:  f.Series.Date[last],
		}
	}
	return out
}

// ROILinkage is one asset's risk-trend-derived ROI proxy, with an optional
// causal snapshot attached.
type ROILinkage struct {
	AssetID        string                     `json:"asset_id"`
	RiskTrend      float64                    `json:"risk_trend"`
	ROIProxy       float64                    `json:"roi_proxy"`
	CausalSnapshot map[string]CausalSnapshot  `json:"causal_snapshot,omitempty"`
}

func simpleSlope(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1] - vals[0]
}

// LinkRiskToROI computes ROI proxy = -slope(rolling mean series) per asset,
// ranked descending (lower trailing risk trend ranks first), attaching the
// last-known causal value per metric when available.
func LinkRiskToROI(trajectories []RiskTrajectory, causal map[string]map[string]CausalSnapshot) []ROILinkage {
	out := make([]ROILinkage, 0, len(trajectories))
	for _, traj := range trajectories {
		rolls := make([]float64, len(traj.Series))
		for i, pt := range traj.Series {
			rolls[i] = pt.RiskRoll7
		}
		trend := simpleSlope(rolls)
		roi := math.Round(-trend*1000) / 1000
		entry := ROILinkage{AssetID: traj.AssetID, RiskTrend: math.Round(trend*1000) / 1000, ROIProxy: roi}
		if snap, ok := causal[traj.AssetID]; ok && len(snap) > 0 {
			entry.CausalSnapshot = snap
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ROIProxy > out[j].ROIProxy })
	return out
}

// NewsItem is one optional news-sentiment input record.
type NewsItem struct {
	AssetID   string `json:"asset_id,omitempty"`
	Sentiment string `json:"sentiment,omitempty"`
	Label     string `json:"label,omitempty"`
}

// NewsSentimentSummary aggregates optional news items by sentiment label.
type NewsSentimentSummary struct {
	Total   int            `json:"total"`
	ByLabel map[string]int `json:"by_label"`
}

// SummarizeNews counts items by their sentiment (falling back to label,
// then "neutral"), matching the original's permissive field resolution.
func SummarizeNews(items []NewsItem) NewsSentimentSummary {
	summary := NewsSentimentSummary{ByLabel: make(map[string]int)}
	for _, item := range items {
		label := item.Sentiment
		if label == "" {
			label = item.Label
		}
		if label == "" {
			label = "neutral"
		}
		summary.ByLabel[label]++
		summary.Total++
	}
	return summary
}
