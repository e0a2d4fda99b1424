// Package router implements the channel router and rate limiter: it matches
// deduped records against declared routes, dispatches admitted records to
// per-channel sinks, and enforces global and per-channel per-run caps.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	pipelineerrors "github.com/verdantis/alertscore/infrastructure/errors"
	"github.com/verdantis/alertscore/infrastructure/httputil"
	"github.com/verdantis/alertscore/infrastructure/ratelimit"
	"github.com/verdantis/alertscore/infrastructure/resilience"
	"github.com/verdantis/alertscore/infrastructure/security"

	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
)

// RouteMatch declares the AND-predicates a route requires.
type RouteMatch struct {
	SubscriptionIDs []string          `json:"subscription_ids,omitempty" yaml:"subscription_ids,omitempty"`
	Topics          []string          `json:"topics,omitempty" yaml:"topics,omitempty"`
	SeverityAtLeast envelope.Severity `json:"severity_at_least,omitempty" yaml:"severity_at_least,omitempty"`
}

// ChannelCfg is one delivery channel belonging to a route.
type ChannelCfg struct {
	Type          string   `json:"type" yaml:"type"` // "webhook" | "email" | "file"
	ID            string   `json:"id" yaml:"id"`
	OutboxDir     string   `json:"outbox_dir,omitempty" yaml:"outbox_dir,omitempty"`
	To            []string `json:"to,omitempty" yaml:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	MaxPerRun     *int     `json:"max_per_run,omitempty" yaml:"max_per_run,omitempty"`

	// WebhookURL and SMTPAddr are enrichments beyond the file-outbox stub,
	// consulted only by WebhookSink/EmailSink.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	SMTPAddr   string `json:"smtp_addr,omitempty" yaml:"smtp_addr,omitempty"`
	From       string `json:"from,omitempty" yaml:"from,omitempty"`
}

// RouteCfg is one declared route: a match predicate plus its channels, tried
// in declaration order.
type RouteCfg struct {
	ID       string       `json:"id" yaml:"id"`
	Match    RouteMatch   `json:"match" yaml:"match"`
	Channels []ChannelCfg `json:"channels" yaml:"channels"`
}

// GlobalLimits bounds the total number of sends across the whole run.
type GlobalLimits struct {
	MaxPerRun *int `json:"max_per_run,omitempty" yaml:"max_per_run,omitempty"`
}

func routeMatches(route RouteCfg, subscriptionID string, ev *envelope.Event) bool {
	m := route.Match
	if len(m.SubscriptionIDs) > 0 && !containsStr(m.SubscriptionIDs, subscriptionID) {
		return false
	}
	if len(m.Topics) > 0 && !containsStr(m.Topics, ev.Topic) {
		return false
	}
	if m.SeverityAtLeast != "" && !envelope.AtLeast(ev.Severity, m.SeverityAtLeast) {
		return false
	}
	return true
}

func containsStr(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func safeEventID(ev *envelope.Event, idx int) string {
	if ev.ID != "" {
		return ev.ID
	}
	return fmt.Sprintf("ev_%d", idx)
}

// Sink is the delivery capability every channel type implements. It returns
// whether delivery succeeded, a short human-readable info string, and the
// location the payload was delivered to (a file path, an endpoint, ...).
type Sink interface {
	Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (ok bool, info, location string, err error)
}

// FileSink writes a deterministic JSON payload per attempt under the
// channel's outbox directory; the filename is derived from the event and
// subscription ids so re-running over the same input is idempotent.
type FileSink struct{}

func (FileSink) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	payload := map[string]any{
		"channel_id":      chn.ID,
		"type":            "webhook",
		"ts":              time.Now().UTC().Format(time.RFC3339),
		"subscription_id": subscriptionID,
		"event":           ev,
	}
	return writeOutboxJSON(chn, subscriptionID, ev, idx, payload)
}

func writeOutboxJSON(chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int, payload any) (bool, string, string, error) {
	fname := fmt.Sprintf("%s__%s.json", safeEventID(ev, idx), subscriptionID)
	fpath := filepath.Join(chn.OutboxDir, fname)

	if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, err)
	}
	if err := os.WriteFile(fpath, data, 0o644); err != nil {
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, err)
	}
	return true, "written", fpath, nil
}

// EmailStub writes an email-shaped JSON document to the outbox, mirroring
// the teacher's file-based transport-adapter pattern for channels without a
// configured SMTP endpoint.
type EmailStub struct{}

func formatSubject(prefix, subscriptionID string, ev *envelope.Event) string {
	base := fmt.Sprintf("[%s] %s via %s", string(ev.Severity), ev.Topic, subscriptionID)
	if prefix != "" {
		return prefix + " " + base
	}
	return base
}

func (EmailStub) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	payload := map[string]any{
		"channel_id": chn.ID,
		"type":       "email",
		"ts":         time.Now().UTC().Format(time.RFC3339),
		"to":         chn.To,
		"subject":    formatSubject(chn.SubjectPrefix, subscriptionID, ev),
		"body": map[string]any{
			"headline": fmt.Sprintf("Alert from %s", subscriptionID),
			"summary": map[string]any{
				"topic":     ev.Topic,
				"asset_id":  ev.AssetID,
				"aoi_id":    ev.AOIID,
				"severity":  ev.Severity,
				"rule_type": ev.RuleType,
			},
			"event": ev,
		},
	}
	return writeOutboxJSON(chn, subscriptionID, ev, idx, payload)
}

// httpDoer is satisfied by both *http.Client and *ratelimit.RateLimitedClient,
// letting WebhookSink optionally pace outbound calls without changing its
// delivery logic.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink delivers via an HTTP POST, bounded by a per-call deadline.
// Expiry of that deadline is reported as a sink timeout, never a generic
// write failure, so the router can record the dedicated skip reason.
//
// Each channel ID gets its own circuit breaker: a webhook endpoint that is
// down for the rest of the run trips its breaker after a handful of
// consecutive failures, so later records for that channel fail fast with
// sink_circuit_open instead of each burning a retry budget and the sink
// timeout on a dead endpoint.
type WebhookSink struct {
	Client  httpDoer
	Timeout time.Duration

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewWebhookSink returns a WebhookSink with a conservative default
// transport; TLS verification is left at Go's secure default.
func NewWebhookSink(timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		Client: &http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
		},
		Timeout:  timeout,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the channel's circuit breaker, creating it on first use.
func (w *WebhookSink) breakerFor(channelID string) *resilience.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.breakers == nil {
		w.breakers = make(map[string]*resilience.CircuitBreaker)
	}
	cb, ok := w.breakers[channelID]
	if !ok {
		cb = resilience.New(resilience.Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 1})
		w.breakers[channelID] = cb
	}
	return cb
}

// NewWebhookSinkWithRateLimit paces outbound webhook POSTs at rl, independent
// of the router's own per-run/per-channel send counters: those bound how
// many sends a route is allowed, this bounds how fast the sink is allowed to
// push them out over the wire.
func NewWebhookSinkWithRateLimit(timeout time.Duration, rl ratelimit.RateLimitConfig) *WebhookSink {
	client := &http.Client{
		Transport: httputil.DefaultTransportWithMinTLS12(),
	}
	return &WebhookSink{
		Client:   ratelimit.NewRateLimitedClient(client, rl),
		Timeout:  timeout,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (w *WebhookSink) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	if chn.WebhookURL == "" {
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, fmt.Errorf("webhook channel %q has no webhook_url configured", chn.ID))
	}

	payload := map[string]any{
		"channel_id":      chn.ID,
		"subscription_id": subscriptionID,
		"event":           ev,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, err)
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var statusCode int
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 3
	cb := w.breakerFor(chn.ID)
	cbErr := cb.Execute(callCtx, func() error {
		return resilience.Retry(callCtx, retryCfg, func() error {
			req, err := http.NewRequestWithContext(callCtx, http.MethodPost, chn.WebhookURL, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := w.Client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			statusCode = resp.StatusCode

			// Only 5xx is worth retrying; 4xx is a permanent rejection.
			if resp.StatusCode >= 500 {
				return fmt.Errorf("webhook returned status %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return resilience.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
			}
			return nil
		})
	})

	if cbErr != nil {
		if errors.Is(cbErr, resilience.ErrCircuitOpen) || errors.Is(cbErr, resilience.ErrTooManyRequests) {
			return false, "sink_circuit_open", chn.WebhookURL, pipelineerrors.SinkWriteFailed(chn.ID, cbErr)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return false, "sink_timeout", chn.WebhookURL, pipelineerrors.SinkTimeout(chn.ID)
		}
		return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, cbErr)
	}
	return true, fmt.Sprintf("http_%d", statusCode), chn.WebhookURL, nil
}

// EmailSink delivers via SMTP when a channel declares an smtp_addr; channels
// without one fall back to EmailStub's file-based delivery.
type EmailSink struct {
	Timeout time.Duration
}

func (s *EmailSink) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	if chn.SMTPAddr == "" {
		return EmailStub{}.Deliver(ctx, chn, subscriptionID, ev, idx)
	}

	subject := formatSubject(chn.SubjectPrefix, subscriptionID, ev)
	body := fmt.Sprintf("Subject: %s\r\n\r\nAlert from %s: topic=%s severity=%s asset_id=%s\r\n",
		subject, subscriptionID, ev.Topic, ev.Severity, ev.AssetID)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(chn.SMTPAddr, nil, chn.From, chn.To, []byte(body))
	}()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-done:
		if err != nil {
			return false, "", "", pipelineerrors.SinkWriteFailed(chn.ID, err)
		}
		return true, "sent", chn.SMTPAddr, nil
	case <-time.After(timeout):
		return false, "sink_timeout", chn.SMTPAddr, pipelineerrors.SinkTimeout(chn.ID)
	case <-ctx.Done():
		return false, "sink_timeout", chn.SMTPAddr, pipelineerrors.SinkTimeout(chn.ID)
	}
}

// TestSink is an in-memory recorder used by unit tests in place of real
// transport; it never fails.
type TestSink struct {
	mu         sync.Mutex
	Delivered  []TestDelivery
}

// TestDelivery is one recorded TestSink call.
type TestDelivery struct {
	ChannelID      string
	SubscriptionID string
	EventID        string
}

func (s *TestSink) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delivered = append(s.Delivered, TestDelivery{ChannelID: chn.ID, SubscriptionID: subscriptionID, EventID: safeEventID(ev, idx)})
	return true, "recorded", fmt.Sprintf("memory://%s/%s", chn.ID, safeEventID(ev, idx)), nil
}

// Result is one routing attempt, sent or skipped.
type Result struct {
	SubscriptionID string `json:"subscription_id"`
	RouteID        string `json:"route_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	EventID        string `json:"event_id"`
	Status         string `json:"status"` // "sent" | "skipped"
	Reason         string `json:"reason,omitempty"`
	Info           string `json:"info,omitempty"`
	OutPath        string `json:"out_path,omitempty"`
}

// Metrics summarizes one routing run.
type Metrics struct {
	Sent               int            `json:"sent"`
	Skipped            int            `json:"skipped"`
	PerChannelSent     map[string]int `json:"per_channel_sent"`
	PerChannelSkipped  map[string]int `json:"per_channel_skipped"`
	GlobalLimitMaxPerRun *int         `json:"global_limit_max_per_run,omitempty"`
}

// accountant is the single counter-owning component described by the
// concurrency model: every admit/deny decision for the global and
// per-channel per-run caps passes through it before any sink call is made.
// Each cap is modeled as a rate.Limiter whose burst equals the cap and whose
// refill rate is zero, so ReserveN(now, 1) behaves as an exact one-shot
// per-run counter rather than a sliding-window rate — the teacher's
// limiter is reused for its accounting discipline, not its time semantics.
type accountant struct {
	mu         sync.Mutex
	global     *rate.Limiter
	perChannel map[string]*rate.Limiter
}

func newAccountant(global GlobalLimits, routes []RouteCfg) *accountant {
	a := &accountant{perChannel: make(map[string]*rate.Limiter)}
	if global.MaxPerRun != nil {
		a.global = rate.NewLimiter(0, *global.MaxPerRun)
	}
	for _, rt := range routes {
		for _, chn := range rt.Channels {
			if chn.MaxPerRun == nil {
				continue
			}
			if _, ok := a.perChannel[chn.ID]; ok {
				continue
			}
			a.perChannel[chn.ID] = rate.NewLimiter(0, *chn.MaxPerRun)
		}
	}
	return a
}

// admit reports whether a send against chn is allowed right now, consuming
// one unit from the relevant counters if so. It never blocks.
func (a *accountant) admit(chn ChannelCfg) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()

	var globalRes *rate.Reservation
	if a.global != nil {
		globalRes = a.global.ReserveN(now, 1)
		if !globalRes.OK() || globalRes.DelayFrom(now) > 0 {
			if globalRes.OK() {
				globalRes.CancelAt(now)
			}
			return false, "global_rate_limited"
		}
	}

	if lim, ok := a.perChannel[chn.ID]; ok {
		chanRes := lim.ReserveN(now, 1)
		if !chanRes.OK() || chanRes.DelayFrom(now) > 0 {
			if chanRes.OK() {
				chanRes.CancelAt(now)
			}
			if globalRes != nil {
				globalRes.CancelAt(now)
			}
			return false, "channel_rate_limited"
		}
	}

	return true, ""
}

func sinkFor(chn ChannelCfg, sinks map[string]Sink) (Sink, bool) {
	s, ok := sinks[chn.Type]
	return s, ok
}

// DefaultSinks returns the standard type -> Sink mapping: "webhook" and
// "file" both default to FileSink (the spec's deterministic outbox stub
// unless a webhook_url upgrades a channel to real HTTP delivery), "email"
// defaults to EmailStub/EmailSink depending on whether smtp_addr is set.
func DefaultSinks(webhookTimeout time.Duration) map[string]Sink {
	return map[string]Sink{
		"file":    FileSink{},
		"webhook": fileOrWebhook{fallback: FileSink{}, real: NewWebhookSink(webhookTimeout)},
		"email":   &EmailSink{Timeout: webhookTimeout},
	}
}

// DefaultSinksWithRateLimit is DefaultSinks with outbound webhook POSTs
// paced at ratePerSecond, for deployments fronting receivers that enforce
// their own ingestion caps.
func DefaultSinksWithRateLimit(webhookTimeout time.Duration, ratePerSecond float64) map[string]Sink {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerSecond = ratePerSecond
	rl.Burst = 0 // NewWebhookSinkWithRateLimit's ratelimit.New fills in a burst from the rate
	return map[string]Sink{
		"file":    FileSink{},
		"webhook": fileOrWebhook{fallback: FileSink{}, real: NewWebhookSinkWithRateLimit(webhookTimeout, rl)},
		"email":   &EmailSink{Timeout: webhookTimeout},
	}
}

// fileOrWebhook dispatches to a real WebhookSink only when the channel
// declares a webhook_url, otherwise falling back to the deterministic
// outbox stub so channels configured per the original minimal contract
// keep working unchanged.
type fileOrWebhook struct {
	fallback Sink
	real     Sink
}

func (f fileOrWebhook) Deliver(ctx context.Context, chn ChannelCfg, subscriptionID string, ev *envelope.Event, idx int) (bool, string, string, error) {
	if chn.WebhookURL == "" {
		return f.fallback.Deliver(ctx, chn, subscriptionID, ev, idx)
	}
	return f.real.Deliver(ctx, chn, subscriptionID, ev, idx)
}

// Route dispatches matched records to their configured channels, enforcing
// global and per-channel per-run caps in declaration order, and returns the
// per-attempt results plus run metrics. sinks maps channel type to its
// delivery implementation; DefaultSinks supplies the standard set.
func Route(ctx context.Context, records []filter.MatchedRecord, routes []RouteCfg, global GlobalLimits, sinks map[string]Sink) ([]Result, Metrics) {
	acct := newAccountant(global, routes)

	metrics := Metrics{
		PerChannelSent:       make(map[string]int),
		PerChannelSkipped:    make(map[string]int),
		GlobalLimitMaxPerRun: global.MaxPerRun,
	}
	var results []Result

	for idx, rec := range records {
		eventID := safeEventID(rec.Event, idx)

		var matchedRoutes []RouteCfg
		for _, rt := range routes {
			if routeMatches(rt, rec.SubscriptionID, rec.Event) {
				matchedRoutes = append(matchedRoutes, rt)
			}
		}
		if len(matchedRoutes) == 0 {
			results = append(results, Result{
				SubscriptionID: rec.SubscriptionID,
				EventID:        eventID,
				Status:         "skipped",
				Reason:         "no_route",
			})
			metrics.Skipped++
			continue
		}

		for _, rt := range matchedRoutes {
			for _, chn := range rt.Channels {
				sink, known := sinkFor(chn, sinks)
				if !known {
					metrics.PerChannelSkipped[chn.ID]++
					metrics.Skipped++
					results = append(results, Result{
						SubscriptionID: rec.SubscriptionID,
						RouteID:        rt.ID,
						ChannelID:      chn.ID,
						EventID:        eventID,
						Status:         "skipped",
						Reason:         fmt.Sprintf("unknown_channel_type:%s", chn.Type),
					})
					continue
				}

				if ok, reason := acct.admit(chn); !ok {
					metrics.PerChannelSkipped[chn.ID]++
					metrics.Skipped++
					results = append(results, Result{
						SubscriptionID: rec.SubscriptionID,
						RouteID:        rt.ID,
						ChannelID:      chn.ID,
						EventID:        eventID,
						Status:         "skipped",
						Reason:         reason,
					})
					continue
				}

				ok, info, location, err := sink.Deliver(ctx, chn, rec.SubscriptionID, rec.Event, idx)
				if ok {
					metrics.Sent++
					metrics.PerChannelSent[chn.ID]++
					results = append(results, Result{
						SubscriptionID: rec.SubscriptionID,
						RouteID:        rt.ID,
						ChannelID:      chn.ID,
						EventID:        eventID,
						Status:         "sent",
						Info:           info,
						// A webhook's location is its configured WebhookURL, which
						// may carry an auth token in its query string (a common
						// incoming-webhook pattern); strip it before it lands in a
						// persisted routing_results.json artifact.
						OutPath: security.SanitizeString(location),
					})
					continue
				}

				reason := info
				if reason == "" {
					reason = "sink_error"
					if se := pipelineerrors.GetServiceError(err); se != nil && se.Code == pipelineerrors.ErrCodeSinkTimeout {
						reason = "sink_timeout"
					}
				}
				metrics.Skipped++
				metrics.PerChannelSkipped[chn.ID]++
				results = append(results, Result{
					SubscriptionID: rec.SubscriptionID,
					RouteID:        rt.ID,
					ChannelID:      chn.ID,
					EventID:        eventID,
					Status:         "skipped",
					Reason:         reason,
				})
			}
		}
	}

	return results, metrics
}
