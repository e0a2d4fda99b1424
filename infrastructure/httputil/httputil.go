// Package httputil provides the small set of HTTP response/identity helpers
// alertsctl's ops surface (serve.go's /metrics, /healthz, /last-run routes)
// actually needs: a JSON error envelope and the caller-service-ID resolution
// that backs the optional --service-pubkey guard.
package httputil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/verdantis/alertscore/infrastructure/logging"
	"github.com/verdantis/alertscore/infrastructure/runtime"
	"github.com/verdantis/alertscore/infrastructure/serviceauth"
)

// ErrorResponse represents a standard error response.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

func traceIDFromRequestOrResponse(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if traceID := logging.GetTraceID(r.Context()); traceID != "" {
			return traceID
		}
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			return traceID
		}
	}

	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes a standard JSON error response envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	traceID := traceIDFromRequestOrResponse(w, r)
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: traceID,
	})
}

// StrictIdentityMode returns true when the service should only trust identity
// headers that are protected by verified mTLS.
func StrictIdentityMode() bool {
	return runtime.StrictIdentityMode()
}

func hasVerifiedMTLS(r *http.Request) bool {
	return r != nil && r.TLS != nil && len(r.TLS.VerifiedChains) > 0
}

// canonicalServiceIDs are the ops-surface callers --service-pubkey is meant
// to authenticate: the scheduler that triggers re-runs out of band, the
// dashboard that polls /last-run, and the SLO scraper that hits /metrics.
// Unlike the teacher's fixed blockchain-microservice roster, Verdantis's
// deployments may add callers the pipeline doesn't know by name in advance,
// so an ID outside this set is still accepted (see GetServiceID) — the map
// only normalizes the well-known ones.
var canonicalServiceIDs = map[string]struct{}{
	"scheduler":     {},
	"ops-console":   {},
	"slo-monitor":   {},
	"alerts-portal": {},
}

var serviceIDAliases = map[string]string{
	"dashboard": "ops-console",
	"cron":      "scheduler",
	"monitor":   "slo-monitor",
	"portal":    "alerts-portal",
}

func canonicalizeServiceID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	if mapped, ok := serviceIDAliases[raw]; ok {
		raw = mapped
	}
	return raw
}

func serviceIDFromVerifiedChains(chains [][]*x509.Certificate) string {
	if len(chains) == 0 || len(chains[0]) == 0 || chains[0][0] == nil {
		return ""
	}
	leaf := chains[0][0]

	for _, dnsName := range leaf.DNSNames {
		id := canonicalizeServiceID(dnsName)
		if _, ok := canonicalServiceIDs[id]; ok {
			return id
		}
	}

	for _, dnsName := range leaf.DNSNames {
		if id := canonicalizeServiceID(dnsName); id != "" {
			return id
		}
	}

	if cn := canonicalizeServiceID(leaf.Subject.CommonName); cn != "" {
		return cn
	}

	// As a last resort, return the raw CommonName if present (might be a UUID).
	return strings.ToLower(strings.TrimSpace(leaf.Subject.CommonName))
}

func serviceIDFromVerifiedMTLS(state *tls.ConnectionState) string {
	if state == nil || len(state.VerifiedChains) == 0 {
		return ""
	}
	return serviceIDFromVerifiedChains(state.VerifiedChains)
}

// GetServiceID returns the authenticated caller service ID.
// In strict environments (production/SGX/MarbleRun TLS), this is derived from
// the verified mTLS peer identity to avoid header spoofing.
func GetServiceID(r *http.Request) string {
	strict := runtime.StrictIdentityMode()
	if strict {
		// In strict environments, only trust the verified mTLS peer identity.
		derived := serviceIDFromVerifiedMTLS(r.TLS)
		if derived == "" {
			return ""
		}

		// If a service-auth middleware injected a service ID, ensure it matches the
		// peer identity. This prevents configuration drift and header/token spoofing.
		if ctxID := canonicalizeServiceID(serviceauth.GetServiceID(r.Context())); ctxID != "" && ctxID != derived {
			return ""
		}
		return derived
	}

	if serviceID := canonicalizeServiceID(serviceauth.GetServiceID(r.Context())); serviceID != "" {
		return serviceID
	}

	// Prefer verified mTLS identity when available even in non-strict mode.
	if id := serviceIDFromVerifiedMTLS(r.TLS); id != "" {
		return id
	}

	serviceID := canonicalizeServiceID(r.Header.Get(serviceauth.ServiceIDHeader))
	if serviceID == "" {
		return ""
	}
	return serviceID
}

