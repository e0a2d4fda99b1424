// Package middleware provides HTTP middleware for the service layer
package middleware

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	internalhttputil "github.com/verdantis/alertscore/infrastructure/httputil"
	"github.com/verdantis/alertscore/infrastructure/logging"
)

// defaultMaxLimiters bounds the per-key limiter map when no explicit
// MaxLimiters is configured.
const defaultMaxLimiters = 10000

// limiterEntry tracks a per-key limiter alongside its last access time so
// Cleanup can evict idle or least-recently-used entries.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.RWMutex
	rate       rate.Limit
	burst      int
	limit      int
	window     time.Duration
	logger     *logging.Logger
	maxSize    int
	limiterTTL time.Duration
}

// LimiterCount returns the number of active limiters.
func (rl *RateLimiter) LimiterCount() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// SetMaxSize sets the maximum number of per-key limiters to retain. Cleanup
// evicts the least-recently-used entries once this bound is exceeded.
func (rl *RateLimiter) SetMaxSize(n int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.maxSize = n
}

// SetLimiterTTL sets how long an idle per-key limiter survives before
// Cleanup evicts it outright.
func (rl *RateLimiter) SetLimiterTTL(ttl time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiterTTL = ttl
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		limit:    requestsPerSecond,
		window:   time.Second,
		logger:   logger,
	}
}

// NewRateLimiterWithWindow creates a rate limiter configured by a fixed window
// and request budget, e.g. 100 requests per 1 minute.
func NewRateLimiterWithWindow(limit int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	requestsPerSecond := float64(limit) / window.Seconds()
	if requestsPerSecond < 0 {
		requestsPerSecond = 0
	}

	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		limit:    limit,
		window:   window,
		logger:   logger,
	}
}

// getLimiter returns a rate limiter for the given key (e.g., user ID or IP)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Use user ID if authenticated, otherwise use IP address
		key := GetUserID(r.Context())
		if key == "" {
			key = internalhttputil.ClientIP(r)
		}
		if key == "" {
			key = "unknown"
		}

		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}

			window := rl.window
			if window <= 0 {
				window = time.Second
			}
			serviceErr := errRateLimitExceeded(rl.limit, window.String())
			if seconds := int(math.Ceil(window.Seconds())); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup evicts idle limiters past their TTL, then trims the
// least-recently-used entries down to maxSize (or defaultMaxLimiters if
// unset). Should be called periodically via StartCleanup.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if rl.limiterTTL > 0 {
		for key, entry := range rl.limiters {
			if now.Sub(entry.lastAccess) > rl.limiterTTL {
				delete(rl.limiters, key)
			}
		}
	}

	maxSize := rl.maxSize
	if maxSize <= 0 {
		maxSize = defaultMaxLimiters
	}
	if len(rl.limiters) <= maxSize {
		return
	}

	type keyAccess struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]keyAccess, 0, len(rl.limiters))
	for key, entry := range rl.limiters {
		entries = append(entries, keyAccess{key, entry.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	excess := len(entries) - maxSize
	for i := 0; i < excess; i++ {
		delete(rl.limiters, entries[i].key)
	}
}

// StartCleanup starts a background goroutine to periodically cleanup old limiters
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
