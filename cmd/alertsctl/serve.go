package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/verdantis/alertscore/infrastructure/cache"
	"github.com/verdantis/alertscore/infrastructure/config"
	"github.com/verdantis/alertscore/infrastructure/logging"
	"github.com/verdantis/alertscore/infrastructure/metrics"
	"github.com/verdantis/alertscore/infrastructure/middleware"
	"github.com/verdantis/alertscore/infrastructure/utils"
)

const lastRunCacheKey = "summary"

func cmdServe(logger *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", config.EnvOrDefault("ALERTS_ADDR", ":8080"), "listen address for /metrics and /healthz")
	schedule := fs.String("schedule", "", "optional cron expression driving periodic pipeline re-runs")
	servicePubkeyPath := fs.String("service-pubkey", "", "optional PEM-encoded RSA public key; when set, /metrics and /last-run require a service-to-service X-Service-Token")
	allowedServices := fs.String("allowed-services", "", "comma-separated service IDs allowed through --service-pubkey (empty = any)")
	cfg := bindPipelineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *schedule != "" {
		if err := cfg.validate(); err != nil {
			return err
		}
	}

	m := metrics.New("alertsctl")
	health := middleware.NewHealthChecker("1.0.0")
	ready := true

	rateLimiterCfg := middleware.DefaultRateLimiterConfig(logger)
	rateLimiter := middleware.NewRateLimiterFromConfig(rateLimiterCfg)
	stopCleanup := middleware.StartCleanupFromConfig(rateLimiter, rateLimiterCfg)

	router := chi.NewRouter()
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewCORSMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(maxBodyBytesFromEnv()).Handler)
	router.Use(middleware.NewValidationMiddleware(middleware.ValidationConfig{
		AllowedMethods: []string{http.MethodGet},
	}).Handler)
	router.Use(middleware.NewTimeoutMiddleware(0).Handler)
	router.Use(rateLimiter.Handler)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware("alertsctl", m))
	router.Get("/healthz", health.Handler())
	router.Get("/livez", middleware.LivenessHandler())
	router.Get("/readyz", middleware.ReadinessHandler(&ready))
	var serviceAuth *middleware.ServiceAuthMiddleware
	if *servicePubkeyPath != "" {
		var err error
		serviceAuth, err = newServiceAuthMiddleware(*servicePubkeyPath, *allowedServices, logger)
		if err != nil {
			return err
		}
	}
	opsGroup := func(h http.HandlerFunc) http.HandlerFunc {
		if serviceAuth == nil {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request) {
			serviceAuth.Handler(h).ServeHTTP(w, r)
		}
	}
	router.Get("/metrics", opsGroup(promhttp.Handler().ServeHTTP))

	lastRun := cache.NewTTLCache(24 * time.Hour)
	router.Get("/last-run", opsGroup(lastRunHandler(lastRun)))

	registerProcessGauges(m, health)

	server := &http.Server{Addr: *addr, Handler: router}
	shutdown := middleware.NewGracefulShutdown(server, 10*time.Second)
	shutdown.OnShutdown(func() { ready = false })
	if serviceAuth != nil {
		shutdown.OnShutdown(serviceAuth.StopCleanup)
	}

	var scheduler *cron.Cron
	if *schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(*schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			summary, err := runPipeline(ctx, logger, m, *cfg)
			if err != nil {
				logger.Error(ctx, "scheduled pipeline run failed", err, nil)
				return
			}
			lastRun.Set(ctx, lastRunCacheKey, summary)
		}); err != nil {
			return fmt.Errorf("invalid --schedule: %w", err)
		}
		scheduler.Start()
		shutdown.OnShutdown(scheduler.Stop)
	}
	shutdown.OnShutdown(stopCleanup)

	errCh := make(chan error, 1)
	utils.SafeGo(func() {
		logger.Info(context.Background(), "alertsctl serve listening", map[string]interface{}{"addr": *addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}, func(err error) {
		logger.Error(context.Background(), "serve goroutine panicked", err, nil)
		errCh <- err
	})

	shutdown.ListenForSignals()

	shutdownDone := make(chan struct{})
	utils.SafeGo(func() {
		shutdown.Wait()
		close(shutdownDone)
	}, func(err error) {
		logger.Error(context.Background(), "shutdown wait panicked", err, nil)
		close(shutdownDone)
	})

	select {
	case err := <-errCh:
		return err
	case <-shutdownDone:
		return nil
	}
}

// maxBodyBytesFromEnv reads ALERTS_MAX_BODY_SIZE ("1MB", "512KB", ...) and
// falls back to BodyLimitMiddleware's own default when unset or malformed.
func maxBodyBytesFromEnv() int64 {
	raw := config.EnvOrDefault("ALERTS_MAX_BODY_SIZE", "")
	if raw == "" {
		return 0
	}
	bytes, err := config.ParseByteSize(raw)
	if err != nil {
		return 0
	}
	return bytes
}

// newServiceAuthMiddleware builds the optional service-to-service guard for
// the ops surface (/metrics, /last-run): a distinct boundary from authz's
// {sub, role} check on the project subcommand, since the callers here are
// monitoring systems, not end users.
func newServiceAuthMiddleware(pubkeyPath, allowedServicesCSV string, logger *logging.Logger) (*middleware.ServiceAuthMiddleware, error) {
	pemBytes, err := os.ReadFile(pubkeyPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pubkeyPath, err)
	}
	pub, err := middleware.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse service public key: %w", err)
	}
	var allowed []string
	if allowedServicesCSV != "" {
		allowed = strings.Split(allowedServicesCSV, ",")
	}
	return middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
		PublicKey:       pub,
		Logger:          logger,
		AllowedServices: allowed,
	}), nil
}

// lastRunHandler serves the most recent scheduled pipeline run's summary, or
// 404 before the first run has completed.
func lastRunHandler(lastRun *cache.TTLCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, ok := lastRun.Get(r.Context(), lastRunCacheKey)
		if !ok {
			http.Error(w, "no scheduled run has completed yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// registerProcessGauges wires process/host gauges from gopsutil into the
// health checker as informational, never-failing checks, so RSS and host
// uptime surface next to the pipeline's own stage metrics without a
// dedicated scrape endpoint.
func registerProcessGauges(m *metrics.Metrics, health *middleware.HealthChecker) {
	pid := int32(os.Getpid())

	health.RegisterCheck("process_stats", func() error {
		proc, err := process.NewProcess(pid)
		if err != nil {
			return nil // best-effort; never fails health
		}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			m.SetProcessRSSBytes(memInfo.RSS)
		}
		return nil
	})

	health.RegisterCheck("host_stats", func() error {
		if uptime, err := host.Uptime(); err == nil {
			m.SetHostUptimeSeconds(uptime)
		}
		return nil
	})
}
