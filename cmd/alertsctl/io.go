package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/verdantis/alertscore/domain/dedupe"
	"github.com/verdantis/alertscore/domain/envelope"
	"github.com/verdantis/alertscore/domain/filter"
	"github.com/verdantis/alertscore/domain/router"
	"github.com/verdantis/alertscore/infrastructure/state"
)

// readYAMLOrJSON decodes path into v: valid JSON is decoded with
// encoding/json (so the types' json tags apply), anything else with YAML —
// the same helper backs both hand-written YAML configs and
// machine-generated JSON artifacts without the caller needing to know which.
func readYAMLOrJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if json.Valid(data) {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readEvents(path string) ([]*envelope.Event, error) {
	var events []*envelope.Event
	if err := readYAMLOrJSON(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func readSubscriptions(path string) ([]*filter.Subscription, error) {
	var subs []*filter.Subscription
	if err := readYAMLOrJSON(path, &subs); err != nil {
		return nil, err
	}
	if err := filter.ValidateSubscriptions(subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func readMatchedRecords(path string) ([]filter.MatchedRecord, error) {
	var records []filter.MatchedRecord
	if err := readYAMLOrJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// routesDoc is the on-disk shape of a routes config file: the declared
// routes plus the run-wide global caps, loaded together since both feed the
// same router.Route call.
type routesDoc struct {
	Routes []router.RouteCfg  `json:"routes" yaml:"routes"`
	Global router.GlobalLimits `json:"global" yaml:"global"`
}

func readRoutesDoc(path string) (routesDoc, error) {
	var doc routesDoc
	if err := readYAMLOrJSON(path, &doc); err != nil {
		return routesDoc{}, err
	}
	return doc, nil
}

// sinksForRate picks the plain or rate-limited webhook sink set depending on
// whether a cap was requested.
func sinksForRate(webhookTimeout time.Duration, webhookRatePerSecond float64) map[string]router.Sink {
	if webhookRatePerSecond <= 0 {
		return router.DefaultSinks(webhookTimeout)
	}
	return router.DefaultSinksWithRateLimit(webhookTimeout, webhookRatePerSecond)
}

const dedupeStateKey = "dedupe_state"

// openStateBackend resolves --state-backend into a state.PersistenceBackend.
// "file" (the default) persists to --state via state.FileBackend's atomic
// temp-file-then-rename write, same as openAuditBackend's "file" case.
// "memory" is a dry-run mode: state lives only for the process lifetime and
// never persists. "postgres" and "redis" treat --state as a DSN or
// host:port, durably sharing dedupe state across multiple pipeline hosts.
func openStateBackend(ctx context.Context, backend, addr string) (state.PersistenceBackend, error) {
	switch backend {
	case "", "file":
		return state.NewFileBackend(addr), nil
	case "memory":
		return state.NewMemoryBackend(0), nil
	case "postgres":
		b, err := state.OpenPostgresBackend(ctx, addr, "dedupe_state")
		if err != nil {
			return nil, fmt.Errorf("open postgres state backend: %w", err)
		}
		return b, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: addr})
		return state.NewRedisBackend(client, "alertsctl:"), nil
	default:
		return nil, fmt.Errorf("unknown --state-backend %q (want file, memory, postgres, or redis)", backend)
	}
}

// openAuditBackend resolves --audit-backend the same way openStateBackend
// does: "file" (the default) yields a state.FileBackend at addr and every
// other value is handed to openStateBackend. The regulator audit log always
// goes through a state.PersistenceBackend; it has no raw-file path of its own.
func openAuditBackend(ctx context.Context, backend, addr string) (state.PersistenceBackend, error) {
	if backend == "" || backend == "file" {
		return state.NewFileBackend(addr), nil
	}
	return openStateBackend(ctx, backend, addr)
}

// loadDedupeState reads the dedupe state document from backend. A missing
// key (no prior run) is treated as an empty state rather than an error.
func loadDedupeState(ctx context.Context, backend state.PersistenceBackend) (*dedupe.State, error) {
	data, err := backend.Load(ctx, dedupeStateKey)
	if errors.Is(err, state.ErrNotFound) {
		return dedupe.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dedupe state: %w", err)
	}
	return dedupe.LoadState(data), nil
}

// saveDedupeState is loadDedupeState's write-side counterpart: a failed
// write is fatal per the state I/O error-handling contract (reads degrade
// gracefully, writes must not go silently lost), so callers propagate the
// returned error rather than logging and continuing.
func saveDedupeState(ctx context.Context, backend state.PersistenceBackend, s *dedupe.State) error {
	data, err := s.Marshal(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marshal dedupe state: %w", err)
	}
	return backend.Save(ctx, dedupeStateKey, data)
}
