// Package settings implements the layered settings resolver of spec.md
// §4.8: in-memory cache -> RDB overrides -> ambient process environment ->
// built-in defaults, with secret-flag filtering and a reload signal that
// invalidates the cache. The defaults layer is an embedded YAML file,
// following the same embed.FS + gopkg.in/yaml.v3 pattern the teacher pack
// uses for its learning_build pipeline spec.
package settings

import (
	"embed"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetctl/coordinator/internal/pkg/ctlerrors"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/pkg/env"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// Recognized keys (spec.md §6.3).
const (
	LeaderTickSeconds                = "leader_tick_seconds"
	AssignAheadSeconds                = "assign_ahead_seconds"
	HeartbeatIntervalSeconds          = "heartbeat_interval_seconds"
	HeartbeatTTLSeconds               = "heartbeat_ttl_seconds"
	WorkerDetachGraceSeconds          = "worker_detach_grace_seconds"
	LeaderStaleSeconds                = "leader_stale_seconds"
	ReassignAfterSeconds              = "reassign_after_seconds"
	MaxJobsPerWorker                  = "max_jobs_per_worker"
	ContinuationRetryCount            = "continuation_retry_count"
	ContinuationRetryIntervalSeconds  = "continuation_retry_interval_seconds"
	SkipLateRunsAfterSeconds          = "skip_late_runs_after_seconds"
	LogRetentionDaysDB                = "log_retention_days_db"
)

//go:embed defaults.yaml
var defaultsFS embed.FS

// Resolver is the layered lookup described in spec.md §4.8. It is safe for
// concurrent use; Invalidate() is how a settings-reload signal (an RPC or
// internal channel) forces the cache to drop.
type Resolver struct {
	store    runstore.Store
	log      *logger.Logger
	defaults map[string]string
	cache    map[string]string
	cacheMu  chan struct{} // 1-buffered channel used as a mutex over cache
}

// New loads the embedded defaults once and wires the RDB overrides store.
// store may be nil, in which case only env and defaults are consulted —
// useful for tests of callers that only need the numeric settings.
func New(store runstore.Store, log *logger.Logger) (*Resolver, error) {
	raw, err := defaultsFS.ReadFile("defaults.yaml")
	if err != nil {
		return nil, err
	}
	var asAny map[string]any
	if err := yaml.Unmarshal(raw, &asAny); err != nil {
		return nil, err
	}
	defaults := make(map[string]string, len(asAny))
	for k, v := range asAny {
		defaults[k] = toStringValue(v)
	}
	r := &Resolver{
		store:    store,
		log:      log.With("component", "settings.Resolver"),
		defaults: defaults,
		cache:    make(map[string]string),
		cacheMu:  make(chan struct{}, 1),
	}
	r.cacheMu <- struct{}{}
	return r, nil
}

func toStringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func (r *Resolver) lock()   { <-r.cacheMu }
func (r *Resolver) unlock() { r.cacheMu <- struct{}{} }

// Invalidate drops the in-memory cache so the next Get re-reads the RDB
// overrides. Called on a settings-reload signal (spec.md §4.8).
func (r *Resolver) Invalidate() {
	r.lock()
	r.cache = make(map[string]string)
	r.unlock()
}

// Get resolves key through cache -> RDB override -> env -> default, in that
// order. privileged must be true for the caller to receive a secret-flagged
// value; unprivileged callers get ctlerrors.ErrNotFound instead, matching
// spec.md §4.8's "never returned to non-privileged readers".
func (r *Resolver) Get(dbc dbctx.Context, key string, privileged bool) (string, error) {
	r.lock()
	if v, ok := r.cache[key]; ok {
		r.unlock()
		return v, nil
	}
	r.unlock()

	if r.store != nil {
		row, err := r.store.GetSetting(dbc, key)
		if err == nil {
			if row.Secret && !privileged {
				return "", ctlerrors.ErrNotFound
			}
			if !row.Secret {
				r.lock()
				r.cache[key] = row.Value
				r.unlock()
			}
			return row.Value, nil
		}
	}

	if v := env.GetString(envKey(key), "", r.log); v != "" {
		r.lock()
		r.cache[key] = v
		r.unlock()
		return v, nil
	}

	if v, ok := r.defaults[key]; ok {
		return v, nil
	}
	return "", ctlerrors.ErrNotFound
}

func envKey(key string) string {
	out := make([]byte, 0, len(key))
	for _, c := range key {
		if c >= 'a' && c <= 'z' {
			c = c - 'a' + 'A'
		}
		out = append(out, byte(c))
	}
	return string(out)
}

// GetInt/GetDurationSeconds/GetFloat are convenience wrappers over Get for
// the numeric settings that dominate spec.md §6.3's table; they fall back to
// def on any resolution or parse failure. A value that does not parse is
// logged at Warn so a bad override is visible without taking the process
// down; a key that does not resolve falls back without a log line.
func (r *Resolver) GetInt(dbc dbctx.Context, key string, def int) int {
	v, err := r.Get(dbc, key, false)
	if err != nil {
		return def
	}
	n, perr := strconv.Atoi(v)
	if perr != nil {
		r.log.Warn("setting not parseable as int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func (r *Resolver) GetDurationSeconds(dbc dbctx.Context, key string, defSeconds int) time.Duration {
	return time.Duration(r.GetInt(dbc, key, defSeconds)) * time.Second
}

func (r *Resolver) GetFloat(dbc dbctx.Context, key string, def float64) float64 {
	v, err := r.Get(dbc, key, false)
	if err != nil {
		return def
	}
	f, perr := strconv.ParseFloat(v, 64)
	if perr != nil {
		r.log.Warn("setting not parseable as float, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}
