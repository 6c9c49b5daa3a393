package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList
	kDurationList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FIELDSYNC_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.cors_origins", typ: kList, env: "FIELDSYNC_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.CORSOrigins, ",") },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "FIELDSYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.api_key", typ: kString, env: "FIELDSYNC_REMOTE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "remote.token", typ: kString, env: "FIELDSYNC_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "upstream.origin", typ: kString, env: "FIELDSYNC_UPSTREAM_ORIGIN",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Origin = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Origin },
	},
	{
		key: "cache.prefix", typ: kString, env: "FIELDSYNC_CACHE_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Cache.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Prefix },
	},
	{
		key: "cache.version", typ: kString, env: "FIELDSYNC_CACHE_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Version },
	},
	{
		key: "cache.api_ttl", typ: kDuration, env: "FIELDSYNC_CACHE_API_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.APITTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.APITTL },
	},
	{
		key: "cache.evict_interval", typ: kDuration, env: "FIELDSYNC_CACHE_EVICT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.EvictInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.EvictInterval },
	},
	{
		key: "cache.routes_file", typ: kString, env: "FIELDSYNC_CACHE_ROUTES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Cache.RoutesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RoutesFile },
	},
	{
		key: "cache.offline_url", typ: kString, env: "FIELDSYNC_CACHE_OFFLINE_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.OfflineURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.OfflineURL },
	},
	{
		key: "cache.precache", typ: kList, env: "FIELDSYNC_CACHE_PRECACHE",
		apply:   func(cfg *Config, v any) { cfg.Cache.Precache = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Cache.Precache, ",") },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "FIELDSYNC_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.backoff", typ: kDurationList, env: "FIELDSYNC_SYNC_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Sync.Backoff = v.([]time.Duration) },
		extract: func(cfg Config) any { return joinDurations(cfg.Sync.Backoff) },
	},
	{
		key: "sync.interval", typ: kDuration, env: "FIELDSYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "FIELDSYNC_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.probe_interval", typ: kDuration, env: "FIELDSYNC_CONNECTIVITY_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeInterval },
	},
	{
		key: "knowledge.retention", typ: kDuration, env: "FIELDSYNC_KNOWLEDGE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Knowledge.Retention },
	},
	{
		key: "knowledge.cleanup_interval", typ: kDuration, env: "FIELDSYNC_KNOWLEDGE_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.CleanupInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Knowledge.CleanupInterval },
	},
	{
		key: "flags.ttl", typ: kDuration, env: "FIELDSYNC_FLAGS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Flags.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Flags.TTL },
	},
	{
		key: "log.level", typ: kString, env: "FIELDSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string to the key's type. Integers are handled by the
// callers since the backend stores them natively.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	case kList:
		return splitList(raw), nil
	case kDurationList:
		parts := splitList(raw)
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty duration list")
		}
		out := make([]time.Duration, 0, len(parts))
		for _, p := range parts {
			d, err := time.ParseDuration(p)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	case kDurationList:
		return "duration list"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (v == "" && s.typ != kString) {
				continue
			}
			pv, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, v, err)
				continue
			}
			s.apply(cfg, pv)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinDurations(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}
