package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kBool
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
		key: "server.port", typ: kInt, env: "RELAYFEED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RELAYFEED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "RELAYFEED_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.token", typ: kString, env: "RELAYFEED_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "remote.timeout", typ: kString, env: "RELAYFEED_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "remote.max_attempts", typ: kInt, env: "RELAYFEED_REMOTE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Remote.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Remote.MaxAttempts },
	},
	{
		key: "remote.requests_per_minute", typ: kInt, env: "RELAYFEED_REMOTE_RPM",
		apply:   func(cfg *Config, v any) { cfg.Remote.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Remote.RequestsPerMinute },
	},
	{
		key: "sync.cycle_interval_seconds", typ: kInt, env: "RELAYFEED_SYNC_CYCLE_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Sync.CycleIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.CycleIntervalSeconds },
	},
	{
		key: "sync.entity_cap_per_pass", typ: kInt, env: "RELAYFEED_SYNC_ENTITY_CAP",
		apply:   func(cfg *Config, v any) { cfg.Sync.EntityCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.EntityCap },
	},
	{
		key: "sync.workers", typ: kInt, env: "RELAYFEED_SYNC_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Sync.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Workers },
	},
	{
		key: "sync.fetch_count", typ: kInt, env: "RELAYFEED_SYNC_FETCH_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Sync.FetchCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.FetchCount },
	},
	{
		key: "sync.following_cache_ttl_hours", typ: kInt, env: "RELAYFEED_SYNC_FOLLOWING_CACHE_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Sync.FollowingCacheTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.FollowingCacheTTLHours },
	},
	{
		key: "sync.observation_window_hours", typ: kInt, env: "RELAYFEED_SYNC_OBSERVATION_WINDOW_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Sync.ObservationWindowHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.ObservationWindowHours },
	},
	{
		key: "sync.override_names", typ: kString, env: "RELAYFEED_SYNC_OVERRIDE_NAMES",
		apply:   func(cfg *Config, v any) { cfg.Sync.OverrideNames = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OverrideNames },
	},
	{
		key: "sync.overrides_file", typ: kString, env: "RELAYFEED_SYNC_OVERRIDES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Sync.OverridesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OverridesFile },
	},
	{
		key: "priority.high_days", typ: kInt, env: "RELAYFEED_PRIORITY_HIGH_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Priority.HighDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Priority.HighDays },
	},
	{
		key: "priority.normal_days", typ: kInt, env: "RELAYFEED_PRIORITY_NORMAL_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Priority.NormalDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Priority.NormalDays },
	},
	{
		key: "priority.low_days", typ: kInt, env: "RELAYFEED_PRIORITY_LOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Priority.LowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Priority.LowDays },
	},
	{
		key: "tiers.high_period", typ: kInt, env: "RELAYFEED_TIERS_HIGH_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Tiers.HighPeriod = v.(int) },
		extract: func(cfg Config) any { return cfg.Tiers.HighPeriod },
	},
	{
		key: "tiers.normal_period", typ: kInt, env: "RELAYFEED_TIERS_NORMAL_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Tiers.NormalPeriod = v.(int) },
		extract: func(cfg Config) any { return cfg.Tiers.NormalPeriod },
	},
	{
		key: "tiers.low_period", typ: kInt, env: "RELAYFEED_TIERS_LOW_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Tiers.LowPeriod = v.(int) },
		extract: func(cfg Config) any { return cfg.Tiers.LowPeriod },
	},
	{
		key: "tiers.dormant_period", typ: kInt, env: "RELAYFEED_TIERS_DORMANT_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Tiers.DormantPeriod = v.(int) },
		extract: func(cfg Config) any { return cfg.Tiers.DormantPeriod },
	},
	{
		key: "stories.enabled", typ: kBool, env: "RELAYFEED_STORIES_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Stories.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Stories.Enabled },
	},
	{
		key: "stories.entity_cap_per_pass", typ: kInt, env: "RELAYFEED_STORIES_ENTITY_CAP",
		apply:   func(cfg *Config, v any) { cfg.Stories.EntityCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Stories.EntityCap },
	},
	{
		key: "stories.high_days", typ: kInt, env: "RELAYFEED_STORIES_HIGH_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Stories.HighDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Stories.HighDays },
	},
	{
		key: "stories.normal_days", typ: kInt, env: "RELAYFEED_STORIES_NORMAL_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Stories.NormalDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Stories.NormalDays },
	},
	{
		key: "stories.low_days", typ: kInt, env: "RELAYFEED_STORIES_LOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Stories.LowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Stories.LowDays },
	},
	{
		key: "stories.mute_refresh_hours", typ: kInt, env: "RELAYFEED_STORIES_MUTE_REFRESH_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Stories.MuteRefreshHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Stories.MuteRefreshHours },
	},
	{
		key: "feed.title", typ: kString, env: "RELAYFEED_FEED_TITLE",
		apply:   func(cfg *Config, v any) { cfg.Feed.Title = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.Title },
	},
	{
		key: "feed.base_url", typ: kString, env: "RELAYFEED_FEED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Feed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.BaseURL },
	},
	{
		key: "feed.limit", typ: kInt, env: "RELAYFEED_FEED_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Feed.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.Limit },
	},
	{
		key: "feed.days", typ: kInt, env: "RELAYFEED_FEED_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Feed.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.Days },
	},
	{
		key: "log.level", typ: kString, env: "RELAYFEED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "RELAYFEED_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "telemetry.sample_ratio", typ: kFloat, env: "RELAYFEED_OTLP_SAMPLE_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.SampleRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Telemetry.SampleRatio },
	},
}

// renamedKeys maps keys written by earlier releases to their current name.
// Backends rewrite them on load.
var renamedKeys = map[string]string{
	"poll.interval_seconds":  "sync.cycle_interval_seconds",
	"poll.entity_cap":        "sync.entity_cap_per_pass",
	"poll.workers":           "sync.workers",
	"poll.observation_hours": "sync.observation_window_hours",
	"remote.rpm":             "remote.requests_per_minute",
	"feed.max_items":         "feed.limit",
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if v, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, v)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse boolean from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
