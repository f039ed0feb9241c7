package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const secretService = "relayfeed"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Priority  PriorityConfig
	Tiers     TierConfig
	Stories   StoriesConfig
	Feed      FeedConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int `key:"server.port" validate:"min=1,max=65535"`
}

type StorageConfig struct {
	DataDir string `key:"storage.data_dir" validate:"required"`
}

type RemoteConfig struct {
	BaseURL           string `key:"remote.base_url" validate:"omitempty,url"`
	Token             string `key:"remote.token"`
	Timeout           string `key:"remote.timeout" validate:"duration"`
	MaxAttempts       int    `key:"remote.max_attempts" validate:"min=1,max=10"`
	RequestsPerMinute int    `key:"remote.requests_per_minute" validate:"min=0"`
}

type SyncConfig struct {
	CycleIntervalSeconds   int    `key:"sync.cycle_interval_seconds" validate:"min=60"`
	EntityCap              int    `key:"sync.entity_cap_per_pass" validate:"min=0"`
	Workers                int    `key:"sync.workers" validate:"min=1,max=64"`
	FetchCount             int    `key:"sync.fetch_count" validate:"min=1,max=50"`
	FollowingCacheTTLHours int    `key:"sync.following_cache_ttl_hours" validate:"min=1"`
	ObservationWindowHours int    `key:"sync.observation_window_hours" validate:"min=1"`
	OverrideNames          string `key:"sync.override_names"`
	OverridesFile          string `key:"sync.overrides_file"`
}

type PriorityConfig struct {
	HighDays   int `key:"priority.high_days" validate:"min=1"`
	NormalDays int `key:"priority.normal_days" validate:"gtfield=HighDays"`
	LowDays    int `key:"priority.low_days" validate:"gtfield=NormalDays"`
}

type TierConfig struct {
	HighPeriod    int `key:"tiers.high_period" validate:"min=1"`
	NormalPeriod  int `key:"tiers.normal_period" validate:"min=1"`
	LowPeriod     int `key:"tiers.low_period" validate:"min=1"`
	DormantPeriod int `key:"tiers.dormant_period" validate:"min=1"`
}

// StoriesConfig drives the second polling stream. Story tiers use shorter
// item-age thresholds and are refined on every check.
type StoriesConfig struct {
	Enabled          bool `key:"stories.enabled"`
	EntityCap        int  `key:"stories.entity_cap_per_pass" validate:"min=0"`
	HighDays         int  `key:"stories.high_days" validate:"min=1"`
	NormalDays       int  `key:"stories.normal_days" validate:"gtfield=HighDays"`
	LowDays          int  `key:"stories.low_days" validate:"gtfield=NormalDays"`
	MuteRefreshHours int  `key:"stories.mute_refresh_hours" validate:"min=1"`
}

type FeedConfig struct {
	Title   string `key:"feed.title"`
	BaseURL string `key:"feed.base_url" validate:"omitempty,url"`
	Limit   int    `key:"feed.limit" validate:"min=1,max=1000"`
	Days    int    `key:"feed.days" validate:"min=1,max=365"`
}

type LogConfig struct {
	Level string `key:"log.level" validate:"oneof=debug info warn error"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `key:"telemetry.otlp_endpoint" validate:"omitempty,url"`
	SampleRatio  float64 `key:"telemetry.sample_ratio" validate:"min=0,max=1"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Remote: RemoteConfig{
			Timeout:           "30s",
			MaxAttempts:       3,
			RequestsPerMinute: 30,
		},
		Sync: SyncConfig{
			CycleIntervalSeconds:   1200,
			EntityCap:              10,
			Workers:                4,
			FetchCount:             20,
			FollowingCacheTTLHours: 24,
			ObservationWindowHours: 24,
		},
		Priority: PriorityConfig{HighDays: 7, NormalDays: 30, LowDays: 180},
		Tiers:    TierConfig{HighPeriod: 1, NormalPeriod: 1, LowPeriod: 3, DormantPeriod: 12},
		Stories: StoriesConfig{
			EntityCap:        10,
			HighDays:         3,
			NormalDays:       14,
			LowDays:          90,
			MuteRefreshHours: 24,
		},
		Feed: FeedConfig{
			Title: "relayfeed",
			Limit: 50,
			Days:  30,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{SampleRatio: 1},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// A .env file in the working directory is loaded first; variables already
// set in the environment win over it.
//
// On macOS the backend is UserDefaults (domain: com.relayfeed.app) and the
// remote token falls back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/relayfeed/config.json
// and the token falls back to $XDG_DATA_HOME/relayfeed/secrets.json.
//
// Environment variables (RELAYFEED_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), NewSecretStore())
}

// secretGetter abstracts secret store reads for testing.
type secretGetter interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretGetter) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.Token == "" {
		if tok, err := secrets.Get(secretService, "remote_token"); err == nil && tok != "" {
			cfg.Remote.Token = strings.TrimSpace(tok)
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireRemote reports an error when the remote API is not configured.
// Commands that only talk to the local server skip this check.
func (c Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("missing required config: remote.base_url (env RELAYFEED_REMOTE_BASE_URL)")
	}
	if c.Remote.Token == "" {
		return fmt.Errorf("missing required config: remote token. "+
			"Set it via environment variable RELAYFEED_REMOTE_TOKEN%s", secretHint())
	}
	return nil
}

// RemoteTimeout is the per-request timeout of the remote client.
func (c Config) RemoteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Remote.Timeout)
	return d
}

func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.Sync.CycleIntervalSeconds) * time.Second
}

func (c Config) FollowingCacheTTL() time.Duration {
	return time.Duration(c.Sync.FollowingCacheTTLHours) * time.Hour
}

func (c Config) ObservationWindow() time.Duration {
	return time.Duration(c.Sync.ObservationWindowHours) * time.Hour
}

func (c Config) MuteRefresh() time.Duration {
	return time.Duration(c.Stories.MuteRefreshHours) * time.Hour
}
