package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/relayfeed/internal/api"
	"github.com/kalambet/relayfeed/internal/archive"
	"github.com/kalambet/relayfeed/internal/config"
	"github.com/kalambet/relayfeed/internal/cycle"
	"github.com/kalambet/relayfeed/internal/detect"
	"github.com/kalambet/relayfeed/internal/feed"
	"github.com/kalambet/relayfeed/internal/ledger"
	"github.com/kalambet/relayfeed/internal/metrics"
	"github.com/kalambet/relayfeed/internal/mutes"
	"github.com/kalambet/relayfeed/internal/overrides"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/registry"
	"github.com/kalambet/relayfeed/internal/remote"
	"github.com/kalambet/relayfeed/internal/scheduler"
	"github.com/kalambet/relayfeed/internal/storage"
	"github.com/kalambet/relayfeed/internal/worker"
)

// app holds the wired scheduler and its collaborators. stories is nil
// unless the stories stream is enabled.
type app struct {
	store        *storage.Store
	registry     *registry.Registry
	overrides    *overrides.Set
	orchestrator *scheduler.Orchestrator
	stories      *scheduler.Orchestrator
	mutes        *mutes.List
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// newApp opens storage and builds the orchestrator. The caller closes the
// returned app.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a, err := wire(ctx, cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg config.Config, store *storage.Store) (*app, error) {
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, remote.Options{
		Timeout:           cfg.RemoteTimeout(),
		MaxAttempts:       cfg.Remote.MaxAttempts,
		RequestsPerMinute: cfg.Remote.RequestsPerMinute,
	})

	reg := registry.NewWithClock(client, store, wallClock{}, cfg.FollowingCacheTTL())
	reg.OnWarning = func(error) { metrics.RecordRegistryFallback() }

	periods := cycle.Periods{
		High:    cfg.Tiers.HighPeriod,
		Normal:  cfg.Tiers.NormalPeriod,
		Low:     cfg.Tiers.LowPeriod,
		Dormant: cfg.Tiers.DormantPeriod,
	}
	clock, err := cycle.Load(ctx, store, cycle.DefaultStream, periods)
	if err != nil {
		return nil, fmt.Errorf("loading cycle state: %w", err)
	}

	ov := overrides.New(overrides.ParseList(cfg.Sync.OverrideNames))
	if cfg.Sync.OverridesFile != "" {
		if err := ov.LoadFile(cfg.Sync.OverridesFile); err != nil {
			return nil, err
		}
	}

	sink, err := archive.New(store, archive.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating item sink: %w", err)
	}

	classifier := priority.NewClassifier(priority.Thresholds{
		HighDays:   cfg.Priority.HighDays,
		NormalDays: cfg.Priority.NormalDays,
		LowDays:    cfg.Priority.LowDays,
	})

	orch := scheduler.New(scheduler.Deps{
		Registry:   reg,
		Checker:    detect.New(client, cfg.Sync.FetchCount),
		Ledger:     ledger.New(store),
		Clock:      clock,
		Sink:       sink,
		Overrides:  ov,
		KV:         store,
		Classifier: classifier,
	}, scheduler.Config{
		EntityCap:         cfg.Sync.EntityCap,
		Workers:           cfg.Sync.Workers,
		ObservationWindow: cfg.ObservationWindow(),
	})

	a := &app{
		store:        store,
		registry:     reg,
		overrides:    ov,
		orchestrator: orch,
	}
	if !cfg.Stories.Enabled {
		return a, nil
	}

	storyClock, err := cycle.Load(ctx, store, cycle.StoriesStream, periods)
	if err != nil {
		return nil, fmt.Errorf("loading story cycle state: %w", err)
	}
	records, err := store.Records(storage.StreamStories)
	if err != nil {
		return nil, err
	}
	a.mutes = mutes.New(client, store, cfg.MuteRefresh())
	a.stories = scheduler.New(scheduler.Deps{
		Registry:  reg,
		Checker:   detect.NewStoryDetector(client),
		Ledger:    ledger.New(records),
		Clock:     storyClock,
		Sink:      sink,
		Overrides: ov,
		KV:        store,
		Classifier: priority.NewStoryClassifier(priority.Thresholds{
			HighDays:   cfg.Stories.HighDays,
			NormalDays: cfg.Stories.NormalDays,
			LowDays:    cfg.Stories.LowDays,
		}),
		Filter: a.mutes,
	}, scheduler.Config{
		EntityCap:         cfg.Stories.EntityCap,
		Workers:           cfg.Sync.Workers,
		ObservationWindow: scheduler.RefineEveryCheck,
	})
	return a, nil
}

// orchestrators returns the enabled streams, posts first.
func (a *app) orchestrators() []*scheduler.Orchestrator {
	if a.stories == nil {
		return []*scheduler.Orchestrator{a.orchestrator}
	}
	return []*scheduler.Orchestrator{a.orchestrator, a.stories}
}

func (a *app) runners() []worker.PassRunner {
	var out []worker.PassRunner
	for _, o := range a.orchestrators() {
		out = append(out, o)
	}
	return out
}

// apiDeps wires the HTTP and MCP surfaces to the app.
func (a *app) apiDeps(cfg config.Config, trigger *worker.Trigger, tokens api.TokenSource) api.Deps {
	renderer := feed.NewRenderer(a.store, a.store, feed.Options{
		Title:   cfg.Feed.Title,
		BaseURL: cfg.Feed.BaseURL,
	})
	deps := api.Deps{
		Store:     a.store,
		Status:    a.orchestrator,
		Trigger:   trigger,
		Feed:      renderer,
		Overrides: a.overrides,
		Tokens:    tokens,
		FeedLimit: cfg.Feed.Limit,
		FeedDays:  cfg.Feed.Days,
	}
	if a.stories != nil {
		deps.StoryStatus = a.stories
	}
	return deps
}

func (a *app) Close() error {
	return a.store.Close()
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
