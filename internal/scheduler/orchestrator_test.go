package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/relayfeed/internal/archive"
	"github.com/kalambet/relayfeed/internal/cycle"
	"github.com/kalambet/relayfeed/internal/detect"
	"github.com/kalambet/relayfeed/internal/ledger"
	"github.com/kalambet/relayfeed/internal/overrides"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func daysAgo(n int) time.Time {
	return now.Add(-time.Duration(n) * 24 * time.Hour)
}

type staticRegistry struct {
	entities []storage.Entity
	err      error
}

func (r *staticRegistry) List(context.Context, bool) ([]storage.Entity, error) {
	return r.entities, r.err
}

type fakeChecker struct {
	mu         sync.Mutex
	checked    []string
	firstLooks []string
	probeFn    func(e storage.Entity) (detect.Result, error)
	checkFn    func(e storage.Entity, lastKnown string) (detect.Result, error)
}

func (f *fakeChecker) Probe(_ context.Context, e storage.Entity) (detect.Result, error) {
	f.mu.Lock()
	f.firstLooks = append(f.firstLooks, e.Name)
	f.mu.Unlock()
	return f.probeFn(e)
}

func (f *fakeChecker) Check(_ context.Context, e storage.Entity, lastKnown string) (detect.Result, error) {
	f.mu.Lock()
	f.checked = append(f.checked, e.Name)
	f.mu.Unlock()
	return f.checkFn(e, lastKnown)
}

func (f *fakeChecker) checkedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.checked...)
	sort.Strings(out)
	return out
}

func idle(storage.Entity, string) (detect.Result, error) {
	return detect.Result{Calls: 2}, nil
}

type harness struct {
	store     *storage.Store
	ledger    *ledger.Ledger
	clock     *cycle.Clock
	overrides *overrides.Set
	registry  *staticRegistry
	checker   *fakeChecker
	orch      *Orchestrator
}

type harnessOpts struct {
	cycle       int
	initialized bool
	cfg         Config
	overrides   []string
	stream      string
	classifier  TierPolicy
	filter      EntityFilter
}

func newHarness(t *testing.T, entities []storage.Entity, opts harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if opts.stream == "" {
		opts.stream = cycle.DefaultStream
	}
	if opts.cycle > 0 || opts.initialized {
		require.NoError(t, store.SaveSyncState(ctx, storage.SyncState{
			Stream: opts.stream, CycleNumber: opts.cycle, Initialized: opts.initialized,
		}))
	}
	clock, err := cycle.Load(ctx, store, opts.stream, cycle.DefaultPeriods())
	require.NoError(t, err)
	records, err := store.Records(opts.stream)
	require.NoError(t, err)
	if opts.classifier == nil {
		opts.classifier = priority.NewClassifier(priority.DefaultThresholds())
	}

	sink, err := archive.New(store, 100)
	require.NoError(t, err)

	h := &harness{
		store:     store,
		ledger:    ledger.New(records),
		clock:     clock,
		overrides: overrides.New(opts.overrides),
		registry:  &staticRegistry{entities: entities},
		checker:   &fakeChecker{checkFn: idle},
	}
	h.orch = New(Deps{
		Registry:   h.registry,
		Checker:    h.checker,
		Ledger:     h.ledger,
		Clock:      clock,
		Sink:       sink,
		Overrides:  h.overrides,
		KV:         store,
		Classifier: opts.classifier,
		Filter:     opts.filter,
		Logger:     testLogger(),
		Now:        func() time.Time { return now },
	}, opts.cfg)
	return h
}

func (h *harness) put(t *testing.T, rec storage.ActivityRecord) {
	t.Helper()
	require.NoError(t, h.ledger.Put(context.Background(), rec))
}

func (h *harness) get(t *testing.T, id string) storage.ActivityRecord {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func entity(id string) storage.Entity {
	return storage.Entity{ID: id, Name: "user_" + id}
}

func TestColdStartClassifiesByLastItemDate(t *testing.T) {
	entities := []storage.Entity{entity("a"), entity("b"), entity("c")}
	h := newHarness(t, entities, harnessOpts{})

	dates := map[string]*time.Time{}
	twoDays, ninetyDays := daysAgo(2), daysAgo(90)
	dates["a"], dates["b"], dates["c"] = &twoDays, &ninetyDays, nil
	h.checker.probeFn = func(e storage.Entity) (detect.Result, error) {
		d := dates[e.ID]
		if d == nil {
			return detect.Result{Calls: 1}, nil
		}
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: "p-" + e.ID, LatestItemDate: d, ItemCount: 3}}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeColdStart, sum.Mode)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 5, sum.Calls)
	assert.Equal(t, 0, sum.Cycle, "cold start does not advance the clock")

	assert.Equal(t, priority.Normal, h.get(t, "a").Tier)
	assert.Equal(t, priority.Low, h.get(t, "b").Tier)
	c := h.get(t, "c")
	assert.Equal(t, priority.Dormant, c.Tier)
	assert.Empty(t, c.LastKnownItemID)
	assert.Nil(t, c.LastKnownItemDate)

	a := h.get(t, "a")
	assert.Equal(t, "p-a", a.LastKnownItemID)
	assert.Equal(t, 3, a.ItemCountHint)
	assert.True(t, a.CreatedAt.Equal(now))

	assert.True(t, h.clock.Initialized())
}

func TestColdStartNeverAssignsHigh(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{})
	today := now
	h.checker.probeFn = func(storage.Entity) (detect.Result, error) {
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: "p", LatestItemDate: &today, ItemCount: 1}}, nil
	}
	_, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, priority.Normal, h.get(t, "a").Tier)
}

func TestColdStartRespectsCapAcrossPasses(t *testing.T) {
	var entities []storage.Entity
	for i := 0; i < 5; i++ {
		entities = append(entities, entity(fmt.Sprint(i)))
	}
	h := newHarness(t, entities, harnessOpts{cfg: Config{EntityCap: 2}})
	h.checker.probeFn = func(storage.Entity) (detect.Result, error) { return detect.Result{Calls: 1}, nil }
	ctx := context.Background()

	for pass, wantRecords := range []int{2, 4, 5} {
		sum, err := h.orch.RunPass(ctx)
		require.NoError(t, err)
		assert.Equal(t, ModeColdStart, sum.Mode, "pass %d", pass)
		recs, err := h.ledger.List(ctx)
		require.NoError(t, err)
		assert.Len(t, recs, wantRecords, "pass %d", pass)
		assert.Equal(t, wantRecords == 5, h.clock.Initialized(), "pass %d", pass)
	}

	sum, err := h.orch.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeSteady, sum.Mode)
	assert.Len(t, h.checker.firstLooks, 5, "each entity gets exactly one first look")
}

func TestColdStartFailureTracksEntityAsDormant(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a"), entity("b")}, harnessOpts{})
	recent := daysAgo(5)
	h.checker.probeFn = func(e storage.Entity) (detect.Result, error) {
		if e.ID == "b" {
			return detect.Result{Calls: 1}, errors.New("timeout")
		}
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: "p1", LatestItemDate: &recent, ItemCount: 1}}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, h.clock.Initialized(), "a failed probe still completes cold start")

	b := h.get(t, "b")
	assert.Equal(t, priority.Dormant, b.Tier)
	assert.Empty(t, b.LastKnownItemID)
	assert.Nil(t, b.LastKnownItemDate)
	require.NotNil(t, b.LastCheckedAt)
	assert.True(t, b.LastCheckedAt.Equal(now))
	assert.True(t, b.CreatedAt.Equal(now))
}

func TestInaccessibleEntityDoesNotBlockSteadyState(t *testing.T) {
	entities := []storage.Entity{entity("a"), entity("gone"), entity("c")}
	h := newHarness(t, entities, harnessOpts{})
	recent := daysAgo(1)
	notFound := errors.New("404 user not found")
	h.checker.probeFn = func(e storage.Entity) (detect.Result, error) {
		if e.ID == "gone" {
			return detect.Result{Calls: 1}, notFound
		}
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: "p-" + e.ID, LatestItemDate: &recent, ItemCount: 1}}, nil
	}
	var goneChecks []int
	h.checker.checkFn = func(e storage.Entity, last string) (detect.Result, error) {
		if e.ID == "gone" {
			goneChecks = append(goneChecks, h.clock.Current())
			return detect.Result{Calls: 1}, notFound
		}
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: last, LatestItemDate: &recent, ItemCount: 1}}, nil
	}
	ctx := context.Background()

	sum, err := h.orch.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeColdStart, sum.Mode)

	for i := 1; i <= 12; i++ {
		sum, err = h.orch.RunPass(ctx)
		require.NoError(t, err)
		assert.Equal(t, ModeSteady, sum.Mode, "pass %d", i)
		assert.Equal(t, i, sum.Cycle)
	}
	assert.Equal(t, []int{12}, goneChecks, "retried on the dormant schedule")
	assert.Equal(t, priority.Dormant, h.get(t, "gone").Tier)
}

func TestColdStartWithEmptyRegistryStaysUninitialized(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{})
	_, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.False(t, h.clock.Initialized())
}

func TestCapOrdersByTierThenOldestCheck(t *testing.T) {
	var entities []storage.Entity
	h := newHarness(t, nil, harnessOpts{cycle: 2, initialized: true, cfg: Config{EntityCap: 6}})
	for i, tier := range []priority.Tier{priority.High, priority.Normal, priority.Low} {
		for j := 0; j < 5; j++ {
			id := fmt.Sprintf("%s%d", tier, j)
			entities = append(entities, storage.Entity{ID: id, Name: id})
			checked := now.Add(-time.Duration(10*i+j) * time.Minute)
			h.put(t, storage.ActivityRecord{EntityID: id, Tier: tier, CreatedAt: now, LastCheckedAt: &checked})
		}
	}
	h.registry.entities = entities

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Cycle)
	assert.Equal(t, 15, sum.Eligible)
	assert.Equal(t, 6, sum.Attempted)
	assert.Equal(t, []string{"high0", "high1", "high2", "high3", "high4", "normal4"}, h.checker.checkedNames())
}

func TestNeverCheckedSortsFirstWithinTier(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{cycle: 1, initialized: true, cfg: Config{EntityCap: 1}})
	checked := now.Add(-time.Hour)
	h.put(t, storage.ActivityRecord{EntityID: "old", Tier: priority.Normal, CreatedAt: now, LastCheckedAt: &checked})
	h.put(t, storage.ActivityRecord{EntityID: "fresh", Tier: priority.Normal, CreatedAt: now})
	h.registry.entities = []storage.Entity{{ID: "old", Name: "old"}, {ID: "fresh", Name: "fresh"}}

	_, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, h.checker.checkedNames())
}

func TestIdlePassesCountEmptyChecksAndKeepTier(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	lastItem := daysAgo(3)
	h.put(t, storage.ActivityRecord{
		EntityID: "a", Tier: priority.High, CreatedAt: now.Add(-48 * time.Hour),
		LastKnownItemID: "p1", LastKnownItemDate: &lastItem, ConsecutiveEmptyChecks: 4,
	})

	var seenLastKnown []string
	h.checker.checkFn = func(_ storage.Entity, last string) (detect.Result, error) {
		seenLastKnown = append(seenLastKnown, last)
		return detect.Result{Calls: 2, Meta: detect.Meta{LatestItemID: "p1", LatestItemDate: &lastItem, ItemCount: 9}}, nil
	}

	for i := 0; i < 2; i++ {
		sum, err := h.orch.RunPass(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Succeeded)
		assert.Equal(t, 2, sum.Calls)
		assert.Equal(t, 0, sum.NewItems)
	}

	rec := h.get(t, "a")
	assert.Equal(t, 6, rec.ConsecutiveEmptyChecks)
	assert.Equal(t, priority.High, rec.Tier)
	assert.Equal(t, "p1", rec.LastKnownItemID)
	assert.Equal(t, 9, rec.ItemCountHint)
	require.NotNil(t, rec.LastCheckedAt)
	assert.True(t, rec.LastCheckedAt.Equal(now))
	assert.Equal(t, []string{"p1", "p1"}, seenLastKnown)
}

func TestNewItemsArchivedAndLedgerAdvanced(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	old := daysAgo(10)
	h.put(t, storage.ActivityRecord{
		EntityID: "a", Tier: priority.Normal, CreatedAt: now,
		LastKnownItemID: "p1", LastKnownItemDate: &old, ConsecutiveEmptyChecks: 3,
	})

	latest := now.Add(-time.Hour)
	h.checker.checkFn = func(e storage.Entity, last string) (detect.Result, error) {
		return detect.Result{
			HasNew: true,
			Calls:  3,
			Items: []storage.Item{
				{ID: "p3", EntityID: e.ID, Caption: "three", PostedAt: latest},
				{ID: "p2", EntityID: e.ID, Caption: "two", PostedAt: latest.Add(-time.Hour)},
			},
			Meta: detect.Meta{LatestItemID: "p3", LatestItemDate: &latest, ItemCount: 3},
		}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.NewItems)
	assert.Equal(t, 3, sum.Calls)

	rec := h.get(t, "a")
	assert.Equal(t, "p3", rec.LastKnownItemID)
	require.NotNil(t, rec.LastKnownItemDate)
	assert.True(t, rec.LastKnownItemDate.Equal(latest))
	assert.Equal(t, 0, rec.ConsecutiveEmptyChecks)
	assert.Equal(t, priority.Normal, rec.Tier, "window not elapsed, tier kept")

	items, err := h.store.RecentItems(context.Background(), 10, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Replaying the same result archives nothing new.
	sum, err = h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.NewItems)
}

func TestRefinementAfterObservationWindow(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 3, initialized: true})
	lastItem := daysAgo(2)
	// Stored as low: cycle 4 is not a low cycle, but the refined tier is high.
	h.put(t, storage.ActivityRecord{
		EntityID: "a", Tier: priority.Low, CreatedAt: now.Add(-25 * time.Hour),
		LastKnownItemID: "p1", LastKnownItemDate: &lastItem,
	})

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Cycle)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, priority.High, h.get(t, "a").Tier)
}

func TestNoRefinementInsideWindow(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 3, initialized: true})
	lastItem := daysAgo(2)
	h.put(t, storage.ActivityRecord{
		EntityID: "a", Tier: priority.Low, CreatedAt: now.Add(-23 * time.Hour),
		LastKnownItemID: "p1", LastKnownItemDate: &lastItem,
	})

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Attempted)
	assert.Equal(t, priority.Low, h.get(t, "a").Tier)
}

func TestTierEligibilityAcrossCycles(t *testing.T) {
	entities := []storage.Entity{{ID: "h", Name: "h"}, {ID: "l", Name: "l"}}
	h := newHarness(t, entities, harnessOpts{cycle: 8, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "h", Tier: priority.High, CreatedAt: now})
	h.put(t, storage.ActivityRecord{EntityID: "l", Tier: priority.Low, CreatedAt: now})

	checkedAt := map[string][]int{}
	h.checker.checkFn = func(e storage.Entity, _ string) (detect.Result, error) {
		checkedAt[e.ID] = append(checkedAt[e.ID], h.clock.Current())
		return detect.Result{Calls: 1}, nil
	}

	for i := 0; i < 4; i++ {
		_, err := h.orch.RunPass(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{9, 10, 11, 12}, checkedAt["h"])
	assert.Equal(t, []int{9, 12}, checkedAt["l"])
}

func TestOverrideForcesHighWithoutPersisting(t *testing.T) {
	h := newHarness(t, []storage.Entity{{ID: "d", Name: "Dora"}}, harnessOpts{
		cycle: 1, initialized: true, overrides: []string{"dora"},
	})
	h.put(t, storage.ActivityRecord{EntityID: "d", Tier: priority.Dormant, CreatedAt: now})

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted, "overridden dormant entity is checked every cycle")
	assert.Equal(t, priority.Dormant, h.get(t, "d").Tier, "override must not be written to the ledger")

	snap, err := h.store.GetKV(context.Background(), overrides.Bucket, overrides.SnapshotKey)
	require.NoError(t, err)
	assert.JSONEq(t, `["dora"]`, snap)
}

func TestMissingRecordTreatedAsDormant(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("new")}, harnessOpts{cycle: 11, initialized: true})

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Cycle)
	assert.Equal(t, 1, sum.Attempted, "implicit dormant record is due on cycle 12")

	rec := h.get(t, "new")
	assert.Equal(t, priority.Dormant, rec.Tier)
	assert.True(t, rec.CreatedAt.Equal(now))
	assert.Equal(t, 1, rec.ConsecutiveEmptyChecks)

	_, err = h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.checker.checked, 1, "not due again on cycle 13")
}

func TestEntityFailureIsIsolated(t *testing.T) {
	entities := []storage.Entity{entity("a"), entity("b"), entity("c")}
	h := newHarness(t, entities, harnessOpts{cycle: 1, initialized: true})
	for _, e := range entities {
		h.put(t, storage.ActivityRecord{EntityID: e.ID, Tier: priority.Normal, CreatedAt: now})
	}
	h.checker.checkFn = func(e storage.Entity, _ string) (detect.Result, error) {
		if e.ID == "b" {
			return detect.Result{Calls: 1}, errors.New("429 too many requests")
		}
		return detect.Result{Calls: 1}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Attempted)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.Calls)

	assert.NotNil(t, h.get(t, "a").LastCheckedAt)
}

func TestFailedCheckOnlyStampsLastCheckedAt(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("b")}, harnessOpts{cycle: 1, initialized: true})
	lastItem := daysAgo(4)
	h.put(t, storage.ActivityRecord{
		EntityID: "b", Tier: priority.Normal, CreatedAt: now,
		LastKnownItemID: "p1", LastKnownItemDate: &lastItem, ItemCountHint: 7, ConsecutiveEmptyChecks: 2,
	})
	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		return detect.Result{Calls: 1}, errors.New("403 forbidden")
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	rec := h.get(t, "b")
	require.NotNil(t, rec.LastCheckedAt)
	assert.True(t, rec.LastCheckedAt.Equal(now))
	assert.Equal(t, priority.Normal, rec.Tier)
	assert.Equal(t, "p1", rec.LastKnownItemID)
	assert.Equal(t, 7, rec.ItemCountHint)
	assert.Equal(t, 2, rec.ConsecutiveEmptyChecks)
}

func TestFailingEntityYieldsPlaceUnderCap(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{cycle: 1, initialized: true, cfg: Config{EntityCap: 1}})
	older, newer := now.Add(-2*time.Hour), now.Add(-time.Hour)
	h.put(t, storage.ActivityRecord{EntityID: "bad", Tier: priority.Normal, CreatedAt: now, LastCheckedAt: &older})
	h.put(t, storage.ActivityRecord{EntityID: "good", Tier: priority.Normal, CreatedAt: now, LastCheckedAt: &newer})
	h.registry.entities = []storage.Entity{{ID: "bad", Name: "bad"}, {ID: "good", Name: "good"}}
	h.checker.checkFn = func(e storage.Entity, _ string) (detect.Result, error) {
		if e.ID == "bad" {
			return detect.Result{Calls: 1}, errors.New("timeout")
		}
		return detect.Result{Calls: 1}, nil
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.orch.RunPass(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"bad", "good"}, h.checker.checked)
}

type failingApplyLedger struct {
	Ledger
}

func (failingApplyLedger) Apply(context.Context, string, ledger.UpdateFunc) (storage.ActivityRecord, error) {
	return storage.ActivityRecord{}, errors.New("database is locked")
}

func TestFailedCheckLedgerWriteAbortsPass(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.High, CreatedAt: now})
	h.orch.deps.Ledger = failingApplyLedger{Ledger: h.ledger}
	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		return detect.Result{Calls: 1}, errors.New("timeout")
	}

	sum, err := h.orch.RunPass(context.Background())
	require.Error(t, err)
	assert.Contains(t, sum.Err, "database is locked")
	assert.Equal(t, 1, sum.Failed)
}

type failingClock struct {
	CycleClock
}

func (failingClock) Advance(context.Context) (int, error) {
	return 0, errors.New("database is locked")
}

func TestClockFailureAbortsPass(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.High, CreatedAt: now})
	h.orch.deps.Clock = failingClock{CycleClock: h.clock}

	sum, err := h.orch.RunPass(context.Background())
	require.Error(t, err)
	assert.Contains(t, sum.Err, "database is locked")
	assert.Equal(t, 0, sum.Attempted)
	assert.Empty(t, h.checker.checked)
}

type failingSink struct{}

func (failingSink) Persist(context.Context, string, []storage.Item) (int, error) {
	return 0, errors.New("disk full")
}

func TestSinkFailureAbortsPassWithoutAdvancingLedger(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.High, CreatedAt: now})
	h.orch.deps.Sink = failingSink{}
	latest := now
	h.checker.checkFn = func(e storage.Entity, _ string) (detect.Result, error) {
		return detect.Result{HasNew: true, Calls: 3, Items: []storage.Item{{ID: "p9", EntityID: e.ID, PostedAt: latest}},
			Meta: detect.Meta{LatestItemID: "p9", LatestItemDate: &latest, ItemCount: 1}}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Empty(t, h.get(t, "a").LastKnownItemID)
}

func TestConcurrentPassReturnsErrPassInProgress(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.High, CreatedAt: now})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		close(entered)
		<-release
		return detect.Result{Calls: 1}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunPass(context.Background())
		done <- err
	}()
	<-entered

	assert.True(t, h.orch.Running())
	_, err := h.orch.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Running())
	assert.Equal(t, 2, h.clock.Current(), "rejected pass must not advance the clock")
}

func TestShutdownFinishesInFlightAndSkipsRest(t *testing.T) {
	entities := []storage.Entity{entity("a"), entity("b"), entity("c")}
	h := newHarness(t, entities, harnessOpts{cycle: 1, initialized: true, cfg: Config{Workers: 1}})
	for i, e := range entities {
		checked := now.Add(-time.Duration(3-i) * time.Hour)
		h.put(t, storage.ActivityRecord{EntityID: e.ID, Tier: priority.High, CreatedAt: now, LastCheckedAt: &checked})
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		cancel()
		return detect.Result{Calls: 1}, nil
	}

	sum, err := h.orch.RunPass(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Skipped)

	rec := h.get(t, "a")
	require.NotNil(t, rec.LastCheckedAt)
	assert.True(t, rec.LastCheckedAt.Equal(now), "in-flight result is persisted")
}

func TestWorkerLimitBoundsConcurrency(t *testing.T) {
	var entities []storage.Entity
	h := newHarness(t, nil, harnessOpts{cycle: 1, initialized: true, cfg: Config{Workers: 2, EntityCap: 0}})
	for i := 0; i < 8; i++ {
		e := entity(fmt.Sprint(i))
		entities = append(entities, e)
		h.put(t, storage.ActivityRecord{EntityID: e.ID, Tier: priority.High, CreatedAt: now})
	}
	h.registry.entities = entities

	var mu sync.Mutex
	inFlight, peak := 0, 0
	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return detect.Result{Calls: 1}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Succeeded, "cap 0 means unlimited")
	assert.LessOrEqual(t, peak, 2)
}

func TestRegistryErrorAbortsPass(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{})
	h.registry.err = errors.New("store closed")
	sum, err := h.orch.RunPass(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, sum.Err)
}

func TestLastSummaryPersisted(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{cycle: 1, initialized: true})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.High, CreatedAt: now})
	ctx := context.Background()

	_, ok, err := h.orch.LastSummary(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := h.orch.RunPass(ctx)
	require.NoError(t, err)

	fresh := New(h.orch.deps, Config{})
	got, ok, err := fresh.LastSummary(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sum.RunID, got.RunID)
	assert.Equal(t, sum.Cycle, got.Cycle)
	assert.Equal(t, ModeSteady, got.Mode)
}

func TestStats(t *testing.T) {
	entities := []storage.Entity{entity("h"), entity("n"), entity("l"), {ID: "d", Name: "dora"}}
	h := newHarness(t, entities, harnessOpts{cycle: 4, initialized: true, overrides: []string{"dora"}})
	h.put(t, storage.ActivityRecord{EntityID: "h", Tier: priority.High, CreatedAt: now})
	h.put(t, storage.ActivityRecord{EntityID: "n", Tier: priority.Normal, CreatedAt: now})
	h.put(t, storage.ActivityRecord{EntityID: "l", Tier: priority.Low, CreatedAt: now})
	h.put(t, storage.ActivityRecord{EntityID: "d", Tier: priority.Dormant, CreatedAt: now})

	st, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Cycle)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Distribution[priority.Low])
	assert.Equal(t, 1, st.Overrides)
	assert.Equal(t, 3, st.EligibleThisCycle, "high, normal and the overridden dormant entity")
}

type dropFilter struct {
	drop  map[string]bool
	calls int
}

func (f *dropFilter) Filter(_ context.Context, entities []storage.Entity) []storage.Entity {
	f.calls++
	return f.FilterCached(context.Background(), entities)
}

func (f *dropFilter) FilterCached(_ context.Context, entities []storage.Entity) []storage.Entity {
	var out []storage.Entity
	for _, e := range entities {
		if !f.drop[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

func TestStoriesStreamColdStartSkipsFilteredEntities(t *testing.T) {
	filter := &dropFilter{drop: map[string]bool{"muted": true}}
	entities := []storage.Entity{entity("a"), entity("muted")}
	h := newHarness(t, entities, harnessOpts{
		stream:     cycle.StoriesStream,
		classifier: priority.NewStoryClassifier(priority.DefaultStoryThresholds()),
		filter:     filter,
		cfg:        Config{ObservationWindow: RefineEveryCheck},
	})
	h.checker.probeFn = func(storage.Entity) (detect.Result, error) { return detect.Result{Calls: 1}, nil }
	ctx := context.Background()

	sum, err := h.orch.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.StoriesStream, sum.Stream)
	assert.Equal(t, []string{"user_a"}, h.checker.firstLooks)
	assert.True(t, h.clock.Initialized(), "muted entities need no record")
	assert.Equal(t, priority.Normal, h.get(t, "a").Tier)

	posts, err := h.store.ListActivityRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, posts, "story records stay out of the posts ledger")

	_, err = h.store.GetKV(ctx, KVBucket, LastPassKey(cycle.StoriesStream))
	require.NoError(t, err)
	_, err = h.store.GetKV(ctx, KVBucket, LastPassKey(cycle.DefaultStream))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoriesStreamRefinesOnEveryCheck(t *testing.T) {
	h := newHarness(t, []storage.Entity{entity("a")}, harnessOpts{
		stream:      cycle.StoriesStream,
		cycle:       1,
		initialized: true,
		classifier:  priority.NewStoryClassifier(priority.DefaultStoryThresholds()),
		cfg:         Config{ObservationWindow: RefineEveryCheck},
	})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.Normal, CreatedAt: now})

	fresh := now.Add(-time.Hour)
	h.checker.checkFn = func(e storage.Entity, _ string) (detect.Result, error) {
		return detect.Result{
			HasNew: true,
			Calls:  1,
			Items:  []storage.Item{{ID: "s1", EntityID: e.ID, Kind: storage.KindStory, PostedAt: fresh}},
			Meta:   detect.Meta{LatestItemID: "s1", LatestItemDate: &fresh, ItemCount: 1},
		}, nil
	}

	sum, err := h.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NewItems)
	assert.Equal(t, priority.High, h.get(t, "a").Tier, "a new story promotes at once")

	h.checker.checkFn = func(storage.Entity, string) (detect.Result, error) {
		return detect.Result{Calls: 1, Meta: detect.Meta{LatestItemID: "s1", LatestItemDate: &fresh, ItemCount: 1}}, nil
	}
	for i := 0; i < 5; i++ {
		_, err = h.orch.RunPass(context.Background())
		require.NoError(t, err)
	}
	rec := h.get(t, "a")
	assert.Equal(t, 5, rec.ConsecutiveEmptyChecks)
	assert.Equal(t, priority.Normal, rec.Tier, "five empty checks demote a recent poster")
}

func TestStatsCountsFilteredEntities(t *testing.T) {
	filter := &dropFilter{drop: map[string]bool{"m": true}}
	entities := []storage.Entity{entity("a"), entity("m")}
	h := newHarness(t, entities, harnessOpts{cycle: 1, initialized: true, stream: cycle.StoriesStream, filter: filter})
	h.put(t, storage.ActivityRecord{EntityID: "a", Tier: priority.Normal, CreatedAt: now})

	st, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycle.StoriesStream, st.Stream)
	assert.Equal(t, 1, st.Muted)
	assert.Equal(t, 1, st.EligibleThisCycle)
	assert.Zero(t, filter.calls, "stats use the cached list")
}
