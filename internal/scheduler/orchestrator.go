// Package scheduler runs sync passes: it picks the entities due this cycle,
// checks them with bounded concurrency and folds the outcomes back into the
// activity ledger.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/relayfeed/internal/detect"
	"github.com/kalambet/relayfeed/internal/ledger"
	"github.com/kalambet/relayfeed/internal/metrics"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
	"github.com/kalambet/relayfeed/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultEntityCap    = 10
	DefaultWorkers      = 4
	DefaultCheckTimeout = 2 * time.Minute
)

// RefineEveryCheck as Config.ObservationWindow refines tiers on every check.
const RefineEveryCheck time.Duration = -1

// Config tunes a pass.
type Config struct {
	// EntityCap bounds the entities checked per pass. 0 means unlimited.
	EntityCap int
	// Workers bounds concurrent checks.
	Workers int
	// ObservationWindow is how long a record's tier is kept before it is
	// refined from observed activity. RefineEveryCheck skips the window.
	ObservationWindow time.Duration
	// CheckTimeout bounds one entity check, including after shutdown.
	CheckTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry   Registry
	Checker    Checker
	Ledger     Ledger
	Clock      CycleClock
	Sink       ItemSink
	Overrides  Overrides
	KV         KVStore
	Classifier TierPolicy
	// Filter, if set, drops entities before selection.
	Filter EntityFilter
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator is the Sync Orchestrator.
type Orchestrator struct {
	deps Deps
	cfg  Config

	running sync.Mutex

	lastMu sync.RWMutex
	last   *PassSummary
}

// New creates an Orchestrator. Zero config values fall back to defaults,
// except EntityCap where 0 means unlimited.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.EntityCap < 0 {
		cfg.EntityCap = DefaultEntityCap
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ObservationWindow == 0 {
		cfg.ObservationWindow = priority.DefaultObservationWindow
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Classifier == nil {
		deps.Classifier = priority.NewClassifier(priority.DefaultThresholds())
	}
	deps.Logger = deps.Logger.With("stream", deps.Clock.Stream())
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Stream returns the name of the stream this orchestrator polls.
func (o *Orchestrator) Stream() string {
	return o.deps.Clock.Stream()
}

// passState accumulates counters from concurrent checks.
type passState struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	newItems  atomic.Int64
	calls     atomic.Int64
}

// RunPass runs one pass. It never blocks on another pass: a concurrent call
// returns ErrPassInProgress immediately. A clock or store failure aborts
// the pass; the returned summary still carries the counts reached so far.
func (o *Orchestrator) RunPass(ctx context.Context) (PassSummary, error) {
	if !o.running.TryLock() {
		return PassSummary{}, ErrPassInProgress
	}
	defer o.running.Unlock()

	sum := PassSummary{
		RunID:     uuid.NewString(),
		Stream:    o.Stream(),
		Cycle:     o.deps.Clock.Current(),
		StartedAt: o.deps.Now(),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sync.pass")
	defer span.End()

	var st passState
	err := o.run(ctx, &sum, &st)

	sum.Attempted = int(st.attempted.Load())
	sum.Succeeded = int(st.succeeded.Load())
	sum.Failed = int(st.failed.Load())
	sum.Skipped = int(st.skipped.Load())
	sum.NewItems = int(st.newItems.Load())
	sum.Calls = int(st.calls.Load())
	sum.Duration = o.deps.Now().Sub(sum.StartedAt)
	if err != nil {
		sum.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("run_id", sum.RunID),
		attribute.String("stream", sum.Stream),
		attribute.String("mode", string(sum.Mode)),
		attribute.Int("cycle", sum.Cycle),
		attribute.Int("eligible", sum.Eligible),
		attribute.Int("attempted", sum.Attempted),
		attribute.Int("failed", sum.Failed),
		attribute.Int("new_items", sum.NewItems),
		attribute.Int("calls", sum.Calls),
	)
	o.record(context.WithoutCancel(ctx), sum, err)
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, sum *PassSummary, st *passState) error {
	entities, err := o.deps.Registry.List(ctx, false)
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	if o.deps.Filter != nil {
		entities = o.deps.Filter.Filter(ctx, entities)
	}

	records, err := o.loadRecords(ctx)
	if err != nil {
		return err
	}

	if o.deps.Overrides != nil && o.deps.KV != nil {
		if err := o.deps.Overrides.Snapshot(ctx, o.deps.KV); err != nil {
			o.deps.Logger.Warn("writing overrides snapshot failed", "error", err)
		}
	}

	if !o.deps.Clock.Initialized() {
		sum.Mode = ModeColdStart
		return o.coldStart(ctx, sum, st, entities, records)
	}
	sum.Mode = ModeSteady
	return o.steady(ctx, sum, st, entities, records)
}

func (o *Orchestrator) loadRecords(ctx context.Context) (map[string]storage.ActivityRecord, error) {
	list, err := o.deps.Ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading activity records: %w", err)
	}
	records := make(map[string]storage.ActivityRecord, len(list))
	for _, r := range list {
		records[r.EntityID] = r
	}
	return records, nil
}

// coldStart takes a first look at entities that have no record yet, up to
// the cap. Every processed entity gets a record, failed looks included, so
// the stream is marked initialized once the whole registry has been walked.
func (o *Orchestrator) coldStart(ctx context.Context, sum *PassSummary, st *passState, entities []storage.Entity, records map[string]storage.ActivityRecord) error {
	var pending []storage.Entity
	for _, e := range entities {
		if _, ok := records[e.ID]; !ok {
			pending = append(pending, e)
		}
	}
	selected := pending
	if o.cfg.EntityCap > 0 && len(selected) > o.cfg.EntityCap {
		selected = selected[:o.cfg.EntityCap]
	}
	sum.Eligible = len(selected)

	err := o.dispatch(ctx, st, len(selected), func(ctx context.Context, i int) error {
		return o.initEntity(ctx, st, selected[i])
	})
	if err != nil {
		return err
	}

	remaining := len(pending) - int(st.attempted.Load())
	if len(entities) > 0 && remaining == 0 {
		if err := o.deps.Clock.MarkInitialized(ctx); err != nil {
			return fmt.Errorf("marking initialized: %w", err)
		}
		o.deps.Logger.Info("cold start complete", "entities", len(entities))
	} else {
		o.deps.Logger.Info("cold start in progress", "initialized", len(entities)-remaining, "remaining", remaining)
	}
	return nil
}

func (o *Orchestrator) initEntity(ctx context.Context, st *passState, e storage.Entity) error {
	ctx, span := telemetry.Tracer().Start(ctx, "sync.probe")
	defer span.End()
	span.SetAttributes(attribute.String("entity", e.Name))

	res, err := o.deps.Checker.Probe(ctx, e)
	st.calls.Add(int64(res.Calls))
	now := o.deps.Now()
	if err != nil {
		st.failed.Add(1)
		metrics.RecordCheck(o.Stream(), "failed")
		span.RecordError(err)
		o.deps.Logger.Warn("cold start probe failed, tracking as dormant", "entity", e.Name, "error", err)
		// The entity is retried through the dormant tier like any other.
		rec := storage.ActivityRecord{
			EntityID:      e.ID,
			Tier:          priority.Dormant,
			LastCheckedAt: &now,
			CreatedAt:     now,
		}
		if err := o.deps.Ledger.Put(ctx, rec); err != nil {
			return fmt.Errorf("writing record for %s: %w", e.Name, err)
		}
		return nil
	}

	tier := o.deps.Classifier.InitialTier(res.Meta.LatestItemDate, now)
	rec := storage.ActivityRecord{
		EntityID:      e.ID,
		ItemCountHint: res.Meta.ItemCount,
		Tier:          tier,
		LastCheckedAt: &now,
		CreatedAt:     now,
	}
	if res.Meta.LatestItemID != "" && res.Meta.LatestItemDate != nil {
		rec.LastKnownItemID = res.Meta.LatestItemID
		rec.LastKnownItemDate = res.Meta.LatestItemDate
	}
	if err := o.deps.Ledger.Put(ctx, rec); err != nil {
		return fmt.Errorf("writing record for %s: %w", e.Name, err)
	}

	effective := priority.ApplyOverride(tier, o.overridden(e))
	st.succeeded.Add(1)
	metrics.RecordCheck(o.Stream(), "initialized")
	o.deps.Logger.Info("entity initialized",
		"entity", e.Name, "tier", tier, "effective_tier", effective,
		"last_item_date", res.Meta.LatestItemDate, "item_count", res.Meta.ItemCount)
	return nil
}

type candidate struct {
	entity    storage.Entity
	record    storage.ActivityRecord
	found     bool
	effective priority.Tier
}

// steady advances the clock and checks the entities due this cycle.
func (o *Orchestrator) steady(ctx context.Context, sum *PassSummary, st *passState, entities []storage.Entity, records map[string]storage.ActivityRecord) error {
	cycle, err := o.deps.Clock.Advance(ctx)
	if err != nil {
		return fmt.Errorf("advancing cycle: %w", err)
	}
	sum.Cycle = cycle
	metrics.SetCycle(o.Stream(), cycle)

	selected := o.selectEligible(entities, records, cycle, o.deps.Now())
	sum.Eligible = len(selected)
	if o.cfg.EntityCap > 0 && len(selected) > o.cfg.EntityCap {
		selected = selected[:o.cfg.EntityCap]
	}

	return o.dispatch(ctx, st, len(selected), func(ctx context.Context, i int) error {
		return o.checkEntity(ctx, st, selected[i])
	})
}

// selectEligible returns the entities due in cycle, ordered high to dormant
// and then by oldest LastCheckedAt. Never-checked entities sort first.
func (o *Orchestrator) selectEligible(entities []storage.Entity, records map[string]storage.ActivityRecord, cycle int, now time.Time) []candidate {
	var out []candidate
	for _, e := range entities {
		rec, found := records[e.ID]
		if !found {
			rec = storage.ActivityRecord{EntityID: e.ID, Tier: priority.Dormant}
		}
		derived := rec.Tier
		if found {
			derived = o.derivedTier(rec, now)
		}
		effective := priority.ApplyOverride(derived, o.overridden(e))
		if !o.deps.Clock.IsEligibleThisCycle(effective, cycle) {
			continue
		}
		out = append(out, candidate{entity: e, record: rec, found: found, effective: effective})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.effective.Rank(), b.effective.Rank(); ra != rb {
			return ra < rb
		}
		ta, tb := a.record.LastCheckedAt, b.record.LastCheckedAt
		switch {
		case ta == nil && tb == nil:
			return false
		case ta == nil:
			return true
		case tb == nil:
			return false
		}
		return ta.Before(*tb)
	})
	return out
}

// derivedTier is the stored tier, refined once the observation window has
// elapsed. Overrides are applied on top by the caller.
func (o *Orchestrator) derivedTier(rec storage.ActivityRecord, now time.Time) priority.Tier {
	if !priority.ObservationElapsed(rec.CreatedAt, now, o.cfg.ObservationWindow) {
		return rec.Tier
	}
	days := -1
	if rec.LastKnownItemDate != nil {
		days = priority.DaysSince(*rec.LastKnownItemDate, now)
	}
	return o.deps.Classifier.RefinedTier(rec.Tier, days, rec.ConsecutiveEmptyChecks)
}

func (o *Orchestrator) overridden(e storage.Entity) bool {
	return o.deps.Overrides != nil && o.deps.Overrides.Contains(e.Name)
}

// dispatch runs fn for indexes [0, n) with at most Workers in flight.
// Once ctx is cancelled no new work starts; started work runs to completion
// on a context detached from ctx and bounded by CheckTimeout. An error from
// fn is treated as systemic and stops dispatching.
func (o *Orchestrator) dispatch(ctx context.Context, st *passState, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			st.skipped.Add(int64(n - i))
			metrics.RecordChecks(o.Stream(), "skipped", n-i)
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				st.skipped.Add(1)
				metrics.RecordCheck(o.Stream(), "skipped")
				return nil
			}
			st.attempted.Add(1)
			cctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), o.cfg.CheckTimeout)
			defer cancel()
			return fn(cctx, i)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && st.skipped.Load() > 0 {
		return fmt.Errorf("pass interrupted: %w", err)
	}
	return nil
}

func (o *Orchestrator) checkEntity(ctx context.Context, st *passState, c candidate) error {
	ctx, span := telemetry.Tracer().Start(ctx, "sync.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity", c.entity.Name),
		attribute.String("tier", string(c.effective)),
	)

	res, err := o.deps.Checker.Check(ctx, c.entity, c.record.LastKnownItemID)
	st.calls.Add(int64(res.Calls))
	span.SetAttributes(attribute.Int("calls", res.Calls))
	if err != nil {
		st.failed.Add(1)
		metrics.RecordCheck(o.Stream(), "failed")
		span.RecordError(err)
		o.deps.Logger.Warn("entity check failed", "entity", c.entity.Name, "tier", c.effective, "error", err)
		return o.recordAttempt(ctx, c.entity)
	}

	if res.HasNew && len(res.Items) > 0 {
		n, err := o.deps.Sink.Persist(ctx, c.entity.ID, res.Items)
		if err != nil {
			return fmt.Errorf("archiving items of %s: %w", c.entity.Name, err)
		}
		st.newItems.Add(int64(n))
		metrics.AddNewItems(n)
	}

	now := o.deps.Now()
	var from, to priority.Tier
	_, err = o.deps.Ledger.Apply(ctx, c.entity.ID, func(cur storage.ActivityRecord, found bool) (ledger.Update, error) {
		u, merged := o.outcomeUpdate(cur, found, res, now)
		from, to = cur.Tier, merged.Tier
		return u, nil
	})
	if err != nil {
		return fmt.Errorf("updating record of %s: %w", c.entity.Name, err)
	}

	st.succeeded.Add(1)
	if res.HasNew {
		metrics.RecordCheck(o.Stream(), "new")
	} else {
		metrics.RecordCheck(o.Stream(), "empty")
	}
	if from != to {
		o.deps.Logger.Info("tier changed", "entity", c.entity.Name, "from", from, "to", to)
	}
	return nil
}

// recordAttempt stamps LastCheckedAt after a failed check and leaves the
// rest of the record as it was.
func (o *Orchestrator) recordAttempt(ctx context.Context, e storage.Entity) error {
	now := o.deps.Now()
	_, err := o.deps.Ledger.Apply(ctx, e.ID, func(_ storage.ActivityRecord, found bool) (ledger.Update, error) {
		u := ledger.Update{LastCheckedAt: &now}
		if !found {
			u.CreatedAt = &now
		}
		return u, nil
	})
	if err != nil {
		return fmt.Errorf("updating record of %s: %w", e.Name, err)
	}
	return nil
}

// outcomeUpdate turns a successful check into a ledger update and returns
// it together with the resulting record.
func (o *Orchestrator) outcomeUpdate(cur storage.ActivityRecord, found bool, res detect.Result, now time.Time) (ledger.Update, storage.ActivityRecord) {
	u := ledger.Update{LastCheckedAt: &now}
	if !found {
		u.CreatedAt = &now
	}

	count := res.Meta.ItemCount
	u.ItemCountHint = &count

	if res.HasNew {
		zero := 0
		u.ConsecutiveEmptyChecks = &zero
		if res.Meta.LatestItemID != "" && res.Meta.LatestItemDate != nil {
			id, date := res.Meta.LatestItemID, *res.Meta.LatestItemDate
			u.LastKnownItemID = &id
			u.LastKnownItemDate = &date
		}
	} else {
		empty := cur.ConsecutiveEmptyChecks + 1
		u.ConsecutiveEmptyChecks = &empty
	}

	merged := u.Merge(cur)
	if found {
		if tier := o.derivedTier(merged, now); tier != merged.Tier {
			u.Tier = &tier
			merged.Tier = tier
		}
	}
	return u, merged
}

func (o *Orchestrator) record(ctx context.Context, sum PassSummary, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case sum.Failed > 0:
		outcome = "partial"
	}
	metrics.RecordPass(sum.Stream, string(sum.Mode), outcome, sum.Duration.Seconds())

	attrs := []any{
		"run_id", sum.RunID, "mode", sum.Mode, "cycle", sum.Cycle,
		"eligible", sum.Eligible, "attempted", sum.Attempted,
		"succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped,
		"new_items", sum.NewItems, "calls", sum.Calls, "duration", sum.Duration,
	}
	if err != nil {
		o.deps.Logger.Error("sync pass aborted", append(attrs, "error", err)...)
	} else {
		o.deps.Logger.Info("sync pass finished", attrs...)
	}

	o.lastMu.Lock()
	s := sum
	o.last = &s
	o.lastMu.Unlock()

	if o.deps.KV != nil {
		data, mErr := json.Marshal(sum)
		if mErr == nil {
			mErr = o.deps.KV.PutKV(ctx, KVBucket, LastPassKey(sum.Stream), string(data))
		}
		if mErr != nil {
			o.deps.Logger.Warn("persisting pass summary failed", "error", mErr)
		}
	}

	if recs, lErr := o.deps.Ledger.List(ctx); lErr == nil {
		dist := make(map[string]int, len(priority.Tiers))
		for _, r := range recs {
			dist[string(r.Tier)]++
		}
		metrics.SetTierDistribution(sum.Stream, dist)
	}
}

// LastSummary returns the most recent pass summary, loading the persisted
// one when no pass ran in this process yet.
func (o *Orchestrator) LastSummary(ctx context.Context) (PassSummary, bool, error) {
	o.lastMu.RLock()
	last := o.last
	o.lastMu.RUnlock()
	if last != nil {
		return *last, true, nil
	}
	if o.deps.KV == nil {
		return PassSummary{}, false, nil
	}

	raw, err := o.deps.KV.GetKV(ctx, KVBucket, LastPassKey(o.Stream()))
	if errors.Is(err, storage.ErrNotFound) {
		return PassSummary{}, false, nil
	}
	if err != nil {
		return PassSummary{}, false, fmt.Errorf("loading last pass: %w", err)
	}
	var sum PassSummary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return PassSummary{}, false, fmt.Errorf("decoding last pass: %w", err)
	}
	return sum, true, nil
}

// Running reports whether a pass is in flight.
func (o *Orchestrator) Running() bool {
	if o.running.TryLock() {
		o.running.Unlock()
		return false
	}
	return true
}
