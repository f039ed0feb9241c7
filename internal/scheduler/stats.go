package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
)

type cachedLister interface {
	Cached(ctx context.Context) ([]storage.Entity, time.Time, error)
}

// Stats reports the tier distribution and how many entities the current
// cycle would select before capping. It never calls the remote side when
// the registry can serve its cached snapshot. Filtered entities are counted
// in Muted and left out of the eligible count.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var entities []storage.Entity
	var err error
	if c, ok := o.deps.Registry.(cachedLister); ok {
		entities, _, err = c.Cached(ctx)
	} else {
		entities, err = o.deps.Registry.List(ctx, false)
	}
	if err != nil {
		return Stats{}, fmt.Errorf("listing entities: %w", err)
	}
	muted := 0
	if o.deps.Filter != nil {
		before := len(entities)
		entities = o.deps.Filter.FilterCached(ctx, entities)
		muted = before - len(entities)
	}

	records, err := o.loadRecords(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Stream:       o.Stream(),
		Muted:        muted,
		Cycle:        o.deps.Clock.Current(),
		Initialized:  o.deps.Clock.Initialized(),
		Distribution: make(map[priority.Tier]int, len(priority.Tiers)),
	}
	for _, t := range priority.Tiers {
		st.Distribution[t] = 0
	}
	for _, r := range records {
		st.Distribution[r.Tier]++
	}
	st.Total = len(records)
	if o.deps.Overrides != nil {
		st.Overrides = o.deps.Overrides.Len()
	}
	if st.Initialized {
		st.EligibleThisCycle = len(o.selectEligible(entities, records, st.Cycle, o.deps.Now()))
	}
	return st, nil
}
