// Package detect implements the call-minimizing protocol that decides
// whether an entity has published anything since the last known item.
//
// A check spends one, two or three remote calls:
//
//  1. EntitySummary: an entity without items stops here.
//  2. LatestItem: the latest item equal to the last known one stops here.
//  3. RecentItems: fetch the batch of new items.
package detect

//go:generate mockgen -source=detect.go -destination=mocks/mock_remote.go -package=mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/relayfeed/internal/storage"
)

// DefaultFetchCount is how many recent items are requested on step 3.
const DefaultFetchCount = 20

// Summary is the cheap per-entity information returned by step 1.
type Summary struct {
	ItemCount int
	IsPrivate bool
}

// Remote is the subset of the remote API the protocol needs.
type Remote interface {
	EntitySummary(ctx context.Context, entityID string) (Summary, error)
	// LatestItem returns nil when the entity has no visible items.
	LatestItem(ctx context.Context, entityID string) (*storage.Item, error)
	RecentItems(ctx context.Context, entityID string, limit int) ([]storage.Item, error)
}

// Meta describes the entity's newest item as observed by a check.
type Meta struct {
	LatestItemID   string
	LatestItemDate *time.Time
	ItemCount      int
}

// Result is the outcome of a check. Calls is filled in even when the
// check fails part way.
type Result struct {
	HasNew bool
	Items  []storage.Item
	Meta   Meta
	Calls  int
}

// Detector runs the protocol. It keeps no per-entity state.
type Detector struct {
	remote     Remote
	fetchCount int
}

// New creates a Detector. fetchCount <= 0 uses DefaultFetchCount.
func New(remote Remote, fetchCount int) *Detector {
	if fetchCount <= 0 {
		fetchCount = DefaultFetchCount
	}
	return &Detector{remote: remote, fetchCount: fetchCount}
}

// Check runs the full protocol against lastKnownItemID. An empty
// lastKnownItemID means nothing was seen before.
func (d *Detector) Check(ctx context.Context, entity storage.Entity, lastKnownItemID string) (Result, error) {
	res, latest, err := d.probe(ctx, entity)
	if err != nil || latest == nil {
		return res, err
	}
	if latest.ID == lastKnownItemID {
		return res, nil
	}

	items, err := d.remote.RecentItems(ctx, entity.ID, d.fetchCount)
	res.Calls++
	if err != nil {
		return res, fmt.Errorf("recent items of %s: %w", entity.Name, err)
	}

	res.HasNew = true
	res.Items = newerThan(items, entity.ID, lastKnownItemID)
	return res, nil
}

// Probe runs steps 1 and 2 only. It is used during cold start, where the
// latest item date is all that is needed.
func (d *Detector) Probe(ctx context.Context, entity storage.Entity) (Result, error) {
	res, _, err := d.probe(ctx, entity)
	return res, err
}

func (d *Detector) probe(ctx context.Context, entity storage.Entity) (Result, *storage.Item, error) {
	var res Result

	summary, err := d.remote.EntitySummary(ctx, entity.ID)
	res.Calls++
	if err != nil {
		return res, nil, fmt.Errorf("summary of %s: %w", entity.Name, err)
	}
	res.Meta.ItemCount = summary.ItemCount
	if summary.ItemCount == 0 {
		return res, nil, nil
	}

	latest, err := d.remote.LatestItem(ctx, entity.ID)
	res.Calls++
	if err != nil {
		return res, nil, fmt.Errorf("latest item of %s: %w", entity.Name, err)
	}
	if latest == nil {
		return res, nil, nil
	}

	res.Meta.LatestItemID = latest.ID
	posted := latest.PostedAt
	res.Meta.LatestItemDate = &posted
	return res, latest, nil
}

// newerThan keeps the items listed before lastKnownID, newest first as the
// remote returns them. If lastKnownID is absent from the batch everything
// is kept.
func newerThan(items []storage.Item, entityID, lastKnownID string) []storage.Item {
	out := make([]storage.Item, 0, len(items))
	for _, it := range items {
		if lastKnownID != "" && it.ID == lastKnownID {
			break
		}
		if it.EntityID == "" {
			it.EntityID = entityID
		}
		out = append(out, it)
	}
	return out
}
