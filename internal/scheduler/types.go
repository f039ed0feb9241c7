package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/relayfeed/internal/detect"
	"github.com/kalambet/relayfeed/internal/ledger"
	"github.com/kalambet/relayfeed/internal/overrides"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
)

// ErrPassInProgress is returned by RunPass when another pass is running.
var ErrPassInProgress = errors.New("sync pass already in progress")

// Mode is the kind of pass that ran.
type Mode string

const (
	ModeColdStart Mode = "cold_start"
	ModeSteady    Mode = "steady"
)

// KVBucket holds the persisted last pass summary of every stream.
const KVBucket = "sync"

// LastPassKey returns the key of a stream's last pass summary. The posts
// stream uses the bare "last_pass".
func LastPassKey(stream string) string {
	if stream == "" || stream == storage.StreamPosts {
		return "last_pass"
	}
	return "last_pass_" + stream
}

// PassSummary reports what a pass did. Err is set when the pass aborted.
type PassSummary struct {
	RunID     string        `json:"run_id"`
	Stream    string        `json:"stream"`
	Cycle     int           `json:"cycle"`
	Mode      Mode          `json:"mode"`
	Eligible  int           `json:"eligible"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	NewItems  int           `json:"new_items"`
	Calls     int           `json:"calls"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Err       string        `json:"error,omitempty"`
}

// Stats is a point-in-time view of the ledger.
type Stats struct {
	Stream            string                `json:"stream"`
	Cycle             int                   `json:"cycle"`
	Initialized       bool                  `json:"initialized"`
	Distribution      map[priority.Tier]int `json:"distribution"`
	Total             int                   `json:"total"`
	EligibleThisCycle int                   `json:"eligible_this_cycle"`
	Overrides         int                   `json:"overrides"`
	Muted             int                   `json:"muted,omitempty"`
}

// Registry lists trackable entities.
type Registry interface {
	List(ctx context.Context, forceRefresh bool) ([]storage.Entity, error)
}

// Checker runs the detection protocol.
type Checker interface {
	Check(ctx context.Context, entity storage.Entity, lastKnownItemID string) (detect.Result, error)
	Probe(ctx context.Context, entity storage.Entity) (detect.Result, error)
}

// Ledger is the activity ledger. Implemented by ledger.Ledger.
type Ledger interface {
	List(ctx context.Context) ([]storage.ActivityRecord, error)
	Put(ctx context.Context, rec storage.ActivityRecord) error
	Apply(ctx context.Context, entityID string, fn ledger.UpdateFunc) (storage.ActivityRecord, error)
}

// CycleClock is the persisted cycle counter. Implemented by cycle.Clock.
type CycleClock interface {
	Stream() string
	Current() int
	Initialized() bool
	Advance(ctx context.Context) (int, error)
	MarkInitialized(ctx context.Context) error
	IsEligibleThisCycle(t priority.Tier, cycle int) bool
}

// TierPolicy classifies entities of one stream. Implemented by
// priority.Classifier and priority.StoryClassifier.
type TierPolicy interface {
	InitialTier(lastItemDate *time.Time, now time.Time) priority.Tier
	RefinedTier(current priority.Tier, daysSinceLastItem int, consecutiveEmpty int) priority.Tier
}

// EntityFilter drops entities a stream must not check. Implemented by
// mutes.List.
type EntityFilter interface {
	Filter(ctx context.Context, entities []storage.Entity) []storage.Entity
	FilterCached(ctx context.Context, entities []storage.Entity) []storage.Entity
}

// ItemSink archives new items and reports how many were new.
type ItemSink interface {
	Persist(ctx context.Context, entityID string, items []storage.Item) (int, error)
}

// Overrides is the forced-high name set. Implemented by overrides.Set.
type Overrides interface {
	Contains(name string) bool
	Len() int
	Snapshot(ctx context.Context, kv overrides.KVWriter) error
}

// KVStore holds the last pass summary and the override snapshot.
type KVStore interface {
	PutKV(ctx context.Context, bucket, key, value string) error
	GetKV(ctx context.Context, bucket, key string) (string, error)
}
