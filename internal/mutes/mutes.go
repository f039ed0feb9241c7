// Package mutes tracks the accounts whose stories the user has muted. Muted
// accounts are left out of story polling. The list is refetched at most once
// per TTL and kept in the kv store across restarts.
package mutes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/relayfeed/internal/storage"
)

// DefaultTTL is how long a fetched mute list is trusted.
const DefaultTTL = 24 * time.Hour

// KV bucket and keys of the persisted list.
const (
	Bucket       = "stories"
	MutedKey     = "muted"
	RefreshedKey = "muted_refreshed_at"
)

// Source fetches the ids of muted accounts.
type Source interface {
	MutedStories(ctx context.Context) ([]string, error)
}

// KVStore persists the list. Implemented by storage.Store.
type KVStore interface {
	PutKV(ctx context.Context, bucket, key, value string) error
	GetKV(ctx context.Context, bucket, key string) (string, error)
}

// List is the cached set of muted account ids.
type List struct {
	source Source
	kv     KVStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	loaded      bool
	ids         map[string]struct{}
	refreshedAt time.Time
}

// New creates a List. ttl <= 0 uses DefaultTTL.
func New(source Source, kv KVStore, ttl time.Duration) *List {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &List{
		source: source,
		kv:     kv,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
		ids:    map[string]struct{}{},
	}
}

// SetClock replaces time.Now, for tests.
func (l *List) SetClock(now func() time.Time) {
	l.now = now
}

// Filter drops muted entities, refreshing the list first when it is older
// than the TTL. A failed refresh keeps the previous list and is logged.
func (l *List) Filter(ctx context.Context, entities []storage.Entity) []storage.Entity {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loadLocked(ctx)
	if l.now().Sub(l.refreshedAt) >= l.ttl {
		if _, _, err := l.refreshLocked(ctx); err != nil {
			l.logger.Warn("refreshing story mutes failed, using previous list", "error", err, "muted", len(l.ids))
		}
	}
	return l.filterLocked(entities)
}

// FilterCached drops muted entities using the list as it is, without any
// remote call.
func (l *List) FilterCached(ctx context.Context, entities []storage.Entity) []storage.Entity {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked(ctx)
	return l.filterLocked(entities)
}

// Refresh refetches the list now and reports how many accounts became muted
// and unmuted.
func (l *List) Refresh(ctx context.Context) (muted, unmuted int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked(ctx)
	return l.refreshLocked(ctx)
}

// Muted returns the muted ids in sorted order.
func (l *List) Muted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.ids)
}

func (l *List) filterLocked(entities []storage.Entity) []storage.Entity {
	if len(l.ids) == 0 {
		return entities
	}
	out := make([]storage.Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := l.ids[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// loadLocked reads the persisted list once. A missing or unreadable
// snapshot leaves the list empty and due for refresh.
func (l *List) loadLocked(ctx context.Context) {
	if l.loaded {
		return
	}
	l.loaded = true

	raw, err := l.kv.GetKV(ctx, Bucket, MutedKey)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		l.logger.Warn("loading story mutes failed", "error", err)
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		l.logger.Warn("decoding story mutes failed", "error", err)
		return
	}
	ts, err := l.kv.GetKV(ctx, Bucket, RefreshedKey)
	if err != nil {
		return
	}
	refreshedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return
	}
	l.ids = toSet(ids)
	l.refreshedAt = refreshedAt
}

func (l *List) refreshLocked(ctx context.Context) (muted, unmuted int, err error) {
	ids, err := l.source.MutedStories(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching muted accounts: %w", err)
	}
	next := toSet(ids)
	for id := range next {
		if _, ok := l.ids[id]; !ok {
			muted++
		}
	}
	for id := range l.ids {
		if _, ok := next[id]; !ok {
			unmuted++
		}
	}

	now := l.now()
	data, err := json.Marshal(sortedKeys(next))
	if err != nil {
		return 0, 0, fmt.Errorf("encoding muted accounts: %w", err)
	}
	if err := l.kv.PutKV(ctx, Bucket, MutedKey, string(data)); err != nil {
		return 0, 0, fmt.Errorf("saving muted accounts: %w", err)
	}
	if err := l.kv.PutKV(ctx, Bucket, RefreshedKey, now.UTC().Format(time.RFC3339)); err != nil {
		return 0, 0, fmt.Errorf("saving mute refresh time: %w", err)
	}

	l.ids = next
	l.refreshedAt = now
	l.logger.Info("story mutes refreshed", "muted", len(next), "newly_muted", muted, "newly_unmuted", unmuted)
	return muted, unmuted, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
