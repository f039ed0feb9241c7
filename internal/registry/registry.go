// Package registry caches the list of trackable entities and refreshes it
// from the remote source at most once per TTL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/relayfeed/internal/storage"
)

// DefaultTTL is how long a fetched entity list is served without a refresh.
const DefaultTTL = 24 * time.Hour

// Source lists entities from the remote side.
type Source interface {
	ListEntities(ctx context.Context) ([]storage.Entity, error)
}

// SnapshotStore persists the cached snapshot. Implemented by storage.Store.
type SnapshotStore interface {
	ReplaceEntities(ctx context.Context, entities []storage.Entity, fetchedAt time.Time) error
	ListEntities(ctx context.Context, includeStale bool) ([]storage.Entity, error)
	RegistryFetchedAt(ctx context.Context) (time.Time, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Registry is the Entity Registry.
type Registry struct {
	source Source
	store  SnapshotStore
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	// OnWarning, if set, is called when a refresh fails and the stale
	// snapshot is served instead.
	OnWarning func(err error)

	group singleflight.Group

	mu        sync.RWMutex
	loaded    bool
	cached    []storage.Entity
	fetchedAt time.Time
}

// New creates a Registry with the default 24h TTL.
func New(source Source, store SnapshotStore) *Registry {
	return NewWithClock(source, store, realClock{}, DefaultTTL)
}

// NewWithClock creates a Registry with a custom clock and TTL (for testing).
func NewWithClock(source Source, store SnapshotStore, clock Clock, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		source: source,
		store:  store,
		clock:  clock,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (r *Registry) SetLogger(l *slog.Logger) {
	r.logger = l
}

// List returns the current entities. A fresh cache is served without a
// remote call unless forceRefresh is set. A failed refresh falls back to
// the cached snapshot and is reported through the logger and OnWarning,
// never as an error.
func (r *Registry) List(ctx context.Context, forceRefresh bool) ([]storage.Entity, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	if !forceRefresh {
		r.mu.RLock()
		if r.isFresh() {
			out := copyEntities(r.cached)
			r.mu.RUnlock()
			return out, nil
		}
		r.mu.RUnlock()
	}

	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyEntities(res.Val.([]storage.Entity)), nil
	}
}

// Cached returns the in-memory snapshot and when it was fetched, without
// touching the remote side.
func (r *Registry) Cached(ctx context.Context) ([]storage.Entity, time.Time, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, time.Time{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyEntities(r.cached), r.fetchedAt, nil
}

func (r *Registry) isFresh() bool {
	return !r.fetchedAt.IsZero() && r.clock.Now().Sub(r.fetchedAt) < r.ttl
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	entities, err := r.store.ListEntities(ctx, false)
	if err != nil {
		return fmt.Errorf("loading entity snapshot: %w", err)
	}
	fetchedAt, err := r.store.RegistryFetchedAt(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading snapshot timestamp: %w", err)
	}

	r.cached = entities
	r.fetchedAt = fetchedAt
	r.loaded = true
	return nil
}

func (r *Registry) refresh(ctx context.Context) ([]storage.Entity, error) {
	fresh, err := r.source.ListEntities(ctx)
	if err != nil {
		r.mu.RLock()
		stale := copyEntities(r.cached)
		fetchedAt := r.fetchedAt
		r.mu.RUnlock()

		r.logger.Warn("entity refresh failed, serving cached snapshot",
			"error", err, "cached", len(stale), "fetched_at", fetchedAt)
		if r.OnWarning != nil {
			r.OnWarning(err)
		}
		return stale, nil
	}

	fresh = dedupe(fresh)
	now := r.clock.Now()
	for i := range fresh {
		fresh[i].RefreshedAt = now
		fresh[i].Stale = false
	}

	if err := r.store.ReplaceEntities(ctx, fresh, now); err != nil {
		return nil, fmt.Errorf("persisting entity snapshot: %w", err)
	}

	r.mu.Lock()
	r.cached = fresh
	r.fetchedAt = now
	r.mu.Unlock()

	r.logger.Info("entity list refreshed", "count", len(fresh))
	return fresh, nil
}

func dedupe(entities []storage.Entity) []storage.Entity {
	seen := make(map[string]bool, len(entities))
	out := make([]storage.Entity, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func copyEntities(in []storage.Entity) []storage.Entity {
	out := make([]storage.Entity, len(in))
	for i, e := range in {
		if e.Metadata != nil {
			m := make(map[string]string, len(e.Metadata))
			for k, v := range e.Metadata {
				m[k] = v
			}
			e.Metadata = m
		}
		out[i] = e
	}
	return out
}
