// Package archive stores detected items. Writes are idempotent on
// (entity, item) so a replayed check never produces duplicates.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/relayfeed/internal/storage"
)

// DefaultCacheSize bounds the set of recently archived keys kept in memory.
const DefaultCacheSize = 4096

// ItemStore is implemented by storage.Store.
type ItemStore interface {
	UpsertItems(ctx context.Context, items []storage.Item) (int, error)
}

// Sink is the item sink used by the scheduler.
type Sink struct {
	store  ItemStore
	seen   *lru.Cache[string, struct{}]
	logger *slog.Logger
}

// New creates a Sink. cacheSize <= 0 uses DefaultCacheSize.
func New(store ItemStore, cacheSize int) (*Sink, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating archive cache: %w", err)
	}
	return &Sink{store: store, seen: seen, logger: slog.Default()}, nil
}

// Persist archives items of one entity and returns how many were new.
// Items archived recently by this process are skipped without a write.
func (s *Sink) Persist(ctx context.Context, entityID string, items []storage.Item) (int, error) {
	pending := make([]storage.Item, 0, len(items))
	for _, it := range items {
		it.EntityID = entityID
		if it.ID == "" {
			continue
		}
		if s.seen.Contains(key(entityID, it.ID)) {
			continue
		}
		pending = append(pending, it)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	n, err := s.store.UpsertItems(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("archiving %d items of %s: %w", len(pending), entityID, err)
	}
	for _, it := range pending {
		s.seen.Add(key(entityID, it.ID), struct{}{})
	}
	s.logger.Debug("items archived", "entity_id", entityID, "received", len(items), "new", n)
	return n, nil
}

func key(entityID, itemID string) string {
	return entityID + "/" + itemID
}
