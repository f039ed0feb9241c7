// Package ledger holds the per-entity activity records and serializes
// read-modify-write cycles on them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/storage"
)

// ErrPartialItem is returned when an update sets only one of the last known
// item id and date.
var ErrPartialItem = errors.New("last known item id and date must be set together")

// RecordStore defines the storage operations the Ledger needs.
// Implemented by storage.Store.
type RecordStore interface {
	GetActivityRecord(ctx context.Context, entityID string) (storage.ActivityRecord, error)
	UpsertActivityRecord(ctx context.Context, r storage.ActivityRecord) error
	ListActivityRecords(ctx context.Context) ([]storage.ActivityRecord, error)
}

// Update is a partial change to an ActivityRecord. Nil fields are left as
// they are.
type Update struct {
	LastKnownItemID        *string
	LastKnownItemDate      *time.Time
	ItemCountHint          *int
	Tier                   *priority.Tier
	ConsecutiveEmptyChecks *int
	LastCheckedAt          *time.Time
	CreatedAt              *time.Time
}

// Validate checks the update for field combinations that would corrupt a
// record.
func (u Update) Validate() error {
	if (u.LastKnownItemID == nil) != (u.LastKnownItemDate == nil) {
		return ErrPartialItem
	}
	if u.Tier != nil && !u.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", *u.Tier)
	}
	return nil
}

// Merge returns r with the non-nil fields of u applied.
func (u Update) Merge(r storage.ActivityRecord) storage.ActivityRecord {
	if u.LastKnownItemID != nil {
		r.LastKnownItemID = *u.LastKnownItemID
		d := *u.LastKnownItemDate
		r.LastKnownItemDate = &d
	}
	if u.ItemCountHint != nil {
		r.ItemCountHint = *u.ItemCountHint
	}
	if u.Tier != nil {
		r.Tier = *u.Tier
	}
	if u.ConsecutiveEmptyChecks != nil {
		r.ConsecutiveEmptyChecks = *u.ConsecutiveEmptyChecks
	}
	if u.LastCheckedAt != nil {
		t := *u.LastCheckedAt
		r.LastCheckedAt = &t
	}
	if u.CreatedAt != nil {
		r.CreatedAt = *u.CreatedAt
	}
	return r
}

// UpdateFunc computes an update from the current record. found is false
// when the entity has no record yet; rec is then an implicit dormant record.
type UpdateFunc func(rec storage.ActivityRecord, found bool) (Update, error)

// Ledger is the Activity Ledger.
type Ledger struct {
	store RecordStore
	locks *keyedMutex
}

func New(store RecordStore) *Ledger {
	return &Ledger{store: store, locks: newKeyedMutex()}
}

// Get returns the record of an entity or storage.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, entityID string) (storage.ActivityRecord, error) {
	return l.store.GetActivityRecord(ctx, entityID)
}

// List returns every record.
func (l *Ledger) List(ctx context.Context) ([]storage.ActivityRecord, error) {
	return l.store.ListActivityRecords(ctx)
}

// Put writes a full record, used by cold start.
func (l *Ledger) Put(ctx context.Context, rec storage.ActivityRecord) error {
	if !rec.Tier.Valid() {
		return fmt.Errorf("record %s: invalid tier %q", rec.EntityID, rec.Tier)
	}
	if (rec.LastKnownItemID == "") != (rec.LastKnownItemDate == nil) {
		return fmt.Errorf("record %s: %w", rec.EntityID, ErrPartialItem)
	}
	unlock := l.locks.Lock(rec.EntityID)
	defer unlock()
	return l.store.UpsertActivityRecord(ctx, rec)
}

// Apply loads the record of entityID, computes an update with fn and writes
// the merged result, all under the entity's lock. The merged record is
// returned.
func (l *Ledger) Apply(ctx context.Context, entityID string, fn UpdateFunc) (storage.ActivityRecord, error) {
	unlock := l.locks.Lock(entityID)
	defer unlock()

	rec, err := l.store.GetActivityRecord(ctx, entityID)
	found := true
	if errors.Is(err, storage.ErrNotFound) {
		found = false
		rec = storage.ActivityRecord{EntityID: entityID, Tier: priority.Dormant}
	} else if err != nil {
		return storage.ActivityRecord{}, fmt.Errorf("loading record %s: %w", entityID, err)
	}

	u, err := fn(rec, found)
	if err != nil {
		return storage.ActivityRecord{}, err
	}
	if err := u.Validate(); err != nil {
		return storage.ActivityRecord{}, fmt.Errorf("record %s: %w", entityID, err)
	}

	merged := u.Merge(rec)
	if err := l.store.UpsertActivityRecord(ctx, merged); err != nil {
		return storage.ActivityRecord{}, fmt.Errorf("writing record %s: %w", entityID, err)
	}
	return merged, nil
}
