package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
)

// Polling streams with their own activity records and cycle state.
const (
	StreamPosts   = "posts"
	StreamStories = "stories"
)

var recordTables = map[string]string{
	StreamPosts:   "activity_records",
	StreamStories: "story_records",
}

// RecordTable holds the activity records of one polling stream.
type RecordTable struct {
	db    *sql.DB
	table string
}

// Records returns the record table of a stream.
func (s *Store) Records(stream string) (*RecordTable, error) {
	table, ok := recordTables[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	return &RecordTable{db: s.db, table: table}, nil
}

const recordColumns = `entity_id, last_item_id, last_item_date, item_count_hint, tier,
	consecutive_empty, last_checked_at, created_at, updated_at`

// GetActivityRecord returns the record of an entity or ErrNotFound.
func (t *RecordTable) GetActivityRecord(ctx context.Context, entityID string) (ActivityRecord, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+t.table+` WHERE entity_id = ?`, entityID)
	r, err := scanActivityRecord(row)
	if err == sql.ErrNoRows {
		return ActivityRecord{}, ErrNotFound
	}
	return r, err
}

// UpsertActivityRecord writes the full record, inserting it if needed.
// A zero CreatedAt is replaced with the current time on insert.
func (t *RecordTable) UpsertActivityRecord(ctx context.Context, r ActivityRecord) error {
	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var lastItemID sql.NullString
	if r.LastKnownItemID != "" {
		lastItemID = sql.NullString{String: r.LastKnownItemID, Valid: true}
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO `+t.table+` (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			last_item_id = excluded.last_item_id,
			last_item_date = excluded.last_item_date,
			item_count_hint = excluded.item_count_hint,
			tier = excluded.tier,
			consecutive_empty = excluded.consecutive_empty,
			last_checked_at = excluded.last_checked_at,
			updated_at = excluded.updated_at`,
		r.EntityID, lastItemID, nullTime(r.LastKnownItemDate), r.ItemCountHint, string(r.Tier),
		r.ConsecutiveEmptyChecks, nullTime(r.LastCheckedAt), formatTime(createdAt), formatTime(now),
	)
	return err
}

// ListActivityRecords returns every record ordered by entity id.
func (t *RecordTable) ListActivityRecords(ctx context.Context) ([]ActivityRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM `+t.table+` ORDER BY entity_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ActivityRecord
	for rows.Next() {
		r, err := scanActivityRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// TierDistribution counts records per tier.
func (t *RecordTable) TierDistribution(ctx context.Context) (map[priority.Tier]int, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM `+t.table+` GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dist := make(map[priority.Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		dist[priority.Tier(tier)] = n
	}
	return dist, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivityRecord(row rowScanner) (ActivityRecord, error) {
	var r ActivityRecord
	var lastItemID, lastItemDate, lastChecked sql.NullString
	var tier, createdAt, updatedAt string
	if err := row.Scan(&r.EntityID, &lastItemID, &lastItemDate, &r.ItemCountHint, &tier,
		&r.ConsecutiveEmptyChecks, &lastChecked, &createdAt, &updatedAt); err != nil {
		return ActivityRecord{}, err
	}
	r.LastKnownItemID = lastItemID.String
	r.Tier = priority.Tier(tier)

	var err error
	if r.LastKnownItemDate, err = parseNullTime("last_item_date", lastItemDate); err != nil {
		return ActivityRecord{}, err
	}
	if r.LastCheckedAt, err = parseNullTime("last_checked_at", lastChecked); err != nil {
		return ActivityRecord{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return ActivityRecord{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return ActivityRecord{}, err
	}
	return r, nil
}
