package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the entity cache, activity ledger,
// cycle state, archived items and the pass trigger queue.
type Store struct {
	db    *sql.DB
	posts *RecordTable
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "relayfeed.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, posts: &RecordTable{db: db, table: recordTables[StreamPosts]}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(field string, v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Entities ---

const (
	registryBucket    = "registry"
	registryFetchedAt = "fetched_at"
)

// ReplaceEntities stores a fresh registry snapshot. Entities missing from
// the snapshot are kept but marked stale. fetchedAt is recorded in the same
// transaction.
func (s *Store) ReplaceEntities(ctx context.Context, entities []Entity, fetchedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning entity transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE entities SET stale = 1`); err != nil {
		return fmt.Errorf("marking entities stale: %w", err)
	}

	ts := formatTime(fetchedAt)
	for _, e := range entities {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshalling metadata for %s: %w", e.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (id, name, full_name, is_private, metadata_json, stale, refreshed_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				full_name = excluded.full_name,
				is_private = excluded.is_private,
				metadata_json = excluded.metadata_json,
				stale = 0,
				refreshed_at = excluded.refreshed_at`,
			e.ID, e.Name, e.FullName, boolInt(e.IsPrivate), string(metaJSON), ts,
		)
		if err != nil {
			return fmt.Errorf("upserting entity %s: %w", e.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		registryBucket, registryFetchedAt, ts, ts,
	); err != nil {
		return fmt.Errorf("recording fetched_at: %w", err)
	}

	return tx.Commit()
}

// ListEntities returns cached entities ordered by name. Stale entities are
// included only when includeStale is set.
func (s *Store) ListEntities(ctx context.Context, includeStale bool) ([]Entity, error) {
	query := `SELECT id, name, full_name, is_private, metadata_json, stale, refreshed_at FROM entities`
	if !includeStale {
		query += ` WHERE stale = 0`
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entity
	for rows.Next() {
		var e Entity
		var private, stale int
		var metaJSON, refreshedAt string
		if err := rows.Scan(&e.ID, &e.Name, &e.FullName, &private, &metaJSON, &stale, &refreshedAt); err != nil {
			return nil, err
		}
		e.IsPrivate = private != 0
		e.Stale = stale != 0
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata for %s: %w", e.ID, err)
		}
		if e.RefreshedAt, err = parseTime("refreshed_at", refreshedAt); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// RegistryFetchedAt returns when the entity snapshot was last refreshed.
// Returns ErrNotFound if no snapshot was ever stored.
func (s *Store) RegistryFetchedAt(ctx context.Context) (time.Time, error) {
	v, err := s.GetKV(ctx, registryBucket, registryFetchedAt)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime("fetched_at", v)
}

// --- Activity records ---

// GetActivityRecord reads a posts record. See Records for other streams.
func (s *Store) GetActivityRecord(ctx context.Context, entityID string) (ActivityRecord, error) {
	return s.posts.GetActivityRecord(ctx, entityID)
}

// UpsertActivityRecord writes a posts record.
func (s *Store) UpsertActivityRecord(ctx context.Context, r ActivityRecord) error {
	return s.posts.UpsertActivityRecord(ctx, r)
}

// ListActivityRecords lists the posts records.
func (s *Store) ListActivityRecords(ctx context.Context) ([]ActivityRecord, error) {
	return s.posts.ListActivityRecords(ctx)
}

// TierDistribution counts posts records per tier.
func (s *Store) TierDistribution(ctx context.Context) (map[priority.Tier]int, error) {
	return s.posts.TierDistribution(ctx)
}

// --- Sync state ---

// GetSyncState returns the cycle state of a stream, or ErrNotFound.
func (s *Store) GetSyncState(ctx context.Context, stream string) (SyncState, error) {
	var st SyncState
	var initialized int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT stream, cycle_number, initialized, updated_at FROM sync_state WHERE stream = ?`, stream,
	).Scan(&st.Stream, &st.CycleNumber, &initialized, &updatedAt)
	if err == sql.ErrNoRows {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, err
	}
	st.Initialized = initialized != 0
	if st.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return SyncState{}, err
	}
	return st, nil
}

func (s *Store) SaveSyncState(ctx context.Context, st SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (stream, cycle_number, initialized, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			cycle_number = excluded.cycle_number,
			initialized = excluded.initialized,
			updated_at = excluded.updated_at`,
		st.Stream, st.CycleNumber, boolInt(st.Initialized), formatTime(time.Now()),
	)
	return err
}

// --- Key/value buckets ---

func (s *Store) PutKV(ctx context.Context, bucket, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetKV(ctx context.Context, bucket, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) ListKV(ctx context.Context, bucket string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Items ---

// UpsertItems archives items keyed by (entity_id, item_id) and returns how
// many of them were not archived before. Known items get their mutable
// fields refreshed.
func (s *Store) UpsertItems(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning item transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	inserted := 0
	for _, it := range items {
		media := it.MediaURLs
		if media == nil {
			media = []string{}
		}
		mediaJSON, err := json.Marshal(media)
		if err != nil {
			return 0, fmt.Errorf("marshalling media urls for %s: %w", it.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (entity_id, item_id, kind, caption, url, media_urls_json, posted_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, item_id) DO NOTHING`,
			it.EntityID, it.ID, string(it.Kind.OrDefault()), it.Caption, it.URL, string(mediaJSON), formatTime(it.PostedAt), now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting item %s/%s: %w", it.EntityID, it.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 1 {
			inserted++
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET caption = ?, url = ?, media_urls_json = ?
			WHERE entity_id = ? AND item_id = ?`,
			it.Caption, it.URL, string(mediaJSON), it.EntityID, it.ID,
		); err != nil {
			return 0, fmt.Errorf("updating item %s/%s: %w", it.EntityID, it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing items: %w", err)
	}
	return inserted, nil
}

// RecentItems returns up to limit items posted at or after since, newest first.
func (s *Store) RecentItems(ctx context.Context, limit int, since time.Time) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, item_id, kind, caption, url, media_urls_json, posted_at, archived_at
		FROM items WHERE posted_at >= ?
		ORDER BY posted_at DESC, item_id DESC LIMIT ?`, formatTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		var it Item
		var kind, mediaJSON, postedAt, archivedAt string
		if err := rows.Scan(&it.EntityID, &it.ID, &kind, &it.Caption, &it.URL, &mediaJSON, &postedAt, &archivedAt); err != nil {
			return nil, err
		}
		it.Kind = ItemKind(kind)
		if err := json.Unmarshal([]byte(mediaJSON), &it.MediaURLs); err != nil {
			return nil, fmt.Errorf("parsing media urls for %s: %w", it.ID, err)
		}
		if it.PostedAt, err = parseTime("posted_at", postedAt); err != nil {
			return nil, err
		}
		if it.ArchivedAt, err = parseTime("archived_at", archivedAt); err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// Stats returns row counts used by the health endpoint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities WHERE stale = 0),
			(SELECT COUNT(*) FROM entities WHERE stale = 1),
			(SELECT COUNT(*) FROM activity_records),
			(SELECT COUNT(*) FROM story_records),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running'))`,
	).Scan(&st.Entities, &st.StaleEntities, &st.Records, &st.StoryRecords, &st.Items, &st.PendingJobs)
	return st, err
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// HasPendingJob reports whether a job of the given type is pending or running.
func (s *Store) HasPendingJob(jobType string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND status IN ('pending', 'running')`, jobType).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetRunningJobs moves jobs left in the running state by a previous
// process back to pending. Called once at startup.
func (s *Store) ResetRunningJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
