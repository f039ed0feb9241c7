package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the migrations create the lookup indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_entities_stale", "idx_activity_records_tier", "idx_jobs_status_run_after", "idx_items_posted_at"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json) VALUES ('j1', 'sync_pass', '{"reason":"tick"}')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "sync_pass" {
		t.Errorf("type = %q, want %q", typ, "sync_pass")
	}
	if payload != `{"reason":"tick"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"reason":"tick"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "sync_pass",
		PayloadJSON: `{"reason":"manual"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"sync_pass"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "sync_pass" {
		t.Errorf("Type = %q, want %q", got.Type, "sync_pass")
	}
	if got.PayloadJSON != `{"reason":"manual"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"reason":"manual"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"sync_pass"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "sync_pass",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"sync_pass"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestHasPendingJob(t *testing.T) {
	s := openTestStore(t)

	has, err := s.HasPendingJob("sync_pass")
	if err != nil {
		t.Fatalf("HasPendingJob: %v", err)
	}
	if has {
		t.Fatal("expected no pending job on empty queue")
	}

	if err := s.EnqueueJob(Job{ID: "j-pending", Type: "sync_pass", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if has, _ = s.HasPendingJob("sync_pass"); !has {
		t.Error("expected pending job after enqueue")
	}

	if _, err := s.ClaimNextJob([]string{"sync_pass"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if has, _ = s.HasPendingJob("sync_pass"); !has {
		t.Error("running job should count as pending")
	}

	if err := s.CompleteJob("j-pending"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if has, _ = s.HasPendingJob("sync_pass"); has {
		t.Error("completed job should not count as pending")
	}
}

func TestResetRunningJobs(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-stuck", Type: "sync_pass", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"sync_pass"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.ResetRunningJobs()
	if err != nil {
		t.Fatalf("ResetRunningJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d jobs, want 1", n)
	}

	got, err := s.ClaimNextJob([]string{"sync_pass"})
	if err != nil {
		t.Fatalf("ClaimNextJob after reset: %v", err)
	}
	if got == nil || got.ID != "j-stuck" {
		t.Errorf("expected j-stuck to be claimable again, got %+v", got)
	}
}

func TestReplaceEntitiesMarksMissingStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Truncate(time.Second)
	err := s.ReplaceEntities(ctx, []Entity{
		{ID: "1", Name: "alice", FullName: "Alice A", Metadata: map[string]string{"followers": "10"}},
		{ID: "2", Name: "bob", IsPrivate: true},
	}, first)
	if err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}

	second := first.Add(time.Hour)
	if err := s.ReplaceEntities(ctx, []Entity{{ID: "1", Name: "alice2"}}, second); err != nil {
		t.Fatalf("ReplaceEntities second: %v", err)
	}

	active, err := s.ListEntities(ctx, false)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(active) != 1 || active[0].ID != "1" || active[0].Name != "alice2" {
		t.Fatalf("active entities = %+v", active)
	}
	if !active[0].RefreshedAt.Equal(second) {
		t.Errorf("RefreshedAt = %v, want %v", active[0].RefreshedAt, second)
	}

	all, err := s.ListEntities(ctx, true)
	if err != nil {
		t.Fatalf("ListEntities(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entities including stale, got %d", len(all))
	}
	for _, e := range all {
		if e.ID == "2" && (!e.Stale || !e.IsPrivate) {
			t.Errorf("entity 2 = %+v, want stale and private", e)
		}
	}

	fetchedAt, err := s.RegistryFetchedAt(ctx)
	if err != nil {
		t.Fatalf("RegistryFetchedAt: %v", err)
	}
	if !fetchedAt.Equal(second) {
		t.Errorf("fetchedAt = %v, want %v", fetchedAt, second)
	}
}

func TestRegistryFetchedAtNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.RegistryFetchedAt(context.Background()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActivityRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetActivityRecord(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	created := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	itemDate := created.Add(-72 * time.Hour)
	checked := created.Add(time.Hour)
	want := ActivityRecord{
		EntityID:               "e1",
		LastKnownItemID:        "p9",
		LastKnownItemDate:      &itemDate,
		ItemCountHint:          42,
		Tier:                   priority.Low,
		ConsecutiveEmptyChecks: 3,
		LastCheckedAt:          &checked,
		CreatedAt:              created,
	}
	if err := s.UpsertActivityRecord(ctx, want); err != nil {
		t.Fatalf("UpsertActivityRecord: %v", err)
	}

	got, err := s.GetActivityRecord(ctx, "e1")
	if err != nil {
		t.Fatalf("GetActivityRecord: %v", err)
	}
	if got.LastKnownItemID != "p9" || got.ItemCountHint != 42 || got.Tier != priority.Low || got.ConsecutiveEmptyChecks != 3 {
		t.Errorf("record mismatch: %+v", got)
	}
	if got.LastKnownItemDate == nil || !got.LastKnownItemDate.Equal(itemDate) {
		t.Errorf("LastKnownItemDate = %v, want %v", got.LastKnownItemDate, itemDate)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checked) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, checked)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	// CreatedAt is the observation window start and must survive updates.
	want.CreatedAt = time.Now().UTC()
	want.Tier = priority.High
	if err := s.UpsertActivityRecord(ctx, want); err != nil {
		t.Fatalf("UpsertActivityRecord update: %v", err)
	}
	got, _ = s.GetActivityRecord(ctx, "e1")
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v", got.CreatedAt)
	}
	if got.Tier != priority.High {
		t.Errorf("Tier = %q, want high", got.Tier)
	}
}

func TestActivityRecordNullableFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertActivityRecord(ctx, ActivityRecord{EntityID: "e2", Tier: priority.Dormant}); err != nil {
		t.Fatalf("UpsertActivityRecord: %v", err)
	}
	got, err := s.GetActivityRecord(ctx, "e2")
	if err != nil {
		t.Fatalf("GetActivityRecord: %v", err)
	}
	if got.LastKnownItemID != "" || got.LastKnownItemDate != nil || got.LastCheckedAt != nil {
		t.Errorf("expected unset item fields, got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should default to now")
	}
}

func TestTierDistribution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tiers := []priority.Tier{priority.High, priority.Low, priority.Low, priority.Dormant}
	for i, tier := range tiers {
		rec := ActivityRecord{EntityID: fmt.Sprintf("e%d", i), Tier: tier}
		if err := s.UpsertActivityRecord(ctx, rec); err != nil {
			t.Fatalf("UpsertActivityRecord: %v", err)
		}
	}

	dist, err := s.TierDistribution(ctx)
	if err != nil {
		t.Fatalf("TierDistribution: %v", err)
	}
	if dist[priority.High] != 1 || dist[priority.Low] != 2 || dist[priority.Dormant] != 1 || dist[priority.Normal] != 0 {
		t.Errorf("distribution = %v", dist)
	}

	records, err := s.ListActivityRecords(ctx)
	if err != nil {
		t.Fatalf("ListActivityRecords: %v", err)
	}
	if len(records) != 4 || records[0].EntityID != "e0" {
		t.Errorf("records = %+v", records)
	}
}

func TestSyncStatePerStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncState(ctx, "posts"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SaveSyncState(ctx, SyncState{Stream: "posts", CycleNumber: 7, Initialized: true}); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	if err := s.SaveSyncState(ctx, SyncState{Stream: "stories", CycleNumber: 2}); err != nil {
		t.Fatalf("SaveSyncState stories: %v", err)
	}

	posts, err := s.GetSyncState(ctx, "posts")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if posts.CycleNumber != 7 || !posts.Initialized {
		t.Errorf("posts state = %+v", posts)
	}
	stories, _ := s.GetSyncState(ctx, "stories")
	if stories.CycleNumber != 2 || stories.Initialized {
		t.Errorf("stories state = %+v", stories)
	}
}

func TestKVBuckets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetKV(ctx, "sync", "last_pass"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutKV(ctx, "sync", "last_pass", `{"cycle":1}`); err != nil {
		t.Fatalf("PutKV: %v", err)
	}
	if err := s.PutKV(ctx, "sync", "last_pass", `{"cycle":2}`); err != nil {
		t.Fatalf("PutKV overwrite: %v", err)
	}
	if err := s.PutKV(ctx, "overrides", "active", `["alice"]`); err != nil {
		t.Fatalf("PutKV overrides: %v", err)
	}

	v, err := s.GetKV(ctx, "sync", "last_pass")
	if err != nil {
		t.Fatalf("GetKV: %v", err)
	}
	if v != `{"cycle":2}` {
		t.Errorf("value = %q", v)
	}

	bucket, err := s.ListKV(ctx, "sync")
	if err != nil {
		t.Fatalf("ListKV: %v", err)
	}
	if len(bucket) != 1 {
		t.Errorf("sync bucket has %d keys, want 1", len(bucket))
	}
}

func TestUpsertItemsDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	posted := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	items := []Item{
		{ID: "p1", EntityID: "e1", Caption: "first", URL: "https://example.com/p/p1", MediaURLs: []string{"https://cdn.example.com/1.jpg"}, PostedAt: posted},
		{ID: "p2", EntityID: "e1", Caption: "second", PostedAt: posted.Add(time.Minute)},
	}
	n, err := s.UpsertItems(ctx, items)
	if err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted %d, want 2", n)
	}

	items[0].Caption = "edited"
	n, err = s.UpsertItems(ctx, items)
	if err != nil {
		t.Fatalf("UpsertItems again: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted %d on replay, want 0", n)
	}

	// Same item id under another entity is a distinct item.
	n, _ = s.UpsertItems(ctx, []Item{{ID: "p1", EntityID: "e2", PostedAt: posted}})
	if n != 1 {
		t.Errorf("inserted %d for other entity, want 1", n)
	}

	got, err := s.RecentItems(ctx, 10, posted.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentItems: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	if got[0].ID != "p2" {
		t.Errorf("newest item = %q, want p2", got[0].ID)
	}
	for _, it := range got {
		if it.EntityID == "e1" && it.ID == "p1" {
			if it.Caption != "edited" {
				t.Errorf("caption = %q, want edited", it.Caption)
			}
			if len(it.MediaURLs) != 1 {
				t.Errorf("media urls = %v", it.MediaURLs)
			}
		}
	}
}

func TestRecentItemsWindowAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	var items []Item
	for i := 0; i < 5; i++ {
		items = append(items, Item{ID: fmt.Sprintf("p%d", i), EntityID: "e1", PostedAt: now.Add(-time.Duration(i) * 24 * time.Hour)})
	}
	if _, err := s.UpsertItems(ctx, items); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	got, err := s.RecentItems(ctx, 10, now.Add(-50*time.Hour))
	if err != nil {
		t.Fatalf("RecentItems: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("window returned %d items, want 3", len(got))
	}

	got, _ = s.RecentItems(ctx, 2, now.Add(-30*24*time.Hour))
	if len(got) != 2 {
		t.Errorf("limit returned %d items, want 2", len(got))
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.ReplaceEntities(ctx, []Entity{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, time.Now()); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}
	if err := s.ReplaceEntities(ctx, []Entity{{ID: "1", Name: "a"}}, time.Now()); err != nil {
		t.Fatalf("ReplaceEntities: %v", err)
	}
	if err := s.UpsertActivityRecord(ctx, ActivityRecord{EntityID: "1", Tier: priority.Normal}); err != nil {
		t.Fatalf("UpsertActivityRecord: %v", err)
	}
	if _, err := s.UpsertItems(ctx, []Item{{ID: "p", EntityID: "1", PostedAt: time.Now()}}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j", Type: "sync_pass", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Entities: 1, StaleEntities: 1, Records: 1, Items: 1, PendingJobs: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}
}

func TestRecordsAreSeparatedPerStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stories, err := s.Records(StreamStories)
	if err != nil {
		t.Fatalf("Records(stories): %v", err)
	}
	if err := s.UpsertActivityRecord(ctx, ActivityRecord{EntityID: "1", Tier: priority.High}); err != nil {
		t.Fatalf("UpsertActivityRecord posts: %v", err)
	}
	if err := stories.UpsertActivityRecord(ctx, ActivityRecord{EntityID: "1", Tier: priority.Low}); err != nil {
		t.Fatalf("UpsertActivityRecord stories: %v", err)
	}

	post, err := s.GetActivityRecord(ctx, "1")
	if err != nil {
		t.Fatalf("GetActivityRecord posts: %v", err)
	}
	story, err := stories.GetActivityRecord(ctx, "1")
	if err != nil {
		t.Fatalf("GetActivityRecord stories: %v", err)
	}
	if post.Tier != priority.High || story.Tier != priority.Low {
		t.Errorf("tiers = %s / %s, want high / low", post.Tier, story.Tier)
	}

	dist, err := stories.TierDistribution(ctx)
	if err != nil {
		t.Fatalf("TierDistribution: %v", err)
	}
	if dist[priority.Low] != 1 || dist[priority.High] != 0 {
		t.Errorf("story distribution = %v", dist)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Records != 1 || st.StoryRecords != 1 {
		t.Errorf("Stats = %+v", st)
	}

	if _, err := s.Records("reels"); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestItemKindRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	posted := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	items := []Item{
		{ID: "p1", EntityID: "e1", PostedAt: posted},
		{ID: "s1", EntityID: "e1", Kind: KindStory, PostedAt: posted.Add(time.Minute)},
	}
	if _, err := s.UpsertItems(ctx, items); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	got, err := s.RecentItems(ctx, 10, posted.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentItems: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[0].Kind != KindStory || got[1].Kind != KindPost {
		t.Errorf("kinds = %s, %s; want story, post", got[0].Kind, got[1].Kind)
	}
}
