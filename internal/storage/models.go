package storage

import (
	"errors"
	"time"

	"github.com/kalambet/relayfeed/internal/priority"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entity is a trackable remote account as last reported by the registry.
type Entity struct {
	ID          string
	Name        string
	FullName    string
	IsPrivate   bool
	Metadata    map[string]string
	RefreshedAt time.Time
	Stale       bool // absent from the most recent refresh
}

// ActivityRecord is the per-entity scheduling state.
// LastKnownItemID and LastKnownItemDate are set together or not at all.
type ActivityRecord struct {
	EntityID               string
	LastKnownItemID        string
	LastKnownItemDate      *time.Time
	ItemCountHint          int
	Tier                   priority.Tier
	ConsecutiveEmptyChecks int
	LastCheckedAt          *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SyncState is the persisted cycle counter for one polling stream.
type SyncState struct {
	Stream      string
	CycleNumber int
	Initialized bool
	UpdatedAt   time.Time
}

// ItemKind tells posts and stories apart.
type ItemKind string

const (
	KindPost  ItemKind = "post"
	KindStory ItemKind = "story"
)

// OrDefault treats an unset kind as a post.
func (k ItemKind) OrDefault() ItemKind {
	if k == "" {
		return KindPost
	}
	return k
}

// Item is a single piece of content published by an entity.
type Item struct {
	ID         string
	EntityID   string
	Kind       ItemKind
	Caption    string
	URL        string
	MediaURLs  []string
	PostedAt   time.Time
	ArchivedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats reports row counts for the health endpoint.
type Stats struct {
	Entities      int
	StaleEntities int
	Records       int
	StoryRecords  int
	Items         int
	PendingJobs   int
}
