package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/relayfeed/internal/storage"
)

// Trigger reasons recorded in the job payload.
const (
	ReasonStartup = "startup"
	ReasonTick    = "tick"
	ReasonManual  = "manual"
)

// JobQueue is the enqueue side of the job store.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
	HasPendingJob(jobType string) (bool, error)
}

// Trigger enqueues sync_pass jobs, coalescing requests while one is
// already pending or running.
type Trigger struct {
	mu    sync.Mutex
	queue JobQueue
}

func NewTrigger(queue JobQueue) *Trigger {
	return &Trigger{queue: queue}
}

// Request enqueues a pass unless one is already queued. It returns the new
// job id and whether a job was enqueued.
func (t *Trigger) Request(reason string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, err := t.queue.HasPendingJob(JobType)
	if err != nil {
		return "", false, fmt.Errorf("checking pending jobs: %w", err)
	}
	if pending {
		return "", false, nil
	}

	payload, err := json.Marshal(passPayload{Reason: reason})
	if err != nil {
		return "", false, err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := t.queue.EnqueueJob(job); err != nil {
		return "", false, fmt.Errorf("enqueueing sync job: %w", err)
	}
	return job.ID, true, nil
}

// Ticker requests a pass once at start and then every interval.
type Ticker struct {
	trigger  *Trigger
	interval time.Duration
	logger   *slog.Logger
}

func NewTicker(trigger *Trigger, interval time.Duration) *Ticker {
	return &Ticker{trigger: trigger, interval: interval, logger: slog.Default()}
}

// Run blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	t.request(ReasonStartup)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.request(ReasonTick)
		}
	}
}

func (t *Ticker) request(reason string) {
	id, queued, err := t.trigger.Request(reason)
	switch {
	case err != nil:
		t.logger.Error("scheduling sync pass failed", "reason", reason, "error", err)
	case !queued:
		t.logger.Debug("sync pass already queued", "reason", reason)
	default:
		t.logger.Debug("sync pass queued", "reason", reason, "job_id", id)
	}
}
