// Package worker drives sync passes from the SQLite job queue. Triggers
// (timer, HTTP, MCP) enqueue sync_pass jobs; a single Worker claims them
// and runs one pass per stream, so passes are serialized and failed ones
// retried with the queue's backoff.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/relayfeed/internal/scheduler"
	"github.com/kalambet/relayfeed/internal/storage"
)

// JobType is the queue job type for a sync pass.
const JobType = "sync_pass"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// PassRunner runs a sync pass. Implemented by scheduler.Orchestrator.
type PassRunner interface {
	RunPass(ctx context.Context) (scheduler.PassSummary, error)
}

// Worker processes sync_pass jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	runners []PassRunner
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker that runs every runner, in order, for each
// claimed job. If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, pollInterval time.Duration, runners ...PassRunner) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:   store,
		runners: runners,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single sync_pass job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, scheduler.ErrPassInProgress) {
			level = slog.LevelInfo
		}
		w.logger.Log(ctx, level, "sync job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type passPayload struct {
	Reason string `json:"reason"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload passPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	// A failing stream does not hold back the others; the job is retried
	// as a whole.
	var errs []error
	for _, r := range w.runners {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		w.logger.Debug("running sync pass", "job_id", job.ID, "reason", payload.Reason)
		sum, err := r.RunPass(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync pass %s %s: %w", sum.Stream, sum.RunID, err))
		}
	}
	return errors.Join(errs...)
}
