package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/events"
	"github.com/kalambet/picshelf/internal/pipeline"
	"github.com/kalambet/picshelf/internal/storage"
)

// JobTypeAnalyze is the queue type for one image file awaiting processing.
const JobTypeAnalyze = "analyze_image"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id, result string) error
	FailJob(id string, errMsg string) error
	DiscardJob(id string, errMsg string) error
	BatchSummary(batchID string) (storage.BatchSummary, error)
}

// FileProcessor runs the per-file pipeline.
type FileProcessor interface {
	Process(ctx context.Context, path string) (pipeline.Result, error)
}

// Broadcaster publishes progress events.
type Broadcaster interface {
	Broadcast(msg events.Message)
}

// Worker processes analyze_image jobs from the SQLite job queue.
type Worker struct {
	store       JobStore
	processor   FileProcessor
	events      Broadcaster
	poll        time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. bus may be nil.
func NewWorker(store JobStore, processor FileProcessor, bus Broadcaster, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		processor:   processor,
		events:      bus,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// Run polls for jobs with the configured number of loops until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	var g errgroup.Group
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
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

// RunOnce claims and processes a single analyze_image job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeAnalyze})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(job, "", fmt.Errorf("%w: parsing payload: %v", catalog.ErrInvalidInput, err))
		return true, nil
	}

	res, err := w.processor.Process(ctx, payload.Path)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; leave the job for RequeueRunningJobs on next start.
			return true, nil
		}
		w.fail(job, payload.Path, err)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, res.Outcome); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.publish(events.Message{
		Type:    events.TypeFileProcessed,
		BatchID: job.BatchID,
		Path:    payload.Path,
		Outcome: res.Outcome,
		ID:      res.ID,
	})
	w.checkBatch(job.BatchID)
	return true, nil
}

// permanent errors are not retried: the same input would fail the same way.
func permanent(err error) bool {
	return errors.Is(err, catalog.ErrInvalidInput) || errors.Is(err, catalog.ErrUpstreamFailure)
}

// fail records a failed attempt. file_failed is only published once the job
// will not run again.
func (w *Worker) fail(job *storage.Job, path string, err error) {
	terminal := permanent(err) || job.Attempts+1 >= job.MaxAttempts

	var markErr error
	if permanent(err) {
		markErr = w.store.DiscardJob(job.ID, err.Error())
	} else {
		markErr = w.store.FailJob(job.ID, err.Error())
	}
	if markErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", markErr)
		return
	}

	if !terminal {
		w.logger.Warn("job failed, will retry", "job_id", job.ID, "path", path, "attempt", job.Attempts+1, "error", err)
		return
	}
	w.logger.Warn("job failed", "job_id", job.ID, "path", path, "error", err)
	w.publish(events.Message{
		Type:    events.TypeFileFailed,
		BatchID: job.BatchID,
		Path:    path,
		Error:   err.Error(),
	})
	w.checkBatch(job.BatchID)
}

func (w *Worker) checkBatch(batchID string) {
	if batchID == "" || w.events == nil {
		return
	}
	sum, err := w.store.BatchSummary(batchID)
	if err != nil {
		w.logger.Warn("loading batch summary", "batch_id", batchID, "error", err)
		return
	}
	if sum.Done() {
		w.logger.Info("batch finished", "batch_id", batchID, "total", sum.Total, "failed", sum.Failed)
		w.publish(events.Message{Type: events.TypeBatchDone, BatchID: batchID})
	}
}

func (w *Worker) publish(msg events.Message) {
	if w.events != nil {
		w.events.Broadcast(msg)
	}
}
