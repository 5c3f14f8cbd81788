// Package ingest runs the background worker that embeds catalog items queued
// through the job table.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/reelsense/internal/metrics"
	"github.com/kalambet/reelsense/internal/storage"
)

const defaultPoll = 500 * time.Millisecond

type JobQueue interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// ItemEmbedder generates and stores the embedding of one catalog item.
type ItemEmbedder interface {
	EmbedOne(ctx context.Context, itemID string) error
}

type embedPayload struct {
	ItemID string `json:"item_id"`
}

// EnqueueEmbed queues an embed job for itemID and returns the job ID.
func EnqueueEmbed(ctx context.Context, q JobEnqueuer, itemID string) (string, error) {
	payload, _ := json.Marshal(embedPayload{ItemID: itemID})
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobTypeEmbedItem,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing embed job for %s: %w", itemID, err)
	}
	return job.ID, nil
}

// Worker drains embed jobs one at a time. A failing job is retried by the
// queue's backoff until it runs out of attempts.
type Worker struct {
	queue    JobQueue
	embedder ItemEmbedder
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker returns a worker that sleeps poll between empty checks; a
// non-positive poll means 500ms.
func NewWorker(queue JobQueue, embedder ItemEmbedder, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{queue: queue, embedder: embedder, poll: poll, logger: slog.Default().With("component", "ingest")}
}

// Run processes jobs until ctx is cancelled. While jobs are due it does not
// sleep between them.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		busy, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if busy {
			timer.Reset(0)
		} else {
			timer.Reset(w.poll)
		}
	}
}

// RunOnce handles at most one due job. It reports whether a job was claimed;
// the job's own failure is recorded in the queue, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, []string{storage.JobTypeEmbedItem})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log := w.logger.With("job_id", job.ID)
	// Bookkeeping must land even when shutdown cancels the job itself,
	// otherwise the row stays running.
	bg := context.WithoutCancel(ctx)

	if jobErr := w.handle(ctx, job); jobErr != nil {
		log.Warn("embed job failed", "attempt", job.Attempts+1, "error", jobErr)
		if err := w.queue.FailJob(bg, job.ID, jobErr.Error()); err != nil {
			return true, fmt.Errorf("recording failure of job %s: %w", job.ID, err)
		}
		w.countFailure(bg, job.ID)
		return true, nil
	}

	if err := w.queue.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	metrics.EmbedJobsTotal.WithLabelValues("completed").Inc()
	log.Debug("embed job completed")
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) error {
	var p embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.ItemID == "" {
		return errors.New("payload has no item_id")
	}
	return w.embedder.EmbedOne(ctx, p.ItemID)
}

// countFailure labels a failed attempt by whether the queue will retry it.
func (w *Worker) countFailure(ctx context.Context, id string) {
	outcome := "retried"
	if j, err := w.queue.GetJob(ctx, id); err == nil && j.Status == storage.JobFailed {
		outcome = "failed"
	}
	metrics.EmbedJobsTotal.WithLabelValues(outcome).Inc()
}
