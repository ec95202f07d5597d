package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// QueueStore is the slice of the storage layer the worker drives.
type QueueStore interface {
	storage.JobQueue
	MemoryForEmbedding(ctx context.Context, memoryID string) (*types.Memory, error)
}

// WorkerConfig tunes the queue worker. Zero values fall back to defaults.
type WorkerConfig struct {
	MaxAttempts       int           // default 5
	RetryBase         time.Duration // default 500ms
	RetryMax          time.Duration // default 60s
	ProcessingTimeout time.Duration // default 2m
	BatchSize         int           // default 10
}

func (c *WorkerConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 60 * time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Worker drains the embedding job queue against the provider.
type Worker struct {
	store    QueueStore
	provider Provider
	cfg      WorkerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker builds a queue worker.
func NewWorker(store QueueStore, provider Provider, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunReport summarizes one ProcessDueJobs pass.
type RunReport struct {
	Requeued     int `json:"requeued"`
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// ProcessDueJobs rescues stale claims, then claims and processes up to
// maxJobs due jobs. Delivery is at least once; the embedding UPSERT makes
// duplicate completion harmless.
func (w *Worker) ProcessDueJobs(ctx context.Context, maxJobs int) (*RunReport, error) {
	if maxJobs <= 0 {
		maxJobs = w.cfg.BatchSize
	}
	report := &RunReport{}

	requeued, err := w.store.RequeueStaleJobs(ctx, w.cfg.ProcessingTimeout, w.now())
	if err != nil {
		return report, err
	}
	report.Requeued = requeued
	if requeued > 0 {
		w.logger.Info("requeued stale embedding jobs", "count", requeued)
	}

	for i := 0; i < maxJobs; i++ {
		job, err := w.store.ClaimNextJob(ctx, uuid.NewString(), w.now())
		if err != nil {
			return report, err
		}
		if job == nil {
			break
		}
		report.Processed++
		w.processClaim(ctx, job, report)
	}
	return report, nil
}

func (w *Worker) processClaim(ctx context.Context, job *types.EmbeddingJob, report *RunReport) {
	start := w.now()

	mem, err := w.store.MemoryForEmbedding(ctx, job.MemoryID)
	if errors.Is(err, storage.ErrNotFound) {
		// The memory vanished between enqueue and claim. Purge any stored
		// vector and retire the job.
		if err := w.store.DeleteEmbedding(ctx, job.MemoryID); err != nil {
			w.logger.Warn("failed to purge embedding for missing memory", "memory_id", job.MemoryID, "error", err)
		}
		if err := w.store.MarkJobSucceeded(ctx, job.ID, w.now()); err != nil {
			w.logger.Error("failed to retire skipped job", "job_id", job.ID, "error", err)
			return
		}
		report.Skipped++
		w.recordMetric(ctx, job, types.OutcomeSkipped, start, "", "memory missing or deleted")
		return
	}
	if err != nil {
		w.retryOrDeadLetter(ctx, job, report, start, "STORAGE_ERROR", err)
		return
	}

	result, err := w.provider.Embed(ctx, job.Model, mem.Content)
	if err != nil {
		if IsRetryable(err) {
			w.retryOrDeadLetter(ctx, job, report, start, ErrorCode(err), err)
		} else {
			w.deadLetter(ctx, job, report, start, ErrorCode(err), err)
		}
		return
	}

	err = w.store.UpsertEmbedding(ctx, types.MemoryEmbedding{
		MemoryID:     job.MemoryID,
		Model:        job.Model,
		ModelVersion: job.ModelVersion,
		Vector:       result.Vector,
	})
	if err != nil {
		w.retryOrDeadLetter(ctx, job, report, start, "STORAGE_ERROR", err)
		return
	}
	if err := w.store.MarkJobSucceeded(ctx, job.ID, w.now()); err != nil {
		w.logger.Error("failed to mark job succeeded", "job_id", job.ID, "error", err)
		return
	}
	report.Succeeded++
	w.recordMetric(ctx, job, types.OutcomeSuccess, start, "", "")
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, job *types.EmbeddingJob, report *RunReport, start time.Time, code string, cause error) {
	if job.AttemptCount >= job.MaxAttempts {
		w.deadLetter(ctx, job, report, start, code, cause)
		return
	}

	next := w.now().Add(Backoff(job.AttemptCount, w.cfg.RetryBase, w.cfg.RetryMax))
	if err := w.store.MarkJobRetry(ctx, job.ID, next, truncateError(cause)); err != nil {
		w.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		return
	}
	report.Retried++
	w.recordMetric(ctx, job, types.OutcomeRetry, start, code, truncateError(cause))
}

func (w *Worker) deadLetter(ctx context.Context, job *types.EmbeddingJob, report *RunReport, start time.Time, code string, cause error) {
	reason := "max_attempts_exhausted"
	if !IsRetryable(cause) {
		reason = "non_retryable_error"
	}
	if err := w.store.MarkJobDeadLetter(ctx, job.ID, reason, truncateError(cause), w.now()); err != nil {
		w.logger.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
		return
	}
	report.DeadLettered++
	w.logger.Warn("embedding job dead-lettered",
		"job_id", job.ID, "memory_id", job.MemoryID, "attempt", job.AttemptCount, "reason", reason)
	w.recordMetric(ctx, job, types.OutcomeDeadLetter, start, code, truncateError(cause))
}

// recordMetric is best effort: a telemetry insert failure never fails the
// queue step it describes.
func (w *Worker) recordMetric(ctx context.Context, job *types.EmbeddingJob, outcome string, start time.Time, errorCode, errorMessage string) {
	metric := types.JobMetric{
		JobID:        job.ID,
		MemoryID:     job.MemoryID,
		Model:        job.Model,
		Outcome:      outcome,
		Attempt:      job.AttemptCount,
		DurationMS:   w.now().Sub(start).Milliseconds(),
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
	if err := w.store.RecordJobMetric(ctx, metric); err != nil {
		w.logger.Warn("failed to record job metric", "job_id", job.ID, "error", err)
	}
}

// Backoff computes the delay before the attempt after `attempt` failures:
// base*2^(attempt-1), clamped to [base, max].
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d < base {
		return base
	}
	if d > max {
		return max
	}
	return d
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
