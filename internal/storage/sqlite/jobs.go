package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Ensure *Store implements storage.JobQueue at compile time.
var _ storage.JobQueue = (*Store)(nil)

const jobColumns = `id, memory_id, model, model_version, operation, status,
	attempt_count, max_attempts, next_attempt_at, claimed_by, claimed_at,
	last_error, dead_letter_reason, dead_letter_at, created_at, updated_at`

// EnqueueEmbeddingJob inserts or resets the single pending job for
// (memory_id, model). The UPSERT is the debounce: repeated edits collapse
// into one queued job with attempts reset. Returns (jobID, skipped, err);
// empty content is skipped without touching the queue.
func (s *Store) EnqueueEmbeddingJob(ctx context.Context, memoryID, content, model, operation, modelVersion string, maxAttempts int) (int64, bool, error) {
	if strings.TrimSpace(content) == "" {
		return 0, true, nil
	}
	if memoryID == "" || model == "" {
		return 0, false, fmt.Errorf("%w: memory id and model are required", storage.ErrInvalidInput)
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_jobs (
			memory_id, model, model_version, operation, status,
			attempt_count, max_attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
		ON CONFLICT(memory_id, model) DO UPDATE SET
			operation = excluded.operation,
			model_version = excluded.model_version,
			status = 'queued',
			attempt_count = 0,
			max_attempts = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = NULL,
			dead_letter_reason = NULL,
			dead_letter_at = NULL,
			updated_at = excluded.updated_at`,
		memoryID, model, nullableString(modelVersion), operation, maxAttempts, now, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: failed to enqueue embedding job: %w", err)
	}

	var jobID int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM memory_embedding_jobs WHERE memory_id = ? AND model = ?",
		memoryID, model).Scan(&jobID)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: failed to read enqueued job id: %w", err)
	}
	return jobID, false, nil
}

// RequeueStaleJobs rescues processing rows whose claim is older than the
// timeout, preserving last_error for diagnosis.
func (s *Store) RequeueStaleJobs(ctx context.Context, timeout time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL,
			next_attempt_at = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at <= ?`,
		now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

// ClaimNextJob claims the oldest due queued job with a conditional UPDATE.
// The status/next_attempt_at predicate in the WHERE makes the claim safe
// against concurrent workers: at most one claim can win. Returns nil when
// nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, claimToken string, now time.Time) (*types.EmbeddingJob, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'processing', claimed_by = ?, claimed_at = ?,
			attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM memory_embedding_jobs
			WHERE status = 'queued' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT 1
		) AND status = 'queued' AND next_attempt_at <= ?`,
		claimToken, now, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	job, err := s.jobByClaim(ctx, claimToken)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) jobByClaim(ctx context.Context, claimToken string) (*types.EmbeddingJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM memory_embedding_jobs WHERE claimed_by = ? AND status = 'processing'",
		claimToken)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load claimed job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id, mainly for tests and diagnostics.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*types.EmbeddingJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM memory_embedding_jobs WHERE id = ?", jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get job %d: %w", jobID, err)
	}
	return job, nil
}

// MarkJobSucceeded finalizes a claimed job.
func (s *Store) MarkJobSucceeded(ctx context.Context, jobID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'succeeded', claimed_by = NULL, claimed_at = NULL,
			last_error = NULL, updated_at = ?
		WHERE id = ?`, now, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark job %d succeeded: %w", jobID, err)
	}
	return nil
}

// MarkJobRetry re-queues a failed job for a later attempt.
func (s *Store) MarkJobRetry(ctx context.Context, jobID int64, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'queued', claimed_by = NULL, claimed_at = NULL,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, nextAttemptAt, lastError, s.now(), jobID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark job %d for retry: %w", jobID, err)
	}
	return nil
}

// MarkJobDeadLetter parks a job permanently.
func (s *Store) MarkJobDeadLetter(ctx context.Context, jobID int64, reason, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_jobs
		SET status = 'dead_letter', claimed_by = NULL, claimed_at = NULL,
			dead_letter_reason = ?, dead_letter_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, reason, now, lastError, now, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to dead-letter job %d: %w", jobID, err)
	}
	return nil
}

// RecordJobMetric appends one observability row for a terminal queue step.
func (s *Store) RecordJobMetric(ctx context.Context, m types.JobMetric) error {
	at := m.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_job_metrics (
			job_id, memory_id, model, outcome, attempt, duration_ms, error_code, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.JobID, m.MemoryID, m.Model, m.Outcome, m.Attempt, m.DurationMS,
		nullableString(m.ErrorCode), nullableString(m.ErrorMessage), at)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record job metric: %w", err)
	}
	return nil
}

// UpsertEmbedding stores the vector for (memory_id, model). Idempotent, so
// duplicate delivery from the at-least-once queue is harmless.
func (s *Store) UpsertEmbedding(ctx context.Context, e types.MemoryEmbedding) error {
	if e.MemoryID == "" || e.Model == "" {
		return fmt.Errorf("%w: memory id and model are required", storage.ErrInvalidInput)
	}
	if e.Dimension == 0 {
		e.Dimension = len(e.Vector)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, model, model_version, dimension, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, model) DO UPDATE SET
			model_version = excluded.model_version,
			dimension = excluded.dimension,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		e.MemoryID, e.Model, nullableString(e.ModelVersion), e.Dimension,
		serializeEmbedding(e.Vector), now, now)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding loads the stored vector for (memory_id, model).
func (s *Store) GetEmbedding(ctx context.Context, memoryID, model string) (*types.MemoryEmbedding, error) {
	var (
		e            types.MemoryEmbedding
		modelVersion sql.NullString
		blob         []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_id, model, model_version, dimension, embedding, created_at, updated_at
		FROM memory_embeddings WHERE memory_id = ? AND model = ?`,
		memoryID, model).Scan(&e.MemoryID, &e.Model, &modelVersion, &e.Dimension, &blob, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get embedding: %w", err)
	}
	if modelVersion.Valid {
		e.ModelVersion = modelVersion.String
	}
	vec, err := deserializeEmbedding(blob, e.Dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	e.Vector = vec
	return &e, nil
}

// DeleteEmbedding purges all stored vectors for a memory.
func (s *Store) DeleteEmbedding(ctx context.Context, memoryID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memory_embeddings WHERE memory_id = ?", memoryID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete embeddings for %s: %w", memoryID, err)
	}
	return nil
}

// MemoryForEmbedding loads a memory regardless of expiry but not when
// soft-deleted; the queue processor needs the content even for rows that
// expired between enqueue and claim.
func (s *Store) MemoryForEmbedding(ctx context.Context, memoryID string) (*types.Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE id = ? AND deleted_at IS NULL"
	mem, err := scanMemory(s.db.QueryRowContext(ctx, query, memoryID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load memory %s for embedding: %w", memoryID, err)
	}
	return mem, nil
}

func scanJob(sc scanner) (*types.EmbeddingJob, error) {
	var (
		j                types.EmbeddingJob
		modelVersion     sql.NullString
		claimedBy        sql.NullString
		claimedAt        sql.NullTime
		lastError        sql.NullString
		deadLetterReason sql.NullString
		deadLetterAt     sql.NullTime
	)
	err := sc.Scan(
		&j.ID, &j.MemoryID, &j.Model, &modelVersion, &j.Operation, &j.Status,
		&j.AttemptCount, &j.MaxAttempts, &j.NextAttemptAt, &claimedBy, &claimedAt,
		&lastError, &deadLetterReason, &deadLetterAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if modelVersion.Valid {
		j.ModelVersion = modelVersion.String
	}
	if claimedBy.Valid {
		j.ClaimedBy = claimedBy.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if deadLetterReason.Valid {
		j.DeadLetterReason = deadLetterReason.String
	}
	if deadLetterAt.Valid {
		t := deadLetterAt.Time
		j.DeadLetterAt = &t
	}
	return &j, nil
}
