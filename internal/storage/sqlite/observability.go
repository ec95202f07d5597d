package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// QueueStats aggregates the current embedding queue shape.
type QueueStats struct {
	CountsByStatus  map[string]int `json:"counts_by_status"`
	StaleProcessing int            `json:"stale_processing"`
	OldestDueAt     *time.Time     `json:"oldest_due_at,omitempty"`
	OldestClaimedAt *time.Time     `json:"oldest_claimed_at,omitempty"`
	QueueLagMS      int64          `json:"queue_lag_ms"`
}

// WorkerStats aggregates job metric rows over a window.
type WorkerStats struct {
	Attempts      int              `json:"attempts"`
	Successes     int              `json:"successes"`
	Retries       int              `json:"retries"`
	DeadLetters   int              `json:"dead_letters"`
	Skipped       int              `json:"skipped"`
	FailureRate   float64          `json:"failure_rate"`
	RetryRate     float64          `json:"retry_rate"`
	P50DurationMS float64          `json:"p50_duration_ms"`
	P95DurationMS float64          `json:"p95_duration_ms"`
	TopErrorCodes []ErrorCodeCount `json:"top_error_codes,omitempty"`
}

// ErrorCodeCount is one entry of the top-error ranking.
type ErrorCodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// BackfillStats aggregates backfill run metrics and active scope counts.
type BackfillStats struct {
	Runs           int            `json:"runs"`
	ErrorRuns      int            `json:"error_runs"`
	Scanned        int            `json:"scanned"`
	Enqueued       int            `json:"enqueued"`
	ScopesByStatus map[string]int `json:"scopes_by_status"`
}

// RetrievalStats aggregates graph_rollout_metrics over a window.
type RetrievalStats struct {
	Requests           int     `json:"requests"`
	HybridRequested    int     `json:"hybrid_requested"`
	FallbackCount      int     `json:"fallback_count"`
	FallbackRate       float64 `json:"fallback_rate"`
	P50DurationMS      float64 `json:"p50_duration_ms"`
	P95DurationMS      float64 `json:"p95_duration_ms"`
	LastFallbackReason string  `json:"last_fallback_reason,omitempty"`
}

// QueueStatsSnapshot reads the live queue shape.
func (s *Store) QueueStatsSnapshot(ctx context.Context, timeout time.Duration, now time.Time) (*QueueStats, error) {
	stats := &QueueStats{CountsByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM memory_embedding_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("sqlite: queue status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sqlite: scan status count: %w", err)
		}
		stats.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}

	cutoff := now.Add(-timeout)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_embedding_jobs WHERE status = 'processing' AND claimed_at <= ?",
		cutoff).Scan(&stats.StaleProcessing); err != nil {
		return nil, fmt.Errorf("sqlite: stale processing count: %w", err)
	}

	var oldestDue, oldestClaimed sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(next_attempt_at) FROM memory_embedding_jobs WHERE status = 'queued'").
		Scan(&oldestDue); err != nil {
		return nil, fmt.Errorf("sqlite: oldest due: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(claimed_at) FROM memory_embedding_jobs WHERE status = 'processing'").
		Scan(&oldestClaimed); err != nil {
		return nil, fmt.Errorf("sqlite: oldest claimed: %w", err)
	}

	if oldestDue.Valid {
		t := oldestDue.Time
		stats.OldestDueAt = &t
		if lag := now.Sub(t).Milliseconds(); lag > 0 {
			stats.QueueLagMS = lag
		}
	}
	if oldestClaimed.Valid {
		t := oldestClaimed.Time
		stats.OldestClaimedAt = &t
	}
	return stats, nil
}

// WorkerStatsSnapshot aggregates job metric rows since the window start.
func (s *Store) WorkerStatsSnapshot(ctx context.Context, since time.Time) (*WorkerStats, error) {
	stats := &WorkerStats{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, duration_ms, error_code
		FROM memory_embedding_job_metrics
		WHERE created_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: worker metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var durations []float64
	errorCounts := map[string]int{}
	for rows.Next() {
		var outcome string
		var durationMS int64
		var errorCode sql.NullString
		if err := rows.Scan(&outcome, &durationMS, &errorCode); err != nil {
			return nil, fmt.Errorf("sqlite: scan worker metric: %w", err)
		}
		stats.Attempts++
		switch outcome {
		case "success":
			stats.Successes++
		case "retry":
			stats.Retries++
		case "dead_letter":
			stats.DeadLetters++
		case "skipped":
			stats.Skipped++
		}
		durations = append(durations, float64(durationMS))
		if errorCode.Valid && errorCode.String != "" {
			errorCounts[errorCode.String]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}

	if stats.Attempts > 0 {
		stats.FailureRate = float64(stats.DeadLetters) / float64(stats.Attempts)
		stats.RetryRate = float64(stats.Retries) / float64(stats.Attempts)
	}
	stats.P50DurationMS = percentile(durations, 0.50)
	stats.P95DurationMS = percentile(durations, 0.95)

	for code, count := range errorCounts {
		stats.TopErrorCodes = append(stats.TopErrorCodes, ErrorCodeCount{Code: code, Count: count})
	}
	sort.Slice(stats.TopErrorCodes, func(i, j int) bool {
		if stats.TopErrorCodes[i].Count != stats.TopErrorCodes[j].Count {
			return stats.TopErrorCodes[i].Count > stats.TopErrorCodes[j].Count
		}
		return stats.TopErrorCodes[i].Code < stats.TopErrorCodes[j].Code
	})
	if len(stats.TopErrorCodes) > 5 {
		stats.TopErrorCodes = stats.TopErrorCodes[:5]
	}
	return stats, nil
}

// BackfillStatsSnapshot aggregates backfill run metrics since the window
// start plus the current scope states.
func (s *Store) BackfillStatsSnapshot(ctx context.Context, since time.Time) (*BackfillStats, error) {
	stats := &BackfillStats{ScopesByStatus: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(scanned), 0),
			COALESCE(SUM(enqueued), 0)
		FROM memory_embedding_backfill_metrics
		WHERE created_at >= ?`, since).
		Scan(&stats.Runs, &stats.ErrorRuns, &stats.Scanned, &stats.Enqueued)
	if err != nil {
		return nil, fmt.Errorf("sqlite: backfill metrics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM memory_embedding_backfill_state GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("sqlite: backfill scope counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sqlite: scan scope count: %w", err)
		}
		stats.ScopesByStatus[status] = count
	}
	return stats, rows.Err()
}

// RecordRetrievalMetric appends one retrieval telemetry row.
func (s *Store) RecordRetrievalMetric(ctx context.Context, operation string, hybridRequested, fellBack bool, fallbackReason string, durationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_rollout_metrics (operation, hybrid_requested, fallback, fallback_reason, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		operation, boolToInt(hybridRequested), boolToInt(fellBack),
		nullableString(fallbackReason), durationMS, s.now())
	if err != nil {
		return fmt.Errorf("sqlite: failed to record retrieval metric: %w", err)
	}
	return nil
}

// RetrievalStatsSnapshot aggregates retrieval telemetry since the window
// start.
func (s *Store) RetrievalStatsSnapshot(ctx context.Context, since time.Time) (*RetrievalStats, error) {
	stats := &RetrievalStats{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT hybrid_requested, fallback, fallback_reason, duration_ms
		FROM graph_rollout_metrics
		WHERE created_at >= ?
		ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: retrieval metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var durations []float64
	for rows.Next() {
		var hybrid, fallback int
		var reason sql.NullString
		var durationMS int64
		if err := rows.Scan(&hybrid, &fallback, &reason, &durationMS); err != nil {
			return nil, fmt.Errorf("sqlite: scan retrieval metric: %w", err)
		}
		stats.Requests++
		if hybrid != 0 {
			stats.HybridRequested++
		}
		if fallback != 0 {
			stats.FallbackCount++
			if reason.Valid {
				stats.LastFallbackReason = reason.String
			}
		}
		durations = append(durations, float64(durationMS))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}

	if stats.HybridRequested > 0 {
		stats.FallbackRate = float64(stats.FallbackCount) / float64(stats.HybridRequested)
	}
	stats.P50DurationMS = percentile(durations, 0.50)
	stats.P95DurationMS = percentile(durations, 0.95)
	return stats, nil
}

// percentile computes the p-quantile of values with linear interpolation
// over the sorted array. Returns 0 for an empty slice.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
