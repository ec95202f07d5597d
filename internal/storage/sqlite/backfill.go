package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Ensure *Store implements storage.BackfillStore at compile time.
var _ storage.BackfillStore = (*Store)(nil)

const backfillColumns = `scope_key, model, project_id, user_id, status,
	checkpoint_created_at, checkpoint_memory_id, scanned_count, enqueued_count,
	estimated_total, estimated_remaining, batch_limit, throttle_ms,
	started_at, last_run_at, completed_at, last_error`

// EnsureBackfillState lazily creates the per-scope progress row. On first
// creation the estimated total is seeded with the current count of missing
// embeddings.
func (s *Store) EnsureBackfillState(ctx context.Context, model, projectID, userID string) (*types.BackfillState, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}
	scopeKey := types.BackfillScopeKey(model, projectID, userID)

	existing, err := s.GetBackfillState(ctx, scopeKey)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	probe := &types.BackfillState{Model: model, ProjectID: projectID, UserID: userID}
	total, err := s.CountBackfillRemaining(ctx, probe)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_embedding_backfill_state (
			scope_key, model, project_id, user_id, status,
			estimated_total, estimated_remaining, updated_at
		) VALUES (?, ?, ?, ?, 'idle', ?, ?, ?)`,
		scopeKey, model, nullableString(projectID), nullableString(userID),
		total, total, s.now())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to create backfill state: %w", err)
	}
	return s.GetBackfillState(ctx, scopeKey)
}

// GetBackfillState loads one scope row.
func (s *Store) GetBackfillState(ctx context.Context, scopeKey string) (*types.BackfillState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+backfillColumns+" FROM memory_embedding_backfill_state WHERE scope_key = ?", scopeKey)

	var (
		st                types.BackfillState
		projectID, userID sql.NullString
		cpAt              sql.NullTime
		cpID              sql.NullString
		startedAt, ranAt  sql.NullTime
		completedAt       sql.NullTime
		lastError         sql.NullString
	)
	err := row.Scan(
		&st.ScopeKey, &st.Model, &projectID, &userID, &st.Status,
		&cpAt, &cpID, &st.ScannedCount, &st.EnqueuedCount,
		&st.EstimatedTotal, &st.EstimatedRemaining, &st.BatchLimit, &st.ThrottleMS,
		&startedAt, &ranAt, &completedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get backfill state %s: %w", scopeKey, err)
	}

	if projectID.Valid {
		st.ProjectID = projectID.String
	}
	if userID.Valid {
		st.UserID = userID.String
	}
	if cpAt.Valid {
		t := cpAt.Time
		st.CheckpointCreatedAt = &t
	}
	if cpID.Valid {
		st.CheckpointMemoryID = cpID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if ranAt.Valid {
		t := ranAt.Time
		st.LastRunAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		st.CompletedAt = &t
	}
	if lastError.Valid {
		st.LastError = lastError.String
	}
	return &st, nil
}

// SaveBackfillState persists the full mutable state of a scope row.
func (s *Store) SaveBackfillState(ctx context.Context, state *types.BackfillState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_embedding_backfill_state SET
			status = ?,
			checkpoint_created_at = ?,
			checkpoint_memory_id = ?,
			scanned_count = ?,
			enqueued_count = ?,
			estimated_total = ?,
			estimated_remaining = ?,
			batch_limit = ?,
			throttle_ms = ?,
			started_at = ?,
			last_run_at = ?,
			completed_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE scope_key = ?`,
		string(state.Status),
		nullableTime(state.CheckpointCreatedAt),
		nullableString(state.CheckpointMemoryID),
		state.ScannedCount,
		state.EnqueuedCount,
		state.EstimatedTotal,
		state.EstimatedRemaining,
		state.BatchLimit,
		state.ThrottleMS,
		nullableTime(state.StartedAt),
		nullableTime(state.LastRunAt),
		nullableTime(state.CompletedAt),
		nullableString(state.LastError),
		s.now(),
		state.ScopeKey,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save backfill state %s: %w", state.ScopeKey, err)
	}
	return nil
}

// backfillCandidateConditions builds the shared WHERE for candidate listing
// and remaining counting: scope-filtered, not soft-deleted, non-empty
// content, missing an embedding for the scope's model.
func backfillCandidateConditions(state *types.BackfillState) ([]string, []any) {
	conditions := []string{
		"m.deleted_at IS NULL",
		"TRIM(m.content) != ''",
		"(e.memory_id IS NULL OR e.model != ?)",
	}
	args := []any{state.Model}

	if state.ProjectID != "" {
		conditions = append(conditions, "m.scope = 'project'", "m.project_id = ?")
		args = append(args, state.ProjectID)
	}
	if state.UserID != "" {
		conditions = append(conditions, "m.user_id = ?")
		args = append(args, state.UserID)
	} else {
		conditions = append(conditions, "m.user_id IS NULL")
	}
	return conditions, args
}

// ListBackfillCandidates returns the next batch of memories missing an
// embedding for the scope's model, in strict (created_at, id) order past the
// checkpoint.
func (s *Store) ListBackfillCandidates(ctx context.Context, state *types.BackfillState, limit int) ([]types.Memory, error) {
	conditions, args := backfillCandidateConditions(state)

	if state.CheckpointCreatedAt != nil && state.CheckpointMemoryID != "" {
		conditions = append(conditions, "(m.created_at > ? OR (m.created_at = ? AND m.id > ?))")
		args = append(args, *state.CheckpointCreatedAt, *state.CheckpointCreatedAt, state.CheckpointMemoryID)
	}

	query := "SELECT " + qualifyColumns("m") + `
		FROM memories m
		LEFT JOIN memory_embeddings e ON e.memory_id = m.id AND e.model = ?
		WHERE ` + joinAnd(conditions) + `
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`

	queryArgs := append([]any{state.Model}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list backfill candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// CountBackfillRemaining counts candidates past the checkpoint, without a
// limit.
func (s *Store) CountBackfillRemaining(ctx context.Context, state *types.BackfillState) (int, error) {
	conditions, args := backfillCandidateConditions(state)

	if state.CheckpointCreatedAt != nil && state.CheckpointMemoryID != "" {
		conditions = append(conditions, "(m.created_at > ? OR (m.created_at = ? AND m.id > ?))")
		args = append(args, *state.CheckpointCreatedAt, *state.CheckpointCreatedAt, state.CheckpointMemoryID)
	}

	query := `SELECT COUNT(*)
		FROM memories m
		LEFT JOIN memory_embeddings e ON e.memory_id = m.id AND e.model = ?
		WHERE ` + joinAnd(conditions)

	queryArgs := append([]any{state.Model}, args...)

	var count int
	if err := s.db.QueryRowContext(ctx, query, queryArgs...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count backfill remaining: %w", err)
	}
	return count, nil
}

// RecordBackfillMetric appends one row per backfill batch run.
func (s *Store) RecordBackfillMetric(ctx context.Context, scopeKey string, status types.BackfillStatus, scanned, enqueued int, durationMS int64, runErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embedding_backfill_metrics (scope_key, status, scanned, enqueued, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scopeKey, string(status), scanned, enqueued, durationMS, nullableString(runErr), s.now())
	if err != nil {
		return fmt.Errorf("sqlite: failed to record backfill metric: %w", err)
	}
	return nil
}

func joinAnd(conditions []string) string {
	out := ""
	for i, c := range conditions {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}
