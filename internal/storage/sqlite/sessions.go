package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Ensure *Store implements storage.SessionStore at compile time.
var _ storage.SessionStore = (*Store)(nil)

const sessionColumns = `id, scope, project_id, user_id, client, status, title,
	started_at, last_activity_at, ended_at, metadata`

// CreateSession inserts a new session row. Missing id/timestamps/status are
// defaulted.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess == nil {
		return storage.ErrInvalidInput
	}
	now := s.now()
	if sess.ID == "" {
		sess.ID = types.NewMemoryID()
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	if sess.Scope == "" {
		sess.Scope = types.ScopeGlobal
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	metadataJSON, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_sessions (id, scope, project_id, user_id, client, status, title,
			started_at, last_activity_at, ended_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Scope), nullableString(sess.ProjectID), nullableString(sess.UserID),
		nullableString(sess.Client), string(sess.Status), nullableString(sess.Title),
		sess.StartedAt, sess.LastActivityAt, nullableTime(sess.EndedAt), nullableBytes(metadataJSON))
	if err != nil {
		return fmt.Errorf("sqlite: failed to create session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM memory_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// TouchSession bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memory_sessions SET last_activity_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch session %s: %w", id, err)
	}
	return nil
}

// AppendEvent writes one event to the session log.
func (s *Store) AppendEvent(ctx context.Context, e *types.SessionEvent) error {
	if e == nil || e.SessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = types.NewMemoryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_session_events (id, session_id, role, kind, content,
			token_count, turn_index, is_meaningful, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Role), string(e.Kind), e.Content,
		nullableInt(e.TokenCount), nullableInt(e.TurnIndex), boolToInt(e.IsMeaningful), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append session event: %w", err)
	}
	return nil
}

// ListEvents returns the last N events presented in ascending created_at
// order: the newest window, read chronologically.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int, meaningfulOnly bool) ([]types.SessionEvent, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := `SELECT id, session_id, role, kind, content, token_count, turn_index, is_meaningful, created_at
		FROM memory_session_events WHERE session_id = ?`
	args := []any{sessionID}
	if meaningfulOnly {
		query += " AND is_meaningful = 1"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.SessionEvent
	for rows.Next() {
		var (
			e            types.SessionEvent
			tokenCount   sql.NullInt64
			turnIndex    sql.NullInt64
			isMeaningful int
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Kind, &e.Content,
			&tokenCount, &turnIndex, &isMeaningful, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan session event: %w", err)
		}
		if tokenCount.Valid {
			v := int(tokenCount.Int64)
			e.TokenCount = &v
		}
		if turnIndex.Valid {
			v := int(turnIndex.Int64)
			e.TurnIndex = &v
		}
		e.IsMeaningful = isMeaningful != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}

	// Reverse the DESC window into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// CreateSnapshot stores one transcript artifact.
func (s *Store) CreateSnapshot(ctx context.Context, snap *types.SessionSnapshot) error {
	if snap == nil || snap.SessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if snap.ID == "" {
		snap.ID = types.NewMemoryID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_session_snapshots (id, session_id, slug, source_trigger, transcript_md, message_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, snap.Slug, snap.SourceTrigger, snap.TranscriptMD, snap.MessageCount, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create snapshot: %w", err)
	}
	return nil
}

// EndSession transitions a session to a terminal state and stamps ended_at.
// Returns the updated session, or nil when no such session exists.
func (s *Store) EndSession(ctx context.Context, id string, status types.SessionStatus, at time.Time) (*types.Session, error) {
	if status != types.SessionClosed && status != types.SessionCompacted {
		return nil, fmt.Errorf("%w: %q is not a terminal session status", storage.ErrInvalidInput, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_sessions
		SET status = ?, ended_at = ?, last_activity_at = ?
		WHERE id = ? AND status = 'active'`,
		string(status), at, at, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to end session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetSession(ctx, id)
}

// SessionStatus aggregates per-session counters.
func (s *Store) SessionStatus(ctx context.Context, id string) (*storage.SessionStatusReport, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &storage.SessionStatusReport{Session: sess}

	var latestEvent, latestCheckpoint sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN kind = 'checkpoint' THEN 1 ELSE 0 END), 0),
			MAX(created_at),
			MAX(CASE WHEN kind = 'checkpoint' THEN created_at END)
		FROM memory_session_events WHERE session_id = ?`, id).
		Scan(&report.EventCount, &report.CheckpointCount, &latestEvent, &latestCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count session events: %w", err)
	}
	if latestEvent.Valid {
		t := latestEvent.Time
		report.LatestEventAt = &t
	}
	if latestCheckpoint.Valid {
		t := latestCheckpoint.Time
		report.LatestCheckpoint = &t
	}

	var latestSnapshot sql.NullTime
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(created_at) FROM memory_session_snapshots WHERE session_id = ?", id).
		Scan(&report.SnapshotCount, &latestSnapshot)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count session snapshots: %w", err)
	}
	if latestSnapshot.Valid {
		t := latestSnapshot.Time
		report.LatestSnapshotAt = &t
	}
	return report, nil
}

// InactiveSessions returns active sessions idle since before the cutoff.
func (s *Store) InactiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]types.Session, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM memory_sessions
		WHERE status = 'active' AND last_activity_at <= ?
		ORDER BY last_activity_at ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list inactive sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// LogCompactionEvent records a write-ahead compaction checkpoint row.
func (s *Store) LogCompactionEvent(ctx context.Context, e *types.CompactionEvent) error {
	if e == nil || e.SessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = types.NewMemoryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_compaction_events (id, session_id, trigger_type, reason,
			token_count_before, turn_count_before, summary_tokens, checkpoint_memory_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.TriggerType, nullableString(e.Reason),
		e.TokenCountBefore, e.TurnCountBefore, e.SummaryTokens,
		nullableString(e.CheckpointMemoryID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to log compaction event: %w", err)
	}
	return nil
}

func scanSession(sc scanner) (*types.Session, error) {
	var (
		sess              types.Session
		scope, status     string
		projectID, userID sql.NullString
		client, title     sql.NullString
		endedAt           sql.NullTime
		metadataJSON      sql.NullString
	)
	err := sc.Scan(&sess.ID, &scope, &projectID, &userID, &client, &status, &title,
		&sess.StartedAt, &sess.LastActivityAt, &endedAt, &metadataJSON)
	if err != nil {
		return nil, err
	}
	sess.Scope = types.MemoryScope(scope)
	sess.Status = types.SessionStatus(status)
	if projectID.Valid {
		sess.ProjectID = projectID.String
	}
	if userID.Valid {
		sess.UserID = userID.String
	}
	if client.Valid {
		sess.Client = client.String
	}
	if title.Valid {
		sess.Title = title.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
