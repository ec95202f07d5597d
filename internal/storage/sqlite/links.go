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

// InsertLink writes a directional memory link, ignoring duplicates on
// (source_id, target_id, link_type).
func (s *Store) InsertLink(ctx context.Context, sourceID, targetID, linkType string) error {
	if sourceID == "" || targetID == "" || linkType == "" {
		return fmt.Errorf("%w: link source, target, and type are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_links (id, source_id, target_id, link_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		types.NewMemoryID(), sourceID, targetID, linkType, s.now())
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert link %s -> %s: %w", sourceID, targetID, err)
	}
	return nil
}

// ListLinks returns links where the memory is either endpoint.
func (s *Store) ListLinks(ctx context.Context, memoryID string) ([]types.MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, link_type, created_at
		FROM memory_links
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at ASC`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list links for %s: %w", memoryID, err)
	}
	defer func() { _ = rows.Close() }()

	var links []types.MemoryLink
	for rows.Next() {
		var l types.MemoryLink
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.LinkType, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ConsolidationCandidates returns active, non-superseded memories for the
// requested scopes and types, newest-updated first within the stable
// ordering the consolidation engine expects.
func (s *Store) ConsolidationCandidates(ctx context.Context, scope storage.ScopeFilter, memTypes []types.MemoryType) ([]types.Memory, error) {
	var conditions []string
	var args []any
	appendCond := func(clause string, cArgs []any) {
		if clause != "" {
			conditions = append(conditions, clause)
			args = append(args, cArgs...)
		}
	}

	appendCond(activeFilter(s.now()))
	appendCond("superseded_at IS NULL", nil)
	appendCond(scopeFilter(scope))
	appendCond(typeFilter(memTypes))

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY updated_at DESC, created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list consolidation candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// PersistUpsertKey stores a derived upsert key without history or an
// updated_at bump; key derivation is curation bookkeeping, not an edit.
func (s *Store) PersistUpsertKey(ctx context.Context, memoryID, upsertKey string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET upsert_key = ? WHERE id = ?", upsertKey, memoryID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to persist upsert key for %s: %w", memoryID, err)
	}
	return nil
}

// SupersedeMemory marks loser as superseded by winner and aligns its upsert
// key, recording a consolidation history row first.
func (s *Store) SupersedeMemory(ctx context.Context, loser *types.Memory, winnerID, upsertKey string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin supersede tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := recordHistoryTx(ctx, tx, loser, types.ChangeConsolidated, at); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET superseded_by = ?, superseded_at = ?, upsert_key = ?, updated_at = ?
		WHERE id = ?`,
		winnerID, at, nullableString(upsertKey), at, loser.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to supersede memory %s: %w", loser.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit supersede tx: %w", err)
	}
	return nil
}

// ConsolidationRun summarizes one engine pass.
type ConsolidationRun struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id,omitempty"`
	InputCount      int            `json:"input_count"`
	MergedCount     int            `json:"merged_count"`
	SupersededCount int            `json:"superseded_count"`
	ConflictedCount int            `json:"conflicted_count"`
	DryRun          bool           `json:"dry_run"`
	Model           string         `json:"model,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// InsertConsolidationRun records a run summary row.
func (s *Store) InsertConsolidationRun(ctx context.Context, run *ConsolidationRun) error {
	if run.ID == "" {
		run.ID = types.NewMemoryID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	metadataJSON, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_consolidation_runs (id, project_id, input_count, merged_count,
			superseded_count, conflicted_count, dry_run, model, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullableString(run.ProjectID), run.InputCount, run.MergedCount,
		run.SupersededCount, run.ConflictedCount, boolToInt(run.DryRun),
		nullableString(run.Model), nullableBytes(metadataJSON), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert consolidation run: %w", err)
	}
	return nil
}

// LatestConsolidationRun loads the most recent run summary, for diagnostics.
func (s *Store) LatestConsolidationRun(ctx context.Context) (*ConsolidationRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, input_count, merged_count, superseded_count,
			conflicted_count, dry_run, model, metadata, created_at
		FROM memory_consolidation_runs
		ORDER BY created_at DESC, id DESC LIMIT 1`)

	var (
		run          ConsolidationRun
		projectID    sql.NullString
		dryRun       int
		model        sql.NullString
		metadataJSON sql.NullString
	)
	err := row.Scan(&run.ID, &projectID, &run.InputCount, &run.MergedCount,
		&run.SupersededCount, &run.ConflictedCount, &dryRun, &model, &metadataJSON, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load latest consolidation run: %w", err)
	}
	if projectID.Valid {
		run.ProjectID = projectID.String
	}
	run.DryRun = dryRun != 0
	if model.Valid {
		run.Model = model.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal run metadata: %w", err)
		}
	}
	return &run, nil
}
