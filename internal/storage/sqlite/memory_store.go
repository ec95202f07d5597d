package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Ensure *Store implements storage.MemoryStore at compile time.
var _ storage.MemoryStore = (*Store)(nil)

// memoryColumns is the canonical SELECT list. scanMemory must stay aligned
// with this order.
const memoryColumns = `id, content, type, memory_layer, scope, project_id, user_id,
	tags, paths, category, metadata, source_session_id, confidence, last_confirmed_at,
	upsert_key, superseded_by, superseded_at, expires_at, created_at, updated_at, deleted_at`

// bulkForgetBatchSize caps ids per UPDATE to stay under SQLite's bound
// parameter limit.
const bulkForgetBatchSize = 500

// Add stores a new memory, or updates the existing row when an upsert key
// matches an active, non-superseded memory in the same scope. The embedding
// enqueue is fire-and-forget: its failure is logged, never returned.
func (s *Store) Add(ctx context.Context, content string, opts storage.AddOptions) (*types.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}

	memType := opts.Type
	if memType == "" {
		memType = types.TypeNote
	}
	if !types.IsValidMemoryType(memType) {
		return nil, fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, memType)
	}

	layer := opts.Layer
	if layer == "" {
		layer = types.DefaultLayerFor(memType)
	}
	if !types.IsValidLayer(layer) {
		return nil, fmt.Errorf("%w: unknown memory layer %q", storage.ErrInvalidInput, layer)
	}

	now := s.now()

	var expiresAt *time.Time
	if layer == types.LayerWorking {
		ttl := opts.WorkingTTL
		if ttl <= 0 {
			ttl = s.workingTTL
		}
		t := now.Add(ttl)
		expiresAt = &t
	}

	scope := types.ScopeGlobal
	projectID := ""
	if opts.Scope.ProjectID != "" && !opts.Scope.GlobalOnly {
		scope = types.ScopeProject
		projectID = opts.Scope.ProjectID
	}

	upsertKey := types.NormalizeUpsertKey(memType, opts.UpsertKey)
	if upsertKey == "" {
		upsertKey = types.DeriveUpsertKey(memType, opts.Category, content)
	}

	mem := &types.Memory{
		ID:              types.NewMemoryID(),
		Content:         content,
		Type:            memType,
		Layer:           layer,
		Scope:           scope,
		ProjectID:       projectID,
		UserID:          opts.UserID,
		Tags:            types.NormalizeTokens(opts.Tags),
		Paths:           types.NormalizeTokens(opts.Paths),
		Category:        opts.Category,
		Metadata:        opts.Metadata,
		SourceSessionID: opts.SourceSessionID,
		Confidence:      opts.Confidence,
		UpsertKey:       upsertKey,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	operation := types.OpAdd
	if upsertKey != "" {
		existing, err := s.findByUpsertKey(ctx, scope, projectID, memType, upsertKey, opts.UserID, now)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			updated, err := s.overwriteOnUpsert(ctx, existing, mem, now)
			if err != nil {
				return nil, err
			}
			if !opts.SkipEmbedding {
				s.fireEnqueue(ctx, updated.ID, updated.Content, types.OpEdit)
			}
			return updated, nil
		}
	}

	if err := s.insertMemory(ctx, mem); err != nil {
		return nil, err
	}
	if !opts.SkipEmbedding {
		s.fireEnqueue(ctx, mem.ID, mem.Content, operation)
	}
	return mem, nil
}

func (s *Store) insertMemory(ctx context.Context, m *types.Memory) error {
	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, type, memory_layer, scope, project_id, user_id,
			tags, paths, category, metadata, source_session_id, confidence, last_confirmed_at,
			upsert_key, superseded_by, superseded_at, expires_at, created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Content,
		string(m.Type),
		string(m.Layer),
		string(m.Scope),
		nullableString(m.ProjectID),
		nullableString(m.UserID),
		nullableString(types.JoinTokens(m.Tags)),
		nullableString(types.JoinTokens(m.Paths)),
		nullableString(m.Category),
		nullableBytes(metadataJSON),
		nullableString(m.SourceSessionID),
		nullableFloat(m.Confidence),
		nullableTime(m.LastConfirmedAt),
		nullableString(m.UpsertKey),
		nullableString(m.SupersededBy),
		nullableTime(m.SupersededAt),
		nullableTime(m.ExpiresAt),
		m.CreatedAt,
		m.UpdatedAt,
		nullableTime(m.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert memory: %w", err)
	}
	return nil
}

// findByUpsertKey locates the single active, non-superseded row for the
// uniqueness key (scope, project_id-or-null, type, upsert_key).
func (s *Store) findByUpsertKey(ctx context.Context, scope types.MemoryScope, projectID string, memType types.MemoryType, key, userID string, now time.Time) (*types.Memory, error) {
	conditions := []string{"scope = ?", "type = ?", "upsert_key = ?", "superseded_at IS NULL"}
	args := []any{string(scope), string(memType), key}

	if projectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, projectID)
	} else {
		conditions = append(conditions, "project_id IS NULL")
	}

	active, activeArgs := activeFilter(now)
	conditions = append(conditions, active)
	args = append(args, activeArgs...)

	userClause, userArgs := userScopeFilter(userID)
	conditions = append(conditions, userClause)
	args = append(args, userArgs...)

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY updated_at DESC LIMIT 1"

	mem, err := scanMemory(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find upsert target: %w", err)
	}
	return mem, nil
}

// overwriteOnUpsert records history for the existing row, then rewrites its
// mutable fields in place. History is written before the new state inside
// one transaction.
func (s *Store) overwriteOnUpsert(ctx context.Context, existing, incoming *types.Memory, now time.Time) (*types.Memory, error) {
	metadataJSON, err := marshalMetadata(incoming.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := recordHistoryTx(ctx, tx, existing, types.ChangeUpdated, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET
			content = ?,
			memory_layer = ?,
			tags = ?,
			paths = ?,
			category = ?,
			metadata = ?,
			source_session_id = ?,
			confidence = ?,
			last_confirmed_at = ?,
			upsert_key = ?,
			expires_at = ?,
			updated_at = ?
		WHERE id = ?`,
		incoming.Content,
		string(incoming.Layer),
		nullableString(types.JoinTokens(incoming.Tags)),
		nullableString(types.JoinTokens(incoming.Paths)),
		nullableString(incoming.Category),
		nullableBytes(metadataJSON),
		nullableString(incoming.SourceSessionID),
		nullableFloat(incoming.Confidence),
		nullableTime(incoming.LastConfirmedAt),
		nullableString(incoming.UpsertKey),
		nullableTime(incoming.ExpiresAt),
		now,
		existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to overwrite memory %s: %w", existing.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit upsert tx: %w", err)
	}

	return s.GetByID(ctx, existing.ID)
}

// GetByID returns the memory only when it is Active.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	active, args := activeFilter(s.now())
	query := "SELECT " + memoryColumns + " FROM memories WHERE id = ? AND " + active
	mem, err := scanMemory(s.db.QueryRowContext(ctx, query, append([]any{id}, args...)...))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory %s: %w", id, err)
	}
	return mem, nil
}

// Search runs FTS5 MATCH with bm25 ranking over the filter stack. Any FTS
// error (index missing, malformed token that slipped through) degrades to a
// LIKE scan ordered by recency.
func (s *Store) Search(ctx context.Context, opts storage.SearchOptions) ([]types.Memory, error) {
	memories, _, err := s.SearchWithFallback(ctx, opts)
	return memories, err
}

// SearchWithFallback is Search plus the fallback reason, empty when the FTS
// path served the request. The retrieval pipeline records it as telemetry.
func (s *Store) SearchWithFallback(ctx context.Context, opts storage.SearchOptions) ([]types.Memory, string, error) {
	opts.Normalize()

	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return []types.Memory{}, "", nil
	}

	conditions, args := s.searchConditions(opts)

	memories, err := s.searchFTS(ctx, query, conditions, args, opts.Limit)
	if err == nil {
		return memories, "", nil
	}
	s.logger.Warn("FTS search failed, falling back to LIKE", "query", query, "error", err)
	memories, likeErr := s.searchLike(ctx, query, conditions, args, opts.Limit)
	if likeErr != nil {
		return nil, "", likeErr
	}
	return memories, err.Error(), nil
}

func (s *Store) searchConditions(opts storage.SearchOptions) ([]string, []any) {
	var conditions []string
	var args []any

	appendCond := func(clause string, cArgs []any) {
		if clause != "" {
			conditions = append(conditions, clause)
			args = append(args, cArgs...)
		}
	}

	appendCond(activeFilter(s.now()))
	appendCond(userScopeFilter(opts.UserID))
	appendCond(scopeFilter(opts.Scope))
	appendCond(layerFilter(opts.Layers))
	appendCond(typeFilter(opts.Types))

	return conditions, args
}

func (s *Store) searchFTS(ctx context.Context, query string, conditions []string, args []any, limit int) ([]types.Memory, error) {
	match := ftsMatchQuery(query)
	if match == "" {
		return []types.Memory{}, nil
	}

	sqlQuery := "SELECT " + qualifyColumns("m") + `
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND ` + strings.Join(conditions, " AND ") + `
		ORDER BY bm25(memories_fts)
		LIMIT ?`

	queryArgs := append([]any{match}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: FTS MATCH %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func (s *Store) searchLike(ctx context.Context, query string, conditions []string, args []any, limit int) ([]types.Memory, error) {
	conditions = append([]string{"content LIKE ?"}, conditions...)
	likeArgs := append([]any{"%" + query + "%"}, args...)
	likeArgs = append(likeArgs, limit)

	sqlQuery := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY created_at DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, sqlQuery, likeArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: LIKE search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// ftsMatchQuery turns free-form input into a quoted prefix OR query:
// `foo bar` → `"foo"* OR "bar"*`. Quoting each term keeps FTS5 operator
// keywords and punctuation inert.
func ftsMatchQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(query) {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " OR ")
}

// qualifyColumns prefixes the canonical column list with a table alias.
func qualifyColumns(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// List returns active memories through the filter stack, without a text
// match. Default order groups types together, global scope first, newest
// first within a group.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Normalize()

	var conditions []string
	var args []any
	appendCond := func(clause string, cArgs []any) {
		if clause != "" {
			conditions = append(conditions, clause)
			args = append(args, cArgs...)
		}
	}

	appendCond(activeFilter(s.now()))
	appendCond(userScopeFilter(opts.UserID))
	appendCond(scopeFilter(opts.Scope))
	appendCond(layerFilter(opts.Layers))
	appendCond(typeFilter(opts.Types))
	appendCond(tagFilter(opts.Tags))

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY type ASC, scope ASC, created_at DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// GetRules returns rule memories, global scope first then project. The
// layer filter is ignored: rules are selected by type.
func (s *Store) GetRules(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Normalize()

	var conditions []string
	var args []any
	appendCond := func(clause string, cArgs []any) {
		if clause != "" {
			conditions = append(conditions, clause)
			args = append(args, cArgs...)
		}
	}

	appendCond(activeFilter(s.now()))
	appendCond(userScopeFilter(opts.UserID))
	appendCond(scopeFilter(opts.Scope))
	appendCond("type = 'rule'", nil)

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY scope ASC, created_at DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// Update applies only the provided fields to an Active memory, recording a
// history row first unless skipped.
func (s *Store) Update(ctx context.Context, id string, req storage.UpdateRequest) (*types.Memory, error) {
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Empty() {
		return existing, nil
	}

	now := s.now()
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	contentChanged := false
	if req.Content != nil {
		content := strings.TrimSpace(*req.Content)
		if content == "" {
			return nil, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
		}
		contentChanged = content != existing.Content
		set("content", content)
	}
	if req.Type != nil {
		if !types.IsValidMemoryType(*req.Type) {
			return nil, fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, *req.Type)
		}
		set("type", string(*req.Type))
	}
	if req.Layer != nil {
		if !types.IsValidLayer(*req.Layer) {
			return nil, fmt.Errorf("%w: unknown memory layer %q", storage.ErrInvalidInput, *req.Layer)
		}
		set("memory_layer", string(*req.Layer))
	}
	if req.Tags != nil {
		set("tags", nullableString(types.JoinTokens(*req.Tags)))
	}
	if req.Paths != nil {
		set("paths", nullableString(types.JoinTokens(*req.Paths)))
	}
	if req.Category != nil {
		set("category", nullableString(*req.Category))
	}
	if req.Metadata != nil {
		metadataJSON, err := marshalMetadata(*req.Metadata)
		if err != nil {
			return nil, err
		}
		set("metadata", nullableBytes(metadataJSON))
	}
	if req.UpsertKey != nil {
		memType := existing.Type
		if req.Type != nil {
			memType = *req.Type
		}
		set("upsert_key", nullableString(types.NormalizeUpsertKey(memType, *req.UpsertKey)))
	}
	if req.SourceSessionID != nil {
		set("source_session_id", nullableString(*req.SourceSessionID))
	}
	if req.Confidence != nil {
		set("confidence", *req.Confidence)
	}
	if req.LastConfirmedAt != nil {
		set("last_confirmed_at", *req.LastConfirmedAt)
	}
	if req.ExpiresAt != nil {
		set("expires_at", nullableTime(req.ExpiresAt))
	}
	set("updated_at", now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !req.SkipHistory {
		if err := recordHistoryTx(ctx, tx, existing, types.ChangeUpdated, now); err != nil {
			return nil, err
		}
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, "UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("sqlite: failed to update memory %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit update tx: %w", err)
	}

	updated, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if contentChanged {
		s.fireEnqueue(ctx, updated.ID, updated.Content, types.OpEdit)
	}
	return updated, nil
}

// Forget soft-deletes an Active memory. With a user id the UPDATE is scoped
// to that user's rows. Returns true iff a row was marked.
func (s *Store) Forget(ctx context.Context, id, userID string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	now := s.now()
	active, args := activeFilter(now)
	query := "UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ? AND " + active
	execArgs := append([]any{now, now, id}, args...)

	if userID != "" {
		query += " AND user_id = ?"
		execArgs = append(execArgs, userID)
	}

	res, err := s.db.ExecContext(ctx, query, execArgs...)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to forget memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}

// FindToForget returns the Active memories a ForgetFilter selects, for
// preview and bulk deletion.
func (s *Store) FindToForget(ctx context.Context, filter storage.ForgetFilter) ([]types.Memory, error) {
	if !filter.All && !filter.HasCriteria() {
		return nil, fmt.Errorf("%w: at least one filter is required", storage.ErrInvalidInput)
	}

	var conditions []string
	var args []any
	appendCond := func(clause string, cArgs []any) {
		if clause != "" {
			conditions = append(conditions, clause)
			args = append(args, cArgs...)
		}
	}

	appendCond(activeFilter(s.now()))
	appendCond(userScopeFilter(filter.UserID))
	appendCond(typeFilter(filter.Types))
	appendCond(tagFilter(filter.Tags))

	if filter.OlderThanDays > 0 {
		appendCond(fmt.Sprintf("created_at < datetime('now', '-%d days')", filter.OlderThanDays), nil)
	}
	if filter.Pattern != "" {
		appendCond(`content LIKE ? ESCAPE '\'`, []any{globToLike(filter.Pattern)})
	}
	if filter.ProjectID != "" {
		appendCond("(scope = 'project' AND project_id = ?)", []any{filter.ProjectID})
	}

	query := "SELECT " + memoryColumns + " FROM memories" + whereClause(conditions) +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find memories to forget: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// BulkForgetByIDs soft-deletes by id list, batched to stay under the bound
// parameter limit. Batches are independent: the returned count is
// at-least-once deleted, not atomic across batches.
func (s *Store) BulkForgetByIDs(ctx context.Context, ids []string, userID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	now := s.now()
	total := 0
	for start := 0; start < len(ids); start += bulkForgetBatchSize {
		end := start + bulkForgetBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := make([]string, len(batch))
		args := []any{now, now}
		for i, id := range batch {
			placeholders[i] = "?"
			args = append(args, id)
		}

		query := "UPDATE memories SET deleted_at = ?, updated_at = ? WHERE deleted_at IS NULL AND id IN (" +
			strings.Join(placeholders, ", ") + ")"
		if userID != "" {
			query += " AND user_id = ?"
			args = append(args, userID)
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: bulk forget batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sqlite: rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// Vacuum hard-deletes soft-deleted rows and reports the exact count from the
// DELETE itself.
func (s *Store) Vacuum(ctx context.Context, userID string) (int, error) {
	query := "DELETE FROM memories WHERE deleted_at IS NOT NULL AND "
	var args []any
	if userID == "" {
		query += "user_id IS NULL"
	} else {
		query += "user_id = ?"
		args = append(args, userID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: vacuum: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

// History returns prior versions, oldest first.
func (s *Store) History(ctx context.Context, memoryID string) ([]types.MemoryHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, change_type, content, type, tags, category, metadata, changed_at
		FROM memory_history
		WHERE memory_id = ?
		ORDER BY changed_at ASC, id ASC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load history for %s: %w", memoryID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.MemoryHistory
	for rows.Next() {
		var (
			h            types.MemoryHistory
			memType      string
			tags         sql.NullString
			category     sql.NullString
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&h.MemoryID, &h.ChangeType, &h.Content, &memType, &tags, &category, &metadataJSON, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan history row: %w", err)
		}
		h.Type = types.MemoryType(memType)
		if tags.Valid {
			h.Tags = types.SplitTokens(tags.String)
		}
		if category.Valid {
			h.Category = category.String
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal history metadata: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// recordHistoryTx snapshots the current row state into memory_history before
// a mutation. Runs inside the mutation's transaction so history precedes the
// new state.
func recordHistoryTx(ctx context.Context, tx *sql.Tx, m *types.Memory, changeType string, at time.Time) error {
	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_history (memory_id, change_type, content, type, tags, category, metadata, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		changeType,
		m.Content,
		string(m.Type),
		nullableString(types.JoinTokens(m.Tags)),
		nullableString(m.Category),
		nullableBytes(metadataJSON),
		at,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record history for %s: %w", m.ID, err)
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
	}
	return b, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanMemory reads one row in memoryColumns order.
func scanMemory(sc scanner) (*types.Memory, error) {
	var (
		m                                  types.Memory
		memType, scope                     string
		layer                              sql.NullString
		projectID, userID                  sql.NullString
		tags, paths, category              sql.NullString
		metadataJSON                       sql.NullString
		sourceSessionID                    sql.NullString
		confidence                         sql.NullFloat64
		lastConfirmedAt                    sql.NullTime
		upsertKey, supersededBy            sql.NullString
		supersededAt, expiresAt, deletedAt sql.NullTime
	)

	err := sc.Scan(
		&m.ID,
		&m.Content,
		&memType,
		&layer,
		&scope,
		&projectID,
		&userID,
		&tags,
		&paths,
		&category,
		&metadataJSON,
		&sourceSessionID,
		&confidence,
		&lastConfirmedAt,
		&upsertKey,
		&supersededBy,
		&supersededAt,
		&expiresAt,
		&m.CreatedAt,
		&m.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Type = types.MemoryType(memType)
	m.Scope = types.MemoryScope(scope)
	if layer.Valid && layer.String != "" {
		m.Layer = types.MemoryLayer(layer.String)
	} else {
		m.Layer = types.DefaultLayerFor(m.Type)
	}
	if projectID.Valid {
		m.ProjectID = projectID.String
	}
	if userID.Valid {
		m.UserID = userID.String
	}
	if tags.Valid {
		m.Tags = types.SplitTokens(tags.String)
	}
	if paths.Valid {
		m.Paths = types.SplitTokens(paths.String)
	}
	if category.Valid {
		m.Category = category.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if sourceSessionID.Valid {
		m.SourceSessionID = sourceSessionID.String
	}
	if confidence.Valid {
		m.Confidence = &confidence.Float64
	}
	if lastConfirmedAt.Valid {
		t := lastConfirmedAt.Time
		m.LastConfirmedAt = &t
	}
	if upsertKey.Valid {
		m.UpsertKey = upsertKey.String
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	if supersededAt.Valid {
		t := supersededAt.Time
		m.SupersededAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

// scanMemories reads all rows in memoryColumns order.
func scanMemories(rows *sql.Rows) ([]types.Memory, error) {
	memories := []types.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		memories = append(memories, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return memories, nil
}
