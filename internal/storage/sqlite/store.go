// Package sqlite implements the storage contracts on SQLite. One Store wraps
// one tenant database; all SQL for memories, history, sessions, embedding
// jobs, backfill, links, and observability lives here.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Schema is the base DDL executed on open. Column evolution beyond this base
// is handled by EnsureSchema so databases created by older builds converge.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'note',
	memory_layer TEXT,
	scope TEXT NOT NULL DEFAULT 'global',
	project_id TEXT,
	user_id TEXT,
	tags TEXT,
	paths TEXT,
	category TEXT,
	metadata TEXT,
	source_session_id TEXT,
	confidence REAL,
	last_confirmed_at TIMESTAMP,
	upsert_key TEXT,
	superseded_by TEXT,
	superseded_at TIMESTAMP,
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memory_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	change_type TEXT NOT NULL,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	tags TEXT,
	category TEXT,
	metadata TEXT,
	changed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_embeddings (
	memory_id TEXT NOT NULL,
	model TEXT NOT NULL,
	model_version TEXT,
	dimension INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(memory_id, model)
);

CREATE TABLE IF NOT EXISTS memory_embedding_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	model TEXT NOT NULL,
	model_version TEXT,
	operation TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_attempt_at TIMESTAMP NOT NULL,
	claimed_by TEXT,
	claimed_at TIMESTAMP,
	last_error TEXT,
	dead_letter_reason TEXT,
	dead_letter_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(memory_id, model)
);

CREATE TABLE IF NOT EXISTS memory_embedding_job_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL,
	memory_id TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_code TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_embedding_backfill_state (
	scope_key TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	project_id TEXT,
	user_id TEXT,
	status TEXT NOT NULL DEFAULT 'idle',
	checkpoint_created_at TIMESTAMP,
	checkpoint_memory_id TEXT,
	scanned_count INTEGER NOT NULL DEFAULT 0,
	enqueued_count INTEGER NOT NULL DEFAULT 0,
	estimated_total INTEGER NOT NULL DEFAULT 0,
	estimated_remaining INTEGER NOT NULL DEFAULT 0,
	batch_limit INTEGER NOT NULL DEFAULT 0,
	throttle_ms INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP,
	last_run_at TIMESTAMP,
	completed_at TIMESTAMP,
	last_error TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_embedding_backfill_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope_key TEXT NOT NULL,
	status TEXT NOT NULL,
	scanned INTEGER NOT NULL,
	enqueued INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_sessions (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL DEFAULT 'global',
	project_id TEXT,
	user_id TEXT,
	client TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	title TEXT,
	started_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS memory_session_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	token_count INTEGER,
	turn_index INTEGER,
	is_meaningful INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_session_snapshots (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	slug TEXT NOT NULL,
	source_trigger TEXT NOT NULL,
	transcript_md TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_compaction_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	reason TEXT,
	token_count_before INTEGER NOT NULL DEFAULT 0,
	turn_count_before INTEGER NOT NULL DEFAULT 0,
	summary_tokens INTEGER NOT NULL DEFAULT 0,
	checkpoint_memory_id TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_links (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(source_id, target_id, link_type)
);

CREATE TABLE IF NOT EXISTS memory_consolidation_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	input_count INTEGER NOT NULL DEFAULT 0,
	merged_count INTEGER NOT NULL DEFAULT 0,
	superseded_count INTEGER NOT NULL DEFAULT 0,
	conflicted_count INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0,
	model TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_rollout_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	hybrid_requested INTEGER NOT NULL DEFAULT 0,
	fallback INTEGER NOT NULL DEFAULT 0,
	fallback_reason TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_due ON memory_embedding_jobs(status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_job_metrics_window ON memory_embedding_job_metrics(created_at);
CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id, changed_at);
CREATE INDEX IF NOT EXISTS idx_session_events ON memory_session_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON memory_sessions(status, last_activity_at);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at, id);
`

// guardColumns are the memory columns the schema guard ensures exist on
// databases created before those columns were introduced.
var guardColumns = map[string]string{
	"user_id":           "TEXT",
	"memory_layer":      "TEXT",
	"expires_at":        "TIMESTAMP",
	"upsert_key":        "TEXT",
	"source_session_id": "TEXT",
	"superseded_by":     "TEXT",
	"superseded_at":     "TIMESTAMP",
	"confidence":        "REAL",
	"last_confirmed_at": "TIMESTAMP",
	"paths":             "TEXT",
	"category":          "TEXT",
}

// Store wraps a single tenant SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// workingTTL is applied to working-layer memories without an explicit
	// expiry.
	workingTTL time.Duration

	// now is swappable in tests.
	now func() time.Time

	// enqueue is the fire-and-forget embedding hook set by the embedding
	// subsystem. Never surfaces errors to write paths.
	enqueueMu sync.RWMutex
	enqueue   func(ctx context.Context, memoryID, content, operation string)

	ensureOnce sync.Once
	ensureErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithWorkingTTL sets the default TTL for working-layer memories.
func WithWorkingTTL(ttl time.Duration) Option {
	return func(s *Store) { s.workingTTL = ttl }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens a tenant database, configures WAL mode, and applies the schema.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     slog.Default(),
		workingTTL: 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need it (migrations, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetEnqueueHook registers the embedding enqueue callback invoked after Add
// and Update. Safe for concurrent use.
func (s *Store) SetEnqueueHook(fn func(ctx context.Context, memoryID, content, operation string)) {
	s.enqueueMu.Lock()
	s.enqueue = fn
	s.enqueueMu.Unlock()
}

func (s *Store) fireEnqueue(ctx context.Context, memoryID, content, operation string) {
	s.enqueueMu.RLock()
	fn := s.enqueue
	s.enqueueMu.RUnlock()
	if fn == nil {
		return
	}
	// Fire-and-forget: the hook owns its own error handling, and a panic in
	// it must never poison a successful write.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("embedding enqueue hook panicked", "memory_id", memoryID, "panic", r)
		}
	}()
	fn(ctx, memoryID, content, operation)
}

// EnsureSchema runs the idempotent column/index guard once per handle. Older
// databases gain the newer memory columns, the composite user/scope index,
// and the FTS index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.ensureSchema(ctx)
	})
	return s.ensureErr
}

func (s *Store) ensureSchema(ctx context.Context) error {
	existing, err := s.tableColumns(ctx, "memories")
	if err != nil {
		return err
	}
	for col, typ := range guardColumns {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE memories ADD COLUMN %s %s", col, typ)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// A concurrent guard on another handle may have added it already.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("sqlite: add column %s: %w", col, err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_memories_user_scope_project ON memories(user_id, scope, project_id)"); err != nil {
		return fmt.Errorf("sqlite: ensure composite index: %w", err)
	}

	return s.ensureFTS(ctx)
}

// ensureFTS creates the contentless-sync FTS5 index over memories.content
// with triggers keeping it aligned with the base table.
func (s *Store) ensureFTS(ctx context.Context) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure FTS index: %w", err)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Nullable column helpers shared across the package.

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
