package storage

import (
	"context"
	"time"

	"github.com/engramlabs/engram/pkg/types"
)

// MemoryStore is the contract for the core memory engine. All read paths
// filter by the Active invariant (not soft-deleted, not expired).
type MemoryStore interface {
	Add(ctx context.Context, content string, opts AddOptions) (*types.Memory, error)
	GetByID(ctx context.Context, id string) (*types.Memory, error)
	Search(ctx context.Context, opts SearchOptions) ([]types.Memory, error)
	List(ctx context.Context, opts ListOptions) ([]types.Memory, error)
	GetRules(ctx context.Context, opts ListOptions) ([]types.Memory, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*types.Memory, error)
	Forget(ctx context.Context, id, userID string) (bool, error)
	FindToForget(ctx context.Context, filter ForgetFilter) ([]types.Memory, error)
	BulkForgetByIDs(ctx context.Context, ids []string, userID string) (int, error)
	Vacuum(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, memoryID string) ([]types.MemoryHistory, error)
}

// JobQueue is the durable at-least-once embedding job queue.
type JobQueue interface {
	EnqueueEmbeddingJob(ctx context.Context, memoryID, content, model, operation, modelVersion string, maxAttempts int) (int64, bool, error)
	RequeueStaleJobs(ctx context.Context, timeout time.Duration, now time.Time) (int, error)
	ClaimNextJob(ctx context.Context, claimToken string, now time.Time) (*types.EmbeddingJob, error)
	MarkJobSucceeded(ctx context.Context, jobID int64, now time.Time) error
	MarkJobRetry(ctx context.Context, jobID int64, nextAttemptAt time.Time, lastError string) error
	MarkJobDeadLetter(ctx context.Context, jobID int64, reason, lastError string, now time.Time) error
	RecordJobMetric(ctx context.Context, m types.JobMetric) error
	UpsertEmbedding(ctx context.Context, e types.MemoryEmbedding) error
	DeleteEmbedding(ctx context.Context, memoryID string) error
}

// BackfillStore persists checkpointed backfill progress.
type BackfillStore interface {
	EnsureBackfillState(ctx context.Context, model, projectID, userID string) (*types.BackfillState, error)
	GetBackfillState(ctx context.Context, scopeKey string) (*types.BackfillState, error)
	SaveBackfillState(ctx context.Context, state *types.BackfillState) error
	ListBackfillCandidates(ctx context.Context, state *types.BackfillState, limit int) ([]types.Memory, error)
	CountBackfillRemaining(ctx context.Context, state *types.BackfillState) (int, error)
	RecordBackfillMetric(ctx context.Context, scopeKey string, status types.BackfillStatus, scanned, enqueued int, durationMS int64, runErr string) error
}

// SessionStore owns the session, event, snapshot, and compaction tables.
type SessionStore interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	AppendEvent(ctx context.Context, e *types.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string, limit int, meaningfulOnly bool) ([]types.SessionEvent, error)
	CreateSnapshot(ctx context.Context, snap *types.SessionSnapshot) error
	EndSession(ctx context.Context, id string, status types.SessionStatus, at time.Time) (*types.Session, error)
	SessionStatus(ctx context.Context, id string) (*SessionStatusReport, error)
	InactiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]types.Session, error)
	LogCompactionEvent(ctx context.Context, e *types.CompactionEvent) error
}

// SessionStatusReport aggregates per-session counters for Status calls.
type SessionStatusReport struct {
	Session          *types.Session `json:"session"`
	EventCount       int            `json:"event_count"`
	CheckpointCount  int            `json:"checkpoint_count"`
	SnapshotCount    int            `json:"snapshot_count"`
	LatestEventAt    *time.Time     `json:"latest_event_at,omitempty"`
	LatestCheckpoint *time.Time     `json:"latest_checkpoint_at,omitempty"`
	LatestSnapshotAt *time.Time     `json:"latest_snapshot_at,omitempty"`
}
