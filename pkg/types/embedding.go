package types

import "time"

// EmbeddingJobStatus is the durable state of an embedding queue row.
type EmbeddingJobStatus string

const (
	JobQueued     EmbeddingJobStatus = "queued"
	JobProcessing EmbeddingJobStatus = "processing"
	JobSucceeded  EmbeddingJobStatus = "succeeded"
	JobDeadLetter EmbeddingJobStatus = "dead_letter"
)

// Embedding operations recorded on enqueue.
const (
	OpAdd      = "add"
	OpEdit     = "edit"
	OpBackfill = "backfill"
)

// EmbeddingJob is one row in the durable at-least-once embedding queue,
// unique on (memory_id, model).
type EmbeddingJob struct {
	ID               int64              `json:"id"`
	MemoryID         string             `json:"memory_id"`
	Model            string             `json:"model"`
	ModelVersion     string             `json:"model_version,omitempty"`
	Operation        string             `json:"operation"`
	Status           EmbeddingJobStatus `json:"status"`
	AttemptCount     int                `json:"attempt_count"`
	MaxAttempts      int                `json:"max_attempts"`
	NextAttemptAt    time.Time          `json:"next_attempt_at"`
	ClaimedBy        string             `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time         `json:"claimed_at,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
	DeadLetterReason string             `json:"dead_letter_reason,omitempty"`
	DeadLetterAt     *time.Time         `json:"dead_letter_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// MemoryEmbedding is a stored vector for one (memory, model) pair. The
// vector is persisted as a raw little-endian float32 blob of 4*Dimension
// bytes.
type MemoryEmbedding struct {
	MemoryID     string    `json:"memory_id"`
	Model        string    `json:"model"`
	ModelVersion string    `json:"model_version,omitempty"`
	Dimension    int       `json:"dimension"`
	Vector       []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Job metric outcomes. Exactly one is recorded per processing attempt.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeSkipped    = "skipped"
)

// JobMetric is one observability row written after a terminal queue step.
type JobMetric struct {
	JobID        int64     `json:"job_id"`
	MemoryID     string    `json:"memory_id"`
	Model        string    `json:"model"`
	Outcome      string    `json:"outcome"`
	Attempt      int       `json:"attempt"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BackfillStatus is the state of a checkpointed backfill scope.
type BackfillStatus string

const (
	BackfillIdle      BackfillStatus = "idle"
	BackfillRunning   BackfillStatus = "running"
	BackfillPaused    BackfillStatus = "paused"
	BackfillCompleted BackfillStatus = "completed"
)

// BackfillState is the durable per-scope progress row for the embedding
// backfill. Checkpoints advance strictly under the lexicographic order
// (created_at, id).
type BackfillState struct {
	ScopeKey            string         `json:"scope_key"`
	Model               string         `json:"model"`
	ProjectID           string         `json:"project_id,omitempty"`
	UserID              string         `json:"user_id,omitempty"`
	Status              BackfillStatus `json:"status"`
	CheckpointCreatedAt *time.Time     `json:"checkpoint_created_at,omitempty"`
	CheckpointMemoryID  string         `json:"checkpoint_memory_id,omitempty"`
	ScannedCount        int            `json:"scanned_count"`
	EnqueuedCount       int            `json:"enqueued_count"`
	EstimatedTotal      int            `json:"estimated_total"`
	EstimatedRemaining  int            `json:"estimated_remaining"`
	BatchLimit          int            `json:"batch_limit"`
	ThrottleMS          int            `json:"throttle_ms"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
}

// BackfillScopeKey renders the canonical "model|project|user" scope key,
// with '*' standing in for an unset project or user.
func BackfillScopeKey(model, projectID, userID string) string {
	p := projectID
	if p == "" {
		p = "*"
	}
	u := userID
	if u == "" {
		u = "*"
	}
	return model + "|" + p + "|" + u
}
