package types

import "time"

// SessionStatus is the lifecycle state of an agent session.
// Transitions: active → compacted, active → closed. Terminal states reject
// new events.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompacted SessionStatus = "compacted"
	SessionClosed    SessionStatus = "closed"
)

// Session is a durable log of agent interactions over time.
type Session struct {
	ID             string         `json:"id"`
	Scope          MemoryScope    `json:"scope"`
	ProjectID      string         `json:"project_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Client         string         `json:"client,omitempty"`
	Status         SessionStatus  `json:"status"`
	Title          string         `json:"title,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Event roles and kinds.
type EventRole string

const (
	RoleUser      EventRole = "user"
	RoleAssistant EventRole = "assistant"
	RoleTool      EventRole = "tool"
)

type EventKind string

const (
	KindMessage    EventKind = "message"
	KindCheckpoint EventKind = "checkpoint"
	KindSummary    EventKind = "summary"
	KindEvent      EventKind = "event"
)

// SessionEvent is one append-only entry in a session's log.
type SessionEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         EventRole `json:"role"`
	Kind         EventKind `json:"kind"`
	Content      string    `json:"content"`
	TokenCount   *int      `json:"token_count,omitempty"`
	TurnIndex    *int      `json:"turn_index,omitempty"`
	IsMeaningful bool      `json:"is_meaningful"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot source triggers.
const (
	TriggerNewSession     = "new_session"
	TriggerReset          = "reset"
	TriggerManual         = "manual"
	TriggerAutoCompaction = "auto_compaction"
)

// SessionSnapshot is a durable transcript artifact captured from a session.
type SessionSnapshot struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Slug          string    `json:"slug"`
	SourceTrigger string    `json:"source_trigger"`
	TranscriptMD  string    `json:"transcript_md"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Compaction trigger types.
const (
	CompactionTriggerCount    = "count"
	CompactionTriggerTime     = "time"
	CompactionTriggerSemantic = "semantic"
)

// CompactionEvent records a write-ahead compaction checkpoint: the state of
// the session just before external context was trimmed.
type CompactionEvent struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	TriggerType        string    `json:"trigger_type"`
	Reason             string    `json:"reason,omitempty"`
	TokenCountBefore   int       `json:"token_count_before"`
	TurnCountBefore    int       `json:"turn_count_before"`
	SummaryTokens      int       `json:"summary_tokens"`
	CheckpointMemoryID string    `json:"checkpoint_memory_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
