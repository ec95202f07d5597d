// Package session owns the durable agent session log: events, checkpoints,
// snapshots, and write-ahead compaction.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/retrieval"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Collaborator is the optional OpenClaw file integration: bootstrap context
// on session start and a best-effort daily log. Never a blocker.
type Collaborator interface {
	BootstrapContext() (content string, ok bool)
	AppendDailyLog(entry string) (path string, err error)
}

// Service drives session lifecycle over one tenant store.
type Service struct {
	store    storage.SessionStore
	openclaw Collaborator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCollaborator(c Collaborator) Option {
	return func(s *Service) {
		s.openclaw = c
	}
}

// NewService builds a session service.
func NewService(store storage.SessionStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOptions scope a new session.
type StartOptions struct {
	ProjectID string
	UserID    string
	Client    string
	Title     string
	// Global forces global scope even when a project id is available.
	Global   bool
	Metadata map[string]any
}

// StartSession creates a session, project-scoped when a project id is
// available and not overridden. When an OpenClaw bootstrap context exists it
// is captured immediately as a summary checkpoint.
func (s *Service) StartSession(ctx context.Context, opts StartOptions) (*types.Session, error) {
	sess := &types.Session{
		Scope:     types.ScopeGlobal,
		UserID:    opts.UserID,
		Client:    opts.Client,
		Title:     opts.Title,
		Metadata:  opts.Metadata,
		StartedAt: s.now(),
	}
	sess.LastActivityAt = sess.StartedAt
	if !opts.Global && opts.ProjectID != "" {
		sess.Scope = types.ScopeProject
		sess.ProjectID = opts.ProjectID
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if s.openclaw != nil {
		if bootstrap, ok := s.openclaw.BootstrapContext(); ok {
			_, err := s.Checkpoint(ctx, sess.ID, bootstrap, CheckpointOptions{Kind: types.KindSummary})
			if err != nil {
				s.logger.Warn("failed to record bootstrap checkpoint", "session_id", sess.ID, "error", err)
			}
		}
	}
	return sess, nil
}

// CheckpointOptions override the event defaults.
type CheckpointOptions struct {
	Role       types.EventRole
	Kind       types.EventKind
	TokenCount *int
	TurnIndex  *int
}

// Checkpoint appends a checkpoint event to an active session and bumps its
// activity clock.
func (s *Service) Checkpoint(ctx context.Context, sessionID, content string, opts CheckpointOptions) (*types.SessionEvent, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.SessionActive {
		return nil, fmt.Errorf("cannot checkpoint session %s because it is %s", sessionID, sess.Status)
	}

	event := &types.SessionEvent{
		SessionID:    sessionID,
		Role:         opts.Role,
		Kind:         opts.Kind,
		Content:      content,
		TokenCount:   opts.TokenCount,
		TurnIndex:    opts.TurnIndex,
		IsMeaningful: true,
	}
	if event.Role == "" {
		event.Role = types.RoleAssistant
	}
	if event.Kind == "" {
		event.Kind = types.KindCheckpoint
	}
	if event.TokenCount == nil {
		tokens := retrieval.EstimateTextTokens(content)
		event.TokenCount = &tokens
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}
	return event, nil
}

// AppendEvent records a plain session event and bumps activity.
func (s *Service) AppendEvent(ctx context.Context, event *types.SessionEvent) error {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if err := s.store.TouchSession(ctx, event.SessionID, s.now()); err != nil {
		s.logger.Warn("failed to touch session", "session_id", event.SessionID, "error", err)
	}
	return nil
}

// ListEvents returns the newest window of events in chronological order.
func (s *Service) ListEvents(ctx context.Context, sessionID string, limit int, meaningfulOnly bool) ([]types.SessionEvent, error) {
	return s.store.ListEvents(ctx, sessionID, limit, meaningfulOnly)
}

// SnapshotOptions describe one transcript capture.
type SnapshotOptions struct {
	Slug          string
	SourceTrigger string
	TranscriptMD  string
	MessageCount  int
}

// CreateSnapshot stores a transcript artifact under a normalized slug and
// bumps session activity.
func (s *Service) CreateSnapshot(ctx context.Context, sessionID string, opts SnapshotOptions) (*types.SessionSnapshot, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	slug := normalizeSlug(opts.Slug)
	if slug == "" {
		slug = fmt.Sprintf("snapshot-%d", s.now().Unix())
	}

	snap := &types.SessionSnapshot{
		SessionID:     sessionID,
		Slug:          slug,
		SourceTrigger: opts.SourceTrigger,
		TranscriptMD:  opts.TranscriptMD,
		MessageCount:  opts.MessageCount,
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}
	return snap, nil
}

// EndSession closes a session, defaulting to the closed status. Returns nil
// when the session was not active.
func (s *Service) EndSession(ctx context.Context, sessionID string, status types.SessionStatus) (*types.Session, error) {
	if status == "" {
		status = types.SessionClosed
	}
	return s.store.EndSession(ctx, sessionID, status, s.now())
}

// Status reports per-session counters.
func (s *Service) Status(ctx context.Context, sessionID string) (*storage.SessionStatusReport, error) {
	return s.store.SessionStatus(ctx, sessionID)
}

// normalizeSlug lowercases, folds runs of non-alphanumerics to single
// hyphens, and caps the result at 80 characters.
func normalizeSlug(raw string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 80 {
		slug = strings.Trim(slug[:80], "-")
	}
	return slug
}
