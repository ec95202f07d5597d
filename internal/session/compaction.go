package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/engramlabs/engram/internal/retrieval"
	"github.com/engramlabs/engram/pkg/types"
)

const (
	compactionMaxRules    = 5
	compactionMaxMemories = 8
	compactionLineLimit   = 140
)

// CompactionOptions describe one write-ahead checkpoint.
type CompactionOptions struct {
	TriggerType      string
	Reason           string
	TokenCountBefore int
	TurnCountBefore  int
	// Rules and Memories are the context about to be trimmed; they seed both
	// the checkpoint content and the token estimate.
	Rules    []types.Memory
	Memories []types.Memory
	// Content overrides the synthesized checkpoint body when set.
	Content string
}

// CompactionResult is the outcome of a write-ahead checkpoint.
type CompactionResult struct {
	CheckpointEvent      *types.SessionEvent    `json:"checkpoint_event"`
	CompactionEvent      *types.CompactionEvent `json:"compaction_event"`
	TokenCountBefore     int                    `json:"token_count_before"`
	OpenClawDailyLogPath string                 `json:"openclaw_daily_log_path,omitempty"`
}

// WriteAheadCompactionCheckpoint records the session state just before
// external context is trimmed: a checkpoint event, a compaction log row, and
// (best effort) an OpenClaw daily log line.
func (s *Service) WriteAheadCompactionCheckpoint(ctx context.Context, sessionID string, opts CompactionOptions) (*CompactionResult, error) {
	tokenCountBefore := opts.TokenCountBefore
	if tokenCountBefore == 0 {
		tokenCountBefore = retrieval.EstimateContextTokens(opts.Rules, opts.Memories)
	}

	content := opts.Content
	if content == "" {
		content = buildCheckpointContent(opts.Rules, opts.Memories)
	}

	tokens := retrieval.EstimateTextTokens(content)
	checkpoint, err := s.Checkpoint(ctx, sessionID, content, CheckpointOptions{TokenCount: &tokens})
	if err != nil {
		return nil, err
	}

	compaction := &types.CompactionEvent{
		SessionID:          sessionID,
		TriggerType:        opts.TriggerType,
		Reason:             opts.Reason,
		TokenCountBefore:   tokenCountBefore,
		TurnCountBefore:    opts.TurnCountBefore,
		SummaryTokens:      tokens,
		CheckpointMemoryID: checkpoint.ID,
	}
	if err := s.store.LogCompactionEvent(ctx, compaction); err != nil {
		return nil, err
	}

	result := &CompactionResult{
		CheckpointEvent:  checkpoint,
		CompactionEvent:  compaction,
		TokenCountBefore: tokenCountBefore,
	}

	if s.openclaw != nil {
		path, err := s.openclaw.AppendDailyLog("compaction checkpoint for session " + sessionID)
		if err != nil {
			s.logger.Warn("failed to append OpenClaw daily log", "session_id", sessionID, "error", err)
		} else {
			result.OpenClawDailyLogPath = path
		}
	}
	return result, nil
}

// buildCheckpointContent renders the trimmed context as a compact multi-line
// summary: at most 5 rules and 8 memories, each line capped at 140 chars.
func buildCheckpointContent(rules, memories []types.Memory) string {
	var lines []string
	lines = append(lines, "Context checkpoint before compaction.")

	if len(rules) > 0 {
		lines = append(lines, "Rules:")
		for i, r := range rules {
			if i == compactionMaxRules {
				break
			}
			lines = append(lines, "- "+truncateLine(r.Content))
		}
	}
	if len(memories) > 0 {
		lines = append(lines, "Memories:")
		for i, m := range memories {
			if i == compactionMaxMemories {
				break
			}
			lines = append(lines, "- "+truncateLine(m.Content))
		}
	}
	return strings.Join(lines, "\n")
}

// truncateLine caps a summary line at compactionLineLimit runes. The cut is
// on a rune boundary so multi-byte content stays valid UTF-8.
func truncateLine(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= compactionLineLimit {
		return s
	}
	return string([]rune(s)[:compactionLineLimit-1]) + "…"
}

// WorkerOptions tune the inactivity compaction sweep.
type WorkerOptions struct {
	Inactivity  time.Duration // default 60m
	Limit       int           // default 25
	EventWindow int           // default 8
}

// WorkerReport summarizes one sweep. Individual session failures are
// collected, not fatal.
type WorkerReport struct {
	InactivityMinutes int      `json:"inactivity_minutes"`
	Scanned           int      `json:"scanned"`
	Checkpointed      int      `json:"checkpointed"`
	Compacted         int      `json:"compacted"`
	Failures          []string `json:"failures,omitempty"`
}

// RunInactivityCompactionWorker checkpoints and compacts sessions that have
// gone quiet.
func (s *Service) RunInactivityCompactionWorker(ctx context.Context, opts WorkerOptions) (*WorkerReport, error) {
	if opts.Inactivity <= 0 {
		opts.Inactivity = time.Hour
	}
	if opts.Limit <= 0 {
		opts.Limit = 25
	}
	if opts.EventWindow <= 0 {
		opts.EventWindow = 8
	}

	report := &WorkerReport{InactivityMinutes: int(opts.Inactivity / time.Minute)}

	cutoff := s.now().Add(-opts.Inactivity)
	sessions, err := s.store.InactiveSessions(ctx, cutoff, opts.Limit)
	if err != nil {
		return report, err
	}
	report.Scanned = len(sessions)

	for _, sess := range sessions {
		if err := s.compactOne(ctx, sess.ID, opts.EventWindow); err != nil {
			s.logger.Warn("inactivity compaction failed", "session_id", sess.ID, "error", err)
			report.Failures = append(report.Failures, sess.ID+": "+err.Error())
			continue
		}
		report.Checkpointed++
		report.Compacted++
	}
	return report, nil
}

func (s *Service) compactOne(ctx context.Context, sessionID string, eventWindow int) error {
	events, err := s.store.ListEvents(ctx, sessionID, eventWindow, true)
	if err != nil {
		return err
	}

	var lines []string
	lines = append(lines, "Session compacted after inactivity.")
	for _, e := range events {
		lines = append(lines, "- ["+string(e.Role)+"] "+truncateLine(e.Content))
	}

	_, err = s.WriteAheadCompactionCheckpoint(ctx, sessionID, CompactionOptions{
		TriggerType: types.CompactionTriggerTime,
		Reason:      "inactivity",
		Content:     strings.Join(lines, "\n"),
	})
	if err != nil {
		return err
	}

	_, err = s.EndSession(ctx, sessionID, types.SessionCompacted)
	return err
}
