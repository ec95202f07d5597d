package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// BackfillStore is the storage surface the backfill drives: checkpointed
// state plus the enqueue side of the job queue.
type BackfillStore interface {
	storage.BackfillStore
	EnqueueEmbeddingJob(ctx context.Context, memoryID, content, model, operation, modelVersion string, maxAttempts int) (int64, bool, error)
}

// BackfillConfig tunes batch shape. Zero values fall back to defaults.
type BackfillConfig struct {
	BatchLimit  int           // default 50
	Throttle    time.Duration // default 100ms
	MaxAttempts int           // forwarded to enqueued jobs, default 5
}

func (c *BackfillConfig) applyDefaults() {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.Throttle <= 0 {
		c.Throttle = 100 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Backfill walks a scope's missing embeddings in strict (created_at, id)
// order and feeds them to the queue. Progress survives restarts via the
// checkpointed state row.
type Backfill struct {
	store  BackfillStore
	cfg    BackfillConfig
	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
	// onEnqueued fires once per batch that enqueued work, so the owner can
	// kick the worker without the backfill blocking on it.
	onEnqueued func()
}

// BackfillOption configures a Backfill.
type BackfillOption func(*Backfill)

func WithBackfillLogger(l *slog.Logger) BackfillOption {
	return func(b *Backfill) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBackfillClock(now func() time.Time) BackfillOption {
	return func(b *Backfill) {
		if now != nil {
			b.now = now
		}
	}
}

func WithBackfillSleep(sleep func(time.Duration)) BackfillOption {
	return func(b *Backfill) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

func WithWorkerTrigger(fn func()) BackfillOption {
	return func(b *Backfill) {
		b.onEnqueued = fn
	}
}

// NewBackfill builds a backfill runner.
func NewBackfill(store BackfillStore, cfg BackfillConfig, opts ...BackfillOption) *Backfill {
	cfg.applyDefaults()
	b := &Backfill{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BatchReport summarizes one RunBatch call.
type BatchReport struct {
	ScopeKey   string               `json:"scope_key"`
	Status     types.BackfillStatus `json:"status"`
	Scanned    int                  `json:"scanned"`
	Enqueued   int                  `json:"enqueued"`
	Remaining  int                  `json:"remaining"`
	DurationMS int64                `json:"duration_ms"`
	ETASeconds int                  `json:"eta_seconds,omitempty"`
}

// Status loads (lazily creating) the scope's progress row.
func (b *Backfill) Status(ctx context.Context, model, projectID, userID string) (*types.BackfillState, error) {
	return b.store.EnsureBackfillState(ctx, model, projectID, userID)
}

// SetPaused flips a scope between paused and idle, clearing the last error.
// A pause takes effect at the next batch boundary.
func (b *Backfill) SetPaused(ctx context.Context, model, projectID, userID string, paused bool) (*types.BackfillState, error) {
	state, err := b.store.EnsureBackfillState(ctx, model, projectID, userID)
	if err != nil {
		return nil, err
	}
	if paused {
		state.Status = types.BackfillPaused
	} else {
		state.Status = types.BackfillIdle
	}
	state.LastError = ""
	if err := b.store.SaveBackfillState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// RunDue runs one batch unless the scope is paused or already complete. The
// second return reports whether a batch actually ran, so periodic sweeps can
// tell progress from a settled scope.
func (b *Backfill) RunDue(ctx context.Context, model, projectID, userID string) (*BatchReport, bool, error) {
	state, err := b.store.EnsureBackfillState(ctx, model, projectID, userID)
	if err != nil {
		return nil, false, err
	}
	if state.Status == types.BackfillPaused || state.Status == types.BackfillCompleted {
		return &BatchReport{ScopeKey: state.ScopeKey, Status: state.Status}, false, nil
	}
	report, err := b.RunBatch(ctx, model, projectID, userID)
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

// RunBatch processes one batch for the scope, advancing the checkpoint item
// by item so a crash mid-batch never repeats work.
func (b *Backfill) RunBatch(ctx context.Context, model, projectID, userID string) (*BatchReport, error) {
	start := b.now()

	state, err := b.store.EnsureBackfillState(ctx, model, projectID, userID)
	if err != nil {
		return nil, err
	}

	if state.Status == types.BackfillPaused {
		return &BatchReport{ScopeKey: state.ScopeKey, Status: types.BackfillPaused}, nil
	}

	state.Status = types.BackfillRunning
	if state.StartedAt == nil {
		t := start
		state.StartedAt = &t
	}
	state.BatchLimit = b.cfg.BatchLimit
	state.ThrottleMS = int(b.cfg.Throttle / time.Millisecond)

	report, err := b.runBatch(ctx, state, start)
	if err != nil {
		// Leave the scope running so the next tick picks it back up; the
		// error is captured for the operator, not fatal to the scope.
		state.Status = types.BackfillRunning
		state.LastError = truncateMessage(err.Error())
		now := b.now()
		state.LastRunAt = &now
		if saveErr := b.store.SaveBackfillState(ctx, state); saveErr != nil {
			b.logger.Error("failed to save backfill state after error", "scope", state.ScopeKey, "error", saveErr)
		}
		durationMS := b.now().Sub(start).Milliseconds()
		if mErr := b.store.RecordBackfillMetric(ctx, state.ScopeKey, types.BackfillRunning,
			report.Scanned, report.Enqueued, durationMS, state.LastError); mErr != nil {
			b.logger.Warn("failed to record backfill metric", "scope", state.ScopeKey, "error", mErr)
		}
		return nil, err
	}
	return report, nil
}

func (b *Backfill) runBatch(ctx context.Context, state *types.BackfillState, start time.Time) (*BatchReport, error) {
	report := &BatchReport{ScopeKey: state.ScopeKey}

	candidates, err := b.store.ListBackfillCandidates(ctx, state, b.cfg.BatchLimit)
	if err != nil {
		return report, err
	}

	for i, mem := range candidates {
		_, skipped, err := b.store.EnqueueEmbeddingJob(ctx,
			mem.ID, mem.Content, state.Model, types.OpBackfill, "", b.cfg.MaxAttempts)
		if err != nil {
			return report, err
		}

		report.Scanned++
		if !skipped {
			report.Enqueued++
		}
		// Checkpoint after every item: strict (created_at, id) progress.
		created := mem.CreatedAt
		state.CheckpointCreatedAt = &created
		state.CheckpointMemoryID = mem.ID
		state.ScannedCount++
		if !skipped {
			state.EnqueuedCount++
		}

		if i < len(candidates)-1 && b.cfg.Throttle > 0 {
			b.sleep(b.cfg.Throttle)
		}
	}

	remaining, err := b.store.CountBackfillRemaining(ctx, state)
	if err != nil {
		return report, err
	}
	report.Remaining = remaining

	if remaining == 0 {
		state.Status = types.BackfillCompleted
		now := b.now()
		state.CompletedAt = &now
	} else {
		state.Status = types.BackfillRunning
	}
	state.EstimatedRemaining = remaining
	state.LastError = ""
	now := b.now()
	state.LastRunAt = &now

	report.Status = state.Status
	report.DurationMS = b.now().Sub(start).Milliseconds()
	report.ETASeconds = etaSeconds(state, remaining, b.now())

	if err := b.store.SaveBackfillState(ctx, state); err != nil {
		return report, err
	}
	if err := b.store.RecordBackfillMetric(ctx, state.ScopeKey, state.Status,
		report.Scanned, report.Enqueued, report.DurationMS, ""); err != nil {
		b.logger.Warn("failed to record backfill metric", "scope", state.ScopeKey, "error", err)
	}

	if report.Enqueued > 0 && b.onEnqueued != nil {
		go b.onEnqueued()
	}
	return report, nil
}

// etaSeconds projects completion from the scope's lifetime scan rate.
func etaSeconds(state *types.BackfillState, remaining int, now time.Time) int {
	if remaining == 0 || state.StartedAt == nil || state.ScannedCount == 0 {
		return 0
	}
	elapsed := now.Sub(*state.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(state.ScannedCount) / elapsed
	if rate <= 0 {
		return 0
	}
	eta := float64(remaining) / rate
	return int(eta) + boolInt(eta != float64(int(eta)))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncateMessage(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
