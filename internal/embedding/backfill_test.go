package embedding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/types"
)

func newBackfill(t *testing.T, store *sqlite.Store, clock *testClock, cfg BackfillConfig) *Backfill {
	t.Helper()
	return NewBackfill(store, cfg,
		WithBackfillClock(clock.Now),
		WithBackfillSleep(func(time.Duration) {}))
}

func seedBacklog(t *testing.T, store *sqlite.Store, clock *testClock, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		mem, err := store.Add(context.Background(), fmt.Sprintf("backlog %d", i), storage.AddOptions{SkipEmbedding: true})
		require.NoError(t, err)
		ids = append(ids, mem.ID)
		clock.Advance(time.Second)
	}
	return ids
}

func TestRunBatchProgressesToCompletion(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	ids := seedBacklog(t, store, clock, 4)
	backfill := newBackfill(t, store, clock, BackfillConfig{BatchLimit: 2})

	// First batch: two scanned, two enqueued, two left.
	report, err := backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, 2, report.Remaining)
	assert.Equal(t, types.BackfillRunning, report.Status)

	state, err := store.GetBackfillState(ctx, types.BackfillScopeKey(testModel, "", ""))
	require.NoError(t, err)
	assert.Equal(t, ids[1], state.CheckpointMemoryID)
	assert.Equal(t, 2, state.ScannedCount)

	// Second batch finishes the scope.
	clock.Advance(time.Second)
	report, err = backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, types.BackfillCompleted, report.Status)

	state, err = store.GetBackfillState(ctx, types.BackfillScopeKey(testModel, "", ""))
	require.NoError(t, err)
	assert.Equal(t, ids[3], state.CheckpointMemoryID)
	assert.NotNil(t, state.CompletedAt)

	// All four jobs are queued exactly once, tagged as backfill work.
	for _, id := range ids {
		job := jobForMemory(t, store, id)
		assert.Equal(t, types.OpBackfill, job.Operation)
		assert.Equal(t, types.JobQueued, job.Status)
	}

	// A further batch is a no-op.
	report, err = backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, types.BackfillCompleted, report.Status)
}

func jobForMemory(t *testing.T, store *sqlite.Store, memoryID string) *types.EmbeddingJob {
	t.Helper()
	var jobID int64
	err := store.DB().QueryRow(
		"SELECT id FROM memory_embedding_jobs WHERE memory_id = ? AND model = ?",
		memoryID, testModel).Scan(&jobID)
	require.NoError(t, err)
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestRunBatchRespectsPause(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	seedBacklog(t, store, clock, 2)
	backfill := newBackfill(t, store, clock, BackfillConfig{BatchLimit: 10})

	state, err := backfill.SetPaused(ctx, testModel, "", "", true)
	require.NoError(t, err)
	assert.Equal(t, types.BackfillPaused, state.Status)

	report, err := backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.BackfillPaused, report.Status)
	assert.Zero(t, report.Scanned)

	// Unpausing resumes work.
	state, err = backfill.SetPaused(ctx, testModel, "", "", false)
	require.NoError(t, err)
	assert.Equal(t, types.BackfillIdle, state.Status)

	report, err = backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
}

func TestRunBatchTriggersWorker(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	seedBacklog(t, store, clock, 1)

	triggered := make(chan struct{}, 1)
	backfill := NewBackfill(store, BackfillConfig{BatchLimit: 10},
		WithBackfillClock(clock.Now),
		WithBackfillSleep(func(time.Duration) {}),
		WithWorkerTrigger(func() { triggered <- struct{}{} }))

	_, err := backfill.RunBatch(ctx, testModel, "", "")
	require.NoError(t, err)

	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("worker trigger never fired")
	}
}

func TestRunDueSkipsSettledScopes(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	seedBacklog(t, store, clock, 2)
	backfill := newBackfill(t, store, clock, BackfillConfig{BatchLimit: 10})

	report, ran, err := backfill.RunDue(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, types.BackfillCompleted, report.Status)

	// Completed scopes are left alone on later sweeps.
	report, ran, err = backfill.RunDue(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, types.BackfillCompleted, report.Status)

	// So are paused ones.
	_, err = backfill.SetPaused(ctx, "other/model", "", "", true)
	require.NoError(t, err)
	report, ran, err = backfill.RunDue(ctx, "other/model", "", "")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, types.BackfillPaused, report.Status)
}

func TestStatusSynthesizesState(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	seedBacklog(t, store, clock, 3)
	backfill := newBackfill(t, store, clock, BackfillConfig{})

	state, err := backfill.Status(ctx, testModel, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.BackfillIdle, state.Status)
	assert.Equal(t, 3, state.EstimatedTotal)
}

func TestEtaSeconds(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)
	state := &types.BackfillState{StartedAt: &start, ScannedCount: 20}

	// 20 scanned over 10s → 2/s; 30 remaining → 15s.
	assert.Equal(t, 15, etaSeconds(state, 30, now))
	// Fractional ETA rounds up.
	assert.Equal(t, 16, etaSeconds(state, 31, now))
	assert.Zero(t, etaSeconds(state, 0, now))
	assert.Zero(t, etaSeconds(&types.BackfillState{}, 10, now))
}
