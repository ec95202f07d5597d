package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/types"
)

const testModel = "openai/text-embedding-3-small"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newQueueStore(t *testing.T) (*sqlite.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := sqlite.Open(":memory:", sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store, clock
}

// scriptedProvider returns canned results or errors per call.
type scriptedProvider struct {
	results []any // *EmbedResult or error
	calls   int
}

func (p *scriptedProvider) Embed(_ context.Context, _, _ string) (*EmbedResult, error) {
	if p.calls >= len(p.results) {
		return &EmbedResult{Vector: []float32{1, 2, 3}}, nil
	}
	step := p.results[p.calls]
	p.calls++
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*EmbedResult), nil
}

func TestProcessDueJobsSuccess(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	mem, err := store.Add(ctx, "embed me", storage.AddOptions{SkipEmbedding: true})
	require.NoError(t, err)
	_, _, err = store.EnqueueEmbeddingJob(ctx, mem.ID, mem.Content, testModel, types.OpAdd, "", 5)
	require.NoError(t, err)

	provider := &scriptedProvider{results: []any{&EmbedResult{Vector: []float32{0.5, 1.5}}}}
	worker := NewWorker(store, provider, WorkerConfig{}, WithWorkerClock(clock.Now))

	report, err := worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)

	stored, err := store.GetEmbedding(ctx, mem.ID, testModel)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1.5}, stored.Vector)

	stats, err := store.WorkerStatsSnapshot(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successes)
}

func TestProcessDueJobsSkipsMissingMemory(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	// Job references a memory that no longer exists; a stale vector for it
	// must be purged.
	_, _, err := store.EnqueueEmbeddingJob(ctx, "gone", "content", testModel, types.OpAdd, "", 5)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEmbedding(ctx, types.MemoryEmbedding{
		MemoryID: "gone", Model: testModel, Vector: []float32{1},
	}))

	worker := NewWorker(store, &scriptedProvider{}, WorkerConfig{}, WithWorkerClock(clock.Now))
	report, err := worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Succeeded)

	_, err = store.GetEmbedding(ctx, "gone", testModel)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := store.WorkerStatsSnapshot(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
}

func TestProcessDueJobsRetriesThenDeadLetters(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	mem, err := store.Add(ctx, "flaky", storage.AddOptions{SkipEmbedding: true})
	require.NoError(t, err)
	jobID, _, err := store.EnqueueEmbeddingJob(ctx, mem.ID, mem.Content, testModel, types.OpAdd, "", 3)
	require.NoError(t, err)

	retryable := &ProviderError{StatusCode: 503, Code: "UPSTREAM_ERROR", Message: "unavailable", Retryable: true}
	provider := &scriptedProvider{results: []any{retryable, retryable, retryable}}
	worker := NewWorker(store, provider, WorkerConfig{
		MaxAttempts: 3,
		RetryBase:   500 * time.Millisecond,
		RetryMax:    60 * time.Second,
	}, WithWorkerClock(clock.Now))

	// Attempt 1: retry scheduled base*2^0 = 500ms out.
	report, err := worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.True(t, job.NextAttemptAt.Equal(clock.Now().Add(500*time.Millisecond)),
		"next attempt at %v", job.NextAttemptAt)

	// Not yet due: nothing processed.
	report, err = worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)

	// Attempt 2 after the backoff: doubled delay.
	clock.Advance(time.Second)
	report, err = worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	job, _ = store.GetJob(ctx, jobID)
	assert.True(t, job.NextAttemptAt.Equal(clock.Now().Add(time.Second)),
		"next attempt at %v", job.NextAttemptAt)

	// Attempt 3 exhausts the budget: dead letter.
	clock.Advance(2 * time.Second)
	report, err = worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	job, _ = store.GetJob(ctx, jobID)
	assert.Equal(t, types.JobDeadLetter, job.Status)
	assert.Equal(t, "max_attempts_exhausted", job.DeadLetterReason)

	stats, err := store.WorkerStatsSnapshot(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 1, stats.DeadLetters)
	require.NotEmpty(t, stats.TopErrorCodes)
	assert.Equal(t, "UPSTREAM_ERROR", stats.TopErrorCodes[0].Code)
}

func TestProcessDueJobsDeadLettersNonRetryable(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	mem, err := store.Add(ctx, "rejected", storage.AddOptions{SkipEmbedding: true})
	require.NoError(t, err)
	jobID, _, err := store.EnqueueEmbeddingJob(ctx, mem.ID, mem.Content, testModel, types.OpAdd, "", 5)
	require.NoError(t, err)

	provider := &scriptedProvider{results: []any{
		&ProviderError{StatusCode: 400, Code: "REQUEST_REJECTED", Message: "bad input", Retryable: false},
	}}
	worker := NewWorker(store, provider, WorkerConfig{}, WithWorkerClock(clock.Now))

	report, err := worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDeadLetter, job.Status)
	assert.Equal(t, "non_retryable_error", job.DeadLetterReason)
	// One attempt only, even though the budget allowed five.
	assert.Equal(t, 1, job.AttemptCount)
}

func TestProcessDueJobsRescuesStaleClaims(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	mem, err := store.Add(ctx, "orphaned", storage.AddOptions{SkipEmbedding: true})
	require.NoError(t, err)
	_, _, err = store.EnqueueEmbeddingJob(ctx, mem.ID, mem.Content, testModel, types.OpAdd, "", 5)
	require.NoError(t, err)

	// A previous worker claimed the job and died.
	claimed, err := store.ClaimNextJob(ctx, "dead-worker", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(5 * time.Minute)

	worker := NewWorker(store, &scriptedProvider{}, WorkerConfig{
		ProcessingTimeout: 2 * time.Minute,
	}, WithWorkerClock(clock.Now))

	report, err := worker.ProcessDueJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Succeeded)
}

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	max := 60 * time.Second

	assert.Equal(t, 500*time.Millisecond, Backoff(1, base, max))
	assert.Equal(t, time.Second, Backoff(2, base, max))
	assert.Equal(t, 2*time.Second, Backoff(3, base, max))
	assert.Equal(t, 16*time.Second, Backoff(6, base, max))
	// Clamped at both ends.
	assert.Equal(t, max, Backoff(12, base, max))
	assert.Equal(t, base, Backoff(0, base, max))
}
