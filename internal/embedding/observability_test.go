package embedding

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage/sqlite"
)

func TestSnapshotHealthy(t *testing.T) {
	store, clock := newQueueStore(t)

	monitor := NewMonitor(store, 2*time.Minute, WithMonitorClock(clock.Now))
	snap, err := monitor.Snapshot(context.Background(), SnapshotRequest{})
	require.NoError(t, err)

	assert.Equal(t, 24, snap.WindowHours)
	assert.Equal(t, HealthHealthy, snap.Health)
	assert.Empty(t, snap.Alarms)
	assert.Len(t, snap.SLOs, 6)
	require.NotNil(t, snap.Queue)
	require.NotNil(t, snap.Worker)
	require.NotNil(t, snap.Backfill)
	require.NotNil(t, snap.Retrieval)
}

func TestSnapshotFiresQueueAlarms(t *testing.T) {
	store, clock := newQueueStore(t)
	ctx := context.Background()

	// One job that has been due for 15 minutes, one stale claim.
	_, _, err := store.EnqueueEmbeddingJob(ctx, "mem-a", "a", testModel, "add", "", 5)
	require.NoError(t, err)
	_, _, err = store.EnqueueEmbeddingJob(ctx, "mem-b", "b", testModel, "add", "", 5)
	require.NoError(t, err)
	job, err := store.ClaimNextJob(ctx, "vanished-worker", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(15 * time.Minute)

	monitor := NewMonitor(store, 2*time.Minute, WithMonitorClock(clock.Now))
	snap, err := monitor.Snapshot(ctx, SnapshotRequest{})
	require.NoError(t, err)

	assert.Equal(t, HealthCritical, snap.Health)
	codes := map[string]string{}
	for _, a := range snap.Alarms {
		codes[a.Code] = a.Severity
	}
	assert.Equal(t, SeverityCritical, codes["EMBEDDING_QUEUE_LAG"])
	assert.Equal(t, SeverityWarning, codes["EMBEDDING_STALE_JOBS"])
}

func TestAlarmMinSamples(t *testing.T) {
	// A terrible dead-letter rate with too few samples stays quiet.
	worker := &sqlite.WorkerStats{Attempts: 5, DeadLetters: 5, FailureRate: 1}
	alarms := evaluateAlarms(&sqlite.QueueStats{}, worker, &sqlite.BackfillStats{}, &sqlite.RetrievalStats{})
	assert.Empty(t, alarms)

	worker = &sqlite.WorkerStats{Attempts: 25, DeadLetters: 2, FailureRate: 0.08}
	alarms = evaluateAlarms(&sqlite.QueueStats{}, worker, &sqlite.BackfillStats{}, &sqlite.RetrievalStats{})
	require.Len(t, alarms, 1)
	assert.Equal(t, "EMBEDDING_DEAD_LETTER_RATE", alarms[0].Code)
	assert.Equal(t, SeverityCritical, alarms[0].Severity)
}

func TestAlarmRetrievalThresholds(t *testing.T) {
	retrieval := &sqlite.RetrievalStats{
		Requests:        30,
		HybridRequested: 30,
		FallbackCount:   2,
		FallbackRate:    2.0 / 30.0,
		P95DurationMS:   1500,
	}
	alarms := evaluateAlarms(&sqlite.QueueStats{}, &sqlite.WorkerStats{}, &sqlite.BackfillStats{}, retrieval)

	codes := map[string]string{}
	for _, a := range alarms {
		codes[a.Code] = a.Severity
	}
	assert.Equal(t, SeverityWarning, codes["EMBEDDING_RETRIEVAL_FALLBACK_RATE"])
	assert.Equal(t, SeverityWarning, codes["EMBEDDING_RETRIEVAL_LATENCY"])
	assert.Equal(t, HealthDegraded, overallHealth(alarms))
}

func TestSnapshotLogEmitsAlarms(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	snap := &Snapshot{
		Health:    HealthCritical,
		Queue:     &sqlite.QueueStats{QueueLagMS: 700000, StaleProcessing: 2},
		Worker:    &sqlite.WorkerStats{},
		Backfill:  &sqlite.BackfillStats{},
		Retrieval: &sqlite.RetrievalStats{},
		Alarms: []Alarm{
			{Code: "EMBEDDING_QUEUE_LAG", Severity: SeverityCritical, Metric: "queue_lag_ms", Value: 700000},
			{Code: "EMBEDDING_STALE_JOBS", Severity: SeverityWarning, Metric: "stale_processing_count", Value: 2},
		},
	}
	snap.Log(logger, "tenant_id", "tenant-1")

	out := buf.String()
	assert.Contains(t, out, "health=critical")
	assert.Contains(t, out, "tenant_id=tenant-1")
	assert.Contains(t, out, "EMBEDDING_QUEUE_LAG")
	assert.Contains(t, out, "EMBEDDING_STALE_JOBS")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "level=WARN")
}

func TestOverallHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, overallHealth(nil))
	assert.Equal(t, HealthDegraded, overallHealth([]Alarm{{Severity: SeverityWarning}}))
	assert.Equal(t, HealthCritical, overallHealth([]Alarm{
		{Severity: SeverityWarning}, {Severity: SeverityCritical},
	}))
}
