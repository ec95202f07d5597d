package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

func TestEnsureBackfillStateSeedsEstimate(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Add(ctx, fmt.Sprintf("row %d", i), storage.AddOptions{SkipEmbedding: true}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		clock.Advance(time.Second)
	}

	state, err := store.EnsureBackfillState(ctx, testModel, "", "")
	if err != nil {
		t.Fatalf("EnsureBackfillState failed: %v", err)
	}
	if state.ScopeKey != testModel+"|*|*" {
		t.Errorf("scope key = %q", state.ScopeKey)
	}
	if state.Status != types.BackfillIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}
	if state.EstimatedTotal != 3 {
		t.Errorf("estimated total = %d, want 3", state.EstimatedTotal)
	}

	// Idempotent: a second Ensure returns the existing row unchanged even
	// after more memories land.
	if _, err := store.Add(ctx, "row 4", storage.AddOptions{SkipEmbedding: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	again, err := store.EnsureBackfillState(ctx, testModel, "", "")
	if err != nil {
		t.Fatalf("EnsureBackfillState failed: %v", err)
	}
	if again.EstimatedTotal != 3 {
		t.Errorf("ensure must not reseed the estimate: %d", again.EstimatedTotal)
	}
}

func TestBackfillCandidatesCheckpointProgression(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		mem, err := store.Add(ctx, fmt.Sprintf("backlog row %d", i), storage.AddOptions{SkipEmbedding: true})
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, mem.ID)
		clock.Advance(time.Second)
	}

	state, err := store.EnsureBackfillState(ctx, testModel, "", "")
	if err != nil {
		t.Fatalf("EnsureBackfillState failed: %v", err)
	}

	// First batch of 2 in strict creation order.
	batch, err := store.ListBackfillCandidates(ctx, state, 2)
	if err != nil {
		t.Fatalf("ListBackfillCandidates failed: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != ids[0] || batch[1].ID != ids[1] {
		t.Fatalf("first batch wrong: %+v", batch)
	}

	// Advance the checkpoint past the batch; the next batch never repeats.
	last := batch[len(batch)-1]
	created := last.CreatedAt
	state.CheckpointCreatedAt = &created
	state.CheckpointMemoryID = last.ID
	if err := store.SaveBackfillState(ctx, state); err != nil {
		t.Fatalf("SaveBackfillState failed: %v", err)
	}

	remaining, err := store.CountBackfillRemaining(ctx, state)
	if err != nil {
		t.Fatalf("CountBackfillRemaining failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d, want 2", remaining)
	}

	batch, err = store.ListBackfillCandidates(ctx, state, 2)
	if err != nil {
		t.Fatalf("ListBackfillCandidates failed: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != ids[2] || batch[1].ID != ids[3] {
		t.Fatalf("second batch wrong: %+v", batch)
	}
}

func TestBackfillCandidatesSkipEmbedded(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	embedded, err := store.Add(ctx, "already embedded", storage.AddOptions{SkipEmbedding: true})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	missing, err := store.Add(ctx, "missing embedding", storage.AddOptions{SkipEmbedding: true})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := store.UpsertEmbedding(ctx, types.MemoryEmbedding{
		MemoryID: embedded.ID, Model: testModel, Vector: []float32{1, 2},
	}); err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}
	// A vector under a different model does not satisfy this scope.
	if err := store.UpsertEmbedding(ctx, types.MemoryEmbedding{
		MemoryID: missing.ID, Model: "another-model", Vector: []float32{1},
	}); err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}

	state := &types.BackfillState{Model: testModel}
	batch, err := store.ListBackfillCandidates(ctx, state, 10)
	if err != nil {
		t.Fatalf("ListBackfillCandidates failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != missing.ID {
		t.Errorf("expected only the missing row, got %+v", batch)
	}
}

func TestBackfillScopeFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, "global shared", storage.AddOptions{SkipEmbedding: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	projectMem, err := store.Add(ctx, "project shared", storage.AddOptions{
		SkipEmbedding: true,
		Scope:         storage.ScopeFilter{ProjectID: "proj-1"},
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	userMem, err := store.Add(ctx, "user private", storage.AddOptions{SkipEmbedding: true, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	projectState := &types.BackfillState{Model: testModel, ProjectID: "proj-1"}
	batch, err := store.ListBackfillCandidates(ctx, projectState, 10)
	if err != nil {
		t.Fatalf("ListBackfillCandidates failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != projectMem.ID {
		t.Errorf("project scope wrong: %+v", batch)
	}

	userState := &types.BackfillState{Model: testModel, UserID: "user-1"}
	batch, err = store.ListBackfillCandidates(ctx, userState, 10)
	if err != nil {
		t.Fatalf("ListBackfillCandidates failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != userMem.ID {
		t.Errorf("user scope wrong: %+v", batch)
	}
}

func TestSaveBackfillStateRoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	state, err := store.EnsureBackfillState(ctx, testModel, "proj-1", "user-1")
	if err != nil {
		t.Fatalf("EnsureBackfillState failed: %v", err)
	}

	now := clock.Now()
	state.Status = types.BackfillRunning
	state.ScannedCount = 40
	state.EnqueuedCount = 38
	state.EstimatedRemaining = 12
	state.BatchLimit = 50
	state.ThrottleMS = 100
	state.StartedAt = &now
	state.LastRunAt = &now
	state.LastError = "gateway timeout"
	if err := store.SaveBackfillState(ctx, state); err != nil {
		t.Fatalf("SaveBackfillState failed: %v", err)
	}

	got, err := store.GetBackfillState(ctx, state.ScopeKey)
	if err != nil {
		t.Fatalf("GetBackfillState failed: %v", err)
	}
	if got.Status != types.BackfillRunning || got.ScannedCount != 40 || got.EnqueuedCount != 38 {
		t.Errorf("counters lost: %+v", got)
	}
	if got.ProjectID != "proj-1" || got.UserID != "user-1" {
		t.Errorf("scope lost: %+v", got)
	}
	if got.LastError != "gateway timeout" {
		t.Errorf("last error lost: %q", got.LastError)
	}
	if got.StartedAt == nil || got.LastRunAt == nil {
		t.Errorf("timestamps lost: %+v", got)
	}
}
