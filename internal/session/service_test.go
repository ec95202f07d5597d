package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/types"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*Service, *sqlite.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := sqlite.Open(":memory:", sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(store, opts...), store, clock
}

type fakeCollaborator struct {
	bootstrap string
	logPath   string
	logErr    error
	entries   []string
}

func (f *fakeCollaborator) BootstrapContext() (string, bool) {
	return f.bootstrap, f.bootstrap != ""
}

func (f *fakeCollaborator) AppendDailyLog(entry string) (string, error) {
	if f.logErr != nil {
		return "", f.logErr
	}
	f.entries = append(f.entries, entry)
	return f.logPath, nil
}

func TestStartSessionScoping(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, StartOptions{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, types.ScopeProject, sess.Scope)
	assert.Equal(t, "proj-1", sess.ProjectID)

	sess, err = svc.StartSession(ctx, StartOptions{ProjectID: "proj-1", Global: true})
	require.NoError(t, err)
	assert.Equal(t, types.ScopeGlobal, sess.Scope)
	assert.Empty(t, sess.ProjectID)
}

func TestStartSessionBootstrapCheckpoint(t *testing.T) {
	collab := &fakeCollaborator{bootstrap: "Yesterday we shipped the release."}
	svc, store, _ := newTestService(t, WithCollaborator(collab))
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, StartOptions{})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, sess.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.KindSummary, events[0].Kind)
	assert.Equal(t, collab.bootstrap, events[0].Content)
}

func TestCheckpointDefaultsAndStatusGuard(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, StartOptions{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	event, err := svc.Checkpoint(ctx, sess.ID, "progress so far", CheckpointOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, event.Role)
	assert.Equal(t, types.KindCheckpoint, event.Kind)
	assert.True(t, event.IsMeaningful)
	require.NotNil(t, event.TokenCount)
	assert.Equal(t, 4, *event.TokenCount) // len("progress so far") = 15 → ceil(15/4)

	// Checkpointing bumps activity.
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.After(got.StartedAt))

	// Terminal sessions reject checkpoints with the status in the message.
	_, err = svc.EndSession(ctx, sess.ID, "")
	require.NoError(t, err)
	_, err = svc.Checkpoint(ctx, sess.ID, "too late", CheckpointOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "because it is closed")
}

func TestCreateSnapshotSlugNormalization(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, StartOptions{})
	require.NoError(t, err)

	snap, err := svc.CreateSnapshot(ctx, sess.ID, SnapshotOptions{
		Slug:          "  Fix the Build!! (attempt #2)  ",
		SourceTrigger: types.TriggerManual,
		TranscriptMD:  "# Transcript",
		MessageCount:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, "fix-the-build-attempt-2", snap.Slug)

	// Blank slug falls back to a timestamped one.
	snap, err = svc.CreateSnapshot(ctx, sess.ID, SnapshotOptions{
		Slug:          "///",
		SourceTrigger: types.TriggerReset,
	})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("snapshot-%d", clock.Now().Unix()), snap.Slug)
}

func TestNormalizeSlug(t *testing.T) {
	assert.Equal(t, "hello-world", normalizeSlug("Hello, World"))
	assert.Equal(t, "a-b-c", normalizeSlug("a---b___c"))
	assert.Equal(t, "", normalizeSlug("!!!"))

	long := normalizeSlug(strings.Repeat("alpha ", 30))
	assert.LessOrEqual(t, len(long), 80)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestEndSessionDefaultsToClosed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.StartSession(ctx, StartOptions{})
	require.NoError(t, err)

	ended, err := svc.EndSession(ctx, sess.ID, "")
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, types.SessionClosed, ended.Status)
}
