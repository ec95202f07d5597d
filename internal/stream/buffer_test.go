package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeAdder struct {
	added []struct {
		content string
		opts    storage.AddOptions
	}
}

func (f *fakeAdder) Add(_ context.Context, content string, opts storage.AddOptions) (*types.Memory, error) {
	f.added = append(f.added, struct {
		content string
		opts    storage.AddOptions
	}{content, opts})
	return &types.Memory{ID: "mem-1", Content: content, Type: opts.Type}, nil
}

func newBuffer(t *testing.T) (*Buffer, *fakeAdder, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	adder := &fakeAdder{}
	b := NewBuffer(adder, WithClock(clock.Now))
	t.Cleanup(b.Close)
	return b, adder, clock
}

func TestStreamLifecycle(t *testing.T) {
	b, adder, _ := newBuffer(t)
	ctx := context.Background()

	id := b.Start(storage.AddOptions{Type: types.TypeNote, Scope: storage.ScopeFilter{ProjectID: "proj-1"}})
	require.NoError(t, b.Append(id, "First part, "))
	require.NoError(t, b.Append(id, "second part."))

	mem, err := b.Finalize(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "First part, second part.", mem.Content)

	require.Len(t, adder.added, 1)
	assert.Equal(t, "proj-1", adder.added[0].opts.Scope.ProjectID)
	assert.Equal(t, types.TypeNote, adder.added[0].opts.Type)

	// The stream is gone once finalized.
	_, err = b.Finalize(ctx, id)
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.ErrorIs(t, b.Append(id, "late"), ErrStreamNotFound)
}

func TestFinalizeEmptyStreamCommitsNothing(t *testing.T) {
	b, adder, _ := newBuffer(t)
	ctx := context.Background()

	id := b.Start(storage.AddOptions{})
	require.NoError(t, b.Append(id, "   \n\t  "))

	mem, err := b.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, mem)
	assert.Empty(t, adder.added)
}

func TestCancelDiscards(t *testing.T) {
	b, adder, _ := newBuffer(t)

	id := b.Start(storage.AddOptions{})
	require.NoError(t, b.Append(id, "never committed"))
	require.NoError(t, b.Cancel(id))
	assert.ErrorIs(t, b.Cancel(id), ErrStreamNotFound)
	assert.Empty(t, adder.added)
	assert.Zero(t, b.Len())
}

func TestReapExpiredStreams(t *testing.T) {
	b, _, clock := newBuffer(t)

	stale := b.Start(storage.AddOptions{})
	clock.Advance(61 * time.Minute)
	fresh := b.Start(storage.AddOptions{})
	require.NoError(t, b.Append(fresh, "still here"))

	assert.Equal(t, 1, b.reapExpired())
	assert.ErrorIs(t, b.Append(stale, "too late"), ErrStreamNotFound)
	require.NoError(t, b.Append(fresh, " and active"))
}

func TestAppendRefreshesTTL(t *testing.T) {
	b, _, clock := newBuffer(t)

	id := b.Start(storage.AddOptions{})
	clock.Advance(45 * time.Minute)
	require.NoError(t, b.Append(id, "keepalive"))
	clock.Advance(45 * time.Minute)

	assert.Zero(t, b.reapExpired())
	require.NoError(t, b.Append(id, " more"))
}
