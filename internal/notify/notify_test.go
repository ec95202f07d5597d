package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectDrops(ch chan Drop) func(Drop) {
	return func(d Drop) { ch <- d }
}

func TestWatcherDrainsExistingDrops(t *testing.T) {
	dir := t.TempDir()
	writer := NewDropWriter(dir)
	require.NoError(t, writer.Write(Drop{
		TenantID:  "tenant-a",
		ProjectID: "proj-1",
		Content:   "queued before the watcher started",
		Type:      "note",
	}))

	received := make(chan Drop, 4)
	watcher := NewInboxWatcher(dir, collectDrops(received))
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	select {
	case drop := <-received:
		assert.Equal(t, "tenant-a", drop.TenantID)
		assert.Equal(t, "proj-1", drop.ProjectID)
		assert.Equal(t, "queued before the watcher started", drop.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("drop was not drained")
	}

	// The file is consumed.
	entries, err := os.ReadDir(filepath.Join(dir, "inbox"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWatcherPicksUpNewDrops(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Drop, 4)
	watcher := NewInboxWatcher(dir, collectDrops(received))
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writer := NewDropWriter(dir)
	require.NoError(t, writer.Write(Drop{
		TenantID: "tenant-b",
		Content:  "dropped while watching",
		Tags:     []string{"capture"},
	}))

	select {
	case drop := <-received:
		assert.Equal(t, "tenant-b", drop.TenantID)
		assert.Equal(t, []string{"capture"}, drop.Tags)
	case <-time.After(2 * time.Second):
		t.Fatal("drop was not picked up")
	}
}

func TestWatcherSkipsMalformedDrops(t *testing.T) {
	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o700))

	require.NoError(t, os.WriteFile(filepath.Join(inbox, "1-bad.drop"), []byte("{not json"), 0o600))
	// Parses but has no tenant.
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "2-anon.drop"), []byte(`{"content":"x"}`), 0o600))

	received := make(chan Drop, 4)
	watcher := NewInboxWatcher(dir, collectDrops(received))
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writer := NewDropWriter(dir)
	require.NoError(t, writer.Write(Drop{TenantID: "tenant-c", Content: "good"}))

	select {
	case drop := <-received:
		assert.Equal(t, "tenant-c", drop.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid drop was not delivered")
	}
	// The malformed files were consumed without callbacks.
	assert.Empty(t, received)
	entries, err := os.ReadDir(inbox)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDropFilenamesAreSanitized(t *testing.T) {
	dir := t.TempDir()
	writer := NewDropWriter(dir)
	require.NoError(t, writer.Write(Drop{TenantID: "org:team/alpha", Content: "x"}))

	entries, err := os.ReadDir(filepath.Join(dir, "inbox"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "org_team_alpha.drop")
}
