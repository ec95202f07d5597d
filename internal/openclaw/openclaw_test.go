package openclaw

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapContext(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)

	_, ok := f.BootstrapContext()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstrap.md"), []byte("  \n"), 0o644))
	_, ok = f.BootstrapContext()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstrap.md"), []byte("Pick up the refactor.\n"), 0o644))
	content, ok := f.BootstrapContext()
	assert.True(t, ok)
	assert.Equal(t, "Pick up the refactor.", content)
}

func TestAppendDailyLog(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	f := New(dir, WithClock(func() time.Time { return at }))

	path, err := f.AppendDailyLog("session sess-1 compacted")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "logs", "2026-03-01.md"), path)

	_, err = f.AppendDailyLog("another entry")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- 09:30:00 session sess-1 compacted\n- 09:30:00 another entry\n", string(data))
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("MEMORY_OPENCLAW_FILE_MODE_ENABLED", "")
	assert.Nil(t, NewFromEnv(t.TempDir()))

	dir := t.TempDir()
	t.Setenv("MEMORY_OPENCLAW_FILE_MODE_ENABLED", "true")
	f := NewFromEnv(dir)
	require.NotNil(t, f)
	assert.Equal(t, filepath.Join(dir, "openclaw"), f.root)
}
