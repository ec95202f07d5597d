package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/internal/tenant"
)

func newTestRegistry(t *testing.T, dir string) (*tenant.Registry, string) {
	t.Helper()
	registryPath := filepath.Join(dir, "registry.db")
	registry, err := tenant.OpenRegistry(registryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	return registry, registryPath
}

// seedTenantDB creates a schema-complete tenant database on disk with one
// memory in it, and registers it.
func seedTenantDB(t *testing.T, registry *tenant.Registry, dir, tenantID string) string {
	t.Helper()
	path := filepath.Join(dir, tenantID+".db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	_, err = store.Add(ctx, "backup seed memory for "+tenantID, storage.AddOptions{Type: "note"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, registry.UpsertTenantDatabase(ctx, tenant.TenantDatabase{
		TenantID: tenantID,
		Status:   tenant.TenantStatusReady,
		URL:      path,
	}))
	return path
}

func TestBackupAllSnapshotsLocalTenants(t *testing.T) {
	dir := t.TempDir()
	registry, registryPath := newTestRegistry(t, dir)
	seedTenantDB(t, registry, dir, "tenant-a")

	// Remote databases cannot be snapshotted from here.
	require.NoError(t, registry.UpsertTenantDatabase(context.Background(), tenant.TenantDatabase{
		TenantID: "tenant-remote",
		Status:   tenant.TenantStatusReady,
		URL:      "libsql://tenant-remote.example.com",
		Token:    "tok",
	}))

	svc, err := NewService(registry, Config{
		RegistryPath: registryPath,
		BackupDir:    filepath.Join(dir, "backups"),
		Verify:       true,
	})
	require.NoError(t, err)

	result, err := svc.BackupAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Failures)

	// Registry snapshot plus one local tenant.
	require.Len(t, result.Snapshots, 2)
	assert.Equal(t, []string{"tenant-remote"}, result.SkippedRemote)
	for _, snap := range result.Snapshots {
		assert.True(t, snap.Verified)
		assert.Greater(t, snap.Size, int64(0))
		_, err := os.Stat(snap.Path)
		assert.NoError(t, err)
	}

	byTenant, err := svc.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, byTenant["registry"], 1)
	assert.Len(t, byTenant["tenant-a"], 1)
}

func TestBackupSkipsUnmaterializedTenants(t *testing.T) {
	dir := t.TempDir()
	registry, registryPath := newTestRegistry(t, dir)

	// Registered, local, but the file was never created.
	require.NoError(t, registry.UpsertTenantDatabase(context.Background(), tenant.TenantDatabase{
		TenantID: "tenant-empty",
		Status:   tenant.TenantStatusProvisioning,
		URL:      filepath.Join(dir, "tenant-empty.db"),
	}))

	svc, err := NewService(registry, Config{
		RegistryPath: registryPath,
		BackupDir:    filepath.Join(dir, "backups"),
	})
	require.NoError(t, err)

	result, err := svc.BackupAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	require.Len(t, result.Snapshots, 1) // registry only
	assert.Empty(t, result.SkippedRemote)
}

func TestRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	registry, registryPath := newTestRegistry(t, dir)
	dbPath := seedTenantDB(t, registry, dir, "tenant-a")

	svc, err := NewService(registry, Config{
		RegistryPath: registryPath,
		BackupDir:    filepath.Join(dir, "backups"),
		Verify:       true,
	})
	require.NoError(t, err)

	result, err := svc.BackupAll(context.Background())
	require.NoError(t, err)

	var snapshotPath string
	for _, snap := range result.Snapshots {
		if snap.TenantID == "tenant-a" {
			snapshotPath = snap.Path
		}
	}
	require.NotEmpty(t, snapshotPath)

	// Wipe the live database, then restore the snapshot over it.
	require.NoError(t, os.Remove(dbPath))
	require.NoError(t, Restore(snapshotPath, dbPath))

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	memories, err := store.List(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Contains(t, memories[0].Content, "backup seed memory")
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.db")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a sqlite file"), 0o644))

	err := Restore(corrupt, filepath.Join(dir, "target.db"))
	require.Error(t, err)
}

func TestApplyRetentionTiers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("snapshot"), 0o644))
		stamp := now.Add(-age)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
		return path
	}

	var hourly []string
	for i := 0; i < 4; i++ {
		hourly = append(hourly, write(fmt.Sprintf("hourly-%d.db", i), time.Duration(i+1)*time.Hour))
	}
	ancient := write("ancient.db", 2*365*24*time.Hour)
	kept := write("daily.db", 3*24*time.Hour)

	err := applyRetention(dir, RetentionPolicy{Hourly: 2, Daily: 7, Weekly: 4, Monthly: 12}, now)
	require.NoError(t, err)

	// Two newest hourly snapshots survive, the rest are pruned; anything
	// over a year old always goes.
	for i, path := range hourly {
		_, statErr := os.Stat(path)
		if i < 2 {
			assert.NoError(t, statErr, path)
		} else {
			assert.True(t, os.IsNotExist(statErr), path)
		}
	}
	_, statErr := os.Stat(ancient)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(kept)
	assert.NoError(t, statErr)
}

func TestHealthCheckWarnsWhenOverdue(t *testing.T) {
	dir := t.TempDir()
	registry, registryPath := newTestRegistry(t, dir)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(registry, Config{
		RegistryPath: registryPath,
		BackupDir:    filepath.Join(dir, "backups"),
		Interval:     time.Hour,
	}, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	health, err := svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "no sweeps yet", health.Message)

	_, err = svc.BackupAll(context.Background())
	require.NoError(t, err)

	health, err = svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.TotalSnapshots)
	assert.Greater(t, health.DiskSpaceUsed, int64(0))

	current = current.Add(3 * time.Hour)
	health, err = svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "warning", health.Status)
	assert.Contains(t, health.Message, "overdue")
}
