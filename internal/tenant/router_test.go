package tenant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/apierror"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
)

const testAPIKey = "egk_live_0123456789abcdef"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), WithRegistryClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, clock
}

func requireCode(t *testing.T, err error, code string) *apierror.Error {
	t.Helper()
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, code, apiErr.Code)
	return apiErr
}

func TestAuthenticate(t *testing.T) {
	reg, clock := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateUser(ctx, "user-1", "alice", testAPIKey, "tenant-1", nil))

	user, err := reg.Authenticate(ctx, testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "tenant-1", user.DefaultTenantID)

	_, err = reg.Authenticate(ctx, "")
	requireCode(t, err, apierror.CodeMissingAPIKey)

	_, err = reg.Authenticate(ctx, "short")
	requireCode(t, err, apierror.CodeInvalidAPIKeyFormat)

	_, err = reg.Authenticate(ctx, "egk_live_fedcba9876543210")
	requireCode(t, err, apierror.CodeInvalidAPIKey)

	expires := clock.Now().Add(time.Hour)
	require.NoError(t, reg.CreateUser(ctx, "user-2", "bob", "egk_live_aaaabbbbccccdddd", "", &expires))
	_, err = reg.Authenticate(ctx, "egk_live_aaaabbbbccccdddd")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = reg.Authenticate(ctx, "egk_live_aaaabbbbccccdddd")
	requireCode(t, err, apierror.CodeAPIKeyExpired)
}

func TestRouteResolutionPriority(t *testing.T) {
	reg, _ := newRegistry(t)
	router := NewRouter(reg)
	t.Cleanup(func() { _ = router.Close() })
	ctx := context.Background()

	dir := t.TempDir()
	for _, id := range []string{"tenant-explicit", "tenant-project", "tenant-default"} {
		require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
			TenantID: id,
			Status:   TenantStatusReady,
			URL:      filepath.Join(dir, id+".db"),
		}))
	}
	require.NoError(t, reg.MapProject(ctx, "proj-1", "tenant-project"))
	user := &User{ID: "user-1", DefaultTenantID: "tenant-default"}

	_, td, err := router.Route(ctx, RouteRequest{TenantID: "tenant-explicit", ProjectID: "proj-1", User: user})
	require.NoError(t, err)
	assert.Equal(t, "tenant-explicit", td.TenantID)

	_, td, err = router.Route(ctx, RouteRequest{ProjectID: "proj-1", User: user})
	require.NoError(t, err)
	assert.Equal(t, "tenant-project", td.TenantID)

	_, td, err = router.Route(ctx, RouteRequest{ProjectID: "proj-unmapped", User: user})
	require.NoError(t, err)
	assert.Equal(t, "tenant-default", td.TenantID)

	_, _, err = router.Route(ctx, RouteRequest{User: &User{ID: "user-2"}})
	apiErr := requireCode(t, err, apierror.CodeDatabaseNotConfigured)
	assert.Equal(t, 400, apiErr.HTTPStatus())
}

func TestRouteTenantDatabaseStates(t *testing.T) {
	reg, _ := newRegistry(t)
	router := NewRouter(reg)
	t.Cleanup(func() { _ = router.Close() })
	ctx := context.Background()

	_, _, err := router.Route(ctx, RouteRequest{TenantID: "tenant-missing"})
	apiErr := requireCode(t, err, apierror.CodeTenantDBNotConfigured)
	assert.Equal(t, apierror.RPCNotFound, apiErr.RPCCode())

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID: "tenant-warming",
		Status:   TenantStatusProvisioning,
	}))
	_, _, err = router.Route(ctx, RouteRequest{TenantID: "tenant-warming"})
	apiErr = requireCode(t, err, apierror.CodeTenantDBNotReady)
	assert.Equal(t, apierror.RPCNotReady, apiErr.RPCCode())
	assert.True(t, apiErr.Retryable)

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID: "tenant-nourl",
		Status:   TenantStatusReady,
	}))
	_, _, err = router.Route(ctx, RouteRequest{TenantID: "tenant-nourl"})
	requireCode(t, err, apierror.CodeTenantDBCredentialsMissing)

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID: "tenant-remote",
		Status:   TenantStatusReady,
		URL:      "libsql://tenant-remote.example.io",
	}))
	_, _, err = router.Route(ctx, RouteRequest{TenantID: "tenant-remote"})
	apiErr = requireCode(t, err, apierror.CodeTenantDBCredentialsMissing)
	assert.Equal(t, apierror.RPCNotFound, apiErr.RPCCode())

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID: "tenant-suspended",
		Status:   TenantStatusSuspended,
		URL:      "suspended.db",
	}))
	_, _, err = router.Route(ctx, RouteRequest{TenantID: "tenant-suspended"})
	requireCode(t, err, apierror.CodeTenantDBNotConfigured)
}

func TestRouteCachesStores(t *testing.T) {
	reg, _ := newRegistry(t)
	router := NewRouter(reg)
	t.Cleanup(func() { _ = router.Close() })
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "tenant-1.db")
	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID: "tenant-1",
		Status:   TenantStatusReady,
		URL:      path,
	}))

	first, _, err := router.Route(ctx, RouteRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	second, _, err := router.Route(ctx, RouteRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	// The schema guard ran: the store is usable immediately.
	_, err = first.List(ctx, storage.ListOptions{})
	require.NoError(t, err)

	router.Evict("tenant-1")
	third, _, err := router.Route(ctx, RouteRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestRouteConfiguresStoreEnqueueHook(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID:              "tenant-1",
		Status:                TenantStatusReady,
		URL:                   filepath.Join(t.TempDir(), "tenant-1.db"),
		DefaultEmbeddingModel: "openai/text-embedding-3-small",
	}))

	var configured []string
	router := NewRouter(reg, WithStoreConfigure(func(store *sqlite.Store, td *TenantDatabase) {
		configured = append(configured, td.TenantID)
		model := td.DefaultEmbeddingModel
		store.SetEnqueueHook(func(hookCtx context.Context, memoryID, content, operation string) {
			_, _, err := store.EnqueueEmbeddingJob(hookCtx, memoryID, content, model, operation, "", 5)
			assert.NoError(t, err)
		})
	}))
	t.Cleanup(func() { _ = router.Close() })

	store, _, err := router.Route(ctx, RouteRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-1"}, configured)

	// A memory written through the routed store lands in the job queue with
	// the tenant's default model.
	mem, err := store.Add(ctx, "deploy steps live in the runbook", storage.AddOptions{})
	require.NoError(t, err)

	var jobs int
	var model string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(model) FROM memory_embedding_jobs WHERE memory_id = ?",
		mem.ID).Scan(&jobs, &model))
	assert.Equal(t, 1, jobs)
	assert.Equal(t, "openai/text-embedding-3-small", model)

	// Cached routes do not re-run configuration.
	_, _, err = router.Route(ctx, RouteRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, configured, 1)
}

func TestTenantDefaultEmbeddingModel(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.UpsertTenantDatabase(ctx, TenantDatabase{
		TenantID:              "tenant-1",
		Status:                TenantStatusReady,
		URL:                   "tenant-1.db",
		DefaultEmbeddingModel: "openai/text-embedding-3-large",
	}))

	td, err := reg.TenantDatabaseFor(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "openai/text-embedding-3-large", td.DefaultEmbeddingModel)
}
