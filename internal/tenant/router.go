package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/engramlabs/engram/internal/apierror"
	"github.com/engramlabs/engram/internal/storage/sqlite"
)

// RouteRequest names the routing inputs for one call, in priority order:
// explicit tenant, then the project's mapped tenant, then the user's default.
type RouteRequest struct {
	TenantID  string
	ProjectID string
	User      *User
}

// Router resolves requests to schema-checked, cached per-tenant stores.
type Router struct {
	registry  *Registry
	storeOpts []sqlite.Option
	configure func(*sqlite.Store, *TenantDatabase)
	logger    *slog.Logger

	mu     sync.Mutex
	stores map[string]*sqlite.Store
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStoreOptions sets the options applied to every tenant store the router
// opens.
func WithStoreOptions(opts ...sqlite.Option) RouterOption {
	return func(r *Router) {
		r.storeOpts = opts
	}
}

// WithStoreConfigure registers a hook run once per tenant store, after the
// schema check and before the store enters the cache. Wiring that needs both
// the store and its registration, like the embedding enqueue hook with the
// tenant's default model, goes here.
func WithStoreConfigure(fn func(store *sqlite.Store, td *TenantDatabase)) RouterOption {
	return func(r *Router) {
		r.configure = fn
	}
}

// NewRouter builds a router over the registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   slog.Default(),
		stores:   make(map[string]*sqlite.Store),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close closes every cached tenant store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, store := range r.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tenant: close store %s: %w", id, err)
		}
		delete(r.stores, id)
	}
	return firstErr
}

// Registry exposes the underlying registry for auth and provisioning.
func (r *Router) Registry() *Registry { return r.registry }

// ResolveTenantID applies the routing priority without opening anything.
// Returns "" when no tenant is resolvable.
func (r *Router) ResolveTenantID(ctx context.Context, req RouteRequest) (string, error) {
	if req.TenantID != "" {
		return req.TenantID, nil
	}
	if req.ProjectID != "" {
		tenantID, err := r.registry.TenantForProject(ctx, req.ProjectID)
		if err != nil {
			return "", err
		}
		if tenantID != "" {
			return tenantID, nil
		}
	}
	if req.User != nil && req.User.DefaultTenantID != "" {
		return req.User.DefaultTenantID, nil
	}
	return "", nil
}

// Route resolves the request to a ready tenant store. The first use of a
// tenant opens its database and runs the schema check; later calls reuse the
// cached store.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*sqlite.Store, *TenantDatabase, error) {
	tenantID, err := r.ResolveTenantID(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if tenantID == "" {
		return nil, nil, apierror.NotFound(apierror.CodeDatabaseNotConfigured,
			"no database is configured for this request")
	}

	td, err := r.registry.TenantDatabaseFor(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkTenantDatabase(td); err != nil {
		return nil, nil, err
	}

	store, err := r.storeFor(ctx, td)
	if err != nil {
		return nil, nil, err
	}
	return store, td, nil
}

// checkTenantDatabase validates a registration before any open is attempted.
func checkTenantDatabase(td *TenantDatabase) error {
	switch td.Status {
	case TenantStatusReady:
	case TenantStatusProvisioning:
		e := apierror.Tool(apierror.CodeTenantDBNotReady,
			fmt.Sprintf("database for tenant %s is still provisioning", td.TenantID))
		e.Retryable = true
		return e
	default:
		return apierror.NotFound(apierror.CodeTenantDBNotConfigured,
			fmt.Sprintf("database for tenant %s is %s", td.TenantID, td.Status))
	}

	if td.URL == "" {
		return apierror.NotFound(apierror.CodeTenantDBCredentialsMissing,
			fmt.Sprintf("tenant %s has no database location", td.TenantID))
	}
	if isRemoteURL(td.URL) && td.Token == "" {
		return apierror.NotFound(apierror.CodeTenantDBCredentialsMissing,
			fmt.Sprintf("tenant %s database requires an auth token", td.TenantID))
	}
	return nil
}

// isRemoteURL reports whether the location needs credentials. Local sqlite
// paths (plain or file: URIs) do not.
func isRemoteURL(url string) bool {
	return strings.Contains(url, "://") && !strings.HasPrefix(url, "file:")
}

func (r *Router) storeFor(ctx context.Context, td *TenantDatabase) (*sqlite.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if store, ok := r.stores[td.TenantID]; ok {
		return store, nil
	}

	store, err := sqlite.Open(td.URL, r.storeOpts...)
	if err != nil {
		e := apierror.Tool(apierror.CodeTenantDBNotReady,
			fmt.Sprintf("database for tenant %s could not be opened", td.TenantID))
		e.Retryable = true
		return nil, e.WithCause(err)
	}

	// Schema guard: no tool ever runs against an unmigrated database.
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		e := apierror.Tool(apierror.CodeTenantDBNotReady,
			fmt.Sprintf("database for tenant %s failed its schema check", td.TenantID))
		e.Retryable = true
		return nil, e.WithCause(err)
	}

	if r.configure != nil {
		r.configure(store, td)
	}

	r.logger.Info("opened tenant store", "tenant_id", td.TenantID)
	r.stores[td.TenantID] = store
	return store, nil
}

// Stores snapshots the currently open tenant stores, keyed by tenant id.
// Background workers iterate this to service every active tenant.
func (r *Router) Stores() map[string]*sqlite.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*sqlite.Store, len(r.stores))
	for id, store := range r.stores {
		out[id] = store
	}
	return out
}

// Evict drops a tenant's cached store, closing it. The next Route reopens.
func (r *Router) Evict(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if store, ok := r.stores[tenantID]; ok {
		_ = store.Close()
		delete(r.stores, tenantID)
	}
}
