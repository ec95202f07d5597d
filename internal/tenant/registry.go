// Package tenant routes authenticated requests to per-tenant memory stores.
// A small registry database maps API keys to users and tenants to their
// database locations; the router opens, schema-checks, and caches one store
// per tenant.
package tenant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/engramlabs/engram/internal/apierror"
)

// Tenant database readiness states.
const (
	TenantStatusReady        = "ready"
	TenantStatusProvisioning = "provisioning"
	TenantStatusSuspended    = "suspended"
)

// User is one authenticated API key holder.
type User struct {
	ID              string
	Name            string
	DefaultTenantID string
	APIKeyExpiresAt *time.Time
	CreatedAt       time.Time
}

// TenantDatabase is one tenant's database registration.
type TenantDatabase struct {
	TenantID              string
	Status                string
	URL                   string
	Token                 string
	DefaultEmbeddingModel string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LocalPath returns the tenant database's filesystem path when its location
// is a local sqlite file, and false for remote locations.
func (td *TenantDatabase) LocalPath() (string, bool) {
	if td.URL == "" || isRemoteURL(td.URL) {
		return "", false
	}
	path := strings.TrimPrefix(td.URL, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path, true
}

// Registry is the control-plane database: API keys, tenant databases, and
// project-to-tenant routing.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// OpenRegistry opens (and migrates) the registry database at path.
func OpenRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tenant: open registry %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key_hash TEXT NOT NULL UNIQUE,
			mcp_api_key_expires_at TIMESTAMP,
			default_tenant_id TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sdk_tenant_databases (
			tenant_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'provisioning',
			url TEXT,
			token TEXT,
			default_embedding_model TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS project_tenants (
			project_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("tenant: migrate registry: %w", err)
	}
	return nil
}

// HashAPIKey is the canonical key digest stored in the registry.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

const minAPIKeyLength = 16

// Authenticate resolves an API key to its user. Keys are never stored or
// compared in the clear.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*User, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apierror.Auth(apierror.CodeMissingAPIKey, "API key is required")
	}
	if len(apiKey) < minAPIKeyLength || strings.ContainsAny(apiKey, " \t\n") {
		return nil, apierror.Auth(apierror.CodeInvalidAPIKeyFormat, "API key is malformed")
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, default_tenant_id, mcp_api_key_expires_at, created_at
		FROM users WHERE api_key_hash = ?`, HashAPIKey(apiKey))

	var (
		u             User
		defaultTenant sql.NullString
		expiresAt     sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Name, &defaultTenant, &expiresAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierror.Auth(apierror.CodeInvalidAPIKey, "unknown API key")
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: authenticate: %w", err)
	}
	if defaultTenant.Valid {
		u.DefaultTenantID = defaultTenant.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		u.APIKeyExpiresAt = &t
		if !t.After(r.now()) {
			return nil, apierror.Auth(apierror.CodeAPIKeyExpired, "API key has expired")
		}
	}
	return &u, nil
}

// CreateUser registers an API key holder. The key itself is hashed on the
// way in and discarded.
func (r *Registry) CreateUser(ctx context.Context, id, name, apiKey, defaultTenantID string, expiresAt *time.Time) error {
	var expires any
	if expiresAt != nil {
		expires = *expiresAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, name, api_key_hash, mcp_api_key_expires_at, default_tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, HashAPIKey(apiKey), expires, nullable(defaultTenantID), r.now())
	if err != nil {
		return fmt.Errorf("tenant: create user %s: %w", id, err)
	}
	return nil
}

// UpsertTenantDatabase registers or updates a tenant database row.
func (r *Registry) UpsertTenantDatabase(ctx context.Context, td TenantDatabase) error {
	if td.TenantID == "" {
		return fmt.Errorf("tenant: tenant id is required")
	}
	if td.Status == "" {
		td.Status = TenantStatusProvisioning
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sdk_tenant_databases (tenant_id, status, url, token, default_embedding_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			status = excluded.status,
			url = excluded.url,
			token = excluded.token,
			default_embedding_model = excluded.default_embedding_model,
			updated_at = excluded.updated_at`,
		td.TenantID, td.Status, nullable(td.URL), nullable(td.Token),
		nullable(td.DefaultEmbeddingModel), now, now)
	if err != nil {
		return fmt.Errorf("tenant: upsert tenant database %s: %w", td.TenantID, err)
	}
	return nil
}

// TenantDatabaseFor loads a tenant's database registration.
func (r *Registry) TenantDatabaseFor(ctx context.Context, tenantID string) (*TenantDatabase, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, status, url, token, default_embedding_model, created_at, updated_at
		FROM sdk_tenant_databases WHERE tenant_id = ?`, tenantID)

	var (
		td    TenantDatabase
		url   sql.NullString
		token sql.NullString
		model sql.NullString
	)
	err := row.Scan(&td.TenantID, &td.Status, &url, &token, &model, &td.CreatedAt, &td.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierror.NotFound(apierror.CodeTenantDBNotConfigured,
			fmt.Sprintf("no database configured for tenant %s", tenantID))
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: load tenant database %s: %w", tenantID, err)
	}
	td.URL = url.String
	td.Token = token.String
	td.DefaultEmbeddingModel = model.String
	return &td, nil
}

// ListTenantDatabases returns every registered tenant database, ordered by
// tenant id.
func (r *Registry) ListTenantDatabases(ctx context.Context) ([]*TenantDatabase, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, status, url, token, default_embedding_model, created_at, updated_at
		FROM sdk_tenant_databases ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list tenant databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TenantDatabase
	for rows.Next() {
		var (
			td    TenantDatabase
			url   sql.NullString
			token sql.NullString
			model sql.NullString
		)
		if err := rows.Scan(&td.TenantID, &td.Status, &url, &token, &model, &td.CreatedAt, &td.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tenant: scan tenant database: %w", err)
		}
		td.URL = url.String
		td.Token = token.String
		td.DefaultEmbeddingModel = model.String
		out = append(out, &td)
	}
	return out, rows.Err()
}

// MapProject binds a project to a tenant for routing.
func (r *Registry) MapProject(ctx context.Context, projectID, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO project_tenants (project_id, tenant_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET tenant_id = excluded.tenant_id`,
		projectID, tenantID, r.now())
	if err != nil {
		return fmt.Errorf("tenant: map project %s: %w", projectID, err)
	}
	return nil
}

// TenantForProject resolves a project's tenant, "" when unmapped.
func (r *Registry) TenantForProject(ctx context.Context, projectID string) (string, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT tenant_id FROM project_tenants WHERE project_id = ?", projectID)
	var tenantID string
	err := row.Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tenant: resolve project %s: %w", projectID, err)
	}
	return tenantID, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
