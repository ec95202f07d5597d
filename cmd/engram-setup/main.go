// Command engram-setup provisions the registry: users with API keys, tenant
// databases, and project-to-tenant mappings.
//
// Usage:
//
//	engram-setup create-user -id u1 -name "Dev" [-api-key KEY] [-default-tenant t1] [-expires-days 90]
//	engram-setup create-tenant -id t1 [-url /data/t1.db] [-token TOK] [-status ready] [-model openai/text-embedding-3-small]
//	engram-setup map-project -project proj-1 -tenant t1
//	engram-setup list-tenants
//	engram-setup verify
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/tenant"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		fatal(err)
	}

	registry, err := tenant.OpenRegistry(cfg.Storage.RegistryPath)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = registry.Close() }()

	ctx := context.Background()
	switch os.Args[1] {
	case "create-user":
		createUser(ctx, registry, os.Args[2:])
	case "create-tenant":
		createTenant(ctx, registry, cfg, os.Args[2:])
	case "map-project":
		mapProject(ctx, registry, os.Args[2:])
	case "list-tenants":
		listTenants(ctx, registry)
	case "verify":
		verify(ctx, registry, cfg)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: engram-setup <create-user|create-tenant|map-project|list-tenants|verify> [flags]")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "engram-setup: %v\n", err)
	os.Exit(1)
}

func createUser(ctx context.Context, registry *tenant.Registry, args []string) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	id := fs.String("id", "", "User id (required)")
	name := fs.String("name", "", "Display name (required)")
	apiKey := fs.String("api-key", "", "API key (generated when omitted)")
	defaultTenant := fs.String("default-tenant", "", "Default tenant id")
	expiresDays := fs.Int("expires-days", 0, "Days until the key expires (0 = never)")
	_ = fs.Parse(args)

	if *id == "" || *name == "" {
		fatal(fmt.Errorf("create-user requires -id and -name"))
	}

	key := *apiKey
	generated := false
	if key == "" {
		key = generateAPIKey()
		generated = true
	}

	var expiresAt *time.Time
	if *expiresDays > 0 {
		t := time.Now().AddDate(0, 0, *expiresDays)
		expiresAt = &t
	}

	if err := registry.CreateUser(ctx, *id, *name, key, *defaultTenant, expiresAt); err != nil {
		fatal(err)
	}

	fmt.Printf("User %s created.\n", *id)
	if generated {
		// The key is not recoverable later; only its hash is stored.
		fmt.Printf("API key (save this now): %s\n", key)
	}
	if expiresAt != nil {
		fmt.Printf("Key expires: %s\n", expiresAt.Format(time.RFC3339))
	}
}

func createTenant(ctx context.Context, registry *tenant.Registry, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("create-tenant", flag.ExitOnError)
	id := fs.String("id", "", "Tenant id (required)")
	url := fs.String("url", "", "Database location (default: <data-path>/<id>.db)")
	token := fs.String("token", "", "Auth token for remote databases")
	status := fs.String("status", tenant.TenantStatusReady, "ready, provisioning, or suspended")
	model := fs.String("model", "", "Default embedding model for this tenant")
	_ = fs.Parse(args)

	if *id == "" {
		fatal(fmt.Errorf("create-tenant requires -id"))
	}
	location := *url
	if location == "" {
		location = filepath.Join(cfg.Storage.DataPath, *id+".db")
	}

	err := registry.UpsertTenantDatabase(ctx, tenant.TenantDatabase{
		TenantID:              *id,
		Status:                *status,
		URL:                   location,
		Token:                 *token,
		DefaultEmbeddingModel: *model,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Tenant %s registered at %s (%s)\n", *id, location, *status)
}

func mapProject(ctx context.Context, registry *tenant.Registry, args []string) {
	fs := flag.NewFlagSet("map-project", flag.ExitOnError)
	project := fs.String("project", "", "Project id (required)")
	tenantID := fs.String("tenant", "", "Tenant id (required)")
	_ = fs.Parse(args)

	if *project == "" || *tenantID == "" {
		fatal(fmt.Errorf("map-project requires -project and -tenant"))
	}
	if _, err := registry.TenantDatabaseFor(ctx, *tenantID); err != nil {
		fatal(err)
	}
	if err := registry.MapProject(ctx, *project, *tenantID); err != nil {
		fatal(err)
	}
	fmt.Printf("Project %s now routes to tenant %s\n", *project, *tenantID)
}

func listTenants(ctx context.Context, registry *tenant.Registry) {
	tenants, err := registry.ListTenantDatabases(ctx)
	if err != nil {
		fatal(err)
	}
	if len(tenants) == 0 {
		fmt.Println("No tenants registered")
		return
	}
	for _, td := range tenants {
		location := td.URL
		if location == "" {
			location = "(no database)"
		}
		fmt.Printf("%-20s %-13s %s\n", td.TenantID, td.Status, location)
	}
}

// verify checks that the data directory is writable and every local ready
// tenant database exists on disk.
func verify(ctx context.Context, registry *tenant.Registry, cfg *config.Config) {
	ok := true

	testFile := filepath.Join(cfg.Storage.DataPath, ".engram-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		fmt.Printf("Data path:  NOT WRITABLE (%s)\n", cfg.Storage.DataPath)
		ok = false
	} else {
		_ = os.Remove(testFile)
		fmt.Printf("Data path:  OK (%s)\n", cfg.Storage.DataPath)
	}

	tenants, err := registry.ListTenantDatabases(ctx)
	if err != nil {
		fatal(err)
	}
	for _, td := range tenants {
		if td.Status != tenant.TenantStatusReady {
			continue
		}
		path, local := td.LocalPath()
		if !local {
			fmt.Printf("Tenant %s:  remote (%s)\n", td.TenantID, td.URL)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("Tenant %s:  MISSING database %s\n", td.TenantID, path)
			ok = false
		} else {
			fmt.Printf("Tenant %s:  OK (%s)\n", td.TenantID, path)
		}
	}

	fmt.Println()
	if ok {
		fmt.Println("Status: READY")
		return
	}
	fmt.Println("Status: NOT READY")
	os.Exit(1)
}

// generateAPIKey returns a fresh key in the egk_<hex> format the transport
// expects. 24 random bytes keeps it comfortably above the minimum length.
func generateAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		fatal(err)
	}
	return "egk_" + hex.EncodeToString(buf)
}
