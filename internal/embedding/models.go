package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/apierror"
)

// catalogTTL bounds how long a fetched model catalog is trusted.
const catalogTTL = 60 * time.Second

// CatalogSource fetches the available model list.
type CatalogSource interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ModelCatalog caches the gateway model list and resolves which model an
// operation should use.
type ModelCatalog struct {
	source CatalogSource
	now    func() time.Time

	mu        sync.Mutex
	models    map[string]ModelInfo
	fetchedAt time.Time
}

// NewModelCatalog wraps a catalog source with a process-wide cache.
func NewModelCatalog(source CatalogSource) *ModelCatalog {
	return &ModelCatalog{source: source, now: time.Now}
}

// ModelSelection holds the override chain for one operation, highest
// priority first: request, project, workspace default, workspace tenant
// default. The system default is supplied separately by the caller.
type ModelSelection struct {
	Request          string
	Project          string
	WorkspaceDefault string
	TenantDefault    string
}

// Resolve picks the effective model id and validates it against the catalog
// and an optional allowlist.
func (c *ModelCatalog) Resolve(ctx context.Context, sel ModelSelection, systemDefault string, allowlist []string) (string, error) {
	model := firstNonEmpty(sel.Request, sel.Project, sel.WorkspaceDefault, sel.TenantDefault, systemDefault)
	if model == "" {
		return "", apierror.Validation(apierror.CodeUnsupportedEmbeddingModel, "no embedding model configured")
	}

	models, err := c.load(ctx)
	if err != nil {
		return "", apierror.Internal(apierror.CodeModelCatalogFetchFailed,
			"failed to fetch embedding model catalog").WithCause(err)
	}
	if _, ok := models[model]; !ok {
		return "", apierror.Validation(apierror.CodeUnsupportedEmbeddingModel,
			"embedding model "+model+" is not available")
	}

	if len(allowlist) > 0 && !contains(allowlist, model) {
		return "", apierror.Validation(apierror.CodeEmbeddingModelNotAllowed,
			"embedding model "+model+" is not allowed for this workspace")
	}
	return model, nil
}

func (c *ModelCatalog) load(ctx context.Context) (map[string]ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.models != nil && c.now().Sub(c.fetchedAt) < catalogTTL {
		return c.models, nil
	}

	list, err := c.source.ListModels(ctx)
	if err != nil {
		// A stale catalog beats no catalog.
		if c.models != nil {
			return c.models, nil
		}
		return nil, err
	}

	models := make(map[string]ModelInfo, len(list))
	for _, m := range list {
		models[m.ID] = m
	}
	c.models = models
	c.fetchedAt = c.now()
	return models, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
