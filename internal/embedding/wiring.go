package embedding

import (
	"context"
	"log/slog"
)

// JobEnqueuer is the enqueue side of the durable job queue.
type JobEnqueuer interface {
	EnqueueEmbeddingJob(ctx context.Context, memoryID, content, model, operation, modelVersion string, maxAttempts int) (int64, bool, error)
}

// EnqueueHookConfig shapes the hook a store fires after memory writes.
type EnqueueHookConfig struct {
	Catalog       *ModelCatalog
	Selection     ModelSelection
	SystemDefault string
	Allowlist     []string
	MaxAttempts   int
	Logger        *slog.Logger
}

// NewEnqueueHook returns the write hook that turns a memory add or edit into
// a queued embedding job. The effective model goes through the catalog, so
// an unavailable or disallowed model skips the enqueue instead of poisoning
// the queue.
func NewEnqueueHook(queue JobEnqueuer, cfg EnqueueHookConfig) func(ctx context.Context, memoryID, content, operation string) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, memoryID, content, operation string) {
		model, err := cfg.Catalog.Resolve(ctx, cfg.Selection, cfg.SystemDefault, cfg.Allowlist)
		if err != nil {
			logger.Warn("embedding enqueue skipped",
				"memory_id", memoryID, "operation", operation, "error", err)
			return
		}
		if _, _, err := queue.EnqueueEmbeddingJob(ctx, memoryID, content, model, operation, "", cfg.MaxAttempts); err != nil {
			logger.Warn("embedding enqueue failed",
				"memory_id", memoryID, "model", model, "error", err)
		}
	}
}
