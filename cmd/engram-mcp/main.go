// cmd/engram-mcp is the entry point for the Engram memory service: the MCP
// JSON-RPC surface over HTTP+SSE, backed by per-tenant SQLite stores, with
// the embedding worker and the inactivity compaction sweep running as
// background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/engramlabs/engram/internal/api/mcp"
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/embedding"
	"github.com/engramlabs/engram/internal/notify"
	"github.com/engramlabs/engram/internal/openclaw"
	"github.com/engramlabs/engram/internal/session"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/internal/tenant"
	"github.com/engramlabs/engram/pkg/types"
)

const (
	serverName    = "engram"
	serverVersion = "1.0.0"

	workerInterval     = 15 * time.Second
	backfillInterval   = time.Minute
	compactionInterval = 10 * time.Minute
	healthInterval     = 5 * time.Minute
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return err
	}

	registry, err := tenant.OpenRegistry(cfg.Storage.RegistryPath)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	var provider embedding.Provider
	var catalog *embedding.ModelCatalog
	if cfg.Gateway.APIKey != "" {
		gateway := embedding.NewGatewayClient(embedding.GatewayConfig{
			APIKey:  cfg.Gateway.APIKey,
			BaseURL: cfg.Gateway.BaseURL,
		})
		provider = gateway
		catalog = embedding.NewModelCatalog(gateway)
	} else {
		logger.Warn("AI_GATEWAY_API_KEY not set; memory writes will not enqueue embedding jobs")
	}

	routerOpts := []tenant.RouterOption{
		tenant.WithRouterLogger(logger.With("component", "tenant")),
		tenant.WithStoreOptions(
			sqlite.WithLogger(logger.With("component", "store")),
			sqlite.WithWorkingTTL(cfg.Memory.WorkingMemoryTTL()),
		),
	}
	if catalog != nil {
		// Every tenant store gets the write hook: add_memory and edit_memory
		// enqueue an embedding job for the tenant's resolved model.
		enqueueLog := logger.With("component", "embedding-enqueue")
		routerOpts = append(routerOpts, tenant.WithStoreConfigure(
			func(store *sqlite.Store, td *tenant.TenantDatabase) {
				store.SetEnqueueHook(embedding.NewEnqueueHook(store, embedding.EnqueueHookConfig{
					Catalog:       catalog,
					Selection:     embedding.ModelSelection{TenantDefault: td.DefaultEmbeddingModel},
					SystemDefault: cfg.Embedding.DefaultModelID,
					MaxAttempts:   cfg.Embedding.JobMaxAttempts,
					Logger:        enqueueLog,
				}))
			}))
	}
	router := tenant.NewRouter(registry, routerOpts...)
	defer func() { _ = router.Close() }()

	server := mcp.NewServer(serverName, serverVersion, router,
		mcp.WithServerLogger(logger.With("component", "mcp")))
	transport := mcp.NewTransport(server, registry, mcp.TransportConfig{
		MaxConnectionsPerKey: cfg.MCP.MaxConnectionsPerKey,
		MaxConnectionsPerIP:  cfg.MCP.MaxConnectionsPerIP,
		SessionIdle:          cfg.MCP.SessionIdle(),
		RequestsPerMinute:    cfg.MCP.RequestsPerMinute,
	}, mcp.WithTransportLogger(logger.With("component", "transport")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collab := openclaw.NewFromEnv(cfg.Storage.DataPath)
	if collab != nil {
		logger.Info("openclaw file mode enabled")
	}

	inbox := notify.NewInboxWatcher(cfg.Storage.DataPath, ingestDrop(router, logger),
		notify.WithWatcherLogger(logger.With("component", "inbox")))
	if err := inbox.Start(); err != nil {
		logger.Warn("inbox watcher unavailable", "error", err)
	} else {
		defer inbox.Stop()
	}

	go runBackgroundLoops(ctx, cfg, router, provider, catalog, collab, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           transport.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// runBackgroundLoops drives the embedding worker, the backfill sweep, the
// inactivity compaction sweep, and the periodic health snapshot across every
// open tenant store.
func runBackgroundLoops(ctx context.Context, cfg *config.Config, router *tenant.Router,
	provider embedding.Provider, catalog *embedding.ModelCatalog,
	collab *openclaw.FileMode, logger *slog.Logger) {

	workerCfg := embedding.WorkerConfig{
		MaxAttempts:       cfg.Embedding.JobMaxAttempts,
		RetryBase:         cfg.Embedding.RetryBase(),
		RetryMax:          cfg.Embedding.RetryMax(),
		ProcessingTimeout: cfg.Embedding.ProcessingTimeout(),
		BatchSize:         cfg.Embedding.WorkerBatchSize,
	}
	workerLog := logger.With("component", "embedding-worker")
	backfillLog := logger.With("component", "embedding-backfill")
	compactLog := logger.With("component", "compaction")
	healthLog := logger.With("component", "embedding-health")

	workerTick := time.NewTicker(workerInterval)
	defer workerTick.Stop()
	backfillTick := time.NewTicker(backfillInterval)
	defer backfillTick.Stop()
	compactTick := time.NewTicker(compactionInterval)
	defer compactTick.Stop()
	healthTick := time.NewTicker(healthInterval)
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-workerTick.C:
			if provider == nil {
				continue
			}
			for tenantID, store := range router.Stores() {
				worker := embedding.NewWorker(store, provider, workerCfg,
					embedding.WithWorkerLogger(workerLog))
				report, err := worker.ProcessDueJobs(ctx, 0)
				if err != nil {
					workerLog.Warn("worker pass failed", "tenant_id", tenantID, "error", err)
					continue
				}
				if report.Processed > 0 {
					workerLog.Info("worker pass",
						"tenant_id", tenantID,
						"processed", report.Processed,
						"succeeded", report.Succeeded,
						"retried", report.Retried,
						"dead_lettered", report.DeadLettered)
				}
			}

		case <-backfillTick.C:
			if provider == nil {
				continue
			}
			for tenantID, store := range router.Stores() {
				td, err := router.Registry().TenantDatabaseFor(ctx, tenantID)
				if err != nil {
					backfillLog.Warn("backfill sweep skipped", "tenant_id", tenantID, "error", err)
					continue
				}
				model, err := catalog.Resolve(ctx,
					embedding.ModelSelection{TenantDefault: td.DefaultEmbeddingModel},
					cfg.Embedding.DefaultModelID, nil)
				if err != nil {
					backfillLog.Warn("backfill sweep skipped", "tenant_id", tenantID, "error", err)
					continue
				}
				backfill := embedding.NewBackfill(store, embedding.BackfillConfig{
					BatchLimit:  cfg.Embedding.BackfillBatchSize,
					MaxAttempts: cfg.Embedding.JobMaxAttempts,
				}, embedding.WithBackfillLogger(backfillLog))
				report, ran, err := backfill.RunDue(ctx, model, "", "")
				if err != nil {
					backfillLog.Warn("backfill batch failed", "tenant_id", tenantID, "error", err)
					continue
				}
				if ran && report.Scanned > 0 {
					backfillLog.Info("backfill batch",
						"tenant_id", tenantID,
						"scope", report.ScopeKey,
						"scanned", report.Scanned,
						"enqueued", report.Enqueued,
						"remaining", report.Remaining)
				}
			}

		case <-compactTick.C:
			for tenantID, store := range router.Stores() {
				svc := newSessionService(store, collab, compactLog)
				report, err := svc.RunInactivityCompactionWorker(ctx, session.WorkerOptions{})
				if err != nil {
					compactLog.Warn("compaction sweep failed", "tenant_id", tenantID, "error", err)
					continue
				}
				if report.Compacted > 0 || len(report.Failures) > 0 {
					compactLog.Info("compaction sweep",
						"tenant_id", tenantID,
						"scanned", report.Scanned,
						"compacted", report.Compacted,
						"failures", len(report.Failures))
				}
			}

		case <-healthTick.C:
			for tenantID, store := range router.Stores() {
				monitor := embedding.NewMonitor(store, cfg.Embedding.ProcessingTimeout())
				snap, err := monitor.Snapshot(ctx, embedding.SnapshotRequest{})
				if err != nil {
					healthLog.Warn("health snapshot failed", "tenant_id", tenantID, "error", err)
					continue
				}
				snap.Log(healthLog, "tenant_id", tenantID)
			}
		}
	}
}

// ingestDrop stores inbox capture files through the same routing layer the
// MCP tools use.
func ingestDrop(router *tenant.Router, logger *slog.Logger) func(notify.Drop) {
	return func(drop notify.Drop) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, _, err := router.Route(ctx, tenant.RouteRequest{
			TenantID:  drop.TenantID,
			ProjectID: drop.ProjectID,
		})
		if err != nil {
			logger.Warn("inbox drop rejected", "tenant_id", drop.TenantID, "error", err)
			return
		}
		mem, err := store.Add(ctx, drop.Content, storage.AddOptions{
			Type:   types.MemoryType(drop.Type),
			Scope:  storage.ScopeFilter{ProjectID: drop.ProjectID},
			UserID: drop.UserID,
			Tags:   drop.Tags,
		})
		if err != nil {
			logger.Warn("inbox drop failed", "tenant_id", drop.TenantID, "error", err)
			return
		}
		logger.Info("inbox drop stored", "tenant_id", drop.TenantID, "memory_id", mem.ID)
	}
}

func newSessionService(store *sqlite.Store, collab *openclaw.FileMode, logger *slog.Logger) *session.Service {
	opts := []session.Option{session.WithLogger(logger)}
	if collab != nil {
		opts = append(opts, session.WithCollaborator(collab))
	}
	return session.NewService(store, opts...)
}
