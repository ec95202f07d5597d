// Command engram-backup snapshots the registry and every local tenant
// database on a schedule, with tiered retention. It can also run one-shot
// sweeps, list stored snapshots, restore a snapshot, and report health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/engramlabs/engram/internal/backup"
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/tenant"
)

var (
	backupDir = flag.String("backup-dir", "", "Snapshot directory (overrides config)")
	interval  = flag.Duration("interval", 0, "Sweep interval (overrides config)")
	verify    = flag.Bool("verify", true, "Verify snapshots after creation")
	oneshot   = flag.Bool("oneshot", false, "Perform a single sweep and exit")
	restore   = flag.String("restore", "", "Snapshot file to restore (requires -target)")
	target    = flag.String("target", "", "Database file to restore onto")
	healthCmd = flag.Bool("health", false, "Report backup health and exit")
	listCmd   = flag.Bool("list", false, "List stored snapshots and exit")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	if *restore != "" {
		if *target == "" {
			return fmt.Errorf("-restore requires -target")
		}
		if err := backup.Restore(*restore, *target); err != nil {
			return err
		}
		logger.Info("database restored", "snapshot", *restore, "target", *target)
		return nil
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	dir := cfg.Backup.Dir
	if *backupDir != "" {
		dir = *backupDir
	}
	sweepEvery := cfg.Backup.Interval()
	if *interval > 0 {
		sweepEvery = *interval
	}

	registry, err := tenant.OpenRegistry(cfg.Storage.RegistryPath)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	svc, err := backup.NewService(registry, backup.Config{
		RegistryPath: cfg.Storage.RegistryPath,
		BackupDir:    dir,
		Interval:     sweepEvery,
		Verify:       *verify,
	}, backup.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *healthCmd:
		return printHealth(svc)
	case *listCmd:
		return printSnapshots(svc)
	case *oneshot:
		result, err := svc.BackupAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("sweep complete",
			"snapshots", len(result.Snapshots),
			"skipped_remote", len(result.SkippedRemote),
			"failures", len(result.Failures))
		for _, failure := range result.Failures {
			logger.Warn("snapshot failed", "detail", failure)
		}
		if len(result.Failures) > 0 {
			return fmt.Errorf("%d snapshot(s) failed", len(result.Failures))
		}
		return nil
	default:
		err := svc.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}
}

func printHealth(svc *backup.Service) error {
	health, err := svc.HealthCheck()
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Snapshots: %d\n", health.TotalSnapshots)
	fmt.Printf("Disk Used: %.2f MB\n", float64(health.DiskSpaceUsed)/(1024*1024))
	fmt.Printf("Directory: %s\n", health.BackupDir)
	if !health.LastRun.IsZero() {
		fmt.Printf("Last Sweep: %s\n", health.LastRun.Format(time.RFC3339))
	} else {
		fmt.Println("Last Sweep: never")
	}
	if health.Status != "healthy" {
		os.Exit(1)
	}
	return nil
}

func printSnapshots(svc *backup.Service) error {
	all, err := svc.ListSnapshots()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No snapshots found")
		return nil
	}
	for name, snaps := range all {
		fmt.Printf("%s:\n", name)
		for _, snap := range snaps {
			fmt.Printf("  %s  %.2f MB  %s\n",
				snap.Path,
				float64(snap.Size)/(1024*1024),
				snap.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
