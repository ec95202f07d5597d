package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/tenant"
)

// registryDirName is the snapshot subdirectory for the registry database.
const registryDirName = "registry"

// Service sweeps the registry and every local tenant database on an interval.
// Remote tenant databases are recorded as skipped; they are backed up by
// their own hosting layer.
type Service struct {
	registry *tenant.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a backup service over the tenant registry.
func NewService(registry *tenant.Registry, cfg Config, opts ...Option) (*Service, error) {
	if cfg.RegistryPath == "" {
		return nil, fmt.Errorf("backup: registry path is required")
	}
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("backup: backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	cfg.Retention.applyDefaults()

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create backup directory: %w", err)
	}

	s := &Service{
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.mu.Lock()
	s.nextRun = s.now().Add(s.cfg.Interval)
	s.mu.Unlock()

	s.logger.Info("backup service started",
		"interval", s.cfg.Interval, "backup_dir", s.cfg.BackupDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.BackupAll(ctx)
			if err != nil {
				s.logger.Warn("scheduled backup failed", "error", err)
				continue
			}
			s.logger.Info("scheduled backup complete",
				"snapshots", len(result.Snapshots),
				"skipped_remote", len(result.SkippedRemote),
				"failures", len(result.Failures))
		}
	}
}

// BackupAll snapshots the registry plus every local tenant database, then
// applies retention per directory. Individual tenant failures are collected,
// not fatal.
func (s *Service) BackupAll(ctx context.Context) (*RunResult, error) {
	start := s.now()
	result := &RunResult{StartedAt: start}

	snap, err := s.snapshotOne(registryDirName, s.cfg.RegistryPath, start)
	if err != nil {
		result.Failures = append(result.Failures, fmt.Sprintf("registry: %v", err))
	} else {
		result.Snapshots = append(result.Snapshots, *snap)
	}

	tenants, err := s.registry.ListTenantDatabases(ctx)
	if err != nil {
		return result, err
	}
	for _, td := range tenants {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		path, ok := td.LocalPath()
		if !ok {
			result.SkippedRemote = append(result.SkippedRemote, td.TenantID)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			// Registered but never opened; nothing to snapshot yet.
			continue
		}
		snap, err := s.snapshotOne(td.TenantID, path, start)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", td.TenantID, err))
			continue
		}
		snap.TenantID = td.TenantID
		result.Snapshots = append(result.Snapshots, *snap)
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.nextRun = s.lastRun.Add(s.cfg.Interval)
	s.mu.Unlock()

	return result, nil
}

// snapshotOne writes a single timestamped snapshot into the subdirectory for
// name and prunes that directory afterwards.
func (s *Service) snapshotOne(name, dbPath string, at time.Time) (*Snapshot, error) {
	dir := filepath.Join(s.cfg.BackupDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", dir, err)
	}

	// Microseconds keep filenames unique across rapid sweeps.
	stamp := at.Format("20060102-150405.000000")
	dest := filepath.Join(dir, fmt.Sprintf("engram-backup-%s.db", stamp))

	begin := s.now()
	if err := snapshotSQLite(dbPath, dest); err != nil {
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	snap := &Snapshot{
		Path:     dest,
		Size:     info.Size(),
		Duration: s.now().Sub(begin),
	}

	if s.cfg.Verify {
		if err := verifySnapshot(dest); err != nil {
			return nil, err
		}
		snap.Verified = true
	}

	if err := applyRetention(dir, s.cfg.Retention, s.now()); err != nil {
		s.logger.Warn("retention pass failed", "dir", dir, "error", err)
	}
	return snap, nil
}

// ListSnapshots lists stored snapshots across all subdirectories, newest
// first within each.
func (s *Service) ListSnapshots() (map[string][]Info, error) {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("backup: read backup directory: %w", err)
	}
	out := make(map[string][]Info)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snaps, err := listSnapshots(filepath.Join(s.cfg.BackupDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(snaps) > 0 {
			out[entry.Name()] = snaps
		}
	}
	return out, nil
}

// HealthCheck reports sweep recency and disk usage.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastRun := s.lastRun
	nextRun := s.nextRun
	s.mu.Unlock()

	all, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	var total int
	var used int64
	for _, snaps := range all {
		total += len(snaps)
		for _, snap := range snaps {
			used += snap.Size
		}
	}

	status := &HealthStatus{
		Status:         "healthy",
		LastRun:        lastRun,
		NextRun:        nextRun,
		TotalSnapshots: total,
		BackupDir:      s.cfg.BackupDir,
		DiskSpaceUsed:  used,
	}
	switch {
	case lastRun.IsZero():
		status.Message = "no sweeps yet"
	case s.now().Sub(lastRun) > 2*s.cfg.Interval:
		status.Status = "warning"
		status.Message = fmt.Sprintf("backup overdue by %v", s.now().Sub(lastRun)-s.cfg.Interval)
	default:
		status.Message = fmt.Sprintf("last sweep %v ago", s.now().Sub(lastRun).Round(time.Minute))
	}
	return status, nil
}
