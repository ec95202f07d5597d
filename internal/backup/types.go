// Package backup snapshots the registry and every local tenant database into
// a backup directory, with integrity verification and tiered retention.
package backup

import (
	"time"
)

// Config holds backup service configuration.
type Config struct {
	// RegistryPath is the control-plane database to back up alongside the
	// tenant databases it lists.
	RegistryPath string

	// BackupDir is the directory where snapshots are stored, one
	// subdirectory per tenant plus one for the registry.
	BackupDir string

	// Interval is the duration between automated sweeps (default: 1 hour).
	Interval time.Duration

	// Retention defines how many snapshots to keep at each age tier.
	Retention RetentionPolicy

	// Verify enables an integrity check after each snapshot.
	Verify bool
}

// RetentionPolicy defines how many snapshots to keep per age tier.
// Snapshots under 24h old count against Hourly, 1-7 days against Daily,
// 7-30 days against Weekly, 30-365 days against Monthly. Anything older
// than a year is always pruned.
type RetentionPolicy struct {
	Hourly  int // default 24
	Daily   int // default 7
	Weekly  int // default 4
	Monthly int // default 12
}

func (p *RetentionPolicy) applyDefaults() {
	if p.Hourly == 0 {
		p.Hourly = 24
	}
	if p.Daily == 0 {
		p.Daily = 7
	}
	if p.Weekly == 0 {
		p.Weekly = 4
	}
	if p.Monthly == 0 {
		p.Monthly = 12
	}
}

// Snapshot records one completed database snapshot.
type Snapshot struct {
	TenantID string        `json:"tenant_id"`
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
}

// RunResult summarizes one backup sweep across all databases.
type RunResult struct {
	StartedAt time.Time  `json:"started_at"`
	Snapshots []Snapshot `json:"snapshots"`
	// SkippedRemote lists tenants whose databases live behind a remote URL
	// and cannot be snapshotted from this host.
	SkippedRemote []string `json:"skipped_remote,omitempty"`
	Failures      []string `json:"failures,omitempty"`
}

// Info describes one stored snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// HealthStatus reports the service's view of the backup directory.
type HealthStatus struct {
	Status         string    `json:"status"` // healthy or warning
	Message        string    `json:"message,omitempty"`
	LastRun        time.Time `json:"last_run"`
	NextRun        time.Time `json:"next_run"`
	TotalSnapshots int       `json:"total_snapshots"`
	BackupDir      string    `json:"backup_dir"`
	DiskSpaceUsed  int64     `json:"disk_space_used"`
}
