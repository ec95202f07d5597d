package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramlabs/engram/internal/storage/sqlite"
)

// Alarm severities and the overall health ladder.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// SLO is one published service-level objective, included in every snapshot
// so operators can see the thresholds alarms are judged against.
type SLO struct {
	Code       string  `json:"code"`
	Metric     string  `json:"metric"`
	Warning    float64 `json:"warning"`
	Critical   float64 `json:"critical"`
	MinSamples int     `json:"min_samples,omitempty"`
}

// slos is the fixed objective table.
var slos = []SLO{
	{Code: "EMBEDDING_QUEUE_LAG", Metric: "queue_lag_ms", Warning: 120000, Critical: 600000},
	{Code: "EMBEDDING_STALE_JOBS", Metric: "stale_processing_count", Warning: 1, Critical: 5},
	{Code: "EMBEDDING_DEAD_LETTER_RATE", Metric: "dead_letters/attempts", Warning: 0.02, Critical: 0.05, MinSamples: 20},
	{Code: "EMBEDDING_RETRIEVAL_FALLBACK_RATE", Metric: "fallback/hybrid", Warning: 0.05, Critical: 0.15, MinSamples: 20},
	{Code: "EMBEDDING_RETRIEVAL_LATENCY", Metric: "p95_duration_ms", Warning: 1200, Critical: 2500, MinSamples: 10},
	{Code: "EMBEDDING_BACKFILL_ERRORS", Metric: "error_runs", Warning: 1, Critical: 5},
}

// Alarm is one fired objective.
type Alarm struct {
	Code     string  `json:"code"`
	Severity string  `json:"severity"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Message  string  `json:"message"`
}

// UsageLoader supplies the cost section of a snapshot. The loader is an
// external collaborator; a nil loader simply omits the section.
type UsageLoader interface {
	Summary(ctx context.Context, month string) (map[string]any, error)
}

// Snapshot is the full observability view of the embedding subsystem.
type Snapshot struct {
	GeneratedAt time.Time              `json:"generated_at"`
	WindowHours int                    `json:"window_hours"`
	Queue       *sqlite.QueueStats     `json:"queue"`
	Worker      *sqlite.WorkerStats    `json:"worker"`
	Backfill    *sqlite.BackfillStats  `json:"backfill"`
	Retrieval   *sqlite.RetrievalStats `json:"retrieval"`
	Cost        map[string]any         `json:"cost,omitempty"`
	SLOs        []SLO                  `json:"slos"`
	Alarms      []Alarm                `json:"alarms"`
	Health      string                 `json:"health"`
}

// Log writes a one-line digest of the snapshot plus one line per alarm.
// Critical alarms log at error level, warnings at warn.
func (s *Snapshot) Log(logger *slog.Logger, attrs ...any) {
	base := logger.With(attrs...)
	base.Info("embedding health",
		"health", s.Health,
		"queue_lag_ms", s.Queue.QueueLagMS,
		"stale_processing", s.Queue.StaleProcessing,
		"attempts", s.Worker.Attempts,
		"dead_letters", s.Worker.DeadLetters,
		"backfill_error_runs", s.Backfill.ErrorRuns,
		"retrieval_fallback_rate", s.Retrieval.FallbackRate)

	for _, a := range s.Alarms {
		log := base.Warn
		if a.Severity == SeverityCritical {
			log = base.Error
		}
		log("embedding alarm",
			"code", a.Code, "metric", a.Metric, "value", a.Value, "message", a.Message)
	}
}

// Monitor assembles observability snapshots from one tenant store.
type Monitor struct {
	store             *sqlite.Store
	processingTimeout time.Duration
	usage             UsageLoader
	now               func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithUsageLoader(loader UsageLoader) MonitorOption {
	return func(m *Monitor) {
		m.usage = loader
	}
}

// NewMonitor builds a monitor over a tenant store.
func NewMonitor(store *sqlite.Store, processingTimeout time.Duration, opts ...MonitorOption) *Monitor {
	if processingTimeout <= 0 {
		processingTimeout = 2 * time.Minute
	}
	m := &Monitor{
		store:             store,
		processingTimeout: processingTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SnapshotRequest scopes one snapshot.
type SnapshotRequest struct {
	WindowHours int    // default 24
	UsageMonth  string // forwarded to the usage loader
}

// Snapshot gathers queue, worker, backfill, and retrieval stats for the
// window and evaluates the alarm table.
func (m *Monitor) Snapshot(ctx context.Context, req SnapshotRequest) (*Snapshot, error) {
	if req.WindowHours <= 0 {
		req.WindowHours = 24
	}
	now := m.now()
	since := now.Add(-time.Duration(req.WindowHours) * time.Hour)

	queue, err := m.store.QueueStatsSnapshot(ctx, m.processingTimeout, now)
	if err != nil {
		return nil, err
	}
	worker, err := m.store.WorkerStatsSnapshot(ctx, since)
	if err != nil {
		return nil, err
	}
	backfill, err := m.store.BackfillStatsSnapshot(ctx, since)
	if err != nil {
		return nil, err
	}
	retrieval, err := m.store.RetrievalStatsSnapshot(ctx, since)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt: now,
		WindowHours: req.WindowHours,
		Queue:       queue,
		Worker:      worker,
		Backfill:    backfill,
		Retrieval:   retrieval,
		SLOs:        slos,
	}

	if m.usage != nil {
		// Cost is advisory; a loader failure degrades the section, not the
		// snapshot.
		if summary, err := m.usage.Summary(ctx, req.UsageMonth); err == nil {
			snap.Cost = summary
		}
	}

	snap.Alarms = evaluateAlarms(queue, worker, backfill, retrieval)
	snap.Health = overallHealth(snap.Alarms)
	return snap, nil
}

func evaluateAlarms(queue *sqlite.QueueStats, worker *sqlite.WorkerStats, backfill *sqlite.BackfillStats, retrieval *sqlite.RetrievalStats) []Alarm {
	alarms := []Alarm{}

	check := func(code string, value float64, samples int) {
		slo := findSLO(code)
		if slo == nil {
			return
		}
		if slo.MinSamples > 0 && samples < slo.MinSamples {
			return
		}
		severity := ""
		switch {
		case value >= slo.Critical:
			severity = SeverityCritical
		case value >= slo.Warning:
			severity = SeverityWarning
		default:
			return
		}
		alarms = append(alarms, Alarm{
			Code:     code,
			Severity: severity,
			Metric:   slo.Metric,
			Value:    value,
			Message:  fmt.Sprintf("%s is %.4g (warning %.4g, critical %.4g)", slo.Metric, value, slo.Warning, slo.Critical),
		})
	}

	check("EMBEDDING_QUEUE_LAG", float64(queue.QueueLagMS), 0)
	check("EMBEDDING_STALE_JOBS", float64(queue.StaleProcessing), 0)
	check("EMBEDDING_DEAD_LETTER_RATE", worker.FailureRate, worker.Attempts)
	check("EMBEDDING_RETRIEVAL_FALLBACK_RATE", retrieval.FallbackRate, retrieval.HybridRequested)
	check("EMBEDDING_RETRIEVAL_LATENCY", retrieval.P95DurationMS, retrieval.Requests)
	check("EMBEDDING_BACKFILL_ERRORS", float64(backfill.ErrorRuns), 0)

	return alarms
}

func findSLO(code string) *SLO {
	for i := range slos {
		if slos[i].Code == code {
			return &slos[i]
		}
	}
	return nil
}

func overallHealth(alarms []Alarm) string {
	health := HealthHealthy
	for _, a := range alarms {
		if a.Severity == SeverityCritical {
			return HealthCritical
		}
		health = HealthDegraded
	}
	return health
}
