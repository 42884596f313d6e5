package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/automation"
	"github.com/stewardhq/steward/internal/errorlog"
	"github.com/stewardhq/steward/internal/jobs"
	"github.com/stewardhq/steward/internal/observability"
)

// Retention windows for the background pruning jobs.
const (
	errorLogRetention  = 30 * 24 * time.Hour
	workerJobRetention = 7 * 24 * time.Hour
	maintenanceTimeout = 5 * time.Minute
)

// maintenance bundles the periodic housekeeping jobs: the attachment orphan
// sweep, log pruning, and the midnight listener-counter reset.
type maintenance struct {
	registry    *attachments.Registry
	automations *automation.Service
	errs        errorlog.Store
	jobs        jobs.Store
	logger      *observability.Logger
}

// register schedules every job on c. Sweeps run hourly, pruning overnight,
// and the daily execution counters reset at local midnight so the listener
// cap tracks the calendar day.
func (m *maintenance) register(c *cron.Cron) error {
	specs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"@hourly", "orphan_sweep", m.sweepOrphans},
		{"15 3 * * *", "errorlog_prune", m.pruneErrorLog},
		{"30 3 * * *", "jobs_prune", m.pruneJobs},
		{"0 0 * * *", "daily_reset", m.resetDailyCounters},
	}
	for _, job := range specs {
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			defer cancel()
			job.run(ctx)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *maintenance) sweepOrphans(ctx context.Context) {
	n, err := m.registry.CleanupOrphaned(ctx)
	if err != nil {
		m.logger.Error(ctx, "orphan sweep failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info(ctx, "orphaned attachments removed", "count", n)
	}
}

func (m *maintenance) pruneErrorLog(ctx context.Context) {
	n, err := m.errs.Prune(ctx, errorLogRetention)
	if err != nil {
		m.logger.Error(ctx, "error log prune failed", "error", err)
		return
	}
	m.logger.Info(ctx, "error log pruned", "deleted", n)
}

func (m *maintenance) pruneJobs(ctx context.Context) {
	n, err := m.jobs.Prune(ctx, workerJobRetention)
	if err != nil {
		m.logger.Error(ctx, "worker job prune failed", "error", err)
		return
	}
	m.logger.Info(ctx, "worker jobs pruned", "deleted", n)
}

func (m *maintenance) resetDailyCounters(ctx context.Context) {
	n, err := m.automations.ResetDailyCounters(ctx)
	if err != nil {
		m.logger.Error(ctx, "daily counter reset failed", "error", err)
		return
	}
	m.logger.Info(ctx, "listener daily counters reset", "listeners", n)
}
