package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/automation"
	"github.com/stewardhq/steward/internal/errorlog"
	"github.com/stewardhq/steward/internal/jobs"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
)

func newMaintenance(t *testing.T, errs errorlog.Store, jobStore jobs.Store) *maintenance {
	t.Helper()
	blobs, err := attachments.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	tasks := queue.NewMemoryStore()
	q := queue.New(tasks)
	return &maintenance{
		registry:    attachments.NewRegistry(attachments.NewMemoryStore(), blobs),
		automations: automation.NewService(automation.NewMemoryStore(tasks), q),
		errs:        errs,
		jobs:        jobStore,
		logger:      observability.NewLogger(observability.LogConfig{Level: "error"}),
	}
}

func TestMaintenanceRegister(t *testing.T) {
	m := newMaintenance(t, errorlog.NewMemoryStore(), jobs.NewMemoryStore())
	c := cron.New()
	if err := m.register(c); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if got := len(c.Entries()); got != 4 {
		t.Errorf("scheduled jobs = %d, want 4", got)
	}
}

func TestMaintenancePruneErrorLog(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	errs := errorlog.NewMemoryStore(errorlog.WithMemoryNow(func() time.Time { return now }))
	ctx := context.Background()

	old := &errorlog.Entry{Timestamp: now.Add(-40 * 24 * time.Hour), Message: "stale"}
	fresh := &errorlog.Entry{Timestamp: now.Add(-time.Hour), Message: "recent"}
	for _, e := range []*errorlog.Entry{old, fresh} {
		if err := errs.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	m := newMaintenance(t, errs, jobs.NewMemoryStore())
	m.pruneErrorLog(ctx)

	entries, err := errs.List(ctx, errorlog.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "recent" {
		t.Errorf("entries after prune = %+v, want only the recent one", entries)
	}
}

func TestMaintenanceSweepOrphansEmpty(t *testing.T) {
	m := newMaintenance(t, errorlog.NewMemoryStore(), jobs.NewMemoryStore())
	// Nothing registered, nothing on disk: the sweep must be a no-op.
	m.sweepOrphans(context.Background())
	m.sweepOrphans(context.Background())
}
