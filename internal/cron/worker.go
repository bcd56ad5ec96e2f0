// Package cron runs the monthly bill run: every reading of the target month
// that has no bill yet is rated and stored.
package cron

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bher20/aquabill/internal/alerting"
	"github.com/bher20/aquabill/internal/metrics"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
)

const (
	JobName = "bill_run"
	// LockKey is the advisory lock that keeps replicas from billing the same
	// month twice.
	LockKey int64 = 4201
	// ScheduleSetting overrides the configured schedule at runtime.
	ScheduleSetting = "bill_run_schedule"

	defaultTick = 10 * time.Second
)

// Notifier is told about runs that left readings unbilled.
type Notifier interface {
	SendBillRunAlert(ctx context.Context, alert alerting.BillRunAlert) error
}

type Options struct {
	// Schedule is a cron expression or a whole number of seconds.
	Schedule string
	Workers  int
	// Month pins runs to a YYYY-MM month. Empty means the previous month.
	Month    string
	Logger   *zap.SugaredLogger
	Notifier Notifier
}

type BillRun struct {
	svc      *portal.Service
	store    storage.Storage
	log      *zap.SugaredLogger
	notifier Notifier
	workers  int
	schedule string
	month    string
	now      func() time.Time
	tick     time.Duration
}

func NewBillRun(svc *portal.Service, opts Options) (*BillRun, error) {
	if _, err := NextRun(opts.Schedule, time.Now()); err != nil {
		return nil, err
	}
	if opts.Month != "" && !portal.ValidMonth(opts.Month) {
		return nil, fmt.Errorf("cron: billing month %q is not YYYY-MM", opts.Month)
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BillRun{
		svc:      svc,
		store:    svc.Store(),
		log:      log,
		notifier: opts.Notifier,
		workers:  workers,
		schedule: opts.Schedule,
		month:    opts.Month,
		now:      time.Now,
		tick:     defaultTick,
	}, nil
}

// NextRun returns the first run time after last. The setting is either a
// positive number of seconds or a standard five-field cron expression.
func NextRun(setting string, last time.Time) (time.Time, error) {
	setting = strings.TrimSpace(setting)
	if v, err := strconv.Atoi(setting); err == nil {
		if v <= 0 {
			return time.Time{}, fmt.Errorf("cron: interval %d must be positive", v)
		}
		return last.Add(time.Duration(v) * time.Second), nil
	}
	sched, err := cron.ParseStandard(setting)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: invalid schedule %q: %w", setting, err)
	}
	return sched.Next(last), nil
}

// TargetMonth is the month before now, as YYYY-MM.
func TargetMonth(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Format("2006-01")
}

func (b *BillRun) targetMonth() string {
	if b.month != "" {
		return b.month
	}
	return TargetMonth(b.now())
}

// RunOnce performs a single bill run if the advisory lock is free. ran is
// false when another worker holds the lock.
func (b *BillRun) RunOnce(ctx context.Context) (res BatchResult, ran bool, err error) {
	started := time.Now()
	month := b.targetMonth()

	ok, err := b.store.AcquireAdvisoryLock(ctx, LockKey)
	if err != nil {
		metrics.UpdateJobMetrics(JobName, started, err)
		return res, false, fmt.Errorf("cron: acquire advisory lock: %w", err)
	}
	if !ok {
		b.log.Infow("cron: advisory lock held by another worker, skipping run", "month", month)
		return res, false, nil
	}
	defer func() {
		if _, err := b.store.ReleaseAdvisoryLock(context.WithoutCancel(ctx), LockKey); err != nil {
			b.log.Warnw("cron: release advisory lock failed", "error", err)
		}
	}()

	res, runErr := b.generateBills(ctx, month)

	metrics.UpdateJobMetrics(JobName, started, runErr)
	b.store.ReportPoolStats()
	dur := time.Since(started)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := b.store.UpdateScheduledJob(ctx, JobName, started, dur, runErr == nil, errMsg); err != nil {
		b.log.Warnw("cron: update scheduled job failed", "error", err)
	}

	if runErr != nil {
		b.log.Errorw("cron: bill run completed with errors",
			"month", month, "pending", res.Pending, "generated", res.Generated, "failed", res.Failed, "duration", dur, "error", runErr)
		if b.notifier != nil && res.Failed > 0 {
			alert := alerting.BillRunAlert{
				JobName:   JobName,
				Month:     month,
				Pending:   res.Pending,
				Generated: int(res.Generated),
				Failed:    int(res.Failed),
				Duration:  dur,
				Failures:  res.Failures,
				Timestamp: started.UTC(),
			}
			if err := b.notifier.SendBillRunAlert(context.WithoutCancel(ctx), alert); err != nil {
				b.log.Warnw("cron: send bill run alert failed", "error", err)
			}
		}
	} else {
		b.log.Infow("cron: bill run completed",
			"month", month, "pending", res.Pending, "generated", res.Generated, "warnings", res.Warnings, "duration", dur)
	}
	return res, true, runErr
}

// currentSchedule prefers the stored setting over the configured schedule.
// An unparseable stored value is ignored.
func (b *BillRun) currentSchedule(ctx context.Context) string {
	val, err := b.store.GetSetting(ctx, ScheduleSetting)
	if err != nil || val == "" {
		return b.schedule
	}
	if _, err := NextRun(val, time.Now()); err != nil {
		b.log.Warnw("cron: ignoring invalid schedule setting", "value", val, "error", err)
		return b.schedule
	}
	return val
}

// Run loops until ctx is cancelled. The first run happens on the first tick;
// after that runs follow the schedule, which is re-read every tick.
func (b *BillRun) Run(ctx context.Context) error {
	schedule := b.currentSchedule(ctx)
	nextRun := time.Now()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	b.log.Infow("cron: bill run worker starting", "schedule", schedule, "workers", b.workers, "month_override", b.month)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s := b.currentSchedule(ctx); s != schedule {
				b.log.Infow("cron: schedule updated", "from", schedule, "to", s)
				schedule = s
				nextRun, _ = NextRun(schedule, time.Now())
			}
			if time.Now().Before(nextRun) {
				continue
			}

			if _, _, err := b.RunOnce(ctx); err != nil && ctx.Err() == nil {
				b.log.Errorw("cron: bill run failed", "error", err)
			}
			nextRun, _ = NextRun(schedule, time.Now())
		}
	}
}
