package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/bher20/aquabill/internal/alerting"
)

// BatchResult summarizes one bill run.
type BatchResult struct {
	Month     string
	Pending   int
	Generated int64
	Warnings  int64
	Failed    int64
	Duration  time.Duration
	Failures  []alerting.MeterFailure
}

// generateBills bills every pending reading of month with at most workers
// goroutines. A failing reading does not stop the others; the joined error
// is returned after all of them finish.
func (b *BillRun) generateBills(ctx context.Context, month string) (BatchResult, error) {
	started := time.Now()
	res := BatchResult{Month: month}

	pending, err := b.svc.PendingReadings(ctx, month)
	if err != nil {
		return res, fmt.Errorf("pending readings for %s: %w", month, err)
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		b.log.Infow("cron: no pending readings", "month", month)
		return res, nil
	}

	var (
		generated, warnings, failed atomic.Int64
		mu                          sync.Mutex
	)
	p := pool.New().WithMaxGoroutines(b.workers).WithContext(ctx)
	for _, r := range pending {
		p.Go(func(ctx context.Context) error {
			bill, err := b.svc.GenerateBill(ctx, r)
			if err != nil {
				failed.Add(1)
				mu.Lock()
				res.Failures = append(res.Failures, alerting.MeterFailure{
					MeterKind: string(r.MeterKind), MeterID: r.MeterID, Error: err.Error(),
				})
				mu.Unlock()
				b.log.Errorw("cron: generate bill failed",
					"meter_kind", r.MeterKind, "meter_id", r.MeterID, "month", r.Month, "error", err)
				return fmt.Errorf("%s %s: %w", r.MeterKind, r.MeterID, err)
			}
			generated.Add(1)
			if bill.Warning != "" {
				warnings.Add(1)
			}
			return nil
		})
	}
	err = p.Wait()

	res.Generated = generated.Load()
	res.Warnings = warnings.Load()
	res.Failed = failed.Load()
	res.Duration = time.Since(started)
	if err != nil {
		return res, fmt.Errorf("bill run %s: %d of %d failed: %w", month, res.Failed, res.Pending, err)
	}
	return res, nil
}
