package cron

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bher20/aquabill/internal/alerting"
	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
	"github.com/bher20/aquabill/internal/tariff"
)

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) SendBillRunAlert(ctx context.Context, alert alerting.BillRunAlert) error {
	return m.Called(alert).Error(0)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestRun(t *testing.T, opts Options) (*BillRun, *portal.Service, *storage.MemoryStorage) {
	t.Helper()
	rec, err := tariff.Record(&billing.TariffConfiguration{
		CustomerClass: billing.Domestic,
		Year:          2024,
		Tiers: []billing.TariffTier{
			{Rate: d("10"), Limit: billing.Bounded(d("5"))},
			{Rate: d("15"), Limit: billing.Unbounded()},
		},
	})
	require.NoError(t, err)
	st := storage.NewMemoryWithTariffs([]storage.TariffRecord{rec})
	svc := portal.NewService(st, billing.NewCalculator(tariff.NewStoreResolver(st, nil)))
	if opts.Schedule == "" {
		opts.Schedule = "0 2 1 * *"
	}
	br, err := NewBillRun(svc, opts)
	require.NoError(t, err)
	br.now = func() time.Time { return time.Date(2024, 12, 1, 2, 0, 0, 0, time.UTC) }
	return br, svc, st
}

func addPending(t *testing.T, svc *portal.Service, st *storage.MemoryStorage, n int, month string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		c, err := svc.RegisterCustomer(ctx, portal.CustomerInput{
			Name: fmt.Sprintf("c%d", i), MeterNumber: fmt.Sprintf("%s-M%d", month, i), CustomerClass: "Domestic", MeterSize: 0.5,
		})
		require.NoError(t, err)
		require.NoError(t, st.SaveReading(ctx, &storage.Reading{
			MeterKind: storage.MeterKindCustomer, MeterID: c.ID, Month: month, Previous: d("0"), Current: d("8"),
		}))
	}
}

func TestRunOnce_BillsPreviousMonth(t *testing.T) {
	ctx := context.Background()
	br, svc, st := newTestRun(t, Options{Workers: 3})
	addPending(t, svc, st, 7, "2024-11")
	addPending(t, svc, st, 2, "2024-10")

	notifier := new(mockNotifier)
	br.notifier = notifier

	res, ran, err := br.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	notifier.AssertNotCalled(t, "SendBillRunAlert", mock.Anything)
	assert.Equal(t, "2024-11", res.Month)
	assert.Equal(t, 7, res.Pending)
	assert.EqualValues(t, 7, res.Generated)
	assert.EqualValues(t, 0, res.Failed)

	bills, err := st.ListBills(ctx, storage.BillFilter{Month: "2024-11"})
	require.NoError(t, err)
	require.Len(t, bills, 7)
	for _, b := range bills {
		assert.True(t, b.TotalBill.Equal(d("95")))
	}

	job, err := st.GetScheduledJob(ctx, JobName)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.LastSuccess)

	// Nothing left to do on a second run.
	res, ran, err = br.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, res.Pending)

	// The lock was released.
	ok, err := st.AcquireAdvisoryLock(ctx, LockKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnce_MonthOverride(t *testing.T) {
	br, svc, st := newTestRun(t, Options{Workers: 2, Month: "2024-10"})
	addPending(t, svc, st, 2, "2024-10")

	res, _, err := br.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-10", res.Month)
	assert.EqualValues(t, 2, res.Generated)
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	br, svc, st := newTestRun(t, Options{Workers: 1})
	addPending(t, svc, st, 1, "2024-11")

	ok, err := st.AcquireAdvisoryLock(ctx, LockKey)
	require.NoError(t, err)
	require.True(t, ok)

	_, ran, err := br.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	pending, err := svc.PendingReadings(ctx, "2024-11")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunOnce_PartialFailure(t *testing.T) {
	ctx := context.Background()
	notifier := new(mockNotifier)
	notifier.On("SendBillRunAlert", mock.MatchedBy(func(a alerting.BillRunAlert) bool {
		return a.Month == "2024-11" && a.Failed == 1 && a.Pending == 4 &&
			len(a.Failures) == 1 && a.Failures[0].MeterID == "removed"
	})).Return(nil).Once()

	br, svc, st := newTestRun(t, Options{Workers: 4, Notifier: notifier})
	addPending(t, svc, st, 3, "2024-11")
	require.NoError(t, st.SaveReading(ctx, &storage.Reading{
		MeterKind: storage.MeterKindCustomer, MeterID: "removed", Month: "2024-11", Previous: d("0"), Current: d("1"),
	}))

	res, ran, err := br.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, ran)
	assert.ErrorIs(t, err, portal.ErrNotFound)
	assert.EqualValues(t, 3, res.Generated)
	assert.EqualValues(t, 1, res.Failed)

	job, err := st.GetScheduledJob(ctx, JobName)
	require.NoError(t, err)
	assert.Equal(t, 0, job.LastSuccess)
	assert.NotEmpty(t, job.LastError)
	notifier.AssertExpectations(t)
}

func TestNextRun(t *testing.T) {
	last := time.Date(2024, 11, 15, 10, 0, 0, 0, time.UTC)

	next, err := NextRun("90", last)
	require.NoError(t, err)
	assert.Equal(t, last.Add(90*time.Second), next)

	next, err = NextRun("0 2 1 * *", last)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 1, 2, 0, 0, 0, time.UTC), next)

	for _, bad := range []string{"0", "-5", "every month", ""} {
		_, err := NextRun(bad, last)
		assert.Error(t, err, bad)
	}
}

func TestTargetMonth(t *testing.T) {
	assert.Equal(t, "2024-11", TargetMonth(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2023-12", TargetMonth(time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-02", TargetMonth(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
}

func TestCurrentSchedule_PrefersValidSetting(t *testing.T) {
	ctx := context.Background()
	br, _, st := newTestRun(t, Options{Schedule: "3600"})
	assert.Equal(t, "3600", br.currentSchedule(ctx))

	require.NoError(t, st.SetSetting(ctx, ScheduleSetting, "*/5 * * * *"))
	assert.Equal(t, "*/5 * * * *", br.currentSchedule(ctx))

	require.NoError(t, st.SetSetting(ctx, ScheduleSetting, "whenever"))
	assert.Equal(t, "3600", br.currentSchedule(ctx))
}

func TestNewBillRun_Rejects(t *testing.T) {
	svc := portal.NewService(storage.NewMemory(), billing.NewCalculator(nil))
	_, err := NewBillRun(svc, Options{Schedule: "soon"})
	assert.Error(t, err)
	_, err = NewBillRun(svc, Options{Schedule: "60", Month: "2024-13"})
	assert.Error(t, err)
}
