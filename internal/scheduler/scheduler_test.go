package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/options"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/program"
	"github.com/atmx/settlement-engine/internal/scoring"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *store.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 2, 0, 5, 0, 0, time.UTC))
	oracle := pricing.NewStaticOracle(d("2"))

	job, err := settlement.NewJob(settlement.Config{Clock: clock, Store: st, Programs: program.Default(), Oracle: oracle})
	require.NoError(t, err)
	ledger, err := options.NewLedger(options.Config{Clock: clock, Store: st, Oracle: oracle})
	require.NoError(t, err)

	cfg := Config{Clock: clock, Settlement: job, Options: ledger}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, st, clock
}

func TestNew_InvalidSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	job, err := settlement.NewJob(settlement.Config{Store: st, Programs: program.Default()})
	require.NoError(t, err)
	ledger, err := options.NewLedger(options.Config{Store: st})
	require.NoError(t, err)

	_, err = New(Config{Settlement: job, Options: ledger, SettlementSchedule: "every minute"})
	assert.Error(t, err)

	_, err = New(Config{Settlement: job, Options: ledger, VestingSchedule: "@hourly-ish"})
	assert.Error(t, err)

	_, err = New(Config{Options: ledger})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	s, _, _ := newScheduler(t, nil)
	assert.Equal(t, DefaultSettlementSchedule, s.cfg.SettlementSchedule)
	assert.Equal(t, DefaultVestingSchedule, s.cfg.VestingSchedule)
	assert.Equal(t, DefaultRunTimeout, s.cfg.RunTimeout)
}

func TestRunSettlement(t *testing.T) {
	s, st, _ := newScheduler(t, nil)
	ctx := context.Background()

	require.NoError(t, st.PutNetIncome(ctx, model.ProgramDailyReward, "2025-03-01", d("100")))
	require.NoError(t, st.PutMetrics(ctx, model.ProgramDailyReward, "2025-03-01", []model.ContributionMetric{
		{UserID: "alice", Values: map[string]float64{
			scoring.MetricGameCoins:           1,
			scoring.MetricComputingPower:      1,
			scoring.MetricTransactionActivity: 1,
		}},
	}))

	s.RunSettlement(ctx)

	rec, err := st.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)

	// The options program's February period had no income.
	opt, err := st.GetSettlement(ctx, model.ProgramPerformanceOption, "2025-02")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInsufficientIncome, opt.Status)

	// A second run is a no-op.
	s.RunSettlement(ctx)
	w, err := st.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d("40").Equal(w.Balances[model.CurrencyReward]))
}

func TestRunVesting(t *testing.T) {
	s, st, clock := newScheduler(t, nil)
	ctx := context.Background()

	_, err := s.cfg.Options.Grant(ctx, options.GrantRequest{
		UserID:      "alice",
		Amount:      d("10"),
		MarketPrice: d("2"),
		Discount:    d("1"),
		VestingDays: 10,
	})
	require.NoError(t, err)

	clock.Advance(5 * 24 * time.Hour)
	s.RunVesting(ctx)

	w, err := st.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d("5").Equal(w.Balances[model.CurrencyOptionVested]))
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _, _ := newScheduler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
