package dividend

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/scoring"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func perf(user string, revenue float64) model.ContributionMetric {
	return model.ContributionMetric{UserID: user, Values: map[string]float64{
		scoring.MetricRevenue:     revenue,
		scoring.MetricReferrals:   0,
		scoring.MetricDevelopment: 0,
		scoring.MetricManagement:  0,
		scoring.MetricMarketing:   0,
	}}
}

func newDistributor(t *testing.T) (*Distributor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	dist, err := NewDistributor(Config{
		Clock: clockwork.NewFakeClockAt(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)),
		Store: st,
	})
	require.NoError(t, err)
	return dist, st
}

func weightOf(ws []Weight, user string) decimal.Decimal {
	for _, w := range ws {
		if w.UserID == user {
			return w.Weight
		}
	}
	return decimal.Zero
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Store: store.NewMemoryStore()}
	require.NoError(t, cfg.Validate())
	assert.True(t, DefaultDecay.Equal(cfg.Decay))
	assert.Equal(t, model.ProgramPerformanceOption, cfg.Source)

	cfg = Config{Store: store.NewMemoryStore(), Decay: d("1.5")}
	assert.Error(t, cfg.Validate())
}

func TestCalculateWeights(t *testing.T) {
	dist, st := newDistributor(t)
	ctx := context.Background()

	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-01",
		[]model.ContributionMetric{perf("alice", 1), perf("bob", 3)}))

	ws, err := dist.CalculateWeights(ctx, "2025-01")
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.True(t, d("0.25").Equal(weightOf(ws, "alice")))
	assert.True(t, d("0.75").Equal(weightOf(ws, "bob")))

	// Recalculating the same period does not compound.
	again, err := dist.CalculateWeights(ctx, "2025-01")
	require.NoError(t, err)
	require.Len(t, again, 2)
	for _, w := range ws {
		assert.True(t, w.Weight.Equal(weightOf(again, w.UserID)), w.UserID)
	}

	raw, err := st.GetDividendWeights(ctx)
	require.NoError(t, err)
	for _, w := range raw {
		assert.True(t, w.PrevWeight.IsZero())
		assert.Equal(t, "2025-01", w.PeriodID)
	}

	// Next period: bob is inactive and only decays.
	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-02",
		[]model.ContributionMetric{perf("alice", 1)}))
	ws, err = dist.CalculateWeights(ctx, "2025-02")
	require.NoError(t, err)

	// alice 0.9×0.1 + 0.4 = 0.49, bob 0.9×0.3 = 0.27
	alice, _ := weightOf(ws, "alice").Float64()
	bob, _ := weightOf(ws, "bob").Float64()
	assert.InDelta(t, 0.49/0.76, alice, 1e-9)
	assert.InDelta(t, 0.27/0.76, bob, 1e-9)
}

func TestCalculateWeights_EarlierPeriodRejected(t *testing.T) {
	dist, st := newDistributor(t)
	ctx := context.Background()

	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-01",
		[]model.ContributionMetric{perf("alice", 1), perf("bob", 3)}))
	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-02",
		[]model.ContributionMetric{perf("alice", 1)}))

	_, err := dist.CalculateWeights(ctx, "2025-01")
	require.NoError(t, err)
	want, err := dist.CalculateWeights(ctx, "2025-02")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = dist.CalculateWeights(ctx, "2025-01")
		assert.ErrorIs(t, err, ErrPeriodSuperseded)
	}

	got, err := dist.Weights(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for _, w := range want {
		assert.True(t, w.Weight.Equal(weightOf(got, w.UserID)), w.UserID)
	}

	// The latest period can still be recalculated.
	again, err := dist.CalculateWeights(ctx, "2025-02")
	require.NoError(t, err)
	for _, w := range want {
		assert.True(t, w.Weight.Equal(weightOf(again, w.UserID)), w.UserID)
	}
}

func TestCalculateWeights_InvalidPeriod(t *testing.T) {
	dist, _ := newDistributor(t)
	_, err := dist.CalculateWeights(context.Background(), "2025-02-01")
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)
}

func TestCalculateWeights_InvalidMetric(t *testing.T) {
	dist, st := newDistributor(t)
	ctx := context.Background()

	bad := perf("alice", 1)
	bad.Values[scoring.MetricRevenue] = math.NaN()
	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-01", []model.ContributionMetric{bad}))

	_, err := dist.CalculateWeights(ctx, "2025-01")
	assert.ErrorIs(t, err, scoring.ErrInvalidMetric)

	raw, err := st.GetDividendWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestDistribute(t *testing.T) {
	dist, st := newDistributor(t)
	ctx := context.Background()

	require.NoError(t, st.PutMetrics(ctx, model.ProgramPerformanceOption, "2025-01",
		[]model.ContributionMetric{perf("alice", 1), perf("bob", 3)}))
	_, err := dist.CalculateWeights(ctx, "2025-01")
	require.NoError(t, err)

	_, err = dist.Distribute(ctx, "2025-01", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPool)

	rec, err := dist.Distribute(ctx, "2025-01", d("100"))
	require.NoError(t, err)
	require.Len(t, rec.Recipients, 2)
	assert.Equal(t, "bob", rec.Recipients[0].UserID)
	assert.True(t, d("75").Equal(rec.Recipients[0].Amount))
	assert.True(t, d("25").Equal(rec.Recipients[1].Amount))
	assert.True(t, d("100").Equal(rec.DistributedAmount))

	// A second call returns the committed payouts and pays nothing.
	again, err := dist.Distribute(ctx, "2025-01", d("500"))
	require.NoError(t, err)
	assert.True(t, d("100").Equal(again.TotalPool))
	assert.Equal(t, rec.LedgerTxID, again.LedgerTxID)

	w, err := st.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, d("25").Equal(w.Balances[model.CurrencyCash]))

	got, err := dist.Get(ctx, "2025-01")
	require.NoError(t, err)
	assert.Len(t, got.Recipients, 2)
}

func TestDistribute_NoWeights(t *testing.T) {
	dist, _ := newDistributor(t)

	rec, err := dist.Distribute(context.Background(), "2025-01", d("10"))
	require.NoError(t, err)
	assert.Empty(t, rec.Recipients)
	assert.True(t, rec.DistributedAmount.IsZero())
}
