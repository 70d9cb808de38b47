package scoring

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func metric(user string, coins, computing, tx float64) model.ContributionMetric {
	return model.ContributionMetric{
		Program: model.ProgramDailyReward,
		UserID:  user,
		Values: map[string]float64{
			MetricGameCoins:           coins,
			MetricComputingPower:      computing,
			MetricTransactionActivity: tx,
		},
	}
}

func TestWeightTables_Validate(t *testing.T) {
	require.NoError(t, DailyRewardV1.Validate())
	require.NoError(t, PerformanceOptionV1.Validate())

	bad := WeightTable{Program: "x", Version: "v0", Weights: []Weight{w("a", "0.5"), w("b", "0.4")}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidWeights)
}

func TestTableFor(t *testing.T) {
	tbl, ok := TableFor(model.ProgramPerformanceOption)
	require.True(t, ok)
	assert.Equal(t, "performance_option/v1", tbl.VersionTag())
	assert.Equal(t, []string{MetricRevenue, MetricReferrals, MetricDevelopment, MetricManagement, MetricMarketing}, tbl.Metrics())

	_, ok = TableFor("unknown")
	assert.False(t, ok)
}

func TestCompute_WeightedSum(t *testing.T) {
	score, err := Compute(map[string]float64{
		MetricGameCoins:           10,
		MetricComputingPower:      20,
		MetricTransactionActivity: 5,
	}, DailyRewardV1)
	require.NoError(t, err)
	// 10*0.5 + 20*0.3 + 5*0.2 = 12
	assert.True(t, score.Equal(d("12")), "got %s", score)
}

func TestCompute_ClampsNegative(t *testing.T) {
	score, err := Compute(map[string]float64{
		MetricGameCoins:           -100,
		MetricComputingPower:      10,
		MetricTransactionActivity: 0,
	}, DailyRewardV1)
	require.NoError(t, err)
	assert.True(t, score.Equal(d("3")), "got %s", score)
}

func TestCompute_InvalidInputs(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]float64
	}{
		{"nan", map[string]float64{MetricGameCoins: math.NaN(), MetricComputingPower: 1, MetricTransactionActivity: 1}},
		{"inf", map[string]float64{MetricGameCoins: 1, MetricComputingPower: math.Inf(1), MetricTransactionActivity: 1}},
		{"missing", map[string]float64{MetricGameCoins: 1, MetricComputingPower: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.raw, DailyRewardV1)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMetric)
		})
	}
}

func TestScoreAll_NetworkShares(t *testing.T) {
	// Network totals: 2000 coins, 200 computing, 1000 tx.
	snapshot := []model.ContributionMetric{
		metric("alice", 50, 10, 50),
		metric("bob", 1950, 190, 950),
	}

	scores, total, err := ScoreAll(snapshot, DailyRewardV1)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	// alice = (50/2000)*0.5 + (10/200)*0.3 + (50/1000)*0.2
	assert.Equal(t, "alice", scores[0].UserID)
	assert.True(t, scores[0].Score.Equal(d("0.0375")), "alice score %s", scores[0].Score)
	assert.True(t, total.Equal(d("1")), "network total %s", total)
}

func TestScoreAll_ZeroTotalsGiveZeroScore(t *testing.T) {
	scores, total, err := ScoreAll([]model.ContributionMetric{
		metric("alice", 0, 0, 0),
		metric("bob", 0, 0, 0),
	}, DailyRewardV1)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	for _, s := range scores {
		assert.True(t, s.Score.IsZero())
	}
}

func TestScoreAll_AbortsOnCorruptRecord(t *testing.T) {
	_, _, err := ScoreAll([]model.ContributionMetric{
		metric("alice", 10, 1, 1),
		metric("mallory", math.NaN(), 1, 1),
	}, DailyRewardV1)

	var ime *InvalidMetricError
	require.True(t, errors.As(err, &ime))
	assert.Equal(t, "mallory", ime.UserID)
	assert.Equal(t, MetricGameCoins, ime.Metric)
}

func TestScoreAll_MergesDuplicateUsers(t *testing.T) {
	scores, _, err := ScoreAll([]model.ContributionMetric{
		metric("alice", 10, 10, 10),
		metric("alice", 10, 10, 10),
		metric("bob", 20, 20, 20),
	}, DailyRewardV1)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.True(t, scores[0].Score.Equal(scores[1].Score))
}

func TestScoreAll_EmptySnapshot(t *testing.T) {
	scores, total, err := ScoreAll(nil, DailyRewardV1)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.True(t, total.IsZero())
}
