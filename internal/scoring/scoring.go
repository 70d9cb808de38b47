// Package scoring turns raw per-user activity metrics into a weighted
// contribution score.
//
// Each program has a fixed, versioned weight table whose weights sum to 1.0:
//
//	score = Σ metric_i × weight_i
//
// Tables are relative: before weighting, each metric is converted into the
// participant's share of the network total for that metric, so the scores of
// all participants in one snapshot sum to 1.0 (when every total is positive).
//
// Scores are decimals. Inputs arrive as float64 from the activity collectors
// and are validated (no NaN/Inf, no missing metric) before conversion.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Metric names.
const (
	MetricGameCoins           = "game_coins"
	MetricComputingPower      = "computing_power"
	MetricTransactionActivity = "transaction_activity"

	MetricRevenue     = "revenue"
	MetricReferrals   = "referrals"
	MetricDevelopment = "development"
	MetricManagement  = "management"
	MetricMarketing   = "marketing"
)

var (
	// ErrInvalidMetric is returned for NaN, infinite or missing metric values.
	ErrInvalidMetric = errors.New("scoring: invalid metric")

	// ErrInvalidWeights is returned when a weight table does not sum to 1.
	ErrInvalidWeights = errors.New("scoring: weights must be non-negative and sum to 1")
)

// InvalidMetricError identifies the offending participant and metric.
// It matches ErrInvalidMetric with errors.Is.
type InvalidMetricError struct {
	UserID string
	Metric string
	Reason string
}

func (e *InvalidMetricError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("scoring: invalid metric %s: %s", e.Metric, e.Reason)
	}
	return fmt.Sprintf("scoring: invalid metric %s for user %s: %s", e.Metric, e.UserID, e.Reason)
}

func (e *InvalidMetricError) Is(target error) bool {
	return target == ErrInvalidMetric
}

// Weight is one metric's share of the score.
type Weight struct {
	Metric string          `json:"metric"`
	Weight decimal.Decimal `json:"weight"`
}

// WeightTable is an immutable, versioned weight set for one program.
type WeightTable struct {
	Program model.ProgramID `json:"program"`
	Version string          `json:"version"`
	Weights []Weight        `json:"weights"`
}

// VersionTag identifies the table on settled records.
func (t WeightTable) VersionTag() string {
	return string(t.Program) + "/" + t.Version
}

// Metrics returns the metric names of the table in order.
func (t WeightTable) Metrics() []string {
	out := make([]string, len(t.Weights))
	for i, w := range t.Weights {
		out[i] = w.Metric
	}
	return out
}

// Validate checks the weights are non-negative and sum to exactly 1.
func (t WeightTable) Validate() error {
	sum := decimal.Zero
	for _, w := range t.Weights {
		if w.Weight.IsNegative() {
			return fmt.Errorf("%w: %s has %s", ErrInvalidWeights, w.Metric, w.Weight)
		}
		sum = sum.Add(w.Weight)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s sums to %s", ErrInvalidWeights, t.VersionTag(), sum)
	}
	return nil
}

func w(metric, weight string) Weight {
	return Weight{Metric: metric, Weight: decimal.RequireFromString(weight)}
}

var (
	// DailyRewardV1 weighs game coins, computing power and transaction activity.
	DailyRewardV1 = WeightTable{
		Program: model.ProgramDailyReward,
		Version: "v1",
		Weights: []Weight{
			w(MetricGameCoins, "0.5"),
			w(MetricComputingPower, "0.3"),
			w(MetricTransactionActivity, "0.2"),
		},
	}

	// PerformanceOptionV1 weighs revenue, referrals and team contributions.
	PerformanceOptionV1 = WeightTable{
		Program: model.ProgramPerformanceOption,
		Version: "v1",
		Weights: []Weight{
			w(MetricRevenue, "0.4"),
			w(MetricReferrals, "0.2"),
			w(MetricDevelopment, "0.15"),
			w(MetricManagement, "0.15"),
			w(MetricMarketing, "0.1"),
		},
	}
)

// TableFor returns the current weight table of a program.
func TableFor(program model.ProgramID) (WeightTable, bool) {
	switch program {
	case model.ProgramDailyReward:
		return DailyRewardV1, true
	case model.ProgramPerformanceOption:
		return PerformanceOptionV1, true
	}
	return WeightTable{}, false
}

// toDecimal validates one raw metric value. Negative values clamp to zero.
func toDecimal(userID, metric string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) {
		return decimal.Zero, &InvalidMetricError{UserID: userID, Metric: metric, Reason: "NaN"}
	}
	if math.IsInf(v, 0) {
		return decimal.Zero, &InvalidMetricError{UserID: userID, Metric: metric, Reason: "infinite"}
	}
	if v < 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(v), nil
}

// values extracts the table's metrics from a raw record.
func values(userID string, raw map[string]float64, table WeightTable) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(table.Weights))
	for _, wt := range table.Weights {
		v, ok := raw[wt.Metric]
		if !ok {
			return nil, &InvalidMetricError{UserID: userID, Metric: wt.Metric, Reason: "missing"}
		}
		dv, err := toDecimal(userID, wt.Metric, v)
		if err != nil {
			return nil, err
		}
		out[wt.Metric] = dv
	}
	return out, nil
}

// Compute returns Σ value × weight for one set of raw metrics. Pure; the
// result is always finite and non-negative.
func Compute(raw map[string]float64, table WeightTable) (decimal.Decimal, error) {
	vals, err := values("", raw, table)
	if err != nil {
		return decimal.Zero, err
	}
	score := decimal.Zero
	for _, wt := range table.Weights {
		score = score.Add(vals[wt.Metric].Mul(wt.Weight))
	}
	return score, nil
}

// Scored is one participant's computed score.
type Scored struct {
	UserID string          `json:"user_id"`
	Score  decimal.Decimal `json:"score"`
}

// ScoreAll scores a whole snapshot relative to the network totals. Any
// invalid record aborts the run: a corrupt record must never be silently
// zeroed. Duplicate user records are summed. Output is ordered by user id.
func ScoreAll(snapshot []model.ContributionMetric, table WeightTable) ([]Scored, decimal.Decimal, error) {
	perUser := make(map[string]map[string]decimal.Decimal)
	totals := make(map[string]decimal.Decimal, len(table.Weights))

	for _, m := range snapshot {
		if m.UserID == "" {
			return nil, decimal.Zero, &InvalidMetricError{Metric: "user_id", Reason: "missing"}
		}
		vals, err := values(m.UserID, m.Values, table)
		if err != nil {
			return nil, decimal.Zero, err
		}
		acc, ok := perUser[m.UserID]
		if !ok {
			acc = make(map[string]decimal.Decimal, len(vals))
			perUser[m.UserID] = acc
		}
		for k, v := range vals {
			acc[k] = acc[k].Add(v)
			totals[k] = totals[k].Add(v)
		}
	}

	users := make([]string, 0, len(perUser))
	for u := range perUser {
		users = append(users, u)
	}
	sort.Strings(users)

	out := make([]Scored, 0, len(users))
	total := decimal.Zero
	for _, u := range users {
		score := decimal.Zero
		for _, wt := range table.Weights {
			t := totals[wt.Metric]
			if !t.IsPositive() {
				continue
			}
			score = score.Add(perUser[u][wt.Metric].Div(t).Mul(wt.Weight))
		}
		out = append(out, Scored{UserID: u, Score: score})
		total = total.Add(score)
	}
	return out, total, nil
}
