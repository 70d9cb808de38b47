// Package allocation splits a fixed pool among participants in proportion to
// their scores.
//
//	amount_i = floor_scale(score_i × pool / Σ score)
//
// Shares that fall below the policy thresholds are not paid and not
// redistributed, and rounding remainders stay in the pool, so the committed
// total never exceeds the pool.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultScale is the smallest payable unit (0.01).
const DefaultScale int32 = 2

// Policy holds the eligibility thresholds for one distribution.
type Policy struct {
	// MinScore excludes recipients whose score is below it. Excluded scores
	// still count towards the total, so their share is not redistributed.
	MinScore decimal.Decimal `json:"min_score"`

	// MinPayout drops rounded payouts below it (dust).
	MinPayout decimal.Decimal `json:"min_payout"`

	// Scale is the number of decimal places of the payable unit.
	Scale int32 `json:"scale"`
}

// Share is one participant's score going into an allocation.
type Share struct {
	UserID string          `json:"user_id"`
	Score  decimal.Decimal `json:"score"`
}

// Payout is one participant's allocated amount.
type Payout struct {
	UserID string          `json:"user_id"`
	Score  decimal.Decimal `json:"score"`
	Amount decimal.Decimal `json:"amount"`
}

// Result is the outcome of an allocation.
type Result struct {
	Payouts       []Payout        `json:"payouts"`
	TotalScore    decimal.Decimal `json:"total_score"`
	Distributed   decimal.Decimal `json:"distributed"`
	Undistributed decimal.Decimal `json:"undistributed"`
}

// Allocate computes each share of pool. It is pure and deterministic: payouts
// are ordered by score descending, then user id.
func Allocate(pool decimal.Decimal, shares []Share, policy Policy) Result {
	res := Result{
		Payouts:       []Payout{},
		TotalScore:    decimal.Zero,
		Distributed:   decimal.Zero,
		Undistributed: decimal.Max(pool, decimal.Zero),
	}

	for _, s := range shares {
		if s.Score.IsPositive() {
			res.TotalScore = res.TotalScore.Add(s.Score)
		}
	}
	if !pool.IsPositive() || !res.TotalScore.IsPositive() {
		return res
	}

	for _, s := range shares {
		if !s.Score.IsPositive() || s.Score.LessThan(policy.MinScore) {
			continue
		}
		amount := s.Score.Mul(pool).Div(res.TotalScore).RoundFloor(policy.Scale)
		if !amount.IsPositive() || amount.LessThan(policy.MinPayout) {
			continue
		}
		res.Payouts = append(res.Payouts, Payout{UserID: s.UserID, Score: s.Score, Amount: amount})
		res.Distributed = res.Distributed.Add(amount)
	}

	sort.SliceStable(res.Payouts, func(i, j int) bool {
		a, b := res.Payouts[i], res.Payouts[j]
		if c := a.Score.Cmp(b.Score); c != 0 {
			return c > 0
		}
		return a.UserID < b.UserID
	})

	res.trimToPool(pool, policy)
	res.Undistributed = pool.Sub(res.Distributed)
	return res
}

// trimToPool removes one payable unit at a time from the smallest payouts
// until the total fits the pool. Division rounding can only overshoot by a
// few units, so this normally does nothing.
func (r *Result) trimToPool(pool decimal.Decimal, policy Policy) {
	unit := decimal.New(1, -policy.Scale)
	for i := len(r.Payouts) - 1; r.Distributed.GreaterThan(pool) && i >= 0; {
		p := &r.Payouts[i]
		p.Amount = p.Amount.Sub(unit)
		r.Distributed = r.Distributed.Sub(unit)
		if !p.Amount.IsPositive() || p.Amount.LessThan(policy.MinPayout) {
			r.Distributed = r.Distributed.Sub(p.Amount)
			r.Payouts = append(r.Payouts[:i], r.Payouts[i+1:]...)
		}
		i--
		if i < 0 {
			i = len(r.Payouts) - 1
		}
	}
}
