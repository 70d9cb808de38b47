// Package model defines the core domain types shared across the settlement engine.
// All monetary and token values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ProgramID names a distribution scheme.
type ProgramID string

const (
	// ProgramDailyReward pays the fixed-rate reward token from a daily pool.
	ProgramDailyReward ProgramID = "daily_reward"
	// ProgramPerformanceOption grants equity-token options from a performance pool.
	ProgramPerformanceOption ProgramID = "performance_option"
)

// SettlementStatus is the state of one (program, period) settlement.
type SettlementStatus string

const (
	StatusInsufficientIncome SettlementStatus = "insufficient_income"
	StatusReady              SettlementStatus = "ready"
	StatusProcessing         SettlementStatus = "processing"
	StatusCompleted          SettlementStatus = "completed"
	StatusFailed             SettlementStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not part of the
// settlement state machine.
var ErrInvalidTransition = errors.New("model: invalid settlement status transition")

// transitions lists every allowed edge. completed has no outgoing edges.
var transitions = map[SettlementStatus][]SettlementStatus{
	StatusInsufficientIncome: {StatusReady},
	StatusReady:              {StatusProcessing, StatusInsufficientIncome},
	StatusProcessing:         {StatusCompleted, StatusFailed},
	StatusFailed:             {StatusReady},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to SettlementStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContributionMetric is one participant's raw activity for a period, as
// produced by the external activity collectors. Values are keyed by metric
// name (see scoring weight tables).
type ContributionMetric struct {
	Program  ProgramID          `json:"program"`
	PeriodID string             `json:"period_id"`
	UserID   string             `json:"user_id"`
	Values   map[string]float64 `json:"values"`
}

// Recipient is one participant's line in a settlement.
type Recipient struct {
	UserID string          `json:"user_id"`
	Score  decimal.Decimal `json:"score"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementRecord tracks the settlement of one program for one period.
// Exactly one record exists per (Program, PeriodID).
type SettlementRecord struct {
	ID                     string           `json:"id" db:"id"`
	Program                ProgramID        `json:"program" db:"program"`
	PeriodID               string           `json:"period_id" db:"period_id"`
	NetIncome              decimal.Decimal  `json:"net_income" db:"net_income"`
	DistributionPool       decimal.Decimal  `json:"distribution_pool" db:"distribution_pool"`
	TotalContributionScore decimal.Decimal  `json:"total_contribution_score" db:"total_contribution_score"`
	Status                 SettlementStatus `json:"status" db:"status"`
	Recipients             []Recipient      `json:"recipients" db:"recipients"`
	WeightVersion          string           `json:"weight_version" db:"weight_version"`
	LedgerTxID             string           `json:"ledger_tx_id,omitempty" db:"ledger_tx_id"`
	Attempts               int              `json:"attempts" db:"attempts"`
	LastError              string           `json:"last_error,omitempty" db:"last_error"`
	ProcessingStartedAt    *time.Time       `json:"processing_started_at,omitempty" db:"processing_started_at"`
	SettledAt              *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt              time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at" db:"updated_at"`
	Version                int64            `json:"version" db:"version"`
}

// Transition moves the record to a new status, validating the edge.
func (r *SettlementRecord) Transition(to SettlementStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so stores never share slices with callers.
func (r *SettlementRecord) Clone() *SettlementRecord {
	c := *r
	if r.Recipients != nil {
		c.Recipients = append([]Recipient(nil), r.Recipients...)
	}
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// OptionGrant is a vesting grant of equity-token options to one user.
// Grants are never deleted; they are only marked fully vested/exercised.
type OptionGrant struct {
	ID                 string          `json:"id" db:"id"`
	UserID             string          `json:"user_id" db:"user_id"`
	Program            ProgramID       `json:"program" db:"program"`
	PeriodID           string          `json:"period_id,omitempty" db:"period_id"`
	Amount             decimal.Decimal `json:"amount" db:"amount"`
	StrikePrice        decimal.Decimal `json:"strike_price" db:"strike_price"`
	MarketPriceAtGrant decimal.Decimal `json:"market_price_at_grant" db:"market_price_at_grant"`
	Discount           decimal.Decimal `json:"discount" db:"discount"`
	GrantDate          time.Time       `json:"grant_date" db:"grant_date"`
	VestingPeriodDays  int             `json:"vesting_period_days" db:"vesting_period_days"`
	VestedAmount       decimal.Decimal `json:"vested_amount" db:"vested_amount"`
	ExercisedAmount    decimal.Decimal `json:"exercised_amount" db:"exercised_amount"`
	FullyVested        bool            `json:"is_fully_vested" db:"fully_vested"`
	FullyExercised     bool            `json:"is_fully_exercised" db:"fully_exercised"`
	Version            int64           `json:"version" db:"version"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Exercisable is the vested amount not yet exercised.
func (g *OptionGrant) Exercisable() decimal.Decimal {
	return g.VestedAmount.Sub(g.ExercisedAmount)
}

// GrantUpdate is an optimistic update of a grant's mutable fields. The store
// applies it only if the grant is still at ExpectedVersion.
type GrantUpdate struct {
	GrantID         string          `json:"grant_id"`
	ExpectedVersion int64           `json:"expected_version"`
	VestedAmount    decimal.Decimal `json:"vested_amount"`
	ExercisedAmount decimal.Decimal `json:"exercised_amount"`
	FullyVested     bool            `json:"is_fully_vested"`
	FullyExercised  bool            `json:"is_fully_exercised"`
}

// ExerciseLeg is the part of an exercise consumed from one grant.
type ExerciseLeg struct {
	GrantID     string          `json:"grant_id"`
	Amount      decimal.Decimal `json:"amount"`
	StrikePrice decimal.Decimal `json:"strike_price"`
	Profit      decimal.Decimal `json:"profit"`
}

// ExerciseRecord is the immutable audit trail of one exercise call.
type ExerciseRecord struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	MarketPrice decimal.Decimal `json:"market_price" db:"market_price"`
	Profit      decimal.Decimal `json:"profit" db:"profit"`
	LedgerTxID  string          `json:"ledger_tx_id" db:"ledger_tx_id"`
	Legs        []ExerciseLeg   `json:"legs" db:"legs"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DividendWeight is a user's running historical contribution weight.
// PrevWeight is the weight before PeriodID was applied, so recalculating the
// same period starts from the same base.
type DividendWeight struct {
	UserID     string          `json:"user_id" db:"user_id"`
	Weight     decimal.Decimal `json:"weight" db:"weight"`
	PrevWeight decimal.Decimal `json:"prev_weight" db:"prev_weight"`
	PeriodID   string          `json:"period_id" db:"period_id"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// DividendRecipient is one line of a dividend distribution.
type DividendRecipient struct {
	UserID string          `json:"user_id"`
	Weight decimal.Decimal `json:"weight"`
	Amount decimal.Decimal `json:"amount"`
}

// DividendRecord is the committed distribution of one cash pool.
type DividendRecord struct {
	PeriodID          string              `json:"period_id" db:"period_id"`
	TotalPool         decimal.Decimal     `json:"total_pool" db:"total_pool"`
	DistributedAmount decimal.Decimal     `json:"distributed_amount" db:"distributed_amount"`
	Recipients        []DividendRecipient `json:"recipients" db:"recipients"`
	LedgerTxID        string              `json:"ledger_tx_id,omitempty" db:"ledger_tx_id"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
}
