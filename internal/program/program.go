// Package program is the registry of distribution programs: which weight
// table scores a program, how often it settles, what share of net income it
// pays out and in what form.
package program

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/allocation"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/scoring"
)

var (
	ErrUnknownProgram = errors.New("program: unknown program")
	ErrInvalidProgram = errors.New("program: invalid program configuration")
)

// PayoutKind selects how recipients are paid.
type PayoutKind string

const (
	// PayoutWallet credits the program currency directly.
	PayoutWallet PayoutKind = "wallet"
	// PayoutOptions issues vesting option grants on the equity token.
	PayoutOptions PayoutKind = "options"
)

// Program is one distribution scheme.
type Program struct {
	ID                model.ProgramID     `json:"id"`
	Weights           scoring.WeightTable `json:"weights"`
	Cadence           string              `json:"cadence"`
	DistributionRatio decimal.Decimal     `json:"distribution_ratio"`
	Policy            allocation.Policy   `json:"policy"`
	Payout            PayoutKind          `json:"payout"`
	Currency          model.Currency      `json:"currency,omitempty"`
	StrikeDiscount    decimal.Decimal     `json:"strike_discount,omitempty"`
	VestingDays       int                 `json:"vesting_days,omitempty"`
	AutoSettle        bool                `json:"auto_settle"`
}

// Validate checks the program is internally consistent.
func (p Program) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidProgram, p.ID, err)
	}
	if !period.ValidCadence(p.Cadence) {
		return fmt.Errorf("%w: %s: cadence %q", ErrInvalidProgram, p.ID, p.Cadence)
	}
	if !p.DistributionRatio.IsPositive() || p.DistributionRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s: distribution ratio %s not in (0, 1]", ErrInvalidProgram, p.ID, p.DistributionRatio)
	}
	if p.Policy.MinScore.IsNegative() || p.Policy.MinPayout.IsNegative() {
		return fmt.Errorf("%w: %s: negative thresholds", ErrInvalidProgram, p.ID)
	}
	switch p.Payout {
	case PayoutWallet:
		if p.Currency == "" {
			return fmt.Errorf("%w: %s: wallet payout needs a currency", ErrInvalidProgram, p.ID)
		}
	case PayoutOptions:
		if !p.StrikeDiscount.IsPositive() || p.StrikeDiscount.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: %s: strike discount %s not in (0, 1]", ErrInvalidProgram, p.ID, p.StrikeDiscount)
		}
		if p.VestingDays <= 0 {
			return fmt.Errorf("%w: %s: vesting days must be positive", ErrInvalidProgram, p.ID)
		}
	default:
		return fmt.Errorf("%w: %s: payout kind %q", ErrInvalidProgram, p.ID, p.Payout)
	}
	return nil
}

// DailyReward pays 40% of daily net income as reward tokens.
func DailyReward() Program {
	return Program{
		ID:                model.ProgramDailyReward,
		Weights:           scoring.DailyRewardV1,
		Cadence:           period.CadenceDaily,
		DistributionRatio: decimal.RequireFromString("0.40"),
		Policy: allocation.Policy{
			MinScore:  decimal.Zero,
			MinPayout: decimal.RequireFromString("0.01"),
			Scale:     allocation.DefaultScale,
		},
		Payout:     PayoutWallet,
		Currency:   model.CurrencyReward,
		AutoSettle: true,
	}
}

// PerformanceOption grants 40% of monthly net income as equity options
// struck at 95% of the market price, vesting linearly over a year.
func PerformanceOption() Program {
	return Program{
		ID:                model.ProgramPerformanceOption,
		Weights:           scoring.PerformanceOptionV1,
		Cadence:           period.CadenceMonthly,
		DistributionRatio: decimal.RequireFromString("0.40"),
		Policy: allocation.Policy{
			MinScore:  decimal.Zero,
			MinPayout: decimal.RequireFromString("0.01"),
			Scale:     allocation.DefaultScale,
		},
		Payout:         PayoutOptions,
		StrikeDiscount: decimal.RequireFromString("0.95"),
		VestingDays:    365,
		AutoSettle:     true,
	}
}

// Registry holds the configured programs.
type Registry struct {
	programs map[model.ProgramID]Program
}

// NewRegistry validates and indexes programs.
func NewRegistry(programs ...Program) (*Registry, error) {
	r := &Registry{programs: make(map[model.ProgramID]Program, len(programs))}
	for _, p := range programs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.programs[p.ID] = p
	}
	return r, nil
}

// Default returns the built-in programs.
func Default() *Registry {
	r, err := NewRegistry(DailyReward(), PerformanceOption())
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns a program by id.
func (r *Registry) Get(id model.ProgramID) (Program, error) {
	p, ok := r.programs[id]
	if !ok {
		return Program{}, fmt.Errorf("%w: %q", ErrUnknownProgram, id)
	}
	return p, nil
}

// All returns every program ordered by id.
func (r *Registry) All() []Program {
	out := make([]Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Overrides is the TOML tuning file. Decimals are written as strings:
//
//	[programs.daily_reward]
//	distribution_ratio = "0.40"
//	min_payout = "0.01"
//
//	[programs.performance_option]
//	strike_discount = "0.95"
//	vesting_days = 365
type Overrides struct {
	Programs map[string]ProgramOverride `toml:"programs"`
}

// ProgramOverride replaces the fields that are set.
type ProgramOverride struct {
	Cadence           *string          `toml:"cadence"`
	DistributionRatio *decimal.Decimal `toml:"distribution_ratio"`
	MinScore          *decimal.Decimal `toml:"min_score"`
	MinPayout         *decimal.Decimal `toml:"min_payout"`
	StrikeDiscount    *decimal.Decimal `toml:"strike_discount"`
	VestingDays       *int             `toml:"vesting_days"`
	AutoSettle        *bool            `toml:"auto_settle"`
}

func (o ProgramOverride) apply(p Program) Program {
	if o.Cadence != nil {
		p.Cadence = *o.Cadence
	}
	if o.DistributionRatio != nil {
		p.DistributionRatio = *o.DistributionRatio
	}
	if o.MinScore != nil {
		p.Policy.MinScore = *o.MinScore
	}
	if o.MinPayout != nil {
		p.Policy.MinPayout = *o.MinPayout
	}
	if o.StrikeDiscount != nil {
		p.StrikeDiscount = *o.StrikeDiscount
	}
	if o.VestingDays != nil {
		p.VestingDays = *o.VestingDays
	}
	if o.AutoSettle != nil {
		p.AutoSettle = *o.AutoSettle
	}
	return p
}

// Load returns the default programs with the overrides in path applied. An
// empty path yields the defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	var ov Overrides
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return nil, fmt.Errorf("read programs file %s: %w", path, err)
	}
	return applyOverrides(ov)
}

// Parse is Load for an in-memory TOML document.
func Parse(doc string) (*Registry, error) {
	var ov Overrides
	if _, err := toml.Decode(doc, &ov); err != nil {
		return nil, fmt.Errorf("parse programs: %w", err)
	}
	return applyOverrides(ov)
}

func applyOverrides(ov Overrides) (*Registry, error) {
	base := Default()
	programs := make([]Program, 0, len(base.programs))
	for name := range ov.Programs {
		if _, ok := base.programs[model.ProgramID(name)]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
		}
	}
	for _, p := range base.All() {
		if o, ok := ov.Programs[string(p.ID)]; ok {
			p = o.apply(p)
		}
		programs = append(programs, p)
	}
	return NewRegistry(programs...)
}
