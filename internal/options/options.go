// Package options manages equity-token option grants: linear vesting and
// exercise against vested, unexercised amounts.
//
// Balances follow the grant lifecycle. A grant credits OPTION_LOCKED, vesting
// moves units to OPTION_VESTED, and exercise converts OPTION_VESTED into
// EQUITY while settling the strike difference in CASH.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrInsufficientVestedOptions = errors.New("options: insufficient vested options")
	ErrInvalidAmount             = errors.New("options: amount must be positive")
	ErrInvalidGrant              = errors.New("options: invalid grant")
)

// Scale is the smallest option unit (0.01).
const Scale int32 = 2

const day = 24 * time.Hour

// Store is the persistence the ledger needs.
type Store interface {
	store.OptionStore
	store.WalletStore
}

// VestedAmount is the linearly vested part of a grant at now, measured in
// fractional days and floored to Scale. It never goes below the vested
// amount already recorded on the grant.
func VestedAmount(g model.OptionGrant, now time.Time) decimal.Decimal {
	v := decimal.Zero
	vesting := time.Duration(g.VestingPeriodDays) * day
	elapsed := now.Sub(g.GrantDate)
	switch {
	case vesting <= 0 || elapsed >= vesting:
		v = g.Amount
	case elapsed > 0:
		frac := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(vesting)))
		v = g.Amount.Mul(frac).RoundFloor(Scale)
	}
	return decimal.Min(decimal.Max(v, g.VestedAmount), g.Amount)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    Store
	Locker   lock.Locker
	Oracle   pricing.Oracle
	Notifier model.Notifier
}

func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewKeyedMutex()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = model.NopNotifier{}
	}
	return nil
}

// Ledger grants, vests and exercises options.
type Ledger struct {
	log *slog.Logger
	cfg Config
}

func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// GrantRequest describes a standalone grant.
type GrantRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	MarketPrice decimal.Decimal `json:"market_price"`
	Discount    decimal.Decimal `json:"discount"`
	VestingDays int             `json:"vesting_days"`
	Program     model.ProgramID `json:"program"`
	PeriodID    string          `json:"period_id"`
}

func (r GrantRequest) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidGrant)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidGrant)
	case !r.MarketPrice.IsPositive():
		return fmt.Errorf("%w: market price must be positive", ErrInvalidGrant)
	case !r.Discount.IsPositive() || r.Discount.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: discount must be in (0, 1]", ErrInvalidGrant)
	case r.VestingDays <= 0:
		return fmt.Errorf("%w: vesting days must be positive", ErrInvalidGrant)
	}
	return nil
}

// Grant issues one grant outside a settlement run. A zero market price is
// taken from the oracle.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*model.OptionGrant, error) {
	if req.MarketPrice.IsZero() && l.cfg.Oracle != nil {
		price, err := l.cfg.Oracle.Price(ctx)
		if err != nil {
			return nil, err
		}
		req.MarketPrice = price
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := l.cfg.Clock.Now()
	g := model.OptionGrant{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Program:            req.Program,
		PeriodID:           req.PeriodID,
		Amount:             req.Amount.RoundFloor(Scale),
		StrikePrice:        req.MarketPrice.Mul(req.Discount),
		MarketPriceAtGrant: req.MarketPrice,
		Discount:           req.Discount,
		GrantDate:          now,
		VestingPeriodDays:  req.VestingDays,
		VestedAmount:       decimal.Zero,
		ExercisedAmount:    decimal.Zero,
		UpdatedAt:          now,
	}
	if !g.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount below one unit", ErrInvalidGrant)
	}

	tx := model.NewLedgerTx(model.DeterministicTxID(model.ReasonGrant, g.ID), model.ReasonGrant, now)
	tx.Credit(g.UserID, model.CurrencyOptionLocked, g.Amount)
	if err := l.cfg.Store.CreateGrants(ctx, []model.OptionGrant{g}, tx); err != nil {
		return nil, err
	}
	g.Version = 1
	l.log.Info("options: granted", "user", g.UserID, "grant", g.ID, "amount", g.Amount.String(), "strike", g.StrikePrice.String())
	return &g, nil
}

// TickVesting advances every grant that is not fully vested to its vested
// amount at now. Each user's grants move in one ledger transaction; a user
// whose grants changed concurrently is skipped until the next tick.
func (l *Ledger) TickVesting(ctx context.Context, now time.Time) ([]model.OptionGrant, error) {
	grants, err := l.cfg.Store.ListVestingGrants(ctx)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]model.OptionGrant)
	var users []string
	for _, g := range grants {
		if _, ok := byUser[g.UserID]; !ok {
			users = append(users, g.UserID)
		}
		byUser[g.UserID] = append(byUser[g.UserID], g)
	}

	var updated []model.OptionGrant
	for _, user := range users {
		got, err := l.vestUser(ctx, user, now)
		if errors.Is(err, store.ErrVersionConflict) {
			l.log.Warn("options: vesting conflict, retrying next tick", "user", user)
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("vest %s: %w", user, err)
		}
		updated = append(updated, got...)
	}

	metrics.VestingGrantsUpdated.Add(float64(len(updated)))
	if len(updated) > 0 {
		l.cfg.Notifier.Publish(model.Event{
			Type:      model.EventVestingProcessed,
			Count:     len(updated),
			Timestamp: now,
		})
	}
	return updated, nil
}

func (l *Ledger) vestUser(ctx context.Context, userID string, now time.Time) ([]model.OptionGrant, error) {
	unlock, err := l.cfg.Locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; the listing may be stale.
	grants, err := l.cfg.Store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var updates []model.GrantUpdate
	var changed []model.OptionGrant
	var ids []string
	delta := decimal.Zero
	for _, g := range grants {
		if g.FullyVested {
			continue
		}
		vested := VestedAmount(g, now)
		full := vested.Equal(g.Amount)
		if vested.Equal(g.VestedAmount) && !full {
			continue
		}
		delta = delta.Add(vested.Sub(g.VestedAmount))
		updates = append(updates, model.GrantUpdate{
			GrantID:         g.ID,
			ExpectedVersion: g.Version,
			VestedAmount:    vested,
			ExercisedAmount: g.ExercisedAmount,
			FullyVested:     full,
			FullyExercised:  g.FullyExercised,
		})
		ids = append(ids, g.ID+"@"+strconv.FormatInt(g.Version, 10))

		g.VestedAmount = vested
		g.FullyVested = full
		g.Version++
		g.UpdatedAt = now
		changed = append(changed, g)
	}
	if len(updates) == 0 {
		return nil, nil
	}

	tx := model.NewLedgerTx(model.DeterministicTxID(model.ReasonVesting, strings.Join(ids, ",")), model.ReasonVesting, now)
	tx.Debit(userID, model.CurrencyOptionLocked, delta)
	tx.Credit(userID, model.CurrencyOptionVested, delta)
	if err := l.cfg.Store.CommitVesting(ctx, updates, tx); err != nil {
		return nil, err
	}
	return changed, nil
}

// ExerciseResult is the outcome of one exercise call.
type ExerciseResult struct {
	ExerciseID      string              `json:"exercise_id"`
	UserID          string              `json:"user_id"`
	ExercisedAmount decimal.Decimal     `json:"exercised_amount"`
	MarketPrice     decimal.Decimal     `json:"market_price"`
	Profit          decimal.Decimal     `json:"profit"`
	Legs            []model.ExerciseLeg `json:"legs"`
	LedgerTxID      string              `json:"ledger_tx_id"`
}

// Exercise converts amount vested options into equity tokens at
// marketPrice, consuming grants oldest first. Profit is
// Σ (marketPrice − strike) × units per grant and may be negative. Only a
// positive profit is credited in cash; a loss is recorded on the result and
// the exercise record without touching cash.
func (l *Ledger) Exercise(ctx context.Context, userID string, amount, marketPrice decimal.Decimal) (*ExerciseResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidAmount)
	}
	if !amount.IsPositive() {
		metrics.ExercisesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidAmount
	}
	if !marketPrice.IsPositive() {
		return nil, fmt.Errorf("%w: market price must be positive", pricing.ErrPriceUnavailable)
	}

	unlock, err := l.cfg.Locker.Lock(ctx, userLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	grants, err := l.cfg.Store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, g := range grants {
		if !g.FullyExercised {
			available = available.Add(g.Exercisable())
		}
	}
	if amount.GreaterThan(available) {
		metrics.ExercisesTotal.WithLabelValues("insufficient").Inc()
		return nil, fmt.Errorf("%w: requested %s, exercisable %s", ErrInsufficientVestedOptions, amount, available)
	}

	now := l.cfg.Clock.Now()
	remaining := amount
	profit := decimal.Zero
	var legs []model.ExerciseLeg
	var updates []model.GrantUpdate
	for _, g := range grants {
		if !remaining.IsPositive() {
			break
		}
		free := g.Exercisable()
		if g.FullyExercised || !free.IsPositive() {
			continue
		}
		take := decimal.Min(free, remaining)
		legProfit := marketPrice.Sub(g.StrikePrice).Mul(take)
		legs = append(legs, model.ExerciseLeg{GrantID: g.ID, Amount: take, StrikePrice: g.StrikePrice, Profit: legProfit})
		profit = profit.Add(legProfit)
		remaining = remaining.Sub(take)

		exercised := g.ExercisedAmount.Add(take)
		updates = append(updates, model.GrantUpdate{
			GrantID:         g.ID,
			ExpectedVersion: g.Version,
			VestedAmount:    g.VestedAmount,
			ExercisedAmount: exercised,
			FullyVested:     g.FullyVested,
			FullyExercised:  exercised.Equal(g.Amount),
		})
	}

	exerciseID := uuid.NewString()
	txID := model.DeterministicTxID(model.ReasonExercise, exerciseID)
	tx := model.NewLedgerTx(txID, model.ReasonExercise, now)
	tx.Debit(userID, model.CurrencyOptionVested, amount)
	tx.Credit(userID, model.CurrencyEquity, amount)
	if profit.IsPositive() {
		tx.Credit(userID, model.CurrencyCash, profit)
	}

	rec := &model.ExerciseRecord{
		ID:          exerciseID,
		UserID:      userID,
		Amount:      amount,
		MarketPrice: marketPrice,
		Profit:      profit,
		LedgerTxID:  txID,
		Legs:        legs,
		CreatedAt:   now,
	}
	if err := l.cfg.Store.CommitExercise(ctx, updates, tx, rec); err != nil {
		metrics.ExercisesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.ExercisesTotal.WithLabelValues("ok").Inc()
	l.log.Info("options: exercised", "user", userID, "amount", amount.String(), "price", marketPrice.String(), "profit", profit.String())
	l.cfg.Notifier.Publish(model.Event{
		Type:      model.EventOptionsExercised,
		UserID:    userID,
		Amount:    amount.String(),
		Count:     len(legs),
		Timestamp: now,
	})
	return &ExerciseResult{
		ExerciseID:      exerciseID,
		UserID:          userID,
		ExercisedAmount: amount,
		MarketPrice:     marketPrice,
		Profit:          profit,
		Legs:            legs,
		LedgerTxID:      txID,
	}, nil
}

// ExerciseAtMarket exercises at the oracle's current price.
func (l *Ledger) ExerciseAtMarket(ctx context.Context, userID string, amount decimal.Decimal) (*ExerciseResult, error) {
	if l.cfg.Oracle == nil {
		return nil, pricing.ErrPriceUnavailable
	}
	price, err := l.cfg.Oracle.Price(ctx)
	if err != nil {
		return nil, err
	}
	return l.Exercise(ctx, userID, amount, price)
}

// Holdings summarizes a user's grants.
type Holdings struct {
	UserID      string                 `json:"user_id"`
	Granted     decimal.Decimal        `json:"granted"`
	Vested      decimal.Decimal        `json:"vested"`
	Exercised   decimal.Decimal        `json:"exercised"`
	Exercisable decimal.Decimal        `json:"exercisable"`
	Grants      []model.OptionGrant    `json:"grants"`
	Exercises   []model.ExerciseRecord `json:"exercises"`
}

// Holdings returns a user's grants and exercise history.
func (l *Ledger) Holdings(ctx context.Context, userID string) (*Holdings, error) {
	grants, err := l.cfg.Store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	exercises, err := l.cfg.Store.ListExercisesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	h := &Holdings{
		UserID:      userID,
		Granted:     decimal.Zero,
		Vested:      decimal.Zero,
		Exercised:   decimal.Zero,
		Exercisable: decimal.Zero,
		Grants:      grants,
		Exercises:   exercises,
	}
	if h.Grants == nil {
		h.Grants = []model.OptionGrant{}
	}
	if h.Exercises == nil {
		h.Exercises = []model.ExerciseRecord{}
	}
	for _, g := range grants {
		h.Granted = h.Granted.Add(g.Amount)
		h.Vested = h.Vested.Add(g.VestedAmount)
		h.Exercised = h.Exercised.Add(g.ExercisedAmount)
		h.Exercisable = h.Exercisable.Add(g.Exercisable())
	}
	return h, nil
}

func userLockKey(userID string) string {
	return "options:user:" + userID
}
