// Package dividend distributes cash pools in proportion to each user's
// historical contribution weight.
//
// A user's weight decays every period and grows with the period's score:
//
//	w = decay × w_prev + score
package dividend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/allocation"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/scoring"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrInvalidPool = errors.New("dividend: pool must be positive")
	// ErrPeriodSuperseded rejects recalculating a period once a later
	// period has been folded into the weights.
	ErrPeriodSuperseded = errors.New("dividend: a later period is already applied")
)

// DefaultDecay is the share of last period's weight carried forward.
var DefaultDecay = decimal.RequireFromString("0.9")

// Policy pays any positive weight, dropping payouts below one cent.
var Policy = allocation.Policy{
	MinScore:  decimal.Zero,
	MinPayout: decimal.RequireFromString("0.01"),
	Scale:     allocation.DefaultScale,
}

// Store is the persistence the distributor needs.
type Store interface {
	store.InputStore
	store.DividendStore
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    Store
	Locker   lock.Locker
	Notifier model.Notifier

	// Source is the program whose metrics feed the weights.
	Source model.ProgramID
	// Table scores Source's metrics.
	Table scoring.WeightTable
	// Cadence of the weight periods; defaults to monthly.
	Cadence string
	Decay   decimal.Decimal
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
	if cfg.Source == "" {
		cfg.Source = model.ProgramPerformanceOption
	}
	if len(cfg.Table.Weights) == 0 {
		cfg.Table = scoring.PerformanceOptionV1
	}
	if err := cfg.Table.Validate(); err != nil {
		return err
	}
	if cfg.Cadence == "" {
		cfg.Cadence = period.CadenceMonthly
	}
	if !period.ValidCadence(cfg.Cadence) {
		return fmt.Errorf("%w: %q", period.ErrInvalidCadence, cfg.Cadence)
	}
	if cfg.Decay.IsZero() {
		cfg.Decay = DefaultDecay
	}
	if cfg.Decay.IsNegative() || cfg.Decay.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("decay must be in [0, 1], got %s", cfg.Decay)
	}
	return nil
}

type Distributor struct {
	log *slog.Logger
	cfg Config
}

func NewDistributor(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{log: cfg.Logger, cfg: cfg}, nil
}

// Weight is a user's normalized share of future dividends.
type Weight struct {
	UserID string          `json:"user_id"`
	Weight decimal.Decimal `json:"weight"`
}

// CalculateWeights folds periodID's scores into the running weights and
// returns them normalized to sum to 1. Recalculating the latest applied
// period starts again from the weight held before it, so repeated calls give
// the same result. Periods before the latest applied one are rejected with
// ErrPeriodSuperseded.
func (d *Distributor) CalculateWeights(ctx context.Context, periodID string) ([]Weight, error) {
	per, err := period.Parse(d.cfg.Cadence, periodID)
	if err != nil {
		return nil, err
	}
	unlock, err := d.cfg.Locker.Lock(ctx, "dividend:weights")
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := d.cfg.Store.GetDividendWeights(ctx)
	if err != nil {
		return nil, err
	}
	if last, ok := d.lastApplied(current); ok && per.Start.Before(last.Start) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrPeriodSuperseded, per.ID, last.ID)
	}

	snapshot, err := d.cfg.Store.GetMetricsSnapshot(ctx, d.cfg.Source, per.ID)
	if err != nil {
		return nil, err
	}
	scored, _, err := scoring.ScoreAll(snapshot, d.cfg.Table)
	if err != nil {
		return nil, err
	}
	periodID = per.ID

	now := d.cfg.Clock.Now()
	next := make(map[string]model.DividendWeight, len(current)+len(scored))
	for _, w := range current {
		base := w.Weight
		if w.PeriodID == periodID {
			base = w.PrevWeight
		}
		next[w.UserID] = model.DividendWeight{
			UserID:     w.UserID,
			PrevWeight: base,
			Weight:     base.Mul(d.cfg.Decay),
			PeriodID:   periodID,
			UpdatedAt:  now,
		}
	}
	for _, s := range scored {
		w, ok := next[s.UserID]
		if !ok {
			w = model.DividendWeight{UserID: s.UserID, PrevWeight: decimal.Zero, Weight: decimal.Zero, PeriodID: periodID, UpdatedAt: now}
		}
		w.Weight = w.Weight.Add(s.Score)
		next[s.UserID] = w
	}

	updated := make([]model.DividendWeight, 0, len(next))
	for _, w := range next {
		updated = append(updated, w)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].UserID < updated[j].UserID })
	if err := d.cfg.Store.PutDividendWeights(ctx, updated); err != nil {
		return nil, err
	}

	d.log.Info("dividend: weights updated", "period", periodID, "users", len(updated))
	return normalize(updated), nil
}

// lastApplied returns the latest period folded into the weights.
func (d *Distributor) lastApplied(weights []model.DividendWeight) (period.Period, bool) {
	var last period.Period
	found := false
	for _, w := range weights {
		p, err := period.Parse(d.cfg.Cadence, w.PeriodID)
		if err != nil {
			continue
		}
		if !found || p.Start.After(last.Start) {
			last, found = p, true
		}
	}
	return last, found
}

// Weights returns the current running weights, normalized.
func (d *Distributor) Weights(ctx context.Context) ([]Weight, error) {
	current, err := d.cfg.Store.GetDividendWeights(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(current, func(i, j int) bool { return current[i].UserID < current[j].UserID })
	return normalize(current), nil
}

func normalize(weights []model.DividendWeight) []Weight {
	total := decimal.Zero
	for _, w := range weights {
		if w.Weight.IsPositive() {
			total = total.Add(w.Weight)
		}
	}
	out := make([]Weight, 0, len(weights))
	for _, w := range weights {
		share := decimal.Zero
		if total.IsPositive() && w.Weight.IsPositive() {
			share = w.Weight.Div(total)
		}
		out = append(out, Weight{UserID: w.UserID, Weight: share})
	}
	return out
}

// Distribute pays totalPool in CASH across the current weights. A period is
// paid at most once; distributing it again returns the committed record.
func (d *Distributor) Distribute(ctx context.Context, periodID string, totalPool decimal.Decimal) (*model.DividendRecord, error) {
	if periodID == "" {
		return nil, errors.New("dividend: period id is required")
	}
	if !totalPool.IsPositive() {
		return nil, ErrInvalidPool
	}

	unlock, err := d.cfg.Locker.Lock(ctx, "dividend:"+periodID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if rec, err := d.cfg.Store.GetDividend(ctx, periodID); err == nil {
		d.log.Info("dividend: period already distributed", "period", periodID)
		return rec, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	weights, err := d.cfg.Store.GetDividendWeights(ctx)
	if err != nil {
		return nil, err
	}
	shares := make([]allocation.Share, 0, len(weights))
	for _, w := range weights {
		shares = append(shares, allocation.Share{UserID: w.UserID, Score: w.Weight})
	}
	res := allocation.Allocate(totalPool, shares, Policy)

	now := d.cfg.Clock.Now()
	txID := model.DeterministicTxID(model.ReasonDividend, periodID)
	tx := model.NewLedgerTx(txID, model.ReasonDividend, now)
	recipients := make([]model.DividendRecipient, 0, len(res.Payouts))
	for _, p := range res.Payouts {
		tx.Credit(p.UserID, model.CurrencyCash, p.Amount)
		recipients = append(recipients, model.DividendRecipient{UserID: p.UserID, Weight: p.Score, Amount: p.Amount})
	}
	rec := &model.DividendRecord{
		PeriodID:          periodID,
		TotalPool:         totalPool,
		DistributedAmount: res.Distributed,
		Recipients:        recipients,
		LedgerTxID:        txID,
		CreatedAt:         now,
	}

	if err := d.cfg.Store.CommitDividend(ctx, rec, tx); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return d.cfg.Store.GetDividend(ctx, periodID)
		}
		return nil, fmt.Errorf("commit dividend %s: %w", periodID, err)
	}

	metrics.DividendsTotal.Inc()
	d.log.Info("dividend: distributed", "period", periodID, "pool", totalPool.String(),
		"distributed", res.Distributed.String(), "recipients", len(recipients))
	d.cfg.Notifier.Publish(model.Event{
		Type:      model.EventDividendDistributed,
		PeriodID:  periodID,
		Amount:    res.Distributed.String(),
		Count:     len(recipients),
		Timestamp: now,
	})
	return rec, nil
}

// Get returns a committed distribution.
func (d *Distributor) Get(ctx context.Context, periodID string) (*model.DividendRecord, error) {
	return d.cfg.Store.GetDividend(ctx, periodID)
}
