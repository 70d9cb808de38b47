// Package settlement runs the per-period settlement of a distribution
// program: it sizes the pool from net income, scores one snapshot of the
// period's activity, allocates the pool and commits every payout in a single
// ledger transaction.
//
// A (program, period) is settled at most once. Manual and automatic triggers
// may race freely: duplicate calls in one process collapse through
// singleflight, instances serialize through the Locker, and every status
// change is a compare-and-set in the store.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/settlement-engine/internal/allocation"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/program"
	"github.com/atmx/settlement-engine/internal/scoring"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrConcurrentSettlement = errors.New("settlement: settlement already in progress")
	ErrLedgerCommit         = errors.New("settlement: ledger commit failed")
	ErrNotOptionsProgram    = errors.New("settlement: program does not grant options")
)

// MetricsSource supplies the activity snapshot of a period.
type MetricsSource interface {
	GetMetricsSnapshot(ctx context.Context, program model.ProgramID, periodID string) ([]model.ContributionMetric, error)
}

// IncomeSource supplies the platform's net income of a period.
type IncomeSource interface {
	GetNetIncome(ctx context.Context, program model.ProgramID, periodID string) (decimal.Decimal, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    store.Store
	Programs *program.Registry

	// Metrics and Income default to Store.
	Metrics MetricsSource
	Income  IncomeSource

	// Locker serializes settlement of one period; defaults to an in-process
	// KeyedMutex. Use lock.RedisLocker when several instances run.
	Locker      lock.Locker
	LockTimeout time.Duration

	// Oracle prices option grants when no explicit price is supplied.
	Oracle   pricing.Oracle
	Notifier model.Notifier

	// StaleAfter is how long a record may stay in processing before it is
	// considered abandoned and forced to failed.
	StaleAfter time.Duration

	// RunTimeout bounds one settlement run after the lock is held. Runs are
	// shared between duplicate callers and do not stop when one of them
	// goes away.
	RunTimeout time.Duration

	// MaxAttempts stops the automatic checker from retrying a failed period
	// once it has been attempted this many times. Manual execution is not
	// limited.
	MaxAttempts int
}

func (cfg *Config) Validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Programs == nil {
		return errors.New("program registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Store
	}
	if cfg.Income == nil {
		cfg.Income = cfg.Store
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewKeyedMutex()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = model.NopNotifier{}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return nil
}

// Job executes settlements.
type Job struct {
	log *slog.Logger
	cfg Config
	sf  singleflight.Group
}

func NewJob(cfg Config) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Job{log: cfg.Logger, cfg: cfg}, nil
}

// PricingInputs overrides the option terms of a grant run. Nil fields fall
// back to the oracle price and the program's discount and vesting period.
type PricingInputs struct {
	MarketPrice *decimal.Decimal `json:"market_price,omitempty"`
	Discount    *decimal.Decimal `json:"discount,omitempty"`
	VestingDays *int             `json:"vesting_days,omitempty"`
}

// AutoResult reports what an automatic check did.
type AutoResult struct {
	PeriodID string                  `json:"period_id"`
	Executed bool                    `json:"executed"`
	Record   *model.SettlementRecord `json:"record,omitempty"`
	// Retried lists earlier failed periods completed by this check.
	Retried []string `json:"retried,omitempty"`
}

// Preview is a settlement record with the recipients a commit would pay
// right now. Nothing in it is committed.
type Preview struct {
	Record        *model.SettlementRecord `json:"record"`
	Recipients    []model.Recipient       `json:"recipients"`
	Undistributed decimal.Decimal         `json:"undistributed"`
}

// Programs returns the configured programs.
func (j *Job) Programs() []program.Program {
	return j.cfg.Programs.All()
}

// ExecuteManual settles one period. Settling a completed period returns the
// stored record without touching any wallet.
func (j *Job) ExecuteManual(ctx context.Context, programID model.ProgramID, periodID string) (*model.SettlementRecord, error) {
	prog, per, err := j.resolve(programID, periodID)
	if err != nil {
		return nil, err
	}
	return j.execute(ctx, prog, per.ID, PricingInputs{})
}

// GrantOptions settles one period of an options program with explicit
// pricing terms.
func (j *Job) GrantOptions(ctx context.Context, programID model.ProgramID, periodID string, in PricingInputs) (*model.SettlementRecord, error) {
	prog, per, err := j.resolve(programID, periodID)
	if err != nil {
		return nil, err
	}
	if prog.Payout != program.PayoutOptions {
		return nil, fmt.Errorf("%w: %s", ErrNotOptionsProgram, programID)
	}
	return j.execute(ctx, prog, per.ID, in)
}

// CheckAndExecuteAuto settles the last closed period of a program if it is
// not settled yet, then retries the program's failed periods. Losing a race
// to another trigger is not an error.
func (j *Job) CheckAndExecuteAuto(ctx context.Context, programID model.ProgramID) (AutoResult, error) {
	prog, err := j.cfg.Programs.Get(programID)
	if err != nil {
		return AutoResult{}, err
	}
	per, err := period.Previous(prog.Cadence, j.cfg.Clock.Now())
	if err != nil {
		return AutoResult{}, err
	}
	res := AutoResult{PeriodID: per.ID}

	if _, err := j.SweepStale(ctx, programID); err != nil {
		j.log.Warn("settlement: stale sweep failed", "program", programID, "error", err)
	}

	existing, err := j.cfg.Store.GetSettlement(ctx, programID, per.ID)
	switch {
	case err == nil && existing.Status == model.StatusCompleted:
		res.Record = existing
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return res, err
	default:
		rec, err := j.execute(ctx, prog, per.ID, PricingInputs{})
		res.Record = rec
		switch {
		case errors.Is(err, ErrConcurrentSettlement):
			j.log.Info("settlement: auto check skipped, already in progress", "program", programID, "period", per.ID)
		case err != nil:
			return res, err
		default:
			res.Executed = rec.Status == model.StatusCompleted
		}
	}

	retried, err := j.retryFailed(ctx, prog, per.ID)
	res.Retried = retried
	return res, err
}

// retryFailed re-executes the program's failed periods other than skip.
// A period that fails again stays failed for the next check; it is given up
// on after MaxAttempts.
func (j *Job) retryFailed(ctx context.Context, prog program.Program, skip string) ([]string, error) {
	failed, err := j.cfg.Store.ListSettlementsByStatus(ctx, prog.ID, model.StatusFailed)
	if err != nil {
		return nil, err
	}
	var completed []string
	for _, rec := range failed {
		if rec.PeriodID == skip {
			continue
		}
		if rec.Attempts >= j.cfg.MaxAttempts {
			j.log.Warn("settlement: not retrying, attempts exhausted",
				"program", prog.ID, "period", rec.PeriodID, "attempts", rec.Attempts, "last_error", rec.LastError)
			continue
		}
		out, err := j.execute(ctx, prog, rec.PeriodID, PricingInputs{})
		if err != nil {
			if ctx.Err() != nil {
				return completed, ctx.Err()
			}
			j.log.Warn("settlement: retry failed", "program", prog.ID, "period", rec.PeriodID, "error", err)
			continue
		}
		if out.Status == model.StatusCompleted {
			completed = append(completed, rec.PeriodID)
		}
	}
	return completed, nil
}

// SweepStale forces processing records older than StaleAfter to failed so
// they can be retried. It returns the number of records recovered.
func (j *Job) SweepStale(ctx context.Context, programID model.ProgramID) (int, error) {
	recs, err := j.cfg.Store.ListSettlementsByStatus(ctx, programID, model.StatusProcessing)
	if err != nil {
		return 0, err
	}
	now := j.cfg.Clock.Now()
	n := 0
	for i := range recs {
		rec := &recs[i]
		if !j.isStale(rec, now) {
			continue
		}
		if err := j.fail(ctx, rec, "processing exceeded stale timeout"); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return n, err
		}
		metrics.StaleSettlements.WithLabelValues(string(programID)).Inc()
		n++
	}
	return n, nil
}

// Preview evaluates income for a period, persisting the ready or
// insufficient_income status, and returns the recipients a settlement would
// pay from the current snapshot.
func (j *Job) Preview(ctx context.Context, programID model.ProgramID, periodID string) (*Preview, error) {
	prog, per, err := j.resolve(programID, periodID)
	if err != nil {
		return nil, err
	}

	unlock, err := j.lock(ctx, prog.ID, per.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := j.load(ctx, prog.ID, per.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil && (rec.Status == model.StatusCompleted || rec.Status == model.StatusProcessing) {
		return &Preview{Record: rec, Recipients: rec.Recipients, Undistributed: decimal.Zero}, nil
	}

	rec, err = j.evaluate(ctx, prog, per.ID, rec)
	if err != nil {
		return nil, err
	}
	out := &Preview{Record: rec, Recipients: []model.Recipient{}, Undistributed: rec.DistributionPool}
	if rec.Status != model.StatusReady {
		return out, nil
	}

	p, err := j.plan(ctx, prog, rec, PricingInputs{}, j.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	out.Recipients = p.recipients
	out.Undistributed = p.undistributed
	return out, nil
}

func (j *Job) resolve(programID model.ProgramID, periodID string) (program.Program, period.Period, error) {
	prog, err := j.cfg.Programs.Get(programID)
	if err != nil {
		return program.Program{}, period.Period{}, err
	}
	per, err := period.Parse(prog.Cadence, periodID)
	if err != nil {
		return program.Program{}, period.Period{}, err
	}
	return prog, per, nil
}

func (j *Job) lock(ctx context.Context, programID model.ProgramID, periodID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, j.cfg.LockTimeout)
	defer cancel()
	unlock, err := j.cfg.Locker.Lock(lockCtx, "settlement:"+string(programID)+":"+periodID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: %s %s is locked", ErrConcurrentSettlement, programID, periodID)
	}
	return unlock, err
}

// load returns the stored record, or nil if there is none yet.
func (j *Job) load(ctx context.Context, programID model.ProgramID, periodID string) (*model.SettlementRecord, error) {
	rec, err := j.cfg.Store.GetSettlement(ctx, programID, periodID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (j *Job) isStale(rec *model.SettlementRecord, now time.Time) bool {
	started := rec.UpdatedAt
	if rec.ProcessingStartedAt != nil {
		started = *rec.ProcessingStartedAt
	}
	return now.Sub(started) > j.cfg.StaleAfter
}

// execute runs one settlement shared by every concurrent caller for the same
// period. The shared run is detached from the caller that started it and
// bounded by LockTimeout plus RunTimeout; a caller whose ctx ends stops
// waiting without cancelling the run.
func (j *Job) execute(ctx context.Context, prog program.Program, periodID string, in PricingInputs) (*model.SettlementRecord, error) {
	key := string(prog.ID) + ":" + periodID
	ch := j.sf.DoChan(key, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.LockTimeout+j.cfg.RunTimeout)
		defer cancel()

		unlock, err := j.lock(runCtx, prog.ID, periodID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return j.settle(runCtx, prog, periodID, in)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		rec, _ := res.Val.(*model.SettlementRecord)
		if rec != nil {
			rec = rec.Clone()
		}
		return rec, res.Err
	}
}

// settle runs the state machine for one period. The caller holds the lock.
func (j *Job) settle(ctx context.Context, prog program.Program, periodID string, in PricingInputs) (*model.SettlementRecord, error) {
	log := j.log.With("program", prog.ID, "period", periodID)

	rec, err := j.load(ctx, prog.ID, periodID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		switch rec.Status {
		case model.StatusCompleted:
			return rec, nil
		case model.StatusProcessing:
			if !j.isStale(rec, j.cfg.Clock.Now()) {
				return rec, fmt.Errorf("%w: %s %s is processing", ErrConcurrentSettlement, prog.ID, periodID)
			}
			log.Warn("settlement: recovering stale processing record", "started", rec.ProcessingStartedAt)
			if err := j.fail(ctx, rec, "processing exceeded stale timeout"); err != nil {
				return rec, j.concurrent(err)
			}
			metrics.StaleSettlements.WithLabelValues(string(prog.ID)).Inc()
		}
	}

	rec, err = j.evaluate(ctx, prog, periodID, rec)
	if err != nil {
		return rec, err
	}
	if rec.Status == model.StatusInsufficientIncome {
		log.Info("settlement: insufficient income", "net_income", rec.NetIncome.String())
		metrics.SettlementsTotal.WithLabelValues(string(prog.ID), string(rec.Status)).Inc()
		return rec, nil
	}

	now := j.cfg.Clock.Now()
	if err := rec.Transition(model.StatusProcessing, now); err != nil {
		return rec, err
	}
	rec.ProcessingStartedAt = &now
	rec.Attempts++
	rec.LastError = ""
	if err := j.cfg.Store.UpdateSettlement(ctx, rec, model.StatusReady); err != nil {
		return rec, j.concurrent(err)
	}

	p, err := j.plan(ctx, prog, rec, in, now)
	if err != nil {
		log.Error("settlement: planning failed", "error", err)
		if ferr := j.fail(ctx, rec, err.Error()); ferr != nil {
			log.Error("settlement: could not mark failed", "error", ferr)
		}
		return rec, err
	}

	done := rec.Clone()
	settledAt := j.cfg.Clock.Now()
	if err := done.Transition(model.StatusCompleted, settledAt); err != nil {
		return rec, err
	}
	done.SettledAt = &settledAt
	done.Recipients = p.recipients
	done.TotalContributionScore = p.totalScore
	done.WeightVersion = prog.Weights.VersionTag()
	done.LedgerTxID = p.tx.ID

	if err := j.cfg.Store.CommitSettlement(ctx, done, p.tx, p.grants); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return rec, j.concurrent(err)
		}
		log.Error("settlement: commit failed", "error", err)
		if ferr := j.fail(ctx, rec, err.Error()); ferr != nil {
			log.Error("settlement: could not mark failed", "error", ferr)
		}
		return rec, fmt.Errorf("%w: %v", ErrLedgerCommit, err)
	}

	distributed := decimal.Zero
	for _, r := range done.Recipients {
		distributed = distributed.Add(r.Amount)
	}
	metrics.SettlementsTotal.WithLabelValues(string(prog.ID), string(done.Status)).Inc()
	metrics.SettlementDuration.WithLabelValues(string(prog.ID)).Observe(settledAt.Sub(now).Seconds())
	metrics.DistributedTotal.WithLabelValues(string(prog.ID)).Add(distributed.InexactFloat64())
	metrics.SettlementRecipients.WithLabelValues(string(prog.ID)).Set(float64(len(done.Recipients)))

	log.Info("settlement: completed",
		"recipients", len(done.Recipients),
		"pool", done.DistributionPool.String(),
		"distributed", distributed.String(),
		"tx", done.LedgerTxID,
	)
	j.cfg.Notifier.Publish(model.Event{
		Type:      model.EventSettlementCompleted,
		Program:   prog.ID,
		PeriodID:  periodID,
		Status:    string(done.Status),
		Amount:    distributed.String(),
		Count:     len(done.Recipients),
		Timestamp: settledAt,
	})
	return done, nil
}

// evaluate reads net income and creates the record or moves it to ready or
// insufficient_income. rec is nil if none exists yet.
func (j *Job) evaluate(ctx context.Context, prog program.Program, periodID string, rec *model.SettlementRecord) (*model.SettlementRecord, error) {
	income, err := j.cfg.Income.GetNetIncome(ctx, prog.ID, periodID)
	if errors.Is(err, store.ErrNotFound) {
		income = decimal.Zero
	} else if err != nil {
		return rec, fmt.Errorf("read net income: %w", err)
	}

	target := model.StatusInsufficientIncome
	pool := decimal.Zero
	if income.IsPositive() {
		target = model.StatusReady
		pool = income.Mul(prog.DistributionRatio)
	}
	now := j.cfg.Clock.Now()

	if rec == nil {
		rec = &model.SettlementRecord{
			ID:               uuid.NewString(),
			Program:          prog.ID,
			PeriodID:         periodID,
			NetIncome:        income,
			DistributionPool: pool,
			Status:           target,
			Recipients:       []model.Recipient{},
			WeightVersion:    prog.Weights.VersionTag(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := j.cfg.Store.CreateSettlement(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("%w: %v", ErrConcurrentSettlement, err)
			}
			return nil, err
		}
		return rec, nil
	}

	from := rec.Status
	if from == model.StatusFailed {
		if err := rec.Transition(model.StatusReady, now); err != nil {
			return rec, err
		}
	}
	if rec.Status != target {
		if err := rec.Transition(target, now); err != nil {
			return rec, err
		}
	}
	rec.NetIncome = income
	rec.DistributionPool = pool
	rec.WeightVersion = prog.Weights.VersionTag()
	rec.UpdatedAt = now
	if err := j.cfg.Store.UpdateSettlement(ctx, rec, from); err != nil {
		return rec, j.concurrent(err)
	}
	return rec, nil
}

// fail moves a processing record to failed.
func (j *Job) fail(ctx context.Context, rec *model.SettlementRecord, reason string) error {
	from := rec.Status
	now := j.cfg.Clock.Now()
	if err := rec.Transition(model.StatusFailed, now); err != nil {
		return err
	}
	rec.LastError = reason
	if err := j.cfg.Store.UpdateSettlement(ctx, rec, from); err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues(string(rec.Program), string(model.StatusFailed)).Inc()
	j.cfg.Notifier.Publish(model.Event{
		Type:      model.EventSettlementFailed,
		Program:   rec.Program,
		PeriodID:  rec.PeriodID,
		Status:    string(model.StatusFailed),
		Timestamp: now,
	})
	return nil
}

func (j *Job) concurrent(err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentSettlement, err)
	}
	return err
}

// payoutPlan is everything a commit writes.
type payoutPlan struct {
	recipients    []model.Recipient
	totalScore    decimal.Decimal
	undistributed decimal.Decimal
	tx            *model.LedgerTx
	grants        []model.OptionGrant
}

// plan scores one snapshot of the period and builds the payout transaction.
func (j *Job) plan(ctx context.Context, prog program.Program, rec *model.SettlementRecord, in PricingInputs, now time.Time) (*payoutPlan, error) {
	snapshot, err := j.cfg.Metrics.GetMetricsSnapshot(ctx, prog.ID, rec.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("read metrics snapshot: %w", err)
	}
	scores, total, err := scoring.ScoreAll(snapshot, prog.Weights)
	if err != nil {
		return nil, err
	}
	shares := make([]allocation.Share, len(scores))
	for i, s := range scores {
		shares[i] = allocation.Share{UserID: s.UserID, Score: s.Score}
	}

	p := &payoutPlan{
		recipients: []model.Recipient{},
		totalScore: total,
		tx:         model.NewLedgerTx(model.DeterministicTxID(string(prog.ID), rec.PeriodID), model.ReasonSettlement, now),
	}

	switch prog.Payout {
	case program.PayoutWallet:
		res := allocation.Allocate(rec.DistributionPool, shares, prog.Policy)
		for _, po := range res.Payouts {
			p.tx.Credit(po.UserID, prog.Currency, po.Amount)
			p.recipients = append(p.recipients, model.Recipient{UserID: po.UserID, Score: po.Score, Amount: po.Amount})
		}
		p.undistributed = res.Undistributed

	case program.PayoutOptions:
		terms, err := j.optionTerms(ctx, prog, in)
		if err != nil {
			return nil, err
		}
		units := rec.DistributionPool.Div(terms.price).Floor()
		res := allocation.Allocate(units, shares, prog.Policy)
		for _, po := range res.Payouts {
			p.tx.Credit(po.UserID, model.CurrencyOptionLocked, po.Amount)
			p.recipients = append(p.recipients, model.Recipient{UserID: po.UserID, Score: po.Score, Amount: po.Amount})
			p.grants = append(p.grants, model.OptionGrant{
				ID:                 model.DeterministicTxID("grant", string(prog.ID), rec.PeriodID, po.UserID),
				UserID:             po.UserID,
				Program:            prog.ID,
				PeriodID:           rec.PeriodID,
				Amount:             po.Amount,
				StrikePrice:        terms.price.Mul(terms.discount),
				MarketPriceAtGrant: terms.price,
				Discount:           terms.discount,
				GrantDate:          now,
				VestingPeriodDays:  terms.vestingDays,
				VestedAmount:       decimal.Zero,
				ExercisedAmount:    decimal.Zero,
				UpdatedAt:          now,
			})
		}
		p.undistributed = res.Undistributed
	}
	return p, nil
}

type optionTerms struct {
	price       decimal.Decimal
	discount    decimal.Decimal
	vestingDays int
}

func (j *Job) optionTerms(ctx context.Context, prog program.Program, in PricingInputs) (optionTerms, error) {
	t := optionTerms{discount: prog.StrikeDiscount, vestingDays: prog.VestingDays}
	if in.Discount != nil {
		t.discount = *in.Discount
	}
	if in.VestingDays != nil {
		t.vestingDays = *in.VestingDays
	}
	if in.MarketPrice != nil {
		t.price = *in.MarketPrice
	} else {
		if j.cfg.Oracle == nil {
			return t, pricing.ErrPriceUnavailable
		}
		price, err := j.cfg.Oracle.Price(ctx)
		if err != nil {
			return t, err
		}
		t.price = price
	}

	if !t.price.IsPositive() {
		return t, fmt.Errorf("%w: market price must be positive", pricing.ErrPriceUnavailable)
	}
	if !t.discount.IsPositive() || t.discount.GreaterThan(decimal.NewFromInt(1)) {
		return t, fmt.Errorf("%w: discount %s not in (0, 1]", program.ErrInvalidProgram, t.discount)
	}
	if t.vestingDays <= 0 {
		return t, fmt.Errorf("%w: vesting days must be positive", program.ErrInvalidProgram)
	}
	return t, nil
}
