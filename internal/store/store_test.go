package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("metrics and income", func(t *testing.T) { testInputs(t, newStore(t)) })
	t.Run("settlement CAS", func(t *testing.T) { testSettlementCAS(t, newStore(t)) })
	t.Run("commit settlement", func(t *testing.T) { testCommitSettlement(t, newStore(t)) })
	t.Run("ledger idempotent", func(t *testing.T) { testLedgerIdempotent(t, newStore(t)) })
	t.Run("ledger overdraft", func(t *testing.T) { testLedgerOverdraft(t, newStore(t)) })
	t.Run("grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("dividends", func(t *testing.T) { testDividends(t, newStore(t)) })
	t.Run("concurrent credits", func(t *testing.T) { testConcurrentCredits(t, newStore(t)) })
}

func newRecord(program model.ProgramID, period string, status model.SettlementStatus) *model.SettlementRecord {
	return &model.SettlementRecord{
		ID:        model.DeterministicTxID("settlement-record", string(program), period),
		Program:   program,
		PeriodID:  period,
		Status:    status,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func testInputs(t *testing.T, s Store) {
	ctx := context.Background()
	p := model.ProgramDailyReward

	_, err := s.GetNetIncome(ctx, p, "2025-03-01")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutNetIncome(ctx, p, "2025-03-01", d("1000.50")))
	income, err := s.GetNetIncome(ctx, p, "2025-03-01")
	require.NoError(t, err)
	assert.True(t, income.Equal(d("1000.5")))

	require.NoError(t, s.PutMetrics(ctx, p, "2025-03-01", []model.ContributionMetric{
		{UserID: "bob", Values: map[string]float64{"game_coins": 5}},
		{UserID: "alice", Values: map[string]float64{"game_coins": 1}},
	}))
	// Upsert replaces alice's values.
	require.NoError(t, s.PutMetrics(ctx, p, "2025-03-01", []model.ContributionMetric{
		{UserID: "alice", Values: map[string]float64{"game_coins": 2}},
	}))

	snap, err := s.GetMetricsSnapshot(ctx, p, "2025-03-01")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "alice", snap[0].UserID)
	assert.Equal(t, 2.0, snap[0].Values["game_coins"])
	assert.Equal(t, p, snap[0].Program)

	other, err := s.GetMetricsSnapshot(ctx, p, "2025-03-02")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testSettlementCAS(t *testing.T, s Store) {
	ctx := context.Background()
	rec := newRecord(model.ProgramDailyReward, "2025-03-01", model.StatusReady)
	require.NoError(t, s.CreateSettlement(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	dup := newRecord(model.ProgramDailyReward, "2025-03-01", model.StatusReady)
	assert.ErrorIs(t, s.CreateSettlement(ctx, dup), ErrConflict)

	// Two writers load the same version; only the first CAS wins.
	a, err := s.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	require.NoError(t, err)
	b, err := s.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	require.NoError(t, err)

	require.NoError(t, a.Transition(model.StatusProcessing, t0))
	require.NoError(t, s.UpdateSettlement(ctx, a, model.StatusReady))
	assert.Equal(t, int64(2), a.Version)

	require.NoError(t, b.Transition(model.StatusProcessing, t0))
	assert.ErrorIs(t, s.UpdateSettlement(ctx, b, model.StatusReady), ErrVersionConflict)

	got, err := s.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	listed, err := s.ListSettlementsByStatus(ctx, model.ProgramDailyReward, model.StatusProcessing)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = s.GetSettlement(ctx, model.ProgramDailyReward, "2099-01-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCommitSettlement(t *testing.T, s Store) {
	ctx := context.Background()
	p := model.ProgramDailyReward
	rec := newRecord(p, "2025-03-01", model.StatusProcessing)
	require.NoError(t, s.CreateSettlement(ctx, rec))

	txID := model.DeterministicTxID(string(p), "2025-03-01")
	tx := model.NewLedgerTx(txID, model.ReasonSettlement, t0)
	tx.Credit("alice", model.CurrencyReward, d("30"))
	tx.Credit("bob", model.CurrencyReward, d("10.5"))

	rec.Recipients = []model.Recipient{
		{UserID: "alice", Score: d("0.75"), Amount: d("30")},
		{UserID: "bob", Score: d("0.25"), Amount: d("10.5")},
	}
	rec.LedgerTxID = txID
	require.NoError(t, rec.Transition(model.StatusCompleted, t0))
	require.NoError(t, s.CommitSettlement(ctx, rec, tx, nil))

	got, err := s.GetSettlement(ctx, p, "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.Len(t, got.Recipients, 2)
	assert.True(t, got.Recipients[1].Amount.Equal(d("10.5")))

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyReward].Equal(d("30")))

	treasury, err := s.GetWallet(ctx, model.TreasuryAccount)
	require.NoError(t, err)
	assert.True(t, treasury.Balances[model.CurrencyReward].Equal(d("-40.5")))

	// Completed periods reject new inputs.
	assert.ErrorIs(t, s.PutMetrics(ctx, p, "2025-03-01", []model.ContributionMetric{{UserID: "x"}}), ErrPeriodClosed)
	assert.ErrorIs(t, s.PutNetIncome(ctx, p, "2025-03-01", d("1")), ErrPeriodClosed)

	// A stale commit attempt is rejected and moves nothing.
	stale := newRecord(p, "2025-03-01", model.StatusCompleted)
	stale.Version = rec.Version - 1
	tx2 := model.NewLedgerTx("other-tx", model.ReasonSettlement, t0)
	tx2.Credit("alice", model.CurrencyReward, d("30"))
	assert.ErrorIs(t, s.CommitSettlement(ctx, stale, tx2, nil), ErrVersionConflict)

	w, err = s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyReward].Equal(d("30")))
}

func testLedgerIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	tx := model.NewLedgerTx("tx-1", model.ReasonDividend, t0)
	tx.Credit("alice", model.CurrencyCash, d("5"))

	require.NoError(t, s.ApplyLedgerTx(ctx, tx))
	require.NoError(t, s.ApplyLedgerTx(ctx, tx))

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyCash].Equal(d("5")))

	entries, err := s.GetLedgerEntriesByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].TxID)

	unbalanced := &model.LedgerTx{ID: "bad", Entries: []model.LedgerEntry{
		{Account: "alice", Currency: model.CurrencyCash, Amount: d("1")},
	}}
	assert.ErrorIs(t, s.ApplyLedgerTx(ctx, unbalanced), model.ErrUnbalancedTx)
}

func testLedgerOverdraft(t *testing.T, s Store) {
	ctx := context.Background()
	fund := model.NewLedgerTx("fund", model.ReasonDividend, t0)
	fund.Credit("alice", model.CurrencyCash, d("10"))
	require.NoError(t, s.ApplyLedgerTx(ctx, fund))

	// Second leg is fine, first overdraws: nothing is applied.
	tx := model.NewLedgerTx("overdraft", model.ReasonExercise, t0)
	tx.Debit("alice", model.CurrencyCash, d("25"))
	tx.Credit("alice", model.CurrencyEquity, d("100"))
	assert.ErrorIs(t, s.ApplyLedgerTx(ctx, tx), ErrInsufficientBalance)

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyCash].Equal(d("10")))
	assert.True(t, w.Balances[model.CurrencyEquity].IsZero())

	// The failed id was not recorded, so a corrected retry is accepted.
	retry := model.NewLedgerTx("overdraft", model.ReasonExercise, t0)
	retry.Debit("alice", model.CurrencyCash, d("10"))
	require.NoError(t, s.ApplyLedgerTx(ctx, retry))
}

func grant(id, user string, date time.Time) model.OptionGrant {
	return model.OptionGrant{
		ID:                 id,
		UserID:             user,
		Program:            model.ProgramPerformanceOption,
		PeriodID:           "2025-02",
		Amount:             d("100"),
		StrikePrice:        d("0.95"),
		MarketPriceAtGrant: d("1"),
		Discount:           d("0.95"),
		GrantDate:          date,
		VestingPeriodDays:  365,
		VestedAmount:       decimal.Zero,
		ExercisedAmount:    decimal.Zero,
		UpdatedAt:          date,
	}
}

func testGrants(t *testing.T, s Store) {
	ctx := context.Background()
	grants := []model.OptionGrant{
		grant("g2", "alice", t0.AddDate(0, 1, 0)),
		grant("g1", "alice", t0),
		grant("g3", "bob", t0),
	}
	tx := model.NewLedgerTx("grant-tx", model.ReasonGrant, t0)
	for _, g := range grants {
		tx.Credit(g.UserID, model.CurrencyOptionLocked, g.Amount)
	}
	require.NoError(t, s.CreateGrants(ctx, grants, tx))
	assert.ErrorIs(t, s.CreateGrants(ctx, grants[:1], nil), ErrConflict)

	byUser, err := s.ListGrantsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "g1", byUser[0].ID, "oldest first")

	vesting, err := s.ListVestingGrants(ctx)
	require.NoError(t, err)
	assert.Len(t, vesting, 3)

	g1, err := s.GetGrant(ctx, "g1")
	require.NoError(t, err)

	vest := model.NewLedgerTx("vest-tx", model.ReasonVesting, t0)
	vest.Debit("alice", model.CurrencyOptionLocked, d("40"))
	vest.Credit("alice", model.CurrencyOptionVested, d("40"))
	upd := model.GrantUpdate{GrantID: "g1", ExpectedVersion: g1.Version, VestedAmount: d("40"), ExercisedAmount: decimal.Zero}
	require.NoError(t, s.CommitVesting(ctx, []model.GrantUpdate{upd}, vest))

	// Replaying with the old version is rejected.
	assert.ErrorIs(t, s.CommitVesting(ctx, []model.GrantUpdate{upd}, nil), ErrVersionConflict)

	g1, err = s.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, g1.VestedAmount.Equal(d("40")))

	ex := model.NewLedgerTx("ex-tx", model.ReasonExercise, t0)
	ex.Debit("alice", model.CurrencyOptionVested, d("10"))
	ex.Credit("alice", model.CurrencyEquity, d("10"))
	rec := &model.ExerciseRecord{
		ID: "ex-1", UserID: "alice", Amount: d("10"), MarketPrice: d("1"), Profit: decimal.Zero,
		LedgerTxID: "ex-tx", CreatedAt: t0,
		Legs: []model.ExerciseLeg{{GrantID: "g1", Amount: d("10"), StrikePrice: d("0.95"), Profit: decimal.Zero}},
	}
	require.NoError(t, s.CommitExercise(ctx, []model.GrantUpdate{{
		GrantID: "g1", ExpectedVersion: g1.Version, VestedAmount: d("40"), ExercisedAmount: d("10"),
	}}, ex, rec))

	exercises, err := s.ListExercisesByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, exercises, 1)
	assert.Len(t, exercises[0].Legs, 1)

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyOptionLocked].Equal(d("160")))
	assert.True(t, w.Balances[model.CurrencyOptionVested].Equal(d("30")))
	assert.True(t, w.Balances[model.CurrencyEquity].Equal(d("10")))
}

func testDividends(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.PutDividendWeights(ctx, []model.DividendWeight{
		{UserID: "bob", Weight: d("2"), PrevWeight: d("1"), PeriodID: "2025-02", UpdatedAt: t0},
		{UserID: "alice", Weight: d("3"), PrevWeight: decimal.Zero, PeriodID: "2025-02", UpdatedAt: t0},
	}))
	weights, err := s.GetDividendWeights(ctx)
	require.NoError(t, err)
	require.Len(t, weights, 2)
	assert.Equal(t, "alice", weights[0].UserID)

	_, err = s.GetDividend(ctx, "2025-02")
	assert.ErrorIs(t, err, ErrNotFound)

	tx := model.NewLedgerTx("div-tx", model.ReasonDividend, t0)
	tx.Credit("alice", model.CurrencyCash, d("60"))
	tx.Credit("bob", model.CurrencyCash, d("40"))
	rec := &model.DividendRecord{
		PeriodID: "2025-02", TotalPool: d("100"), DistributedAmount: d("100"), LedgerTxID: "div-tx", CreatedAt: t0,
		Recipients: []model.DividendRecipient{
			{UserID: "alice", Weight: d("3"), Amount: d("60")},
			{UserID: "bob", Weight: d("2"), Amount: d("40")},
		},
	}
	require.NoError(t, s.CommitDividend(ctx, rec, tx))
	assert.ErrorIs(t, s.CommitDividend(ctx, rec, tx), ErrConflict)

	got, err := s.GetDividend(ctx, "2025-02")
	require.NoError(t, err)
	assert.True(t, got.DistributedAmount.Equal(d("100")))
	assert.Len(t, got.Recipients, 2)
}

func testConcurrentCredits(t *testing.T, s Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := model.NewLedgerTx(model.DeterministicTxID("credit", string(rune('a'+i%10))), model.ReasonDividend, t0)
			tx.Credit("alice", model.CurrencyCash, d("1"))
			assert.NoError(t, s.ApplyLedgerTx(ctx, tx))
		}(i)
	}
	wg.Wait()

	// Ten distinct ids, each applied once.
	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances[model.CurrencyCash].Equal(d("10")), "got %s", w.Balances[model.CurrencyCash])
}
