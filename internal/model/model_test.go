package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SettlementStatus
		want     bool
	}{
		{StatusReady, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusReady, true},
		{StatusInsufficientIncome, StatusReady, true},
		{StatusReady, StatusInsufficientIncome, true},
		{StatusCompleted, StatusReady, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusReady, StatusCompleted, false},
		{StatusInsufficientIncome, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSettlementRecord_TransitionRejectsCompletedExit(t *testing.T) {
	rec := &SettlementRecord{Status: StatusCompleted}
	err := rec.Transition(StatusFailed, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status changed to %s", rec.Status)
	}
}

func TestSettlementRecord_CloneIsDeep(t *testing.T) {
	now := time.Now()
	rec := &SettlementRecord{
		Recipients: []Recipient{{UserID: "a", Amount: d(1)}},
		SettledAt:  &now,
	}
	c := rec.Clone()
	c.Recipients[0].UserID = "b"
	*c.SettledAt = now.Add(time.Hour)

	if rec.Recipients[0].UserID != "a" {
		t.Error("clone shares recipients slice")
	}
	if !rec.SettledAt.Equal(now) {
		t.Error("clone shares settled_at pointer")
	}
}

func TestLedgerTx_TransferBalances(t *testing.T) {
	tx := NewLedgerTx("tx-1", ReasonSettlement, time.Now())
	tx.Credit("alice", CurrencyReward, d(30))
	tx.Credit("bob", CurrencyReward, d(12.5))
	tx.Debit("alice", CurrencyCash, d(50))
	tx.Credit("carol", CurrencyReward, decimal.Zero)

	if len(tx.Entries) != 6 {
		t.Fatalf("expected 6 entries (zero transfer skipped), got %d", len(tx.Entries))
	}
	if err := tx.Validate(); err != nil {
		t.Fatalf("balanced tx rejected: %v", err)
	}

	totals := tx.AccountTotals()
	if !totals["alice"][CurrencyReward].Equal(d(30)) {
		t.Errorf("alice reward = %s, want 30", totals["alice"][CurrencyReward])
	}
	if !totals["alice"][CurrencyCash].Equal(d(-50)) {
		t.Errorf("alice cash = %s, want -50", totals["alice"][CurrencyCash])
	}
	if !totals[TreasuryAccount][CurrencyReward].Equal(d(-42.5)) {
		t.Errorf("treasury reward = %s, want -42.5", totals[TreasuryAccount][CurrencyReward])
	}
}

func TestLedgerTx_ValidateUnbalanced(t *testing.T) {
	tx := NewLedgerTx("tx-2", ReasonSettlement, time.Now())
	tx.add("alice", CurrencyReward, d(10))

	if err := tx.Validate(); !errors.Is(err, ErrUnbalancedTx) {
		t.Errorf("expected ErrUnbalancedTx, got %v", err)
	}
}

func TestDeterministicTxID_Stable(t *testing.T) {
	a := DeterministicTxID("settlement", "daily_reward", "2026-10-18")
	b := DeterministicTxID("settlement", "daily_reward", "2026-10-18")
	c := DeterministicTxID("settlement", "daily_reward", "2026-10-19")
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if a == c {
		t.Error("different periods produced the same id")
	}
}

func TestLedgerEntryIDs_StableAcrossRebuilds(t *testing.T) {
	build := func() *LedgerTx {
		tx := NewLedgerTx("tx-3", ReasonDividend, time.Unix(0, 0))
		tx.Credit("alice", CurrencyCash, d(5))
		return tx
	}
	a, b := build(), build()
	for i := range a.Entries {
		if a.Entries[i].ID != b.Entries[i].ID {
			t.Errorf("entry %d id differs between rebuilds", i)
		}
	}
}

func TestIsSystemAccount(t *testing.T) {
	if !IsSystemAccount(TreasuryAccount) {
		t.Error("treasury should be a system account")
	}
	if IsSystemAccount("alice") {
		t.Error("alice should not be a system account")
	}
}
