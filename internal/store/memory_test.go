package store

import (
	"context"
	"testing"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord(model.ProgramDailyReward, "2025-03-01", model.StatusReady)
	rec.Recipients = []model.Recipient{{UserID: "alice"}}
	if err := s.CreateSettlement(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	got.Recipients[0].UserID = "mallory"
	got.Status = model.StatusCompleted

	again, _ := s.GetSettlement(ctx, model.ProgramDailyReward, "2025-03-01")
	if again.Recipients[0].UserID != "alice" || again.Status != model.StatusReady {
		t.Errorf("stored record was mutated through a read: %+v", again)
	}
}

func TestMemoryStore_SystemAccountMayGoNegative(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx := model.NewLedgerTx("issue", model.ReasonSettlement, t0)
	tx.Credit("alice", model.CurrencyReward, d("100"))
	if err := s.ApplyLedgerTx(ctx, tx); err != nil {
		t.Fatalf("treasury issuance failed: %v", err)
	}
	w, _ := s.GetWallet(ctx, model.TreasuryAccount)
	if !w.Balances[model.CurrencyReward].Equal(d("-100")) {
		t.Errorf("expected treasury -100, got %s", w.Balances[model.CurrencyReward])
	}
}
