// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of immutable records), and in-memory (for testing).
//
// Every method that moves balances does so in one atomic, idempotent step:
// callers never read-modify-write balances across calls.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrConflict            = errors.New("store: record already exists")
	ErrVersionConflict     = errors.New("store: concurrent modification")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrPeriodClosed        = errors.New("store: period already settled")
)

// InputStore holds the externally produced inputs of a settlement.
type InputStore interface {
	// PutMetrics upserts activity metrics for a period. Rejected with
	// ErrPeriodClosed once the period's settlement has completed.
	PutMetrics(ctx context.Context, program model.ProgramID, periodID string, metrics []model.ContributionMetric) error

	// GetMetricsSnapshot returns every metric record of a period.
	GetMetricsSnapshot(ctx context.Context, program model.ProgramID, periodID string) ([]model.ContributionMetric, error)

	// PutNetIncome records the platform's net income for a period.
	PutNetIncome(ctx context.Context, program model.ProgramID, periodID string, income decimal.Decimal) error

	// GetNetIncome returns ErrNotFound if no income was recorded.
	GetNetIncome(ctx context.Context, program model.ProgramID, periodID string) (decimal.Decimal, error)
}

// SettlementStore persists settlement records.
type SettlementStore interface {
	// GetSettlement returns ErrNotFound if no record exists.
	GetSettlement(ctx context.Context, program model.ProgramID, periodID string) (*model.SettlementRecord, error)

	// ListSettlements returns a program's records, newest period first.
	ListSettlements(ctx context.Context, program model.ProgramID) ([]model.SettlementRecord, error)

	// ListSettlementsByStatus returns records of a program in one status.
	ListSettlementsByStatus(ctx context.Context, program model.ProgramID, status model.SettlementStatus) ([]model.SettlementRecord, error)

	// CreateSettlement inserts a new record with Version 1. ErrConflict if
	// one already exists for (program, period).
	CreateSettlement(ctx context.Context, rec *model.SettlementRecord) error

	// UpdateSettlement is a compare-and-set: it succeeds only if the stored
	// record still has expectedStatus and rec.Version. On success rec.Version
	// is incremented. Otherwise ErrVersionConflict.
	UpdateSettlement(ctx context.Context, rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error

	// CommitSettlement atomically applies the payout transaction, inserts
	// the grants and stores rec (status completed), with the same CAS rule
	// as UpdateSettlement against status processing. Nothing is written if
	// any step fails.
	CommitSettlement(ctx context.Context, rec *model.SettlementRecord, tx *model.LedgerTx, grants []model.OptionGrant) error
}

// OptionStore persists option grants and exercises.
type OptionStore interface {
	// CreateGrants atomically inserts grants and applies their ledger tx.
	CreateGrants(ctx context.Context, grants []model.OptionGrant, tx *model.LedgerTx) error

	GetGrant(ctx context.Context, id string) (*model.OptionGrant, error)

	// ListGrantsByUser returns a user's grants, oldest first.
	ListGrantsByUser(ctx context.Context, userID string) ([]model.OptionGrant, error)

	// ListVestingGrants returns grants that are not fully vested.
	ListVestingGrants(ctx context.Context) ([]model.OptionGrant, error)

	// CommitVesting atomically applies grant updates (version-checked) and
	// the unlock transaction.
	CommitVesting(ctx context.Context, updates []model.GrantUpdate, tx *model.LedgerTx) error

	// CommitExercise atomically applies grant updates (version-checked), the
	// exercise transaction and the audit record.
	CommitExercise(ctx context.Context, updates []model.GrantUpdate, tx *model.LedgerTx, rec *model.ExerciseRecord) error

	ListExercisesByUser(ctx context.Context, userID string) ([]model.ExerciseRecord, error)
}

// DividendStore persists running weights and distributions.
type DividendStore interface {
	// GetDividendWeights returns every user's running weight.
	GetDividendWeights(ctx context.Context) ([]model.DividendWeight, error)

	// PutDividendWeights upserts running weights.
	PutDividendWeights(ctx context.Context, weights []model.DividendWeight) error

	// GetDividend returns ErrNotFound if the period was not distributed.
	GetDividend(ctx context.Context, periodID string) (*model.DividendRecord, error)

	// CommitDividend atomically inserts the record and applies its ledger
	// tx. ErrConflict if the period was already distributed.
	CommitDividend(ctx context.Context, rec *model.DividendRecord, tx *model.LedgerTx) error
}

// WalletStore is the multi-currency balance store.
type WalletStore interface {
	// ApplyLedgerTx applies a balanced transaction atomically. Applying an
	// already applied transaction id is a no-op. A user balance going
	// negative fails the whole transaction with ErrInsufficientBalance.
	ApplyLedgerTx(ctx context.Context, tx *model.LedgerTx) error

	// GetWallet returns an account's balances (empty if none).
	GetWallet(ctx context.Context, account string) (*model.Wallet, error)

	// GetLedgerEntriesByAccount returns an account's entries in order.
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	InputStore
	SettlementStore
	OptionStore
	DividendStore
	WalletStore
}
