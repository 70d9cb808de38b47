package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is a wallet balance denomination.
type Currency string

const (
	CurrencyReward       Currency = "REWARD"        // fixed-rate reward token
	CurrencyEquity       Currency = "EQUITY"        // equity-like token
	CurrencyCash         Currency = "CASH"          // dividends and exercise profit
	CurrencyOptionLocked Currency = "OPTION_LOCKED" // granted, not yet vested
	CurrencyOptionVested Currency = "OPTION_VESTED" // vested, not yet exercised
)

// TreasuryAccount is the platform counterparty of every payout. System
// accounts may carry negative balances (they issue tokens); user accounts
// may not.
const TreasuryAccount = "system:treasury"

// IsSystemAccount reports whether an account is platform-owned.
func IsSystemAccount(account string) bool {
	return strings.HasPrefix(account, "system:")
}

// ErrUnbalancedTx is returned when a ledger transaction's entries do not sum
// to zero for some currency.
var ErrUnbalancedTx = errors.New("model: ledger transaction is not balanced")

// Reasons recorded on ledger transactions and entries.
const (
	ReasonSettlement = "settlement"
	ReasonGrant      = "option_grant"
	ReasonVesting    = "option_vesting"
	ReasonExercise   = "option_exercise"
	ReasonDividend   = "dividend"
)

// txNamespace scopes deterministic ledger transaction ids.
var txNamespace = uuid.MustParse("6f1c2c1e-4b7a-4f58-9d39-3b1f0f4e2a11")

// DeterministicTxID derives a stable transaction id from the logical payout
// it represents, so retries of a failed commit cannot double-credit.
func DeterministicTxID(parts ...string) string {
	return uuid.NewSHA1(txNamespace, []byte(strings.Join(parts, "|"))).String()
}

// LedgerEntry is one signed balance movement. Immutable once committed.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	TxID      string          `json:"tx_id" db:"tx_id"`
	Account   string          `json:"account" db:"account"`
	Currency  Currency        `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Reason    string          `json:"reason" db:"reason"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerTx is an atomic, idempotent group of entries. Applying the same ID
// twice is a no-op.
type LedgerTx struct {
	ID        string        `json:"id"`
	Reason    string        `json:"reason"`
	Entries   []LedgerEntry `json:"entries"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewLedgerTx starts an empty transaction.
func NewLedgerTx(id, reason string, now time.Time) *LedgerTx {
	return &LedgerTx{ID: id, Reason: reason, CreatedAt: now}
}

// Transfer appends a balanced pair of entries moving amount of currency from
// one account to another. Zero amounts are skipped; negative amounts reverse
// the direction.
func (tx *LedgerTx) Transfer(from, to string, currency Currency, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	tx.add(from, currency, amount.Neg())
	tx.add(to, currency, amount)
}

// Credit moves amount from the treasury to a user account.
func (tx *LedgerTx) Credit(account string, currency Currency, amount decimal.Decimal) {
	tx.Transfer(TreasuryAccount, account, currency, amount)
}

// Debit moves amount from a user account back to the treasury.
func (tx *LedgerTx) Debit(account string, currency Currency, amount decimal.Decimal) {
	tx.Transfer(account, TreasuryAccount, currency, amount)
}

func (tx *LedgerTx) add(account string, currency Currency, amount decimal.Decimal) {
	tx.Entries = append(tx.Entries, LedgerEntry{
		ID:        uuid.NewSHA1(txNamespace, []byte(fmt.Sprintf("%s|%d", tx.ID, len(tx.Entries)))).String(),
		TxID:      tx.ID,
		Account:   account,
		Currency:  currency,
		Amount:    amount,
		Reason:    tx.Reason,
		Timestamp: tx.CreatedAt,
	})
}

// Empty reports whether the transaction moves nothing.
func (tx *LedgerTx) Empty() bool {
	return tx == nil || len(tx.Entries) == 0
}

// Validate checks the transaction has an id and balances per currency.
func (tx *LedgerTx) Validate() error {
	if tx.ID == "" {
		return errors.New("model: ledger transaction id is required")
	}
	sums := make(map[Currency]decimal.Decimal)
	for _, e := range tx.Entries {
		if e.Account == "" {
			return fmt.Errorf("model: ledger entry without account in tx %s", tx.ID)
		}
		sums[e.Currency] = sums[e.Currency].Add(e.Amount)
	}
	for cur, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("%w: %s off by %s", ErrUnbalancedTx, cur, sum)
		}
	}
	return nil
}

// AccountTotals sums the transaction's entries per account and currency.
func (tx *LedgerTx) AccountTotals() map[string]map[Currency]decimal.Decimal {
	out := make(map[string]map[Currency]decimal.Decimal)
	for _, e := range tx.Entries {
		m, ok := out[e.Account]
		if !ok {
			m = make(map[Currency]decimal.Decimal)
			out[e.Account] = m
		}
		m[e.Currency] = m[e.Currency].Add(e.Amount)
	}
	return out
}

// Wallet is a user's balances across currencies.
type Wallet struct {
	Account  string                       `json:"account"`
	Balances map[Currency]decimal.Decimal `json:"balances"`
}
