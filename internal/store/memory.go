package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence, single
// process only).
type MemoryStore struct {
	mu          sync.RWMutex
	metrics     map[string]map[string]model.ContributionMetric // program|period → user → metric
	income      map[string]decimal.Decimal
	settlements map[string]*model.SettlementRecord
	grants      map[string]*model.OptionGrant
	grantOrder  []string
	exercises   []model.ExerciseRecord
	weights     map[string]model.DividendWeight
	dividends   map[string]*model.DividendRecord
	appliedTx   map[string]bool
	balances    map[string]map[model.Currency]decimal.Decimal
	ledger      []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:     make(map[string]map[string]model.ContributionMetric),
		income:      make(map[string]decimal.Decimal),
		settlements: make(map[string]*model.SettlementRecord),
		grants:      make(map[string]*model.OptionGrant),
		weights:     make(map[string]model.DividendWeight),
		dividends:   make(map[string]*model.DividendRecord),
		appliedTx:   make(map[string]bool),
		balances:    make(map[string]map[model.Currency]decimal.Decimal),
	}
}

func periodKey(program model.ProgramID, periodID string) string {
	return string(program) + "|" + periodID
}

// --- Inputs ---

func (s *MemoryStore) PutMetrics(_ context.Context, program model.ProgramID, periodID string, metrics []model.ContributionMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodKey(program, periodID)
	if rec, ok := s.settlements[key]; ok && rec.Status == model.StatusCompleted {
		return fmt.Errorf("%w: %s %s", ErrPeriodClosed, program, periodID)
	}

	byUser, ok := s.metrics[key]
	if !ok {
		byUser = make(map[string]model.ContributionMetric)
		s.metrics[key] = byUser
	}
	for _, m := range metrics {
		vals := make(map[string]float64, len(m.Values))
		for k, v := range m.Values {
			vals[k] = v
		}
		byUser[m.UserID] = model.ContributionMetric{
			Program:  program,
			PeriodID: periodID,
			UserID:   m.UserID,
			Values:   vals,
		}
	}
	return nil
}

func (s *MemoryStore) GetMetricsSnapshot(_ context.Context, program model.ProgramID, periodID string) ([]model.ContributionMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := s.metrics[periodKey(program, periodID)]
	out := make([]model.ContributionMetric, 0, len(byUser))
	for _, m := range byUser {
		vals := make(map[string]float64, len(m.Values))
		for k, v := range m.Values {
			vals[k] = v
		}
		m.Values = vals
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) PutNetIncome(_ context.Context, program model.ProgramID, periodID string, income decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodKey(program, periodID)
	if rec, ok := s.settlements[key]; ok && rec.Status == model.StatusCompleted {
		return fmt.Errorf("%w: %s %s", ErrPeriodClosed, program, periodID)
	}
	s.income[key] = income
	return nil
}

func (s *MemoryStore) GetNetIncome(_ context.Context, program model.ProgramID, periodID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	income, ok := s.income[periodKey(program, periodID)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: income for %s %s", ErrNotFound, program, periodID)
	}
	return income, nil
}

// --- Settlements ---

func (s *MemoryStore) GetSettlement(_ context.Context, program model.ProgramID, periodID string) (*model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.settlements[periodKey(program, periodID)]
	if !ok {
		return nil, fmt.Errorf("%w: settlement %s %s", ErrNotFound, program, periodID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, program model.ProgramID) ([]model.SettlementRecord, error) {
	return s.listSettlements(program, "")
}

func (s *MemoryStore) ListSettlementsByStatus(_ context.Context, program model.ProgramID, status model.SettlementStatus) ([]model.SettlementRecord, error) {
	return s.listSettlements(program, status)
}

func (s *MemoryStore) listSettlements(program model.ProgramID, status model.SettlementStatus) ([]model.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementRecord
	for _, rec := range s.settlements {
		if rec.Program != program || (status != "" && rec.Status != status) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodID > out[j].PeriodID })
	return out, nil
}

func (s *MemoryStore) CreateSettlement(_ context.Context, rec *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodKey(rec.Program, rec.PeriodID)
	if _, ok := s.settlements[key]; ok {
		return fmt.Errorf("%w: settlement %s %s", ErrConflict, rec.Program, rec.PeriodID)
	}
	rec.Version = 1
	s.settlements[key] = rec.Clone()
	return nil
}

func (s *MemoryStore) UpdateSettlement(_ context.Context, rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSettlementLocked(rec, expectedStatus); err != nil {
		return err
	}
	rec.Version++
	s.settlements[periodKey(rec.Program, rec.PeriodID)] = rec.Clone()
	return nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, rec *model.SettlementRecord, tx *model.LedgerTx, grants []model.OptionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSettlementLocked(rec, model.StatusProcessing); err != nil {
		return err
	}
	for _, g := range grants {
		if _, ok := s.grants[g.ID]; ok {
			return fmt.Errorf("%w: grant %s", ErrConflict, g.ID)
		}
	}
	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}

	// All checks passed: apply.
	s.commitStagedLocked(tx, staged)
	for _, g := range grants {
		s.insertGrantLocked(g)
	}
	rec.Version++
	s.settlements[periodKey(rec.Program, rec.PeriodID)] = rec.Clone()
	return nil
}

func (s *MemoryStore) checkSettlementLocked(rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error {
	cur, ok := s.settlements[periodKey(rec.Program, rec.PeriodID)]
	if !ok {
		return fmt.Errorf("%w: settlement %s %s", ErrNotFound, rec.Program, rec.PeriodID)
	}
	if cur.Status != expectedStatus || cur.Version != rec.Version {
		return fmt.Errorf("%w: settlement %s %s is %s v%d, expected %s v%d",
			ErrVersionConflict, rec.Program, rec.PeriodID, cur.Status, cur.Version, expectedStatus, rec.Version)
	}
	return nil
}

// --- Options ---

func (s *MemoryStore) CreateGrants(_ context.Context, grants []model.OptionGrant, tx *model.LedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range grants {
		if _, ok := s.grants[g.ID]; ok {
			return fmt.Errorf("%w: grant %s", ErrConflict, g.ID)
		}
	}
	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}
	s.commitStagedLocked(tx, staged)
	for _, g := range grants {
		s.insertGrantLocked(g)
	}
	return nil
}

func (s *MemoryStore) insertGrantLocked(g model.OptionGrant) {
	if g.Version == 0 {
		g.Version = 1
	}
	s.grants[g.ID] = &g
	s.grantOrder = append(s.grantOrder, g.ID)
}

func (s *MemoryStore) GetGrant(_ context.Context, id string) (*model.OptionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	out := *g
	return &out, nil
}

func (s *MemoryStore) ListGrantsByUser(_ context.Context, userID string) ([]model.OptionGrant, error) {
	return s.listGrants(func(g *model.OptionGrant) bool { return g.UserID == userID }), nil
}

func (s *MemoryStore) ListVestingGrants(_ context.Context) ([]model.OptionGrant, error) {
	return s.listGrants(func(g *model.OptionGrant) bool { return !g.FullyVested }), nil
}

// listGrants returns matching grants oldest first (grant date, then insertion).
func (s *MemoryStore) listGrants(match func(*model.OptionGrant) bool) []model.OptionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OptionGrant
	for _, id := range s.grantOrder {
		if g := s.grants[id]; match(g) {
			out = append(out, *g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantDate.Before(out[j].GrantDate) })
	return out
}

func (s *MemoryStore) CommitVesting(_ context.Context, updates []model.GrantUpdate, tx *model.LedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGrantUpdatesLocked(updates); err != nil {
		return err
	}
	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}
	s.commitStagedLocked(tx, staged)
	s.applyGrantUpdatesLocked(updates)
	return nil
}

func (s *MemoryStore) CommitExercise(_ context.Context, updates []model.GrantUpdate, tx *model.LedgerTx, rec *model.ExerciseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGrantUpdatesLocked(updates); err != nil {
		return err
	}
	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}
	s.commitStagedLocked(tx, staged)
	s.applyGrantUpdatesLocked(updates)
	r := *rec
	r.Legs = append([]model.ExerciseLeg(nil), rec.Legs...)
	s.exercises = append(s.exercises, r)
	return nil
}

func (s *MemoryStore) checkGrantUpdatesLocked(updates []model.GrantUpdate) error {
	for _, u := range updates {
		g, ok := s.grants[u.GrantID]
		if !ok {
			return fmt.Errorf("%w: grant %s", ErrNotFound, u.GrantID)
		}
		if g.Version != u.ExpectedVersion {
			return fmt.Errorf("%w: grant %s is v%d, expected v%d", ErrVersionConflict, u.GrantID, g.Version, u.ExpectedVersion)
		}
	}
	return nil
}

func (s *MemoryStore) applyGrantUpdatesLocked(updates []model.GrantUpdate) {
	for _, u := range updates {
		g := s.grants[u.GrantID]
		g.VestedAmount = u.VestedAmount
		g.ExercisedAmount = u.ExercisedAmount
		g.FullyVested = u.FullyVested
		g.FullyExercised = u.FullyExercised
		g.Version++
	}
}

func (s *MemoryStore) ListExercisesByUser(_ context.Context, userID string) ([]model.ExerciseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ExerciseRecord
	for _, e := range s.exercises {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Dividends ---

func (s *MemoryStore) GetDividendWeights(_ context.Context) ([]model.DividendWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DividendWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) PutDividendWeights(_ context.Context, weights []model.DividendWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range weights {
		s.weights[w.UserID] = w
	}
	return nil
}

func (s *MemoryStore) GetDividend(_ context.Context, periodID string) (*model.DividendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.dividends[periodID]
	if !ok {
		return nil, fmt.Errorf("%w: dividend %s", ErrNotFound, periodID)
	}
	out := *rec
	out.Recipients = append([]model.DividendRecipient(nil), rec.Recipients...)
	return &out, nil
}

func (s *MemoryStore) CommitDividend(_ context.Context, rec *model.DividendRecord, tx *model.LedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dividends[rec.PeriodID]; ok {
		return fmt.Errorf("%w: dividend %s", ErrConflict, rec.PeriodID)
	}
	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}
	s.commitStagedLocked(tx, staged)
	c := *rec
	c.Recipients = append([]model.DividendRecipient(nil), rec.Recipients...)
	s.dividends[rec.PeriodID] = &c
	return nil
}

// --- Wallet ---

func (s *MemoryStore) ApplyLedgerTx(_ context.Context, tx *model.LedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.stageTxLocked(tx)
	if err != nil {
		return err
	}
	s.commitStagedLocked(tx, staged)
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, account string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := &model.Wallet{Account: account, Balances: make(map[model.Currency]decimal.Decimal)}
	for cur, amt := range s.balances[account] {
		w.Balances[cur] = amt
	}
	return w, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

// stagedBalances maps account → currency → new balance. A nil result means
// the transaction is empty or was already applied.
type stagedBalances map[string]map[model.Currency]decimal.Decimal

// stageTxLocked validates tx and computes the resulting balances without
// mutating anything.
func (s *MemoryStore) stageTxLocked(tx *model.LedgerTx) (stagedBalances, error) {
	if tx.Empty() || s.appliedTx[tx.ID] {
		return nil, nil
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	staged := make(stagedBalances)
	for account, deltas := range tx.AccountTotals() {
		m := make(map[model.Currency]decimal.Decimal, len(deltas))
		for cur, delta := range deltas {
			next := s.balances[account][cur].Add(delta)
			if next.IsNegative() && !model.IsSystemAccount(account) {
				return nil, fmt.Errorf("%w: %s %s would be %s", ErrInsufficientBalance, account, cur, next)
			}
			m[cur] = next
		}
		staged[account] = m
	}
	return staged, nil
}

func (s *MemoryStore) commitStagedLocked(tx *model.LedgerTx, staged stagedBalances) {
	if staged == nil {
		return
	}
	for account, m := range staged {
		bal, ok := s.balances[account]
		if !ok {
			bal = make(map[model.Currency]decimal.Decimal)
			s.balances[account] = bal
		}
		for cur, amt := range m {
			bal[cur] = amt
		}
	}
	s.ledger = append(s.ledger, tx.Entries...)
	s.appliedTx[tx.ID] = true
}
