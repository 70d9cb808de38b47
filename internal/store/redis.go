package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only completed
// settlements, dividend records and wallets are cached; everything else
// passes through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateSettlement(ctx context.Context, rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error {
	if err := s.Store.UpdateSettlement(ctx, rec, expectedStatus); err != nil {
		return err
	}
	s.rdb.Del(ctx, settlementKey(rec.Program, rec.PeriodID))
	return nil
}

func (s *CachedStore) CommitSettlement(ctx context.Context, rec *model.SettlementRecord, tx *model.LedgerTx, grants []model.OptionGrant) error {
	if err := s.Store.CommitSettlement(ctx, rec, tx, grants); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	s.cacheJSON(ctx, settlementKey(rec.Program, rec.PeriodID), rec)
	return nil
}

func (s *CachedStore) CreateGrants(ctx context.Context, grants []model.OptionGrant, tx *model.LedgerTx) error {
	if err := s.Store.CreateGrants(ctx, grants, tx); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	return nil
}

func (s *CachedStore) CommitVesting(ctx context.Context, updates []model.GrantUpdate, tx *model.LedgerTx) error {
	if err := s.Store.CommitVesting(ctx, updates, tx); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	return nil
}

func (s *CachedStore) CommitExercise(ctx context.Context, updates []model.GrantUpdate, tx *model.LedgerTx, rec *model.ExerciseRecord) error {
	if err := s.Store.CommitExercise(ctx, updates, tx, rec); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	return nil
}

func (s *CachedStore) CommitDividend(ctx context.Context, rec *model.DividendRecord, tx *model.LedgerTx) error {
	if err := s.Store.CommitDividend(ctx, rec, tx); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	s.cacheJSON(ctx, dividendKey(rec.PeriodID), rec)
	return nil
}

func (s *CachedStore) ApplyLedgerTx(ctx context.Context, tx *model.LedgerTx) error {
	if err := s.Store.ApplyLedgerTx(ctx, tx); err != nil {
		return err
	}
	s.invalidateWallets(ctx, tx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSettlement(ctx context.Context, program model.ProgramID, periodID string) (*model.SettlementRecord, error) {
	var cached model.SettlementRecord
	if s.readJSON(ctx, settlementKey(program, periodID), &cached) {
		return &cached, nil
	}

	rec, err := s.Store.GetSettlement(ctx, program, periodID)
	if err != nil {
		return nil, err
	}
	// In-flight records change under CAS; only terminal ones are cached.
	if rec.Status == model.StatusCompleted {
		s.cacheJSON(ctx, settlementKey(program, periodID), rec)
	}
	return rec, nil
}

func (s *CachedStore) GetDividend(ctx context.Context, periodID string) (*model.DividendRecord, error) {
	var cached model.DividendRecord
	if s.readJSON(ctx, dividendKey(periodID), &cached) {
		return &cached, nil
	}

	rec, err := s.Store.GetDividend(ctx, periodID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, dividendKey(periodID), rec)
	return rec, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, account string) (*model.Wallet, error) {
	var cached model.Wallet
	if s.readJSON(ctx, walletKey(account), &cached) {
		return &cached, nil
	}

	w, err := s.Store.GetWallet(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, walletKey(account), w)
	return w, nil
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, v interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateWallets(ctx context.Context, tx *model.LedgerTx) {
	if tx.Empty() {
		return
	}
	keys := make([]string, 0, len(tx.Entries))
	for account := range tx.AccountTotals() {
		keys = append(keys, walletKey(account))
	}
	s.rdb.Del(ctx, keys...)
}

func settlementKey(program model.ProgramID, periodID string) string {
	return fmt.Sprintf("settlement:%s:%s", program, periodID)
}
func dividendKey(periodID string) string { return fmt.Sprintf("dividend:%s", periodID) }
func walletKey(account string) string    { return fmt.Sprintf("wallet:%s", account) }
