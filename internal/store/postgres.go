package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// dec parses a NUMERIC read back as ::TEXT.
func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Inputs ---

func (s *PostgresStore) PutMetrics(ctx context.Context, program model.ProgramID, periodID string, metrics []model.ContributionMetric) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := checkPeriodOpen(ctx, tx, program, periodID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, m := range metrics {
			values, err := json.Marshal(m.Values)
			if err != nil {
				return fmt.Errorf("encode metrics for %s: %w", m.UserID, err)
			}
			batch.Queue(
				`INSERT INTO contribution_metrics (program, period_id, user_id, metrics, updated_at)
				 VALUES ($1, $2, $3, $4::JSONB, now())
				 ON CONFLICT (program, period_id, user_id)
				 DO UPDATE SET metrics = EXCLUDED.metrics, updated_at = now()`,
				program, periodID, m.UserID, string(values))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// checkPeriodOpen locks the settlement row, if any, and rejects writes to a
// completed period.
func checkPeriodOpen(ctx context.Context, tx pgx.Tx, program model.ProgramID, periodID string) error {
	var status model.SettlementStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM settlements WHERE program = $1 AND period_id = $2 FOR SHARE`,
		program, periodID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check period %s %s: %w", program, periodID, err)
	}
	if status == model.StatusCompleted {
		return fmt.Errorf("%w: %s %s", ErrPeriodClosed, program, periodID)
	}
	return nil
}

func (s *PostgresStore) GetMetricsSnapshot(ctx context.Context, program model.ProgramID, periodID string) ([]model.ContributionMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, metrics FROM contribution_metrics
		 WHERE program = $1 AND period_id = $2 ORDER BY user_id`, program, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ContributionMetric{}
	for rows.Next() {
		m := model.ContributionMetric{Program: program, PeriodID: periodID}
		var raw []byte
		if err := rows.Scan(&m.UserID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m.Values); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", m.UserID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutNetIncome(ctx context.Context, program model.ProgramID, periodID string, income decimal.Decimal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := checkPeriodOpen(ctx, tx, program, periodID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO net_income (program, period_id, income, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, now())
			 ON CONFLICT (program, period_id)
			 DO UPDATE SET income = EXCLUDED.income, updated_at = now()`,
			program, periodID, income.String())
		return err
	})
}

func (s *PostgresStore) GetNetIncome(ctx context.Context, program model.ProgramID, periodID string) (decimal.Decimal, error) {
	var income string
	err := s.pool.QueryRow(ctx,
		`SELECT income::TEXT FROM net_income WHERE program = $1 AND period_id = $2`,
		program, periodID).Scan(&income)
	if err != nil {
		return decimal.Zero, notFound(err, "income for %s %s", program, periodID)
	}
	return dec(income), nil
}

// --- Settlements ---

const settlementColumns = `id, program, period_id,
	net_income::TEXT, distribution_pool::TEXT, total_contribution_score::TEXT,
	status, recipients, weight_version, ledger_tx_id, attempts, last_error,
	processing_started_at, settled_at, created_at, updated_at, version`

func scanSettlement(row pgx.Row) (*model.SettlementRecord, error) {
	var r model.SettlementRecord
	var income, pool, total string
	var recipients []byte
	if err := row.Scan(&r.ID, &r.Program, &r.PeriodID,
		&income, &pool, &total,
		&r.Status, &recipients, &r.WeightVersion, &r.LedgerTxID, &r.Attempts, &r.LastError,
		&r.ProcessingStartedAt, &r.SettledAt, &r.CreatedAt, &r.UpdatedAt, &r.Version); err != nil {
		return nil, err
	}
	r.NetIncome = dec(income)
	r.DistributionPool = dec(pool)
	r.TotalContributionScore = dec(total)
	if err := json.Unmarshal(recipients, &r.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, program model.ProgramID, periodID string) (*model.SettlementRecord, error) {
	rec, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE program = $1 AND period_id = $2`,
		program, periodID))
	if err != nil {
		return nil, notFound(err, "settlement %s %s", program, periodID)
	}
	return rec, nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, program model.ProgramID) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE program = $1 ORDER BY period_id DESC`, program)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func (s *PostgresStore) ListSettlementsByStatus(ctx context.Context, program model.ProgramID, status model.SettlementStatus) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE program = $1 AND status = $2 ORDER BY period_id DESC`, program, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func scanSettlements(rows pgx.Rows) ([]model.SettlementRecord, error) {
	var out []model.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	recipients, err := json.Marshal(nonNilRecipients(rec.Recipients))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, program, period_id, net_income, distribution_pool, total_contribution_score,
		                          status, recipients, weight_version, ledger_tx_id, attempts, last_error,
		                          processing_started_at, settled_at, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::JSONB, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		 ON CONFLICT (program, period_id) DO NOTHING`,
		rec.ID, rec.Program, rec.PeriodID,
		rec.NetIncome.String(), rec.DistributionPool.String(), rec.TotalContributionScore.String(),
		rec.Status, string(recipients), rec.WeightVersion, rec.LedgerTxID, rec.Attempts, rec.LastError,
		rec.ProcessingStartedAt, rec.SettledAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create settlement %s %s: %w", rec.Program, rec.PeriodID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: settlement %s %s", ErrConflict, rec.Program, rec.PeriodID)
	}
	rec.Version = 1
	return nil
}

func (s *PostgresStore) UpdateSettlement(ctx context.Context, rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error {
	if err := updateSettlement(ctx, s.pool, rec, expectedStatus); err != nil {
		return err
	}
	rec.Version++
	return nil
}

// pgxExec is satisfied by both the pool and a transaction.
type pgxExec interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func updateSettlement(ctx context.Context, db pgxExec, rec *model.SettlementRecord, expectedStatus model.SettlementStatus) error {
	recipients, err := json.Marshal(nonNilRecipients(rec.Recipients))
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE settlements
		 SET net_income = $3::NUMERIC, distribution_pool = $4::NUMERIC, total_contribution_score = $5::NUMERIC,
		     status = $6, recipients = $7::JSONB, weight_version = $8, ledger_tx_id = $9,
		     attempts = $10, last_error = $11, processing_started_at = $12, settled_at = $13,
		     updated_at = $14, version = version + 1
		 WHERE program = $1 AND period_id = $2 AND status = $15 AND version = $16`,
		rec.Program, rec.PeriodID,
		rec.NetIncome.String(), rec.DistributionPool.String(), rec.TotalContributionScore.String(),
		rec.Status, string(recipients), rec.WeightVersion, rec.LedgerTxID,
		rec.Attempts, rec.LastError, rec.ProcessingStartedAt, rec.SettledAt,
		rec.UpdatedAt, expectedStatus, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update settlement %s %s: %w", rec.Program, rec.PeriodID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: settlement %s %s no longer %s v%d",
			ErrVersionConflict, rec.Program, rec.PeriodID, expectedStatus, rec.Version)
	}
	return nil
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, rec *model.SettlementRecord, ltx *model.LedgerTx, grants []model.OptionGrant) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateSettlement(ctx, tx, rec, model.StatusProcessing); err != nil {
			return err
		}
		if err := applyLedgerTx(ctx, tx, ltx); err != nil {
			return err
		}
		return insertGrants(ctx, tx, grants)
	})
	if err != nil {
		return err
	}
	rec.Version++
	return nil
}

func nonNilRecipients(r []model.Recipient) []model.Recipient {
	if r == nil {
		return []model.Recipient{}
	}
	return r
}

// --- Options ---

const grantColumns = `id, user_id, program, period_id,
	amount::TEXT, strike_price::TEXT, market_price_at_grant::TEXT, discount::TEXT,
	grant_date, vesting_period_days, vested_amount::TEXT, exercised_amount::TEXT,
	fully_vested, fully_exercised, version, updated_at`

func scanGrant(row pgx.Row) (*model.OptionGrant, error) {
	var g model.OptionGrant
	var amount, strike, market, discount, vested, exercised string
	if err := row.Scan(&g.ID, &g.UserID, &g.Program, &g.PeriodID,
		&amount, &strike, &market, &discount,
		&g.GrantDate, &g.VestingPeriodDays, &vested, &exercised,
		&g.FullyVested, &g.FullyExercised, &g.Version, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Amount = dec(amount)
	g.StrikePrice = dec(strike)
	g.MarketPriceAtGrant = dec(market)
	g.Discount = dec(discount)
	g.VestedAmount = dec(vested)
	g.ExercisedAmount = dec(exercised)
	return &g, nil
}

func scanGrants(rows pgx.Rows) ([]model.OptionGrant, error) {
	var out []model.OptionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func insertGrants(ctx context.Context, tx pgx.Tx, grants []model.OptionGrant) error {
	for _, g := range grants {
		tag, err := tx.Exec(ctx,
			`INSERT INTO option_grants (id, user_id, program, period_id, amount, strike_price,
			                            market_price_at_grant, discount, grant_date, vesting_period_days,
			                            vested_amount, exercised_amount, fully_vested, fully_exercised,
			                            version, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10,
			         $11::NUMERIC, $12::NUMERIC, $13, $14, 1, $15)
			 ON CONFLICT (id) DO NOTHING`,
			g.ID, g.UserID, g.Program, g.PeriodID,
			g.Amount.String(), g.StrikePrice.String(), g.MarketPriceAtGrant.String(), g.Discount.String(),
			g.GrantDate, g.VestingPeriodDays,
			g.VestedAmount.String(), g.ExercisedAmount.String(), g.FullyVested, g.FullyExercised,
			g.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert grant %s: %w", g.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: grant %s", ErrConflict, g.ID)
		}
	}
	return nil
}

func (s *PostgresStore) CreateGrants(ctx context.Context, grants []model.OptionGrant, ltx *model.LedgerTx) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertGrants(ctx, tx, grants); err != nil {
			return err
		}
		return applyLedgerTx(ctx, tx, ltx)
	})
}

func (s *PostgresStore) GetGrant(ctx context.Context, id string) (*model.OptionGrant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM option_grants WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "grant %s", id)
	}
	return g, nil
}

func (s *PostgresStore) ListGrantsByUser(ctx context.Context, userID string) ([]model.OptionGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM option_grants WHERE user_id = $1 ORDER BY grant_date, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

func (s *PostgresStore) ListVestingGrants(ctx context.Context) ([]model.OptionGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM option_grants WHERE NOT fully_vested ORDER BY grant_date, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

func applyGrantUpdates(ctx context.Context, tx pgx.Tx, updates []model.GrantUpdate) error {
	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE option_grants
			 SET vested_amount = $3::NUMERIC, exercised_amount = $4::NUMERIC,
			     fully_vested = $5, fully_exercised = $6, version = version + 1, updated_at = now()
			 WHERE id = $1 AND version = $2`,
			u.GrantID, u.ExpectedVersion,
			u.VestedAmount.String(), u.ExercisedAmount.String(), u.FullyVested, u.FullyExercised,
		)
		if err != nil {
			return fmt.Errorf("update grant %s: %w", u.GrantID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: grant %s no longer v%d", ErrVersionConflict, u.GrantID, u.ExpectedVersion)
		}
	}
	return nil
}

func (s *PostgresStore) CommitVesting(ctx context.Context, updates []model.GrantUpdate, ltx *model.LedgerTx) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := applyGrantUpdates(ctx, tx, updates); err != nil {
			return err
		}
		return applyLedgerTx(ctx, tx, ltx)
	})
}

func (s *PostgresStore) CommitExercise(ctx context.Context, updates []model.GrantUpdate, ltx *model.LedgerTx, rec *model.ExerciseRecord) error {
	legs, err := json.Marshal(rec.Legs)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := applyGrantUpdates(ctx, tx, updates); err != nil {
			return err
		}
		if err := applyLedgerTx(ctx, tx, ltx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO option_exercises (id, user_id, amount, market_price, profit, ledger_tx_id, legs, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::JSONB, $8)`,
			rec.ID, rec.UserID, rec.Amount.String(), rec.MarketPrice.String(), rec.Profit.String(),
			rec.LedgerTxID, string(legs), rec.CreatedAt,
		)
		return err
	})
}

func (s *PostgresStore) ListExercisesByUser(ctx context.Context, userID string) ([]model.ExerciseRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, market_price::TEXT, profit::TEXT, ledger_tx_id, legs, created_at
		 FROM option_exercises WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExerciseRecord
	for rows.Next() {
		var e model.ExerciseRecord
		var amount, price, profit string
		var legs []byte
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &price, &profit, &e.LedgerTxID, &legs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.MarketPrice = dec(price)
		e.Profit = dec(profit)
		if err := json.Unmarshal(legs, &e.Legs); err != nil {
			return nil, fmt.Errorf("decode legs of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Dividends ---

func (s *PostgresStore) GetDividendWeights(ctx context.Context) ([]model.DividendWeight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, weight::TEXT, prev_weight::TEXT, period_id, updated_at
		 FROM dividend_weights ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DividendWeight
	for rows.Next() {
		var w model.DividendWeight
		var weight, prev string
		if err := rows.Scan(&w.UserID, &weight, &prev, &w.PeriodID, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Weight = dec(weight)
		w.PrevWeight = dec(prev)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutDividendWeights(ctx context.Context, weights []model.DividendWeight) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, w := range weights {
			batch.Queue(
				`INSERT INTO dividend_weights (user_id, weight, prev_weight, period_id, updated_at)
				 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
				 ON CONFLICT (user_id) DO UPDATE
				 SET weight = EXCLUDED.weight, prev_weight = EXCLUDED.prev_weight,
				     period_id = EXCLUDED.period_id, updated_at = EXCLUDED.updated_at`,
				w.UserID, w.Weight.String(), w.PrevWeight.String(), w.PeriodID, w.UpdatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) GetDividend(ctx context.Context, periodID string) (*model.DividendRecord, error) {
	var r model.DividendRecord
	var pool, distributed string
	var recipients []byte
	err := s.pool.QueryRow(ctx,
		`SELECT period_id, total_pool::TEXT, distributed_amount::TEXT, recipients, ledger_tx_id, created_at
		 FROM dividends WHERE period_id = $1`, periodID).
		Scan(&r.PeriodID, &pool, &distributed, &recipients, &r.LedgerTxID, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "dividend %s", periodID)
	}
	r.TotalPool = dec(pool)
	r.DistributedAmount = dec(distributed)
	if err := json.Unmarshal(recipients, &r.Recipients); err != nil {
		return nil, fmt.Errorf("decode dividend recipients %s: %w", periodID, err)
	}
	return &r, nil
}

func (s *PostgresStore) CommitDividend(ctx context.Context, rec *model.DividendRecord, ltx *model.LedgerTx) error {
	recipients := rec.Recipients
	if recipients == nil {
		recipients = []model.DividendRecipient{}
	}
	raw, err := json.Marshal(recipients)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO dividends (period_id, total_pool, distributed_amount, recipients, ledger_tx_id, created_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::JSONB, $5, $6)
			 ON CONFLICT (period_id) DO NOTHING`,
			rec.PeriodID, rec.TotalPool.String(), rec.DistributedAmount.String(), string(raw), rec.LedgerTxID, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert dividend %s: %w", rec.PeriodID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: dividend %s", ErrConflict, rec.PeriodID)
		}
		return applyLedgerTx(ctx, tx, ltx)
	})
}

// --- Wallet ---

func (s *PostgresStore) ApplyLedgerTx(ctx context.Context, ltx *model.LedgerTx) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return applyLedgerTx(ctx, tx, ltx)
	})
}

// applyLedgerTx records ltx inside tx. The ledger_txs primary key makes a
// replay a no-op. Balances are updated in account order so concurrent
// transactions lock rows consistently.
func applyLedgerTx(ctx context.Context, tx pgx.Tx, ltx *model.LedgerTx) error {
	if ltx.Empty() {
		return nil
	}
	if err := ltx.Validate(); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_txs (id, reason, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		ltx.ID, ltx.Reason, ltx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger tx %s: %w", ltx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	totals := ltx.AccountTotals()
	accounts := make([]string, 0, len(totals))
	for a := range totals {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, account := range accounts {
		currencies := make([]string, 0, len(totals[account]))
		for c := range totals[account] {
			currencies = append(currencies, string(c))
		}
		sort.Strings(currencies)

		for _, c := range currencies {
			delta := totals[account][model.Currency(c)]
			var after string
			err := tx.QueryRow(ctx,
				`INSERT INTO balances (account, currency, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (account, currency) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
				 RETURNING amount::TEXT`,
				account, c, delta.String()).Scan(&after)
			if err != nil {
				return fmt.Errorf("update balance %s %s: %w", account, c, err)
			}
			if dec(after).IsNegative() && !model.IsSystemAccount(account) {
				return fmt.Errorf("%w: %s %s would be %s", ErrInsufficientBalance, account, c, after)
			}
		}
	}

	batch := &pgx.Batch{}
	for _, e := range ltx.Entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, tx_id, account, currency, amount, reason, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			e.ID, e.TxID, e.Account, e.Currency, e.Amount.String(), e.Reason, e.Timestamp)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetWallet(ctx context.Context, account string) (*model.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency, amount::TEXT FROM balances WHERE account = $1`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	w := &model.Wallet{Account: account, Balances: make(map[model.Currency]decimal.Decimal)}
	for rows.Next() {
		var cur, amount string
		if err := rows.Scan(&cur, &amount); err != nil {
			return nil, err
		}
		w.Balances[model.Currency(cur)] = dec(amount)
	}
	return w, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tx_id, account, currency, amount::TEXT, reason, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY seq`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.TxID, &e.Account, &e.Currency, &amount, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks database connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
