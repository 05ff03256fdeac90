package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/manaforge/market-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	balance    NUMERIC NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS transactions (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	amount       NUMERIC NOT NULL CHECK (amount > 0),
	category     TEXT NOT NULL,
	contract_id  TEXT NOT NULL DEFAULT '',
	created_time TIMESTAMPTZ NOT NULL,
	data         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_from_idx ON transactions (from_id, seq);
CREATE INDEX IF NOT EXISTS transactions_to_idx ON transactions (to_id, seq);
CREATE INDEX IF NOT EXISTS transactions_contract_idx ON transactions (contract_id, seq);
CREATE TABLE IF NOT EXISTS markets (
	id               TEXT PRIMARY KEY,
	is_resolved      BOOLEAN NOT NULL DEFAULT FALSE,
	payouts_complete BOOLEAN NOT NULL DEFAULT FALSE,
	version          BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	data             JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS liquidity_provisions (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	data        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS bets (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS bets_contract_user_idx ON bets (contract_id, user_id, seq);
CREATE TABLE IF NOT EXISTS loans (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	data        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS limit_orders (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	version     BIGINT NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS limit_orders_pending_idx ON limit_orders (contract_id, status, seq);
CREATE TABLE IF NOT EXISTS applied_units (
	key        TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS halted_accounts (
	id        TEXT PRIMARY KEY,
	reason    TEXT NOT NULL,
	halted_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Balances and amounts are stored as NUMERIC for exact decimal precision.
// Apply runs at SERIALIZABLE isolation; serialization failures surface as
// model.ErrConcurrencyConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Accounts and ledger ---

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var kind, balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, balance::TEXT, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &kind, &balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Kind = model.AccountKind(kind)
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, balance::TEXT, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var kind, balance string
		if err := rows.Scan(&a.ID, &kind, &balance, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Kind = model.AccountKind(kind)
		if a.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance of %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAccountTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return queryDocs[model.Transaction](ctx, s.pool,
		`SELECT data::TEXT FROM transactions WHERE from_id = $1 OR to_id = $1 ORDER BY seq`, accountID)
}

func (s *PostgresStore) ListContractTransactions(ctx context.Context, contractID string) ([]model.Transaction, error) {
	return queryDocs[model.Transaction](ctx, s.pool,
		`SELECT data::TEXT FROM transactions WHERE contract_id = $1 ORDER BY seq`, contractID)
}

// --- Markets ---

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT data::TEXT FROM markets WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	var m model.Market
	if err := decodeDoc(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return queryDocs[model.Market](ctx, s.pool, `SELECT data::TEXT FROM markets ORDER BY created_at`)
}

func (s *PostgresStore) ListUnsettledMarkets(ctx context.Context) ([]model.Market, error) {
	return queryDocs[model.Market](ctx, s.pool,
		`SELECT data::TEXT FROM markets WHERE is_resolved AND NOT payouts_complete ORDER BY created_at`)
}

func (s *PostgresStore) ListProvisions(ctx context.Context, contractID string) ([]model.LiquidityProvision, error) {
	return queryDocs[model.LiquidityProvision](ctx, s.pool,
		`SELECT data::TEXT FROM liquidity_provisions WHERE contract_id = $1 ORDER BY seq`, contractID)
}

// --- Bets and loans ---

func (s *PostgresStore) ListBets(ctx context.Context, contractID string) ([]model.Bet, error) {
	return queryDocs[model.Bet](ctx, s.pool,
		`SELECT data::TEXT FROM bets WHERE contract_id = $1 ORDER BY seq`, contractID)
}

func (s *PostgresStore) ListUserBets(ctx context.Context, userID, contractID string) ([]model.Bet, error) {
	return queryDocs[model.Bet](ctx, s.pool,
		`SELECT data::TEXT FROM bets WHERE contract_id = $1 AND user_id = $2 ORDER BY seq`, contractID, userID)
}

func (s *PostgresStore) ListLoans(ctx context.Context, contractID string) ([]model.Loan, error) {
	return queryDocs[model.Loan](ctx, s.pool,
		`SELECT data::TEXT FROM loans WHERE contract_id = $1 ORDER BY seq`, contractID)
}

func (s *PostgresStore) ListUserLoans(ctx context.Context, userID, contractID string) ([]model.Loan, error) {
	return queryDocs[model.Loan](ctx, s.pool,
		`SELECT data::TEXT FROM loans WHERE contract_id = $1 AND user_id = $2 ORDER BY seq`, contractID, userID)
}

// --- Orders ---

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT data::TEXT FROM limit_orders WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	var o model.LimitOrder
	if err := decodeDoc(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, contractID string) ([]model.LimitOrder, error) {
	return queryDocs[model.LimitOrder](ctx, s.pool,
		`SELECT data::TEXT FROM limit_orders WHERE contract_id = $1 AND status = $2 ORDER BY seq`,
		contractID, string(model.OrderPending))
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error) {
	return queryDocs[model.LimitOrder](ctx, s.pool,
		`SELECT data::TEXT FROM limit_orders
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2 ORDER BY seq`,
		string(model.OrderPending), now)
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryDocs[T any](ctx context.Context, q pgxQuerier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanDocs[T](rows)
}

// --- Halts ---

func (s *PostgresStore) HaltAccount(ctx context.Context, id, reason string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO halted_accounts (id, reason, halted_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET reason = EXCLUDED.reason, halted_at = EXCLUDED.halted_at`,
		id, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("halt account %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UnhaltAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM halted_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("unhalt account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("halt on %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListHaltedAccounts(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, reason FROM halted_accounts`)
	if err != nil {
		return nil, fmt.Errorf("list halted accounts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, reason string
		if err := rows.Scan(&id, &reason); err != nil {
			return nil, err
		}
		out[id] = reason
	}
	return out, rows.Err()
}

// --- Writes ---

func (s *PostgresStore) Apply(ctx context.Context, uow *UnitOfWork) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := s.apply(ctx, tx, uow); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) apply(ctx context.Context, tx pgx.Tx, uow *UnitOfWork) error {
	now := time.Now().UTC()

	if uow.Key != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO applied_units (key, applied_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			uow.Key, now)
		if err != nil {
			return fmt.Errorf("record unit key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyApplied, uow.Key)
		}
	}

	if ids := uow.Accounts(); len(ids) > 0 {
		var id, reason string
		err := tx.QueryRow(ctx,
			`SELECT id, reason FROM halted_accounts WHERE id = ANY($1) ORDER BY id LIMIT 1`, ids).
			Scan(&id, &reason)
		switch {
		case err == nil:
			return haltedError(id, reason)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check halts: %w", err)
		}
	}

	if m := uow.NewMarket; m != nil {
		doc := m.Clone()
		doc.Version = 1
		raw, err := encodeDoc(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets (id, is_resolved, payouts_complete, version, created_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6::JSONB)`,
			doc.ID, doc.IsResolved, doc.PayoutsComplete, doc.Version, doc.CreatedAt, raw); err != nil {
			return fmt.Errorf("insert market %s: %w", doc.ID, err)
		}
	}

	if u := uow.Market; u != nil {
		doc := u.Market.Clone()
		doc.Version = u.ExpectedVersion + 1
		raw, err := encodeDoc(doc)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET is_resolved = $2, payouts_complete = $3, version = $4, data = $5::JSONB
			 WHERE id = $1 AND version = $6`,
			doc.ID, doc.IsResolved, doc.PayoutsComplete, doc.Version, raw, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update market %s: %w", doc.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: market %s not at version %d", model.ErrConcurrencyConflict, doc.ID, u.ExpectedVersion)
		}
	}

	for _, u := range uow.Orders {
		doc := u.Order
		doc.Version = u.ExpectedVersion + 1
		raw, err := encodeDoc(doc)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE limit_orders SET status = $2, version = $3, data = $4::JSONB
			 WHERE id = $1 AND version = $5`,
			doc.ID, string(doc.Status), doc.Version, raw, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update order %s: %w", doc.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: order %s not at version %d", model.ErrConcurrencyConflict, doc.ID, u.ExpectedVersion)
		}
	}

	for _, o := range uow.NewOrders {
		doc := o
		doc.Version = 1
		raw, err := encodeDoc(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO limit_orders (id, contract_id, user_id, status, expires_at, version, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB)`,
			doc.ID, doc.ContractID, doc.UserID, string(doc.Status), doc.ExpiresAt, doc.Version, raw); err != nil {
			return fmt.Errorf("insert order %s: %w", doc.ID, err)
		}
	}

	for _, t := range uow.Transactions {
		if err := s.applyTransaction(ctx, tx, t, now); err != nil {
			return err
		}
	}

	for _, b := range uow.Bets {
		raw, err := encodeDoc(b)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bets (id, contract_id, user_id, data) VALUES ($1, $2, $3, $4::JSONB)`,
			b.ID, b.ContractID, b.UserID, raw); err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, err)
		}
	}
	for _, l := range uow.Loans {
		raw, err := encodeDoc(l)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO loans (id, contract_id, user_id, data) VALUES ($1, $2, $3, $4::JSONB)`,
			l.ID, l.ContractID, l.UserID, raw); err != nil {
			return fmt.Errorf("insert loan %s: %w", l.ID, err)
		}
	}
	for _, p := range uow.Provisions {
		raw, err := encodeDoc(p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO liquidity_provisions (id, contract_id, data) VALUES ($1, $2, $3::JSONB)`,
			p.ID, p.ContractID, raw); err != nil {
			return fmt.Errorf("insert provision %s: %w", p.ID, err)
		}
	}
	return nil
}

// applyTransaction debits with a conditional update so an uncovered debit
// changes no rows, then credits and appends the record.
func (s *PostgresStore) applyTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction, now time.Time) error {
	for _, id := range []string{t.FromID, t.ToID} {
		kind, err := model.KindOf(id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, kind, balance, updated_at) VALUES ($1, $2, 0, $3)
			 ON CONFLICT (id) DO NOTHING`,
			id, string(kind), now); err != nil {
			return fmt.Errorf("ensure account %s: %w", id, err)
		}
	}

	amount := t.Amount.String()
	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC, updated_at = $3
		 WHERE id = $1 AND (kind = $4 OR balance >= $2::NUMERIC)`,
		t.FromID, amount, now, string(model.AccountBank))
	if err != nil {
		return fmt.Errorf("debit %s: %w", t.FromID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s cannot cover %s", model.ErrInsufficientBalance, t.FromID, amount)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		t.ToID, amount, now); err != nil {
		return fmt.Errorf("credit %s: %w", t.ToID, err)
	}

	raw, err := encodeDoc(t)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, from_id, to_id, amount, category, contract_id, created_time, data)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::JSONB)`,
		t.ID, t.FromID, t.ToID, amount, string(t.Category), t.ContractID(), t.CreatedTime, raw); err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

// classifyPgError maps serialization failures and deadlocks to the
// retriable conflict error.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}
