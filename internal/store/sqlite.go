package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/manaforge/market-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	balance    TEXT NOT NULL DEFAULT '0',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	amount       TEXT NOT NULL,
	category     TEXT NOT NULL,
	contract_id  TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_from_idx ON transactions (from_id, seq);
CREATE INDEX IF NOT EXISTS transactions_to_idx ON transactions (to_id, seq);
CREATE INDEX IF NOT EXISTS transactions_contract_idx ON transactions (contract_id, seq);
CREATE TABLE IF NOT EXISTS markets (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	is_resolved      INTEGER NOT NULL DEFAULT 0,
	payouts_complete INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL,
	data             TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS liquidity_provisions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bets (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS bets_contract_user_idx ON bets (contract_id, user_id, seq);
CREATE TABLE IF NOT EXISTS loans (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS limit_orders (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	contract_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	expires_at  INTEGER,
	version     INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS limit_orders_pending_idx ON limit_orders (contract_id, status, seq);
CREATE TABLE IF NOT EXISTS applied_units (
	key        TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS halted_accounts (
	id        TEXT PRIMARY KEY,
	reason    TEXT NOT NULL,
	halted_at TEXT NOT NULL
);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// CGo). Decimals are stored as TEXT and compared in Go; the single open
// connection serialises writers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts and ledger ---

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, balance, updated_at FROM accounts WHERE id = ?`, id)
	a, err := scanSQLiteAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, balance, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var kind, balance, updated string
	if err := row.Scan(&a.ID, &kind, &balance, &updated); err != nil {
		return nil, err
	}
	a.Kind = model.AccountKind(kind)
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", a.ID, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at of %s: %w", a.ID, err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccountTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return sqliteDocs[model.Transaction](ctx, s.db,
		`SELECT data FROM transactions WHERE from_id = ? OR to_id = ? ORDER BY seq`, accountID, accountID)
}

func (s *SQLiteStore) ListContractTransactions(ctx context.Context, contractID string) ([]model.Transaction, error) {
	return sqliteDocs[model.Transaction](ctx, s.db,
		`SELECT data FROM transactions WHERE contract_id = ? ORDER BY seq`, contractID)
}

// --- Markets ---

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM markets WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return sqliteDocs[model.Market](ctx, s.db, `SELECT data FROM markets ORDER BY seq`)
}

func (s *SQLiteStore) ListUnsettledMarkets(ctx context.Context) ([]model.Market, error) {
	return sqliteDocs[model.Market](ctx, s.db,
		`SELECT data FROM markets WHERE is_resolved = 1 AND payouts_complete = 0 ORDER BY seq`)
}

func (s *SQLiteStore) ListProvisions(ctx context.Context, contractID string) ([]model.LiquidityProvision, error) {
	return sqliteDocs[model.LiquidityProvision](ctx, s.db,
		`SELECT data FROM liquidity_provisions WHERE contract_id = ? ORDER BY seq`, contractID)
}

// --- Bets and loans ---

func (s *SQLiteStore) ListBets(ctx context.Context, contractID string) ([]model.Bet, error) {
	return sqliteDocs[model.Bet](ctx, s.db, `SELECT data FROM bets WHERE contract_id = ? ORDER BY seq`, contractID)
}

func (s *SQLiteStore) ListUserBets(ctx context.Context, userID, contractID string) ([]model.Bet, error) {
	return sqliteDocs[model.Bet](ctx, s.db,
		`SELECT data FROM bets WHERE contract_id = ? AND user_id = ? ORDER BY seq`, contractID, userID)
}

func (s *SQLiteStore) ListLoans(ctx context.Context, contractID string) ([]model.Loan, error) {
	return sqliteDocs[model.Loan](ctx, s.db, `SELECT data FROM loans WHERE contract_id = ? ORDER BY seq`, contractID)
}

func (s *SQLiteStore) ListUserLoans(ctx context.Context, userID, contractID string) ([]model.Loan, error) {
	return sqliteDocs[model.Loan](ctx, s.db,
		`SELECT data FROM loans WHERE contract_id = ? AND user_id = ? ORDER BY seq`, contractID, userID)
}

// --- Orders ---

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM limit_orders WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) ListPendingOrders(ctx context.Context, contractID string) ([]model.LimitOrder, error) {
	return sqliteDocs[model.LimitOrder](ctx, s.db,
		`SELECT data FROM limit_orders WHERE contract_id = ? AND status = ? ORDER BY seq`,
		contractID, string(model.OrderPending))
}

func (s *SQLiteStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error) {
	return sqliteDocs[model.LimitOrder](ctx, s.db,
		`SELECT data FROM limit_orders
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY seq`,
		string(model.OrderPending), now.UnixNano())
}

func sqliteDocs[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanDocs[T](rows)
}

// --- Halts ---

func (s *SQLiteStore) HaltAccount(ctx context.Context, id, reason string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO halted_accounts (id, reason, halted_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`,
		id, reason, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("halt account %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UnhaltAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM halted_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unhalt account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("halt on %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListHaltedAccounts(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, reason FROM halted_accounts`)
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

func (s *SQLiteStore) Apply(ctx context.Context, uow *UnitOfWork) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := s.apply(ctx, tx, uow); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) apply(ctx context.Context, tx *sql.Tx, uow *UnitOfWork) error {
	now := time.Now().UTC()

	if uow.Key != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied_units (key, applied_at) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
			uow.Key, now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("record unit key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyApplied, uow.Key)
		}
	}

	if ids := uow.Accounts(); len(ids) > 0 {
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		var id, reason string
		err := tx.QueryRowContext(ctx,
			`SELECT id, reason FROM halted_accounts WHERE id IN (?`+strings.Repeat(", ?", len(ids)-1)+`) ORDER BY id LIMIT 1`,
			args...).Scan(&id, &reason)
		switch {
		case err == nil:
			return haltedError(id, reason)
		case !errors.Is(err, sql.ErrNoRows):
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO markets (id, is_resolved, payouts_complete, version, data) VALUES (?, ?, ?, ?, ?)`,
			doc.ID, doc.IsResolved, doc.PayoutsComplete, doc.Version, raw); err != nil {
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
		res, err := tx.ExecContext(ctx,
			`UPDATE markets SET is_resolved = ?, payouts_complete = ?, version = ?, data = ?
			 WHERE id = ? AND version = ?`,
			doc.IsResolved, doc.PayoutsComplete, doc.Version, raw, doc.ID, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update market %s: %w", doc.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
		res, err := tx.ExecContext(ctx,
			`UPDATE limit_orders SET status = ?, version = ?, data = ? WHERE id = ? AND version = ?`,
			string(doc.Status), doc.Version, raw, doc.ID, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update order %s: %w", doc.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
		var expires interface{}
		if doc.ExpiresAt != nil {
			expires = doc.ExpiresAt.UnixNano()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO limit_orders (id, contract_id, user_id, status, expires_at, version, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.ContractID, doc.UserID, string(doc.Status), expires, doc.Version, raw); err != nil {
			return fmt.Errorf("insert order %s: %w", doc.ID, err)
		}
	}

	for _, t := range uow.Transactions {
		if err := applySQLiteTransaction(ctx, tx, t, now); err != nil {
			return err
		}
	}

	for _, b := range uow.Bets {
		if err := insertSQLiteDoc(ctx, tx,
			`INSERT INTO bets (id, contract_id, user_id, data) VALUES (?, ?, ?, ?)`,
			b, b.ID, b.ContractID, b.UserID); err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, err)
		}
	}
	for _, l := range uow.Loans {
		if err := insertSQLiteDoc(ctx, tx,
			`INSERT INTO loans (id, contract_id, user_id, data) VALUES (?, ?, ?, ?)`,
			l, l.ID, l.ContractID, l.UserID); err != nil {
			return fmt.Errorf("insert loan %s: %w", l.ID, err)
		}
	}
	for _, p := range uow.Provisions {
		if err := insertSQLiteDoc(ctx, tx,
			`INSERT INTO liquidity_provisions (id, contract_id, data) VALUES (?, ?, ?)`,
			p, p.ID, p.ContractID); err != nil {
			return fmt.Errorf("insert provision %s: %w", p.ID, err)
		}
	}
	return nil
}

// insertSQLiteDoc appends the encoded document as the last bind argument.
func insertSQLiteDoc(ctx context.Context, tx *sql.Tx, query string, doc interface{}, args ...interface{}) error {
	raw, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, append(args, raw)...)
	return err
}

func applySQLiteTransaction(ctx context.Context, tx *sql.Tx, t model.Transaction, now time.Time) error {
	stamp := now.Format(time.RFC3339Nano)
	balances := make(map[string]decimal.Decimal, 2)

	for _, id := range []string{t.FromID, t.ToID} {
		kind, err := model.KindOf(id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, kind, balance, updated_at) VALUES (?, ?, '0', ?)
			 ON CONFLICT (id) DO NOTHING`,
			id, string(kind), stamp); err != nil {
			return fmt.Errorf("ensure account %s: %w", id, err)
		}
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&raw); err != nil {
			return fmt.Errorf("read balance %s: %w", id, err)
		}
		bal, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse balance of %s: %w", id, err)
		}
		balances[id] = bal
	}

	fromKind, _ := model.KindOf(t.FromID)
	from := balances[t.FromID].Sub(t.Amount)
	if from.IsNegative() && !fromKind.MayGoNegative() {
		return fmt.Errorf("%w: account %s has %s, needs %s",
			model.ErrInsufficientBalance, t.FromID, balances[t.FromID], t.Amount)
	}
	to := balances[t.ToID].Add(t.Amount)

	for id, bal := range map[string]decimal.Decimal{t.FromID: from, t.ToID: to} {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
			bal.String(), stamp, id); err != nil {
			return fmt.Errorf("update balance %s: %w", id, err)
		}
	}

	raw, err := encodeDoc(t)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, from_id, to_id, amount, category, contract_id, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FromID, t.ToID, t.Amount.String(), string(t.Category), t.ContractID(), raw); err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}
