// Package postgres provides a PostgreSQL-backed AccountStore and
// TransactionLog for creditledger.
//
// Accounts carry a version column; writes are conditional updates on that
// version inside a transaction that also records the idempotency key. This
// makes it safe for multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditledger"
)

// Store is a PostgreSQL-backed AccountStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ creditledger.AccountStore  = (*Store)(nil)
	_ creditledger.AccountLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed AccountStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string     { return s.tablePrefix + "accounts" }
func (s *Store) idempotencyTable() string  { return s.tablePrefix + "idempotency" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			balance_unlimited BOOLEAN NOT NULL DEFAULT false,
			allowance BIGINT NOT NULL DEFAULT 0,
			allowance_unlimited BOOLEAN NOT NULL DEFAULT false,
			bonus_balance BIGINT NOT NULL DEFAULT 0,
			consumed_lifetime BIGINT NOT NULL DEFAULT 0,
			last_reset_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_account_idx ON %[3]s (account_id, seq DESC);
	`, s.accountsTable(), s.idempotencyTable(), s.transactionsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

const accountColumns = `account_id, tier, balance, balance_unlimited, allowance, allowance_unlimited,
	bonus_balance, consumed_lifetime, last_reset_at, version`

// Load returns the stored account.
func (s *Store) Load(ctx context.Context, accountID string) (creditledger.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1`, accountColumns, s.accountsTable()),
		accountID,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.Account{}, creditledger.ErrAccountNotFound
	}
	if err != nil {
		return creditledger.Account{}, classify("load", err)
	}
	return acc, nil
}

// Create stores a new account.
func (s *Store) Create(ctx context.Context, acc creditledger.Account) error {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (account_id) DO NOTHING RETURNING true`, s.accountsTable(), accountColumns),
		accountArgs(acc)...,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.ErrAccountExists
	}
	if err != nil {
		return classify("create", err)
	}
	return nil
}

// CompareAndSwap replaces the account if its version matches.
func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, next creditledger.Account, idempotencyKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency check.
	if idempotencyKey != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, s.idempotencyTable()),
			idempotencyKey,
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %q", creditledger.ErrDuplicateRequest, idempotencyKey)
		}
		if err != nil {
			return classify("idem check", err)
		}
	}

	// 2. Conditional write on the version read by the caller.
	args := append(accountArgs(next), expectedVersion)
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tier = $2, balance = $3, balance_unlimited = $4, allowance = $5,
			allowance_unlimited = $6, bonus_balance = $7, consumed_lifetime = $8, last_reset_at = $9, version = $10
			WHERE account_id = $1 AND version = $11`, s.accountsTable()),
		args...,
	)
	if err != nil {
		return classify("compare-and-swap", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT true FROM %s WHERE account_id = $1`, s.accountsTable()),
			next.ID,
		).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return creditledger.ErrAccountNotFound
		}
		if err != nil {
			return classify("check exists", err)
		}
		// Rolling back also releases the idempotency key.
		return creditledger.ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]creditledger.Account, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY account_id`, accountColumns, s.accountsTable()),
	)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var out []creditledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify("list scan", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// CleanupIdempotency removes expired idempotency keys.
func (s *Store) CleanupIdempotency(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.idempotencyTable()),
		cutoff,
	)
	if err != nil {
		return 0, classify("cleanup idempotency", err)
	}
	return tag.RowsAffected(), nil
}

func accountArgs(acc creditledger.Account) []any {
	return []any{
		acc.ID,
		acc.Tier,
		acc.Balance.Value(),
		acc.Balance.IsUnlimited(),
		acc.MonthlyAllowance.Value(),
		acc.MonthlyAllowance.IsUnlimited(),
		acc.BonusBalance,
		acc.ConsumedLifetime,
		acc.LastResetAt.UTC(),
		acc.Version,
	}
}

func scanAccount(row pgx.Row) (creditledger.Account, error) {
	var (
		acc                          creditledger.Account
		balance, allowance           int64
		balanceUnlim, allowanceUnlim bool
	)
	err := row.Scan(&acc.ID, &acc.Tier, &balance, &balanceUnlim, &allowance, &allowanceUnlim,
		&acc.BonusBalance, &acc.ConsumedLifetime, &acc.LastResetAt, &acc.Version)
	if err != nil {
		return creditledger.Account{}, err
	}
	acc.Balance = credits(balance, balanceUnlim)
	acc.MonthlyAllowance = credits(allowance, allowanceUnlim)
	acc.LastResetAt = acc.LastResetAt.UTC()
	return acc, nil
}

func credits(n int64, unlimited bool) creditledger.Credits {
	if unlimited {
		return creditledger.Unlimited()
	}
	return creditledger.Finite(n)
}

// classify marks connectivity failures as ErrStoreUnavailable. Server-side
// errors other than connection and shutdown classes are returned as is.
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("creditledger/postgres: %s: %w: %w", op, creditledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("creditledger/postgres: %s: %w", op, err)
}

func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03": // shutdown
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	return errors.As(err, &connErr) ||
		errors.As(err, &netErr) ||
		pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
